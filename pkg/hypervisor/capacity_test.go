package hypervisor

import "testing"

func TestParsePoolNames(t *testing.T) {
	output := ` Name                 State
----------------------------------
 default              active
 images               active
 archived             inactive`

	pools := parsePoolNames(output)
	if len(pools) != 3 {
		t.Fatalf("parsePoolNames() = %v, want 3 pools", pools)
	}
	if pools[0].Name != "default" || !pools[0].Active {
		t.Errorf("pools[0] = %+v, want default/active", pools[0])
	}
	if pools[2].Name != "archived" || pools[2].Active {
		t.Errorf("pools[2] = %+v, want archived/inactive", pools[2])
	}
}

func TestParsePoolInfo(t *testing.T) {
	output := `Name:           default
UUID:           aaaa-bbbb
State:          running
Persistent:     yes
Autostart:      yes
Capacity:       100.00 GiB
Allocation:     40.00 GiB
Available:      60.00 GiB
`
	capacity, available := parsePoolInfo(output)
	wantCapacity := int64(100) * 1024 * 1024 * 1024
	wantAvailable := int64(60) * 1024 * 1024 * 1024
	if capacity != wantCapacity {
		t.Errorf("capacity = %d, want %d", capacity, wantCapacity)
	}
	if available != wantAvailable {
		t.Errorf("available = %d, want %d", available, wantAvailable)
	}
}

func TestParseNodeInfo(t *testing.T) {
	output := `CPU model:           x86_64
CPU(s):              16
CPU frequency:       2400 MHz
CPU socket(s):       1
Core(s) per socket:  8
Thread(s) per core:  2
NUMA cell(s):        1
Memory size:         32806892 KiB
`
	vcpus, memMiB := parseNodeInfo(output)
	if vcpus != 16 {
		t.Errorf("vcpus = %d, want 16", vcpus)
	}
	if memMiB != 32806892/1024 {
		t.Errorf("memMiB = %d, want %d", memMiB, 32806892/1024)
	}
}
