package hypervisor

import "testing"

func TestParseVMNames(t *testing.T) {
	output := ` Id   Name       State
----------------------------
 1    web-01     running
 2    web-02     running
 -    db-01      shut off`

	names := parseVMNames(output, "")
	if len(names) != 3 {
		t.Fatalf("parseVMNames() = %v, want 3 names", names)
	}
	if names[0] != "web-01" || names[2] != "db-01" {
		t.Errorf("parseVMNames() = %v, want [web-01 web-02 db-01]", names)
	}

	running := parseVMNames(output, "running")
	if len(running) != 2 {
		t.Errorf("parseVMNames(running) = %v, want 2 names", running)
	}
}

func TestParseRunState(t *testing.T) {
	cases := []struct {
		domInfo string
		want    string
	}{
		{"Id: 1\nName: x\nState: running\n", "running"},
		{"Id: -\nName: x\nState: shut off\n", "stopped"},
		{"Id: 1\nName: x\nState: paused\n", "paused"},
		{"Id: 1\nName: x\nState: crashed\n", "crashed"},
		{"Id: 1\nName: x\n", "unknown"},
	}
	for _, tc := range cases {
		if got := parseRunState(tc.domInfo); string(got) != tc.want {
			t.Errorf("parseRunState(%q) = %q, want %q", tc.domInfo, got, tc.want)
		}
	}
}

func TestParseVMStats(t *testing.T) {
	output := `Domain: 'web-01'
  state.state=1
  cpu.time=123456789
  balloon.current=2097152
  balloon.maximum=4194304
  block.0.name=vda
  block.0.rd.bytes=1048576
  block.0.wr.bytes=2097152
  net.0.name=vnet0
  net.0.rx.bytes=500
  net.0.tx.bytes=900
`
	stats := parseVMStats(output)
	if stats.CPUTimeNs != 123456789 {
		t.Errorf("CPUTimeNs = %d, want 123456789", stats.CPUTimeNs)
	}
	if stats.MemoryUsed != 2048 {
		t.Errorf("MemoryUsed = %d MiB, want 2048", stats.MemoryUsed)
	}
	if stats.MemoryMiB != 4096 {
		t.Errorf("MemoryMiB = %d, want 4096", stats.MemoryMiB)
	}
	if stats.BlockReadB != 1048576 || stats.BlockWriteB != 2097152 {
		t.Errorf("block stats = rd:%d wr:%d, want rd:1048576 wr:2097152", stats.BlockReadB, stats.BlockWriteB)
	}
	if stats.NetRxB != 500 || stats.NetTxB != 900 {
		t.Errorf("net stats = rx:%d tx:%d, want rx:500 tx:900", stats.NetRxB, stats.NetTxB)
	}
}

func TestParseSnapshotLineShape(t *testing.T) {
	line := "baseline             2026-01-15 10:30:00 +0000 running"
	m := snapshotLineRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("snapshotLineRe did not match %q", line)
	}
	if m[1] != "baseline" {
		t.Errorf("name = %q, want baseline", m[1])
	}
	if m[3] != "running" {
		t.Errorf("state = %q, want running", m[3])
	}
}
