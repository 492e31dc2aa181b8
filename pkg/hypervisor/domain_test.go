package hypervisor

import (
	"strings"
	"testing"
)

const sampleDomain = `<domain type='kvm'>
  <name>web-01</name>
  <uuid>11111111-2222-3333-4444-555555555555</uuid>
  <memory unit='KiB'>4194304</memory>
  <vcpu placement='static'>2</vcpu>
  <os>
    <type arch='x86_64' machine='pc-q35'>hvm</type>
    <boot dev='hd'/>
  </os>
  <devices>
    <emulator>/usr/bin/qemu-system-x86_64</emulator>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/var/lib/libvirt/images/web-01.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <interface type='network'>
      <mac address='52:54:00:11:22:33'/>
      <source network='default'/>
      <model type='virtio'/>
    </interface>
  </devices>
</domain>`

func TestParseDefinition(t *testing.T) {
	desc, err := parseDefinition([]byte(sampleDomain), "host-a")
	if err != nil {
		t.Fatalf("parseDefinition() error = %v", err)
	}
	if desc.Name != "web-01" {
		t.Errorf("Name = %q, want web-01", desc.Name)
	}
	if desc.MemoryMiB != 4096 {
		t.Errorf("MemoryMiB = %d, want 4096", desc.MemoryMiB)
	}
	if desc.VCPUs != 2 {
		t.Errorf("VCPUs = %d, want 2", desc.VCPUs)
	}
	if len(desc.Disks) != 1 || desc.Disks[0].Path != "/var/lib/libvirt/images/web-01.qcow2" {
		t.Fatalf("Disks = %+v, want one disk at the source path", desc.Disks)
	}
	if len(desc.Interfaces) != 1 || desc.Interfaces[0].MAC != "52:54:00:11:22:33" {
		t.Fatalf("Interfaces = %+v, want one interface with the source MAC", desc.Interfaces)
	}
	if desc.Host != "host-a" {
		t.Errorf("Host = %q, want host-a", desc.Host)
	}
}

func TestMemoryToMiB(t *testing.T) {
	cases := []struct {
		value int64
		unit  string
		want  int64
	}{
		{4194304, "KiB", 4096},
		{4096, "MiB", 4096},
		{4, "GiB", 4096},
		{4194304, "", 4096},
	}
	for _, tc := range cases {
		if got := memoryToMiB(tc.value, tc.unit); got != tc.want {
			t.Errorf("memoryToMiB(%d, %q) = %d, want %d", tc.value, tc.unit, got, tc.want)
		}
	}
}

func TestRewriteRenamesAndRemapsDisks(t *testing.T) {
	out, newUUID, err := Rewrite([]byte(sampleDomain), RewriteOptions{
		NewName: "web-01-clone",
		DiskPaths: map[string]string{
			"/var/lib/libvirt/images/web-01.qcow2": "/var/lib/libvirt/images/web-01-clone.qcow2",
		},
	})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if newUUID == "" || newUUID == "11111111-2222-3333-4444-555555555555" {
		t.Errorf("Rewrite() returned UUID %q, want a fresh generated UUID", newUUID)
	}

	desc, err := parseDefinition(out, "host-b")
	if err != nil {
		t.Fatalf("parseDefinition(rewritten) error = %v", err)
	}
	if desc.Name != "web-01-clone" {
		t.Errorf("rewritten Name = %q, want web-01-clone", desc.Name)
	}
	if desc.UUID != newUUID {
		t.Errorf("rewritten UUID = %q, want %q", desc.UUID, newUUID)
	}
	if len(desc.Disks) != 1 || desc.Disks[0].Path != "/var/lib/libvirt/images/web-01-clone.qcow2" {
		t.Fatalf("rewritten Disks = %+v, want remapped path", desc.Disks)
	}
	if len(desc.Interfaces) != 1 || desc.Interfaces[0].MAC == "52:54:00:11:22:33" {
		t.Errorf("rewritten MAC = %q, want a freshly generated MAC", desc.Interfaces[0].MAC)
	}
	if !strings.HasPrefix(desc.Interfaces[0].MAC, "52:54:00:") {
		t.Errorf("rewritten MAC = %q, want 52:54:00 locally-administered prefix", desc.Interfaces[0].MAC)
	}
}

func TestRewritePreservesMAC(t *testing.T) {
	out, _, err := Rewrite([]byte(sampleDomain), RewriteOptions{
		NewName:     "web-01-clone",
		DiskPaths:   map[string]string{},
		PreserveMAC: true,
	})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	desc, err := parseDefinition(out, "host-b")
	if err != nil {
		t.Fatalf("parseDefinition(rewritten) error = %v", err)
	}
	if desc.Interfaces[0].MAC != "52:54:00:11:22:33" {
		t.Errorf("MAC = %q, want original preserved", desc.Interfaces[0].MAC)
	}
}

const domainWithUnmodeledElements = `<domain type='kvm'>
  <name>web-01</name>
  <uuid>11111111-2222-3333-4444-555555555555</uuid>
  <memory unit='KiB'>4194304</memory>
  <vcpu placement='static'>2</vcpu>
  <os>
    <type arch='x86_64' machine='pc-q35'>hvm</type>
    <boot dev='hd'/>
  </os>
  <features>
    <acpi/>
    <apic/>
  </features>
  <cpu mode='host-passthrough'/>
  <clock offset='utc'/>
  <on_poweroff>destroy</on_poweroff>
  <on_reboot>restart</on_reboot>
  <on_crash>restart</on_crash>
  <devices>
    <emulator>/usr/bin/qemu-system-x86_64</emulator>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/var/lib/libvirt/images/web-01.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <interface type='network'>
      <mac address='52:54:00:11:22:33'/>
      <source network='default'/>
      <model type='virtio'/>
    </interface>
    <graphics type='vnc' port='-1' autoport='yes'/>
    <video>
      <model type='qxl'/>
    </video>
  </devices>
</domain>`

func TestRewritePreservesUnmodeledElements(t *testing.T) {
	out, _, err := Rewrite([]byte(domainWithUnmodeledElements), RewriteOptions{
		NewName: "web-01-clone",
		DiskPaths: map[string]string{
			"/var/lib/libvirt/images/web-01.qcow2": "/var/lib/libvirt/images/web-01-clone.qcow2",
		},
	})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	got := string(out)
	for _, want := range []string{"<acpi", "<apic", "host-passthrough", "offset=\"utc\"", "<on_poweroff>destroy", "<video>", "qxl"} {
		if !strings.Contains(got, want) {
			t.Errorf("Rewrite() output missing %q, want it preserved from the source document:\n%s", want, got)
		}
	}
}

func TestRandomLocalMACIsLocallyAdministered(t *testing.T) {
	mac, err := randomLocalMAC()
	if err != nil {
		t.Fatalf("randomLocalMAC() error = %v", err)
	}
	if !strings.HasPrefix(mac, "52:54:00:") {
		t.Errorf("randomLocalMAC() = %q, want 52:54:00 prefix", mac)
	}
	if len(strings.Split(mac, ":")) != 6 {
		t.Errorf("randomLocalMAC() = %q, want 6 octets", mac)
	}
}
