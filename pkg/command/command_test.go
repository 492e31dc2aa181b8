package command

import (
	"strings"
	"testing"
)

func TestValidateVMName(t *testing.T) {
	cases := []struct {
		name    string
		vmName  string
		wantErr bool
	}{
		{"valid", "web-server_01", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 65), true},
		{"reserved localhost", "localhost", true},
		{"reserved none", "none", true},
		{"contains slash", "vm/1", true},
		{"contains space", "vm 1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateVMName(tc.vmName)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateVMName(%q) error = %v, wantErr %v", tc.vmName, err, tc.wantErr)
			}
		})
	}
}

func TestValidateHostname(t *testing.T) {
	cases := []struct {
		name    string
		host    string
		wantErr bool
	}{
		{"dns name", "hypervisor-01.example.com", false},
		{"ipv4", "192.168.1.10", false},
		{"ipv6", "::1", false},
		{"empty", "", true},
		{"shell metachar", "host;rm -rf /", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateHostname(tc.host)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateHostname(%q) error = %v, wantErr %v", tc.host, err, tc.wantErr)
			}
		})
	}
}

func TestValidatePort(t *testing.T) {
	cases := []struct {
		port    int
		wantErr bool
	}{
		{22, false},
		{1, false},
		{65535, false},
		{0, true},
		{65536, true},
		{-1, true},
	}
	for _, tc := range cases {
		if err := ValidatePort(tc.port); (err != nil) != tc.wantErr {
			t.Errorf("ValidatePort(%d) error = %v, wantErr %v", tc.port, err, tc.wantErr)
		}
	}
}

func TestValidateBandwidth(t *testing.T) {
	cases := []struct {
		bw      string
		wantErr bool
	}{
		{"", false},
		{"100M", false},
		{"1G", false},
		{"512K", false},
		{"200", false},
		{"100Mbps", true},
		{"-5M", true},
	}
	for _, tc := range cases {
		if err := ValidateBandwidth(tc.bw); (err != nil) != tc.wantErr {
			t.Errorf("ValidateBandwidth(%q) error = %v, wantErr %v", tc.bw, err, tc.wantErr)
		}
	}
}

func TestValidatePath(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		baseDir string
		wantErr bool
	}{
		{"absolute no base", "/var/lib/libvirt/images/disk.qcow2", "", false},
		{"relative rejected", "relative/path", "", true},
		{"traversal rejected", "/var/lib/libvirt/images/../../etc/passwd", "/var/lib/libvirt/images", true},
		{"contained under base", "/var/lib/libvirt/images/vm1_disk.qcow2", "/var/lib/libvirt/images", false},
		{"escapes base", "/etc/passwd", "/var/lib/libvirt/images", true},
		{"exactly base", "/var/lib/libvirt/images", "/var/lib/libvirt/images", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidatePath(tc.path, tc.baseDir)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidatePath(%q, %q) error = %v, wantErr %v", tc.path, tc.baseDir, err, tc.wantErr)
			}
		})
	}
}

func TestQuote(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"simple", "'simple'"},
		{"has'quote", `'has'\''quote'`},
		{"a b", "'a b'"},
	}
	for _, tc := range cases {
		if got := Quote(tc.in); got != tc.want {
			t.Errorf("Quote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSafe(t *testing.T) {
	out, err := Safe("echo {msg}", map[string]string{"msg": "it's fine"})
	if err != nil {
		t.Fatalf("Safe() error = %v", err)
	}
	want := `echo 'it'\''s fine'`
	if out != want {
		t.Errorf("Safe() = %q, want %q", out, want)
	}

	if _, err := Safe("echo {missing}", map[string]string{}); err == nil {
		t.Error("Safe() with unresolved placeholder = nil, want error")
	}
}

func TestVirshWhitelist(t *testing.T) {
	if _, err := Virsh("dominfo", "myvm"); err != nil {
		t.Errorf("Virsh(dominfo) error = %v", err)
	}
	if _, err := Virsh("reboot", "myvm"); err == nil {
		t.Error("Virsh() with non-whitelisted action = nil, want error")
	}
	if _, err := Virsh("dominfo", "invalid;name"); err == nil {
		t.Error("Virsh() with invalid vm name = nil, want error")
	}
}

func TestVirshQuotesExtraArgs(t *testing.T) {
	out, err := Virsh("snapshot-create-as", "myvm", "snap1", "a snapshot description")
	if err != nil {
		t.Fatalf("Virsh() error = %v", err)
	}
	want := "virsh snapshot-create-as 'myvm' 'snap1' 'a snapshot description'"
	if out != want {
		t.Errorf("Virsh() = %q, want %q", out, want)
	}
}

func TestRsyncBuildsBandwidthLimit(t *testing.T) {
	out, err := Rsync("/src/disk.qcow2", "/dst/disk.qcow2", "host2", RsyncOptions{BandwidthLimit: "100M"})
	if err != nil {
		t.Fatalf("Rsync() error = %v", err)
	}
	if !strings.Contains(out, "--bwlimit=102400") {
		t.Errorf("Rsync() = %q, want --bwlimit=102400", out)
	}
	if !strings.Contains(out, "'host2':'/dst/disk.qcow2'") {
		t.Errorf("Rsync() = %q, want quoted host:dest", out)
	}
}

func TestRsyncRejectsInvalidExtraOption(t *testing.T) {
	_, err := Rsync("/src", "/dst", "", RsyncOptions{ExtraOptions: []string{"; rm -rf /"}})
	if err == nil {
		t.Error("Rsync() with shell-injection extra option = nil, want error")
	}
}

func TestBandwidthToKBps(t *testing.T) {
	cases := []struct {
		bw   string
		want int64
	}{
		{"512K", 512},
		{"100M", 100 * 1024},
		{"1G", 1024 * 1024},
		{"200", 200},
	}
	for _, tc := range cases {
		if got := bandwidthToKBps(tc.bw); got != tc.want {
			t.Errorf("bandwidthToKBps(%q) = %d, want %d", tc.bw, got, tc.want)
		}
	}
}

func TestRmFileMkdirMoveFileScopeUnderBaseDir(t *testing.T) {
	if _, err := RmFile("/etc/passwd", "/var/lib/libvirt/images"); err == nil {
		t.Error("RmFile() escaping baseDir = nil, want error")
	}
	if _, err := Mkdir("/var/lib/libvirt/images/staging", "/var/lib/libvirt/images"); err != nil {
		t.Errorf("Mkdir() error = %v", err)
	}
	if _, err := MoveFile("/var/lib/libvirt/images/a", "/etc/b", "/var/lib/libvirt/images"); err == nil {
		t.Error("MoveFile() with dst escaping baseDir = nil, want error")
	}
}

func TestBlocksyncUsesInplaceChecksum(t *testing.T) {
	out, err := Blocksync("/src/disk.qcow2", "/dst/disk.qcow2", "host2", "")
	if err != nil {
		t.Fatalf("Blocksync() error = %v", err)
	}
	if !strings.Contains(out, "--no-whole-file") || !strings.Contains(out, "--checksum") {
		t.Errorf("Blocksync() = %q, want --no-whole-file and --checksum", out)
	}
}

func TestStreamCopyRejectsInvalidHost(t *testing.T) {
	_, err := StreamCopy("/src/disk.qcow2", "bad;host", "/dst/disk.qcow2", "")
	if err == nil {
		t.Error("StreamCopy() with invalid host = nil, want error")
	}
}
