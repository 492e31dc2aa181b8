package transfer

import (
	"testing"

	"github.com/kvmclone/kvmclone/pkg/model"
)

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry()

	for _, method := range []model.TransferMethod{model.TransferRsync, model.TransferStream, model.TransferBlocksync} {
		if _, err := reg.Get(method); err != nil {
			t.Errorf("Get(%q) error = %v, want nil", method, err)
		}
	}

	if _, err := reg.Get(model.TransferMethod("nonexistent")); err == nil {
		t.Error("Get(nonexistent) error = nil, want error")
	}
}

func TestRsyncProgressRegex(t *testing.T) {
	line := "    4,194,304  50%   12.34MB/s    0:00:05"
	m := rsyncProgressRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("rsyncProgressRe did not match %q", line)
	}
	if m[1] != "4,194,304" {
		t.Errorf("bytes = %q, want 4,194,304", m[1])
	}
	if m[3] != "12.34" || m[4] != "M" {
		t.Errorf("speed = %q%s, want 12.34M", m[3], m[4])
	}
}

func TestUnitMultiplier(t *testing.T) {
	cases := map[string]float64{"k": 1024, "K": 1024, "m": 1024 * 1024, "g": 1024 * 1024 * 1024, "x": 1}
	for unit, want := range cases {
		if got := unitMultiplier(unit); got != want {
			t.Errorf("unitMultiplier(%q) = %v, want %v", unit, got, want)
		}
	}
}

func TestParseSize(t *testing.T) {
	if got := parseSize("4294967296\n"); got != 4294967296 {
		t.Errorf("parseSize() = %d, want 4294967296", got)
	}
	if got := parseSize(""); got != 0 {
		t.Errorf("parseSize(empty) = %d, want 0", got)
	}
}

func TestFirstField(t *testing.T) {
	if got := firstField("abc123  /path/to/disk.qcow2\n"); got != "abc123" {
		t.Errorf("firstField() = %q, want abc123", got)
	}
	if got := firstField(""); got != "" {
		t.Errorf("firstField(empty) = %q, want empty", got)
	}
}

func TestRequireDestConnForVerify(t *testing.T) {
	if err := requireDestConnForVerify(nil); err == nil {
		t.Error("requireDestConnForVerify(nil) error = nil, want error")
	}
}
