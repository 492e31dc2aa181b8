package orchestrator

import (
	"testing"

	"github.com/kvmclone/kvmclone/pkg/model"
)

func TestValidateCloneOptions(t *testing.T) {
	zero, one, eight, sixteen, seventeen := 0, 1, 8, 16, 17
	tests := []struct {
		name    string
		opts    model.CloneOptions
		wantErr bool
	}{
		{"unset parallel means default", model.CloneOptions{}, false},
		{"in range", model.CloneOptions{Parallel: &eight}, false},
		{"explicit zero is rejected", model.CloneOptions{Parallel: &zero}, true},
		{"too high", model.CloneOptions{Parallel: &seventeen}, true},
		{"boundary low", model.CloneOptions{Parallel: &one}, false},
		{"boundary high", model.CloneOptions{Parallel: &sixteen}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCloneOptions(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateCloneOptions(%+v) error = %v, wantErr %v", tt.opts, err, tt.wantErr)
			}
		})
	}
}

func TestEstimateSeconds(t *testing.T) {
	tests := []struct {
		name       string
		totalBytes int64
		want       float64
	}{
		{"zero bytes", 0, 0},
		{"negative is treated as zero", -5, 0},
		{"100 MiB at 100 MB/s", 100 * 1024 * 1024, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateSeconds(tt.totalBytes); got != tt.want {
				t.Errorf("estimateSeconds(%d) = %v, want %v", tt.totalBytes, got, tt.want)
			}
		})
	}
}

func TestCanonicalDiskPath(t *testing.T) {
	got, err := canonicalDiskPath("/var/lib/libvirt/images", "web-01-clone", "/var/lib/libvirt/images/web-01.qcow2")
	if err != nil {
		t.Fatalf("canonicalDiskPath() error = %v", err)
	}
	want := "/var/lib/libvirt/images/web-01-clone_web-01.qcow2"
	if got != want {
		t.Errorf("canonicalDiskPath() = %q, want %q", got, want)
	}
}

func TestCanonicalDiskPathRejectsEscape(t *testing.T) {
	if _, err := canonicalDiskPath("/var/lib/libvirt/images", "../../etc/passwd", "/var/lib/libvirt/images/web-01.qcow2"); err == nil {
		t.Error("canonicalDiskPath() with traversal in name = nil, want error")
	}
}

func TestSmoothedSpeedFirstSampleIsExact(t *testing.T) {
	s := newSmoothedSpeed()
	if got := s.sample(1000); got != 1000 {
		t.Errorf("first sample() = %v, want 1000", got)
	}
}

func TestSmoothedSpeedConverges(t *testing.T) {
	s := newSmoothedSpeed()
	s.sample(0)
	var last float64
	for i := 0; i < 50; i++ {
		last = s.sample(1000)
	}
	if last < 990 {
		t.Errorf("sample() after 50 ticks at steady 1000 = %v, want close to 1000", last)
	}
}

func TestMustParallel(t *testing.T) {
	one, four, sixteen := 1, 4, 16
	tests := []struct {
		in   *int
		want int64
	}{
		{nil, 4},
		{&one, 1},
		{&sixteen, 16},
		{&four, 4},
	}
	for _, tt := range tests {
		if got := mustParallel(tt.in); got != tt.want {
			t.Errorf("mustParallel(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPathBase(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/var/lib/libvirt/images/web-01.qcow2", "web-01.qcow2"},
		{"web-01.qcow2", "web-01.qcow2"},
		{"/a/b/c", "c"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := pathBase(tt.in); got != tt.want {
			t.Errorf("pathBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"/var/lib/libvirt/images", "staging", "/var/lib/libvirt/images/staging"},
		{"/var/lib/libvirt/images/", "staging", "/var/lib/libvirt/images/staging"},
		{"", "staging", "staging"},
	}
	for _, tt := range tests {
		if got := joinPath(tt.a, tt.b); got != tt.want {
			t.Errorf("joinPath(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
