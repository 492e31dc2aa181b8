package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.SSH.Port != 22 {
		t.Errorf("expected default SSH port 22, got %d", cfg.SSH.Port)
	}
	if cfg.Transfer.ParallelTransfers != 4 {
		t.Errorf("expected default parallel transfers 4, got %d", cfg.Transfer.ParallelTransfers)
	}
	if cfg.SSH.HostKeyPolicy != "strict" {
		t.Errorf("expected default host key policy strict, got %s", cfg.SSH.HostKeyPolicy)
	}
	if cfg.Libvirt.URI != "qemu:///system" {
		t.Errorf("expected default libvirt URI qemu:///system, got %s", cfg.Libvirt.URI)
	}
}

func TestLoadUnknownKeyRejected(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("ssh:\n  bogus_key: nope\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown config key, got nil")
	}
}

func TestLoadUnknownSectionRejected(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("bogus_section:\n  a: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown config section, got nil")
	}
}

func TestLoadValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	content := "ssh:\n  port: 2222\n  host_key_policy: warn\ntransfer:\n  parallel_transfers: 8\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SSH.Port != 2222 {
		t.Errorf("expected port 2222, got %d", cfg.SSH.Port)
	}
	if cfg.SSH.HostKeyPolicy != "warn" {
		t.Errorf("expected host key policy warn, got %s", cfg.SSH.HostKeyPolicy)
	}
	if cfg.Transfer.ParallelTransfers != 8 {
		t.Errorf("expected parallel transfers 8, got %d", cfg.Transfer.ParallelTransfers)
	}
}

func TestEnvOverridesPrecedeFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("ssh:\n  port: 2222\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KVMCLONE_SSH_PORT", "3333")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SSH.Port != 3333 {
		t.Errorf("expected env override port 3333, got %d", cfg.SSH.Port)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfg := Default()
	cfg.SSH.Port = 2200
	cfg.Transfer.BandwidthLimit = "100M"

	if err := Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.SSH.Port != 2200 {
		t.Errorf("expected round-tripped port 2200, got %d", loaded.SSH.Port)
	}
	if loaded.Transfer.BandwidthLimit != "100M" {
		t.Errorf("expected round-tripped bandwidth limit 100M, got %s", loaded.Transfer.BandwidthLimit)
	}
}
