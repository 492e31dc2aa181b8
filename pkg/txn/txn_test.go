package txn

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/kvmclone/kvmclone/pkg/model"
)

func TestNewWritesInitialAudit(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	txn := New(id, "clone", nil, nil, dir)
	if txn.Status != model.TxActive {
		t.Errorf("Status = %q, want active", txn.Status)
	}

	data, err := os.ReadFile(txn.auditPath)
	if err != nil {
		t.Fatalf("audit log not written: %v", err)
	}
	var rec auditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal audit log: %v", err)
	}
	if rec.TransactionID != id.String() {
		t.Errorf("TransactionID = %q, want %q", rec.TransactionID, id.String())
	}
	if rec.OperationType != "clone" {
		t.Errorf("OperationType = %q, want clone", rec.OperationType)
	}
	if rec.Status != string(model.TxActive) {
		t.Errorf("Status = %q, want active", rec.Status)
	}
}

func TestRegisterOrderPreserved(t *testing.T) {
	txn := New(uuid.New(), "clone", nil, nil, "")
	txn.Register(model.ResourceStagingDirectory, "/tmp/staging", "host-a", nil)
	txn.RegisterTempDisk("/tmp/staging/disk.qcow2", "host-a", "/var/lib/libvirt/images/disk.qcow2")
	txn.RegisterVMDefinition("web-01-clone", "host-a")

	if len(txn.resources) != 3 {
		t.Fatalf("resources = %d, want 3", len(txn.resources))
	}
	if txn.resources[0].record.Kind != model.ResourceStagingDirectory {
		t.Errorf("resources[0].Kind = %q, want staging-directory", txn.resources[0].record.Kind)
	}
	if txn.resources[1].record.FinalPath != "/var/lib/libvirt/images/disk.qcow2" {
		t.Errorf("resources[1].FinalPath = %q, want the final image path", txn.resources[1].record.FinalPath)
	}
	if txn.resources[2].record.Kind != model.ResourceVMDefinition {
		t.Errorf("resources[2].Kind = %q, want vm-definition", txn.resources[2].record.Kind)
	}
}

func TestStagingPath(t *testing.T) {
	txn := New(uuid.New(), "clone", nil, nil, "")
	got := txn.StagingPath("disk.qcow2")
	want := filepath.Join(txn.StagingDir, "disk.qcow2")
	if got != want {
		t.Errorf("StagingPath() = %q, want %q", got, want)
	}
}

func TestReplayRollbackSkipsResolvedTransactions(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "txn.json")

	rec := auditRecord{
		TransactionID: "abc",
		OperationType: "clone",
		Status:        string(model.TxCommitted),
	}
	data, _ := json.Marshal(rec)
	if err := os.WriteFile(logPath, data, 0644); err != nil {
		t.Fatal(err)
	}

	if err := ReplayRollback(nil, logPath, nil); err != nil {
		t.Errorf("ReplayRollback() on committed transaction = %v, want nil (no-op)", err)
	}
}

func TestReplayRollbackMissingFile(t *testing.T) {
	if err := ReplayRollback(nil, "/nonexistent/path.json", nil); err == nil {
		t.Error("ReplayRollback() on missing file = nil, want error")
	}
}
