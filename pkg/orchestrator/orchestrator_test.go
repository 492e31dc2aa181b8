package orchestrator

import (
	"testing"

	"github.com/google/uuid"

	"github.com/kvmclone/kvmclone/pkg/logging"
	"github.com/kvmclone/kvmclone/pkg/model"
	"github.com/kvmclone/kvmclone/pkg/transport"
)

func newTestOrchestrator() *Orchestrator {
	log := logging.New("test", logging.LevelError, discardWriter{})
	return New(transport.New(log), log, Options{})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNewDefaultsBaseDir(t *testing.T) {
	o := newTestOrchestrator()
	if o.baseDir != "/var/lib/libvirt/images" {
		t.Errorf("baseDir = %q, want default", o.baseDir)
	}
}

func TestAuditDirDefaultsToTmp(t *testing.T) {
	o := newTestOrchestrator()
	if got := o.auditDir(); got != "/tmp" {
		t.Errorf("auditDir() = %q, want /tmp", got)
	}
	o.stateDir = "/var/lib/kvmclone"
	if got := o.auditDir(); got != "/var/lib/kvmclone" {
		t.Errorf("auditDir() = %q, want configured state dir", got)
	}
}

func TestNewHandleTracksHistory(t *testing.T) {
	o := newTestOrchestrator()
	h := o.newHandle(model.OpClone)
	if h.Status != model.OpPending {
		t.Errorf("Status = %q, want pending", h.Status)
	}
	if len(o.history) != 1 || o.history[0] != h.ID {
		t.Errorf("history = %v, want [%s]", o.history, h.ID)
	}
}

func TestNewHandleEvictsOldestBeyondMaxHist(t *testing.T) {
	o := newTestOrchestrator()
	o.maxHist = 2
	first := o.newHandle(model.OpClone)
	o.newHandle(model.OpClone)
	o.newHandle(model.OpClone)

	if len(o.history) != 2 {
		t.Fatalf("history len = %d, want 2", len(o.history))
	}
	if _, ok := o.handles[first.ID]; ok {
		t.Error("oldest handle should have been evicted")
	}
}

func TestSetRunningAndFinish(t *testing.T) {
	o := newTestOrchestrator()
	h := o.newHandle(model.OpClone)
	o.setRunning(h)
	if h.Status != model.OpRunning {
		t.Errorf("Status = %q, want running", h.Status)
	}
	o.finish(h, model.OpCompleted, nil)
	if h.Status != model.OpCompleted {
		t.Errorf("Status = %q, want completed", h.Status)
	}
	if h.EndedAt.IsZero() {
		t.Error("EndedAt not set by finish")
	}
}

func TestStatusUnknownID(t *testing.T) {
	o := newTestOrchestrator()
	if _, err := o.Status(uuid.New()); err == nil {
		t.Error("Status() on unknown id = nil, want error")
	}
}

func TestListOperationsFiltersTerminal(t *testing.T) {
	o := newTestOrchestrator()
	running := o.newHandle(model.OpClone)
	o.setRunning(running)
	done := o.newHandle(model.OpClone)
	o.setRunning(done)
	o.finish(done, model.OpCompleted, nil)

	active := o.ListOperations(false)
	if len(active) != 1 || active[0].ID != running.ID {
		t.Errorf("ListOperations(false) = %v, want only the running handle", active)
	}

	all := o.ListOperations(true)
	if len(all) != 2 {
		t.Errorf("ListOperations(true) = %d entries, want 2", len(all))
	}
}

func TestCancelRejectsTerminalOperation(t *testing.T) {
	o := newTestOrchestrator()
	h := o.newHandle(model.OpClone)
	o.setRunning(h)
	o.finish(h, model.OpCompleted, nil)

	if err := o.Cancel(h.ID); err == nil {
		t.Error("Cancel() on completed operation = nil, want error")
	}
}

func TestCancelMarksRunningOperation(t *testing.T) {
	o := newTestOrchestrator()
	h := o.newHandle(model.OpClone)
	o.setRunning(h)

	if err := o.Cancel(h.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	got, err := o.Status(h.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != model.OpCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}
