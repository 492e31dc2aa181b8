package orchestrator

import (
	"github.com/google/uuid"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/model"
)

// Status returns the current snapshot of an operation's handle, copied out
// from under the lock so callers never race a concurrently mutating Progress
// field.
func (o *Orchestrator) Status(id uuid.UUID) (model.OperationHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[id]
	if !ok {
		return model.OperationHandle{}, clonerr.New(clonerr.CodeOperationNotFound, "no operation found with id %s", id)
	}
	return *h, nil
}

// ListOperations returns every tracked operation, newest last, bounded by
// the history ring's capacity (the most recent maxHist operations). Pass
// all=false to return only operations still pending or running.
func (o *Orchestrator) ListOperations(all bool) []model.OperationHandle {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]model.OperationHandle, 0, len(o.history))
	for _, id := range o.history {
		h, ok := o.handles[id]
		if !ok {
			continue
		}
		if !all && h.Status != model.OpPending && h.Status != model.OpRunning {
			continue
		}
		out = append(out, *h)
	}
	return out
}

// Cancel is a best-effort cooperative cancellation marker: it flips the
// handle to cancelled if it is still pending or running, but it is the
// caller's context cancellation (not this call) that actually unblocks any
// in-flight remote command — Cancel only affects Status()'s view when the
// operation hasn't reported a terminal state yet.
func (o *Orchestrator) Cancel(id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[id]
	if !ok {
		return clonerr.New(clonerr.CodeOperationNotFound, "no operation found with id %s", id)
	}
	if h.Status != model.OpPending && h.Status != model.OpRunning {
		return clonerr.New(clonerr.CodeValidation, "operation %s is already in a terminal state (%s)", id, h.Status)
	}
	h.Status = model.OpCancelled
	return nil
}
