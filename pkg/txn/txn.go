// Package txn is the Transaction Manager (C5): a state machine that tracks
// every resource an operation creates and guarantees that a failed
// operation leaves no partial state behind. It is grounded on
// original_source/transaction.py's CloneTransaction (register/commit/
// rollback, strict LIFO undo, best-effort cleanup with full logging, and a
// persisted JSON audit log), ported from the Python context-manager idiom
// into an explicit Go state machine with a defer-based caller contract.
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/command"
	"github.com/kvmclone/kvmclone/pkg/logging"
	"github.com/kvmclone/kvmclone/pkg/model"
	"github.com/kvmclone/kvmclone/pkg/transport"
)

// Undo is a custom rollback action for a resource whose cleanup is not one
// of the four default kinds (e.g. a checkpoint snapshot created for a sync
// operation's --checkpoint option).
type Undo func(ctx context.Context, conn *transport.Connection) error

type resource struct {
	record model.ResourceRecord
	undo   Undo
}

// Transaction tracks resources for one operation and enforces the
// active → committed / active → rolling-back → rolled-back state machine.
type Transaction struct {
	ID         uuid.UUID
	StagingDir string
	Status     model.TransactionStatus

	transport     *transport.Transport
	log           *logging.Logger
	resources     []resource
	auditPath     string
	started       time.Time
	operationType string
}

// auditRecord is the on-disk shape ReplayRollback reads back, mirroring
// original_source/transaction.py::TransactionLog.to_dict.
type auditRecord struct {
	TransactionID string                  `json:"transaction_id"`
	OperationType string                  `json:"operation_type"`
	StartedAt     time.Time               `json:"started_at"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
	Status        string                  `json:"status"`
	Resources     []model.ResourceRecord  `json:"resources"`
	Error         string                  `json:"error,omitempty"`
}

// New begins a transaction, deriving its staging directory from the
// operation id. When auditDir is empty no audit log is written (used by
// tests).
func New(id uuid.UUID, operationType string, t *transport.Transport, log *logging.Logger, auditDir string) *Transaction {
	txn := &Transaction{
		ID:            id,
		StagingDir:    fmt.Sprintf("/tmp/kvmclone-%s", id),
		Status:        model.TxActive,
		transport:     t,
		log:           log,
		started:       time.Now().UTC(),
		operationType: operationType,
	}
	if auditDir != "" {
		txn.auditPath = filepath.Join(auditDir, fmt.Sprintf("kvmclone-txn-%s.json", id))
	}
	txn.writeAudit("")
	return txn
}

// StagingPath joins filename onto the transaction's staging directory.
func (t *Transaction) StagingPath(filename string) string {
	return filepath.Join(t.StagingDir, filename)
}

// Register records a resource created during the transaction so rollback
// can undo it if the operation fails before Commit.
func (t *Transaction) Register(kind model.ResourceKind, id, host string, metadata map[string]string) {
	t.resources = append(t.resources, resource{record: model.ResourceRecord{
		Kind: kind, ID: id, Host: host, Metadata: metadata,
	}})
}

// RegisterTempDisk records a staged disk file with the final path it will
// be moved to on Commit.
func (t *Transaction) RegisterTempDisk(path, host, finalPath string) {
	t.resources = append(t.resources, resource{record: model.ResourceRecord{
		Kind: model.ResourceTempDiskFile, ID: path, Host: host, FinalPath: finalPath,
	}})
}

// RegisterVMDefinition records a defined VM so rollback can undefine it.
func (t *Transaction) RegisterVMDefinition(vmName, host string) {
	t.resources = append(t.resources, resource{record: model.ResourceRecord{
		Kind: model.ResourceVMDefinition, ID: vmName, Host: host,
	}})
}

// RegisterCustom records a resource with a caller-supplied undo action, used
// for kinds outside the four defaults (e.g. a sync checkpoint snapshot).
func (t *Transaction) RegisterCustom(id, host string, metadata map[string]string, undo Undo) {
	t.resources = append(t.resources, resource{
		record: model.ResourceRecord{Kind: model.ResourceCustom, ID: id, Host: host, Metadata: metadata},
		undo:   undo,
	})
}

// Commit moves every temporary-disk-file resource to its final path and
// marks the transaction committed. Once committed, resources are no longer
// eligible for rollback.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.Status == model.TxCommitted {
		return nil
	}
	if t.log != nil {
		t.log.Info("committing transaction", "transaction_id", t.ID.String())
	}

	for _, r := range t.resources {
		if r.record.Kind != model.ResourceTempDiskFile || r.record.FinalPath == "" {
			continue
		}
		conn, err := t.transport.Open(ctx, r.record.Host, transport.Options{})
		if err != nil {
			t.rollback(ctx)
			return clonerr.Wrap(clonerr.CodeClone, err, "commit: connect to %s", r.record.Host)
		}
		mvCmd, err := command.MoveFile(r.record.ID, r.record.FinalPath, "")
		if err != nil {
			t.rollback(ctx)
			return err
		}
		res, err := conn.Execute(ctx, mvCmd)
		if err != nil || res.ExitCode != 0 {
			t.rollback(ctx)
			return clonerr.New(clonerr.CodeClone, "commit: move %s to %s failed", r.record.ID, r.record.FinalPath)
		}
		// A moved disk becomes a final-disk-file resource so a later failure in
		// this loop rolls it back too.
		t.resources = append(t.resources, resource{record: model.ResourceRecord{
			Kind: model.ResourceFinalDiskFile, ID: r.record.FinalPath, Host: r.record.Host,
		}})
	}

	t.Status = model.TxCommitted
	t.writeAudit("")
	if t.log != nil {
		t.log.Info("transaction committed", "transaction_id", t.ID.String())
	}
	return nil
}

// Rollback undoes every registered resource in strict reverse (LIFO) order.
// Individual cleanup failures are logged and do not stop the rest of the
// rollback — this is deliberately best-effort, per §4.5.
func (t *Transaction) Rollback(ctx context.Context) {
	t.rollback(ctx)
}

func (t *Transaction) rollback(ctx context.Context) {
	if t.Status == model.TxRolledBack {
		return
	}
	t.Status = model.TxRollingBk
	if t.log != nil {
		t.log.Info("rolling back transaction", "transaction_id", t.ID.String(), "resource_count", len(t.resources))
	}

	for i := len(t.resources) - 1; i >= 0; i-- {
		r := t.resources[i]
		if err := t.cleanupResource(ctx, r); err != nil {
			if t.log != nil {
				t.log.Warn("cleanup failed during rollback",
					"transaction_id", t.ID.String(), "resource_id", r.record.ID, "error", err.Error())
			}
		}
	}

	t.Status = model.TxRolledBack
	t.writeAudit("")
	if t.log != nil {
		t.log.Info("transaction rolled back", "transaction_id", t.ID.String())
	}
}

func (t *Transaction) cleanupResource(ctx context.Context, r resource) error {
	conn, err := t.transport.Open(ctx, r.record.Host, transport.Options{})
	if err != nil {
		return err
	}

	if r.undo != nil {
		return r.undo(ctx, conn)
	}

	switch r.record.Kind {
	case model.ResourceTempDiskFile, model.ResourceFinalDiskFile:
		cmd, err := command.RmFile(r.record.ID, "")
		if err != nil {
			return err
		}
		_, err = conn.Execute(ctx, cmd)
		return err
	case model.ResourceStagingDirectory:
		cmd, err := command.RmDirectory(r.record.ID, "")
		if err != nil {
			return err
		}
		_, err = conn.Execute(ctx, cmd)
		return err
	case model.ResourceVMDefinition:
		if destroyCmd, err := command.VirshDestroy(r.record.ID); err == nil {
			conn.Execute(ctx, destroyCmd)
		}
		undefCmd, err := command.VirshUndefine(r.record.ID)
		if err != nil {
			return err
		}
		_, err = conn.Execute(ctx, undefCmd)
		return err
	default:
		return nil
	}
}

func (t *Transaction) writeAudit(errMsg string) {
	if t.auditPath == "" {
		return
	}
	rec := auditRecord{
		TransactionID: t.ID.String(),
		OperationType: t.operationType,
		StartedAt:     t.started,
		Status:        string(t.Status),
		Error:         errMsg,
	}
	for _, r := range t.resources {
		rec.Resources = append(rec.Resources, r.record)
	}
	if t.Status == model.TxCommitted || t.Status == model.TxRolledBack {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.auditPath), 0755); err != nil {
		return
	}
	os.WriteFile(t.auditPath, data, 0644)
}
