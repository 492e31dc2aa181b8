package txn

import (
	"context"
	"encoding/json"
	"os"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/command"
	"github.com/kvmclone/kvmclone/pkg/model"
	"github.com/kvmclone/kvmclone/pkg/transport"
)

// ReplayRollback parses a persisted transaction audit log and re-executes
// rollback for every resource it recorded, in the same strict LIFO order
// the original rollback would have used. This backs the crash-recovery
// path: an operation that dies before it can roll back itself leaves an
// audit log a later `kvmclone` invocation can replay.
func ReplayRollback(ctx context.Context, logPath string, t *transport.Transport) error {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return clonerr.Wrap(clonerr.CodeGeneral, err, "read transaction log %s", logPath)
	}
	var rec auditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return clonerr.Wrap(clonerr.CodeGeneral, err, "parse transaction log %s", logPath)
	}
	if rec.Status == string(model.TxCommitted) || rec.Status == string(model.TxRolledBack) {
		return nil
	}

	var firstErr error
	for i := len(rec.Resources) - 1; i >= 0; i-- {
		r := rec.Resources[i]
		conn, err := t.Open(ctx, r.Host, transport.Options{})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := replayCleanup(ctx, conn, r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func replayCleanup(ctx context.Context, conn *transport.Connection, r model.ResourceRecord) error {
	switch r.Kind {
	case model.ResourceTempDiskFile, model.ResourceFinalDiskFile:
		cmd, err := command.RmFile(r.ID, "")
		if err != nil {
			return err
		}
		_, err = conn.Execute(ctx, cmd)
		return err
	case model.ResourceStagingDirectory:
		cmd, err := command.RmDirectory(r.ID, "")
		if err != nil {
			return err
		}
		_, err = conn.Execute(ctx, cmd)
		return err
	case model.ResourceVMDefinition:
		if destroyCmd, err := command.VirshDestroy(r.ID); err == nil {
			conn.Execute(ctx, destroyCmd)
		}
		undefCmd, err := command.VirshUndefine(r.ID)
		if err != nil {
			return err
		}
		_, err = conn.Execute(ctx, undefCmd)
		return err
	default:
		return nil
	}
}
