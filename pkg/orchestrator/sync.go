package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/model"
	"github.com/kvmclone/kvmclone/pkg/transfer"
	"github.com/kvmclone/kvmclone/pkg/txn"
)

// Sync implements the incremental-update workflow from §4.6.1: both VMs
// must already exist, disks are matched positionally by index (the same
// simplification original_source/sync.py::VMSynchronizer.sync makes), and
// transfers land directly on the destination's existing disk paths with no
// staging-directory indirection — there is nothing to materialize, only
// disks to bring up to date.
func (o *Orchestrator) Sync(ctx context.Context, sourceHost, destHost, vmName string, opts model.SyncOptions) (model.SyncResult, error) {
	handle := o.newHandle(model.OpSync)
	o.setRunning(handle)
	start := time.Now()

	targetName := opts.TargetName
	if targetName == "" {
		targetName = vmName
	}

	res, err := o.doSync(ctx, handle, sourceHost, destHost, vmName, targetName, opts)
	res.OperationID = handle.ID
	res.VMName = vmName
	res.SourceHost = sourceHost
	res.DestHost = destHost
	res.DurationSeconds = time.Since(start).Seconds()

	if err != nil {
		res.Success = false
		res.Error = err.Error()
		status := model.OpFailed
		if clonerr.CodeOf(err) == clonerr.CodeOperationCancelled {
			status = model.OpCancelled
		}
		o.finish(handle, status, err)
	} else {
		res.Success = true
		o.finish(handle, model.OpCompleted, nil)
	}

	o.mu.Lock()
	handle.SyncRes = &res
	o.mu.Unlock()
	return res, err
}

func (o *Orchestrator) doSync(ctx context.Context, handle *model.OperationHandle, sourceHost, destHost, vmName, targetName string, opts model.SyncOptions) (model.SyncResult, error) {
	srcConn, srcAdapter, err := o.hypervisorAt(ctx, sourceHost)
	if err != nil {
		return model.SyncResult{}, err
	}
	dstConn, dstAdapter, err := o.hypervisorAt(ctx, destHost)
	if err != nil {
		return model.SyncResult{}, err
	}

	srcDesc, err := srcAdapter.GetVM(ctx, vmName)
	if err != nil {
		return model.SyncResult{}, err
	}
	dstExists, err := dstAdapter.VMExists(ctx, targetName)
	if err != nil {
		return model.SyncResult{}, err
	}
	if !dstExists {
		return model.SyncResult{}, clonerr.New(clonerr.CodeVMNotFound,
			"sync target %q does not exist on %s (sync requires both VMs to already exist)", targetName, destHost)
	}
	dstDesc, err := dstAdapter.GetVM(ctx, targetName)
	if err != nil {
		return model.SyncResult{}, err
	}

	warnings := diskCountWarnings(targetName, len(srcDesc.Disks), len(dstDesc.Disks))

	tx := txn.New(handle.ID, "sync", o.transport, o.log, o.auditDir())

	if opts.Checkpoint {
		snapshotName := fmt.Sprintf("%s_sync_checkpoint_%d", targetName, time.Now().Unix())
		if err := dstAdapter.CreateSnapshot(ctx, targetName, snapshotName, "Pre-sync checkpoint"); err != nil {
			o.log.Warn("checkpoint creation failed, continuing without it",
				"vm_name", targetName, "host", destHost, "error", err.Error())
		} else {
			tx.RegisterCustom(snapshotName, destHost, map[string]string{"vm_name": targetName}, nil)
		}
	}

	method := model.TransferBlocksync
	strategy, err := o.transfers.Get(method)
	if err != nil {
		tx.Rollback(ctx)
		return model.SyncResult{}, err
	}

	speed := newSmoothedSpeed()
	var transferredBytes int64
	var blocksSynced int64

	n := minInt(len(srcDesc.Disks), len(dstDesc.Disks))

	for i := 0; i < n; i++ {
		srcDisk := srcDesc.Disks[i]
		dstDisk := dstDesc.Disks[i]

		if opts.DeltaOnly {
			changed, err := transfer.Delta(ctx, srcConn, srcDisk.Path, destHost, dstDisk.Path)
			if err != nil {
				o.log.Warn("delta computation failed, syncing whole disk",
					"disk", srcDisk.Path, "error", err.Error())
			} else if len(changed) == 0 {
				o.log.Info("disk already in sync, skipping", "disk", dstDisk.Path)
				continue
			} else {
				blocksSynced += int64(len(changed))
			}
		}

		req := transfer.Request{
			SourceHost:     sourceHost,
			SourcePath:     srcDisk.Path,
			DestHost:       destHost,
			DestPath:       dstDisk.Path,
			BandwidthLimit: opts.BandwidthLimit,
			DestConn:       dstConn,
			OnProgress: func(p transfer.Progress) {
				bps := speed.sample(p.SpeedBps)
				o.mu.Lock()
				handle.Progress.SpeedBps = bps
				handle.Progress.CurrentFile = p.CurrentFile
				o.mu.Unlock()
			},
		}

		result, err := strategy.Transfer(ctx, srcConn, req)
		if err != nil {
			tx.Rollback(ctx)
			return model.SyncResult{}, clonerr.Wrap(clonerr.CodeSync, err, "sync disk %s", srcDisk.Path)
		}
		transferredBytes += result.BytesTransferred

		o.mu.Lock()
		handle.Progress.BytesTransferred = transferredBytes
		o.mu.Unlock()
	}

	if err := tx.Commit(ctx); err != nil {
		return model.SyncResult{}, err
	}

	return model.SyncResult{
		BytesTransferred:   transferredBytes,
		BlocksSynchronized: blocksSynced,
		Warnings:           warnings,
	}, nil
}

// diskCountWarnings reports a warning when the destination has fewer disks
// than the source, since sync's positional disk matching silently drops any
// trailing source disk that has no destination counterpart.
func diskCountWarnings(targetName string, srcDiskCount, dstDiskCount int) []string {
	if dstDiskCount >= srcDiskCount {
		return nil
	}
	return []string{fmt.Sprintf(
		"destination %q has fewer disks (%d) than source (%d); trailing source disks will not be synced",
		targetName, dstDiskCount, srcDiskCount)}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
