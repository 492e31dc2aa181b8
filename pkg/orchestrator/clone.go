package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/command"
	"github.com/kvmclone/kvmclone/pkg/hypervisor"
	"github.com/kvmclone/kvmclone/pkg/lock"
	"github.com/kvmclone/kvmclone/pkg/model"
	"github.com/kvmclone/kvmclone/pkg/transfer"
	"github.com/kvmclone/kvmclone/pkg/transport"
	"github.com/kvmclone/kvmclone/pkg/txn"
)

// Clone implements the end-to-end preflight → transfer → materialize →
// commit workflow from §4.6, returning a CloneResult on both success and
// failure (the OperationHandle tracks the same outcome for Status()).
func (o *Orchestrator) Clone(ctx context.Context, sourceHost, destHost, vmName string, opts model.CloneOptions) (model.CloneResult, error) {
	handle := o.newHandle(model.OpClone)
	o.setRunning(handle)
	start := time.Now()
	timestamp := time.Now().UTC()

	newName := opts.NewName
	if newName == "" {
		newName = vmName + "_clone"
	}

	res, err := o.doClone(ctx, handle, sourceHost, destHost, vmName, newName, opts)
	res.OperationID = handle.ID
	res.VMName = vmName
	res.NewVMName = newName
	res.SourceHost = sourceHost
	res.DestHost = destHost
	res.DurationSeconds = time.Since(start).Seconds()
	res.Timestamp = timestamp

	if err != nil {
		res.Success = false
		res.Error = err.Error()
		res.ErrorCode = int(clonerr.CodeOf(err))
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
	handle.CloneRes = &res
	o.mu.Unlock()
	return res, err
}

func (o *Orchestrator) doClone(ctx context.Context, handle *model.OperationHandle, sourceHost, destHost, vmName, newName string, opts model.CloneOptions) (model.CloneResult, error) {
	if err := validateCloneOptions(opts); err != nil {
		return model.CloneResult{}, err
	}
	if _, err := o.transfers.Get(opts.TransferMethod); err != nil {
		return model.CloneResult{}, err
	}

	srcConn, srcAdapter, err := o.hypervisorAt(ctx, sourceHost)
	if err != nil {
		return model.CloneResult{}, err
	}
	dstConn, dstAdapter, err := o.hypervisorAt(ctx, destHost)
	if err != nil {
		return model.CloneResult{}, err
	}

	// Preflight step 2: load the source descriptor, reject crashed VMs.
	srcDesc, err := srcAdapter.GetVM(ctx, vmName)
	if err != nil {
		return model.CloneResult{}, err
	}
	if srcDesc.State == model.StateCrashed {
		return model.CloneResult{}, clonerr.New(clonerr.CodeVMNotFound,
			"source VM %q is in a crashed state and cannot be cloned", vmName)
	}

	var warnings []string
	if srcDesc.State == model.StateRunning {
		warnings = append(warnings, fmt.Sprintf("VM %q is currently running; consider stopping it before cloning", vmName))
	}

	// Disk sizes are read from the source host; the parsed definition does
	// not carry them. A disk whose size cannot be read counts as zero.
	for i := range srcDesc.Disks {
		sizeCmd, err := command.Safe("stat -c %s {path}", map[string]string{"path": srcDesc.Disks[i].Path})
		if err != nil {
			return model.CloneResult{}, err
		}
		if res, err := srcConn.Execute(ctx, sizeCmd); err == nil && res.ExitCode == 0 {
			fmt.Sscanf(res.Stdout, "%d", &srcDesc.Disks[i].Size)
		}
	}

	// Preflight steps 3-4: destination capacity vs. 15% safety margin.
	capacity, err := dstAdapter.HostCapacity(ctx)
	if err != nil {
		return model.CloneResult{}, err
	}
	var totalDiskBytes int64
	for _, d := range srcDesc.Disks {
		totalDiskBytes += d.Size
	}
	required := int64(float64(totalDiskBytes) * 1.15)
	if capacity.AvailableBytes > 0 && capacity.AvailableBytes < required {
		return model.CloneResult{}, clonerr.New(clonerr.CodeInsufficientResources,
			"destination %s has %d bytes free, need %d (source disks + 15%% margin)", destHost, capacity.AvailableBytes, required)
	}
	if capacity.FreeMemoryMiB > 0 && capacity.FreeMemoryMiB < srcDesc.MemoryMiB {
		warnings = append(warnings, fmt.Sprintf("destination free memory (%d MiB) is below source requirement (%d MiB)", capacity.FreeMemoryMiB, srcDesc.MemoryMiB))
	}
	if capacity.FreeVCPUs > 0 && capacity.FreeVCPUs < srcDesc.VCPUs {
		warnings = append(warnings, fmt.Sprintf("destination free vCPUs (%d) is below source requirement (%d)", capacity.FreeVCPUs, srcDesc.VCPUs))
	}

	// Preflight step 6 + name-collision policy.
	exists, err := dstAdapter.VMExists(ctx, newName)
	if err != nil {
		return model.CloneResult{}, err
	}
	wouldCleanup := false
	if exists {
		switch {
		case opts.Idempotent || opts.Force:
			wouldCleanup = true
		default:
			return model.CloneResult{}, clonerr.New(clonerr.CodeVMExists,
				"VM %q already exists on %s", newName, destHost)
		}
	}

	if opts.DryRun {
		var totalBytes int64
		for _, d := range srcDesc.Disks {
			totalBytes += d.Size
		}
		o.log.Info("dry run completed", "operation_id", handle.ID.String(), "vm_name", vmName,
			"would_cleanup", wouldCleanup, "estimated_seconds", estimateSeconds(totalBytes))
		return model.CloneResult{Warnings: warnings}, nil
	}

	lk, err := lock.Acquire(o.stateDir, destHost, newName)
	if err != nil {
		return model.CloneResult{}, clonerr.Wrap(clonerr.CodeGeneral, err, "acquire destination lock")
	}
	defer lk.Release()

	if wouldCleanup {
		if err := dstAdapter.CleanupVM(ctx, newName, o.baseDir); err != nil {
			return model.CloneResult{}, clonerr.Wrap(clonerr.CodeClone, err, "cleanup colliding destination VM %q", newName)
		}
		o.log.Info("cleaned up colliding destination VM", "vm_name", newName, "host", destHost)
	}

	tx := txn.New(handle.ID, "clone", o.transport, o.log, o.auditDir())
	tx.StagingDir = joinPath(o.baseDir, fmt.Sprintf("kvmclone-staging-%s", handle.ID))
	tx.Register(model.ResourceStagingDirectory, tx.StagingDir, destHost, nil)

	mkdirCmd, err := command.Mkdir(tx.StagingDir, o.baseDir)
	if err != nil {
		tx.Rollback(ctx)
		return model.CloneResult{}, err
	}
	if res, err := dstConn.Execute(ctx, mkdirCmd); err != nil || res.ExitCode != 0 {
		tx.Rollback(ctx)
		return model.CloneResult{}, clonerr.New(clonerr.CodeClone, "create staging directory failed")
	}

	diskPaths, transferredBytes, err := o.transferDisks(ctx, handle, srcConn, dstConn, tx, sourceHost, destHost, newName, srcDesc.Disks, opts)
	if err != nil {
		tx.Rollback(ctx)
		return model.CloneResult{}, err
	}

	newXML, _, err := hypervisor.Rewrite(srcDesc.Definition, hypervisor.RewriteOptions{
		NewName:     newName,
		DiskPaths:   diskPaths,
		PreserveMAC: opts.PreserveMAC,
	})
	if err != nil {
		tx.Rollback(ctx)
		return model.CloneResult{}, err
	}

	if _, err := dstAdapter.DefineVM(ctx, newXML); err != nil {
		tx.Rollback(ctx)
		return model.CloneResult{}, clonerr.Wrap(clonerr.CodeClone, err, "define VM %q on %s", newName, destHost)
	}
	tx.RegisterVMDefinition(newName, destHost)

	if err := tx.Commit(ctx); err != nil {
		return model.CloneResult{}, err
	}

	if rmDirCmd, err := command.RmDirectory(tx.StagingDir, o.baseDir); err == nil {
		dstConn.Execute(ctx, rmDirCmd)
	}

	return model.CloneResult{
		BytesTransferred: transferredBytes,
		Warnings:         warnings,
	}, nil
}

// transferDisks dispatches up to opts.Parallel concurrent Transfer Engine
// jobs, one per source disk, each targeting a path inside the transaction's
// staging directory. Every completed transfer registers a temporary-disk-
// file resource whose final path is the canonical cloned-image location.
// Progress across disks is aggregated by tracking each disk's own
// last-reported byte count and adding only the delta, so aggregation stays
// commutative regardless of tick interleaving (§5's ordering guarantee).
func (o *Orchestrator) transferDisks(
	ctx context.Context,
	handle *model.OperationHandle,
	srcConn, dstConn *transport.Connection,
	tx *txn.Transaction,
	sourceHost, destHost, newName string,
	disks []model.DiskRef,
	opts model.CloneOptions,
) (map[string]string, int64, error) {
	diskPaths := make(map[string]string, len(disks))
	var transferredBytes int64
	var mu sync.Mutex

	sem := semaphore.NewWeighted(mustParallel(opts.Parallel))
	speed := newSmoothedSpeed()
	lastReported := make(map[string]int64, len(disks))

	group, gctx := errgroup.WithContext(ctx)
	for _, disk := range disks {
		disk := disk
		if err := acquireSem(gctx, sem); err != nil {
			return nil, 0, err
		}

		group.Go(func() error {
			defer sem.Release(1)

			stagedPath := tx.StagingPath(pathBase(disk.Path))
			strategy, err := o.transfers.Get(opts.TransferMethod)
			if err != nil {
				return err
			}

			req := transfer.Request{
				SourceHost:     sourceHost,
				SourcePath:     disk.Path,
				DestHost:       destHost,
				DestPath:       stagedPath,
				BandwidthLimit: opts.BandwidthLimit,
				Verify:         opts.Verify,
				DestConn:       dstConn,
				OnProgress: func(p transfer.Progress) {
					mu.Lock()
					delta := p.BytesTransferred - lastReported[disk.Path]
					if delta > 0 {
						lastReported[disk.Path] = p.BytesTransferred
					} else {
						delta = 0
					}
					mu.Unlock()

					bps := speed.sample(p.SpeedBps)
					o.mu.Lock()
					handle.Progress.BytesTransferred += delta
					handle.Progress.SpeedBps = bps
					handle.Progress.CurrentFile = p.CurrentFile
					o.mu.Unlock()
				},
			}

			result, err := strategy.Transfer(gctx, srcConn, req)
			if err != nil {
				return clonerr.Wrap(clonerr.CodeTransfer, err, "transfer disk %s", disk.Path)
			}

			finalPath, err := canonicalDiskPath(o.baseDir, newName, disk.Path)
			if err != nil {
				return err
			}

			mu.Lock()
			diskPaths[disk.Path] = finalPath
			transferredBytes += result.BytesTransferred
			mu.Unlock()

			tx.RegisterTempDisk(stagedPath, destHost, finalPath)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, 0, err
	}

	mu.Lock()
	defer mu.Unlock()
	return diskPaths, transferredBytes, nil
}

func validateCloneOptions(opts model.CloneOptions) error {
	if opts.Parallel == nil {
		return nil
	}
	if *opts.Parallel < 1 || *opts.Parallel > 16 {
		return clonerr.New(clonerr.CodeValidation, "parallel must be between 1 and 16, got %d", *opts.Parallel).WithField("parallel")
	}
	return nil
}

func estimateSeconds(totalBytes int64) float64 {
	const assumedBps = 100 * 1024 * 1024 // 100 MB/s assumed for planning purposes
	if totalBytes <= 0 {
		return 0
	}
	return float64(totalBytes) / assumedBps
}

func pathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func joinPath(a, b string) string {
	if a == "" {
		return b
	}
	if a[len(a)-1] == '/' {
		return a + b
	}
	return a + "/" + b
}
