package transfer

import (
	"context"
	"time"

	"github.com/kvmclone/kvmclone/pkg/command"
	"github.com/kvmclone/kvmclone/pkg/transport"
)

// RsyncStrategy is the general-purpose, resumable, sparse-aware default
// transfer method, per §4.4: "-avS --partial --inplace --progress".
type RsyncStrategy struct{}

func (RsyncStrategy) Transfer(ctx context.Context, sourceConn *transport.Connection, req Request) (Result, error) {
	if req.Verify {
		if err := requireDestConnForVerify(req.DestConn); err != nil {
			return Result{}, err
		}
	}

	start := time.Now()
	cmd, err := command.Rsync(req.SourcePath, req.DestPath, req.DestHost, command.RsyncOptions{
		BandwidthLimit: req.BandwidthLimit,
	})
	if err != nil {
		return Result{}, err
	}

	bytesTransferred, err := runAndParseRsyncProgress(ctx, sourceConn, cmd, req.OnProgress, req.SourcePath)
	if err != nil {
		return Result{}, err
	}

	result := Result{BytesTransferred: bytesTransferred, Duration: time.Since(start)}
	if req.Verify {
		sum, err := verifyChecksums(ctx, sourceConn, req.DestConn, req.SourcePath, req.DestPath)
		if err != nil {
			return result, err
		}
		result.Checksum = sum
	}
	return result, nil
}
