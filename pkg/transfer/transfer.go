// Package transfer is the Transfer Engine (C4): it moves a disk image from
// one remote host to another using one of three strategies, each expressed
// as a single command dispatched through C2 on the source host. It is
// grounded on the teacher's virsh command-dispatch pattern (build the
// command with pkg/command, run it via a Connection, interpret exit code
// and output) generalized from a single VM-lifecycle command to a
// long-running, progress-reporting transfer, and on
// original_source/cloner.py::_transfer_disk_image. Every strategy runs a
// command on the source host that pushes to the destination host; there is
// no separate local-copy path when the two hosts are the same.
package transfer

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/command"
	"github.com/kvmclone/kvmclone/pkg/model"
	"github.com/kvmclone/kvmclone/pkg/transport"
)

// Progress is delivered to the caller's sink at each parseable rsync
// progress line or, for strategies without native progress output, once at
// completion.
type Progress struct {
	BytesTransferred int64
	TotalBytes       int64
	SpeedBps         float64
	CurrentFile      string
}

// ProgressFunc receives Transfer progress ticks. It must not block.
type ProgressFunc func(Progress)

// Request describes one disk transfer job. DestConn is an already-open
// connection to DestHost, required only when Verify is set (checksumming
// the destination side needs a session on that host).
type Request struct {
	SourceHost     string
	SourcePath     string
	DestHost       string
	DestPath       string
	BandwidthLimit string
	Verify         bool
	DestConn       *transport.Connection
	OnProgress     ProgressFunc
}

// Result is what a completed (or cancelled) transfer produced.
type Result struct {
	BytesTransferred int64
	Duration         time.Duration
	Checksum         string
}

// Strategy is the common contract every transfer method implements: run on
// sourceConn (a connection already open to sourceHost), moving sourcePath to
// destPath on destHost, honoring bandwidth limiting and cancellation, and
// reporting progress as it becomes available.
type Strategy interface {
	Transfer(ctx context.Context, sourceConn *transport.Connection, req Request) (Result, error)
}

// Registry is the map[string]Strategy keyed by the transfer_method option
// string, giving transfer_method validation and dispatch one source of
// truth: an unrecognized method fails before any connection is opened.
type Registry struct {
	strategies map[model.TransferMethod]Strategy
}

// NewRegistry builds the default registry wiring rsync, stream, and
// blocksync.
func NewRegistry() *Registry {
	return &Registry{strategies: map[model.TransferMethod]Strategy{
		model.TransferRsync:     RsyncStrategy{},
		model.TransferStream:    StreamStrategy{},
		model.TransferBlocksync: BlocksyncStrategy{},
	}}
}

// Get looks up a strategy by name, failing validation if unknown.
func (r *Registry) Get(method model.TransferMethod) (Strategy, error) {
	s, ok := r.strategies[method]
	if !ok {
		return nil, clonerr.New(clonerr.CodeValidation, "unknown transfer method %q", method)
	}
	return s, nil
}

var rsyncProgressRe = regexp.MustCompile(`^\s*([\d,]+)\s+(\d+)%\s+([\d.]+)([kKmMgG])B/s`)

// runAndParseRsyncProgress executes cmd on sourceConn via its streaming
// primitive, decoding and dispatching each progress line to onProgress as
// it is written rather than waiting for the whole transfer to finish. It
// returns the final byte count reported by the last progress line, or 0 if
// none parsed (e.g. an empty source file).
func runAndParseRsyncProgress(ctx context.Context, conn *transport.Connection, cmd string, onProgress ProgressFunc, currentFile string) (int64, error) {
	var lastBytes int64
	res, err := conn.ExecuteStream(ctx, cmd, func(line string) {
		m := rsyncProgressRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		bytesStr := strings.ReplaceAll(m[1], ",", "")
		b, convErr := strconv.ParseInt(bytesStr, 10, 64)
		if convErr != nil {
			return
		}
		lastBytes = b
		speed, _ := strconv.ParseFloat(m[3], 64)
		speedBps := speed * unitMultiplier(m[4])
		if onProgress != nil {
			onProgress(Progress{BytesTransferred: b, SpeedBps: speedBps, CurrentFile: currentFile})
		}
	})
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, clonerr.New(clonerr.CodeTransfer, "transfer command failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
	return lastBytes, nil
}

func unitMultiplier(unit string) float64 {
	switch strings.ToLower(unit) {
	case "k":
		return 1024
	case "m":
		return 1024 * 1024
	case "g":
		return 1024 * 1024 * 1024
	default:
		return 1
	}
}

// verifyChecksums runs sha256sum on both endpoints and returns the source
// digest, failing TransferError (CodeTransfer) on mismatch.
func verifyChecksums(ctx context.Context, sourceConn, destConn *transport.Connection, sourcePath, destPath string) (string, error) {
	srcCmd, err := command.Checksum(sourcePath, "")
	if err != nil {
		return "", err
	}
	srcRes, err := sourceConn.Execute(ctx, srcCmd)
	if err != nil {
		return "", err
	}
	if srcRes.ExitCode != 0 {
		return "", clonerr.New(clonerr.CodeTransfer, "checksum source failed: %s", srcRes.Stderr)
	}
	srcSum := firstField(srcRes.Stdout)

	dstCmd, err := command.Checksum(destPath, "")
	if err != nil {
		return "", err
	}
	dstRes, err := destConn.Execute(ctx, dstCmd)
	if err != nil {
		return "", err
	}
	if dstRes.ExitCode != 0 {
		return "", clonerr.New(clonerr.CodeTransfer, "checksum destination failed: %s", dstRes.Stderr)
	}
	dstSum := firstField(dstRes.Stdout)

	if srcSum == "" || srcSum != dstSum {
		return "", clonerr.New(clonerr.CodeTransfer,
			"checksum mismatch after transfer: source=%s destination=%s", srcSum, dstSum)
	}
	return srcSum, nil
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// requireDestConnForVerify is used by strategies before attempting
// verification: when Verify is requested the caller (Orchestrator) must
// have opened a destination connection.
func requireDestConnForVerify(destConn *transport.Connection) error {
	if destConn == nil {
		return clonerr.New(clonerr.CodeValidation, "verify requested but no destination connection was supplied")
	}
	return nil
}
