// Package orchestrator is the Clone Orchestrator (C6): it composes C1-C5
// into the end-to-end preflight → transfer → materialize → commit workflow
// with idempotent retry, plus the Sync operation that reuses the same
// transactional envelope. It is grounded on
// original_source/cloner.py::VMCloner (clone/validate_prerequisites) and
// original_source/sync.py::VMSynchronizer, fused per spec.md's resolved
// open question that sync shares Clone's transactional envelope, and on
// the teacher's top-level command handlers for the "resolve, then act,
// then report a result struct" shape.
package orchestrator

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"golang.org/x/sync/semaphore"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/command"
	"github.com/kvmclone/kvmclone/pkg/hypervisor"
	"github.com/kvmclone/kvmclone/pkg/logging"
	"github.com/kvmclone/kvmclone/pkg/model"
	"github.com/kvmclone/kvmclone/pkg/transfer"
	"github.com/kvmclone/kvmclone/pkg/transport"
)

// Orchestrator drives Clone and Sync operations, tracking each as an
// OperationHandle (C8's in-memory registry, see status.go).
type Orchestrator struct {
	transport *transport.Transport
	transfers *transfer.Registry
	log       *logging.Logger
	stateDir  string
	baseDir   string

	mu       sync.Mutex
	handles  map[uuid.UUID]*model.OperationHandle
	history  []uuid.UUID
	maxHist  int
}

// Options configures the orchestrator's ambient behavior independent of any
// single operation's CloneOptions/SyncOptions.
type Options struct {
	StateDir string // holds locks/ and transaction audit logs
	BaseDir  string // hypervisor's default image directory
}

// New constructs an Orchestrator wired to a shared Transport, the default
// transfer strategy registry, and a logger.
func New(t *transport.Transport, log *logging.Logger, opts Options) *Orchestrator {
	if opts.BaseDir == "" {
		opts.BaseDir = "/var/lib/libvirt/images"
	}
	return &Orchestrator{
		transport: t,
		transfers: transfer.NewRegistry(),
		log:       log,
		stateDir:  opts.StateDir,
		baseDir:   opts.BaseDir,
		handles:   make(map[uuid.UUID]*model.OperationHandle),
		maxHist:   200,
	}
}

func (o *Orchestrator) newHandle(opType model.OperationType) *model.OperationHandle {
	h := &model.OperationHandle{
		ID:        uuid.New(),
		Type:      opType,
		Status:    model.OpPending,
		CreatedAt: time.Now().UTC(),
	}
	o.mu.Lock()
	o.handles[h.ID] = h
	o.history = append(o.history, h.ID)
	if len(o.history) > o.maxHist {
		evict := o.history[0]
		o.history = o.history[1:]
		delete(o.handles, evict)
	}
	o.mu.Unlock()
	return h
}

func (o *Orchestrator) setRunning(h *model.OperationHandle) {
	o.mu.Lock()
	h.Status = model.OpRunning
	h.StartedAt = time.Now().UTC()
	o.mu.Unlock()
}

func (o *Orchestrator) finish(h *model.OperationHandle, status model.OperationStatus, err error) {
	o.mu.Lock()
	h.Status = status
	h.EndedAt = time.Now().UTC()
	h.Error = err
	o.mu.Unlock()
}

// canonicalDiskPath builds a cloned disk's final (post-commit) path:
// {base_dir}/{new_name}_{source_file_basename}, sanitized.
func canonicalDiskPath(baseDir, newName, sourcePath string) (string, error) {
	name := fmt.Sprintf("%s_%s", newName, path.Base(sourcePath))
	return command.ValidatePath(path.Join(baseDir, name), baseDir)
}

// smoothedSpeed applies an exponentially-smoothed moving average to
// successive instantaneous speed samples (bytes/s), per §4.6's
// progress-aggregation contract.
type smoothedSpeed struct {
	mu    sync.Mutex
	alpha float64
	value float64
	last  time.Time
	seen  bool
}

func newSmoothedSpeed() *smoothedSpeed {
	return &smoothedSpeed{alpha: 0.3}
}

func (s *smoothedSpeed) sample(instantBps float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen {
		s.value = instantBps
		s.seen = true
	} else {
		s.value = s.alpha*instantBps + (1-s.alpha)*s.value
	}
	return s.value
}

func acquireSem(ctx context.Context, sem *semaphore.Weighted) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return clonerr.Wrap(clonerr.CodeOperationCancelled, err, "acquire transfer slot")
	}
	return nil
}

// mustParallel resolves the validated CloneOptions.Parallel into a semaphore
// weight. validateCloneOptions has already rejected anything outside 1-16;
// nil is the only remaining case, meaning the caller left it unset.
func mustParallel(n *int) int64 {
	if n == nil {
		return 4
	}
	return int64(*n)
}

// auditDir returns the directory transaction audit logs are written
// under, defaulting to /tmp when no state directory is configured.
func (o *Orchestrator) auditDir() string {
	if o.stateDir == "" {
		return "/tmp"
	}
	return o.stateDir
}

// hypervisorAt opens a connection to host and wraps it in a hypervisor
// Adapter, the pattern every preflight/execution step below repeats.
func (o *Orchestrator) hypervisorAt(ctx context.Context, host string) (*transport.Connection, *hypervisor.Adapter, error) {
	conn, err := o.transport.Open(ctx, host, transport.Options{})
	if err != nil {
		return nil, nil, err
	}
	return conn, hypervisor.New(conn, host), nil
}

