// Package lock implements the advisory per-(dest_host, new_name) lock file
// described in the concurrency model: a destination VM name is effectively
// a mutex, and two concurrent clones targeting the same name must not
// interleave. Stale locks (holder process no longer alive) are reclaimed.
package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
)

// Lock is an acquired advisory lock; call Release when the operation ends.
type Lock struct {
	path string
}

type lockFile struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Acquire creates {stateDir}/locks/{destHost}/{name}.lock, reclaiming a
// stale lock (a live-process check finds no holder) on contention.
func Acquire(stateDir, destHost, name string) (*Lock, error) {
	dir := filepath.Join(stateDir, "locks", destHost)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, clonerr.Wrap(clonerr.CodeGeneral, err, "create lock directory")
	}
	path := filepath.Join(dir, name+".lock")

	if err := tryCreate(path); err == nil {
		return &Lock{path: path}, nil
	}

	if reclaimStale(path) {
		if err := tryCreate(path); err == nil {
			return &Lock{path: path}, nil
		}
	}

	return nil, clonerr.New(clonerr.CodeGeneral,
		"lock for %s on %s is held by another operation", name, destHost)
}

func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	lf := lockFile{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	return json.NewEncoder(f).Encode(lf)
}

// reclaimStale removes path if its recorded PID is not a live process on
// this machine, returning true if it removed the file.
func reclaimStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var lf lockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return false
	}
	if lf.PID <= 0 || processAlive(lf.PID) {
		return false
	}
	return os.Remove(path) == nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without actually sending a signal.
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return clonerr.Wrap(clonerr.CodeGeneral, err, "release lock")
	}
	return nil
}
