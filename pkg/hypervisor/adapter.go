// Package hypervisor is the Hypervisor Adapter (C3): it expresses VM and
// host resource facts and issues lifecycle operations against a remote
// virsh-driven hypervisor daemon, reached by running privileged commands
// through a C2 connection. It is grounded on the teacher's pkg/virsh
// (command dispatch, domain XML struct, dominfo/domstats regex parsing)
// adapted to return model.VMDescriptor and to route every command through
// pkg/command instead of building fmt.Sprintf strings inline, and on
// original_source/libvirt_wrapper.py for cleanup_vm's idempotent semantics
// and host-resource aggregation.
package hypervisor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/command"
	"github.com/kvmclone/kvmclone/pkg/model"
	"github.com/kvmclone/kvmclone/pkg/transport"
)

// Adapter drives virsh over a single Connection.
type Adapter struct {
	conn *transport.Connection
	host string
}

// New wraps a Connection for hypervisor operations against host.
func New(conn *transport.Connection, host string) *Adapter {
	return &Adapter{conn: conn, host: host}
}

func (a *Adapter) exec(ctx context.Context, cmd string) (transport.ExecResult, error) {
	res, err := a.conn.Execute(ctx, cmd)
	if err != nil {
		return res, err
	}
	return res, nil
}

// ListVMs returns every VM on the host, optionally filtered by run state.
func (a *Adapter) ListVMs(ctx context.Context, stateFilter string) ([]model.VMDescriptor, error) {
	cmd, err := command.Virsh("list", "", "--all")
	if err != nil {
		return nil, err
	}
	res, err := a.exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, clonerr.New(clonerr.CodeHypervisor, "virsh list failed: %s", res.Stderr)
	}
	names := parseVMNames(res.Stdout, stateFilter)

	descs := make([]model.VMDescriptor, 0, len(names))
	for _, name := range names {
		desc, err := a.GetVM(ctx, name)
		if err != nil {
			continue
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

var vmListLineRe = regexp.MustCompile(`^\s*(-|\d+)\s+(\S+)\s+(.+?)\s*$`)

func parseVMNames(output, stateFilter string) []string {
	var names []string
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "Id") && strings.Contains(line, "Name") && strings.Contains(line, "State") {
			continue
		}
		if strings.Contains(line, "----") {
			continue
		}
		m := vmListLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		state := strings.ToLower(strings.ReplaceAll(m[3], " ", ""))
		if stateFilter != "" && stateFilter != "all" && !strings.Contains(state, strings.ToLower(stateFilter)) {
			continue
		}
		names = append(names, m[2])
	}
	return names
}

// VMExists reports whether a VM by this name is defined on the host.
func (a *Adapter) VMExists(ctx context.Context, name string) (bool, error) {
	cmd, err := command.Virsh("dominfo", name)
	if err != nil {
		return false, err
	}
	res, err := a.exec(ctx, cmd)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// GetVM loads a VMDescriptor, failing VMNotFound if the VM is absent.
func (a *Adapter) GetVM(ctx context.Context, name string) (model.VMDescriptor, error) {
	dumpCmd, err := command.Virsh("dumpxml", name)
	if err != nil {
		return model.VMDescriptor{}, err
	}
	res, err := a.exec(ctx, dumpCmd)
	if err != nil {
		return model.VMDescriptor{}, err
	}
	if res.ExitCode != 0 {
		return model.VMDescriptor{}, clonerr.New(clonerr.CodeVMNotFound, "VM %q not found on %s", name, a.host)
	}

	desc, err := parseDefinition([]byte(res.Stdout), a.host)
	if err != nil {
		return model.VMDescriptor{}, err
	}

	infoCmd, err := command.Virsh("dominfo", name)
	if err != nil {
		return model.VMDescriptor{}, err
	}
	if infoRes, err := a.exec(ctx, infoCmd); err == nil && infoRes.ExitCode == 0 {
		desc.State = parseRunState(infoRes.Stdout)
	}

	now := time.Now().UTC()
	desc.LastModified = now
	if desc.Created.IsZero() {
		desc.Created = now
	}
	return desc, nil
}

var stateLineRe = regexp.MustCompile(`(?i)^state:\s*(.+)$`)

func parseRunState(domInfo string) model.RunState {
	for _, line := range strings.Split(domInfo, "\n") {
		if m := stateLineRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			switch strings.ToLower(strings.TrimSpace(m[1])) {
			case "running":
				return model.StateRunning
			case "shut off", "shutoff":
				return model.StateStopped
			case "paused":
				return model.StatePaused
			case "in shutdown", "pmsuspended":
				return model.StateSuspended
			case "crashed":
				return model.StateCrashed
			}
		}
	}
	return model.StateUnknown
}

// HostCapacity aggregates active storage pool free space plus host memory
// and vCPU counts. The memory and vCPU values are the node totals; nothing
// is subtracted for running VMs. Pool detail is implemented in capacity.go.
func (a *Adapter) HostCapacity(ctx context.Context) (model.HostCapacity, error) {
	return a.hostCapacity(ctx)
}

// DefineVM uploads a definition document and defines it without starting,
// registering no state of its own — the caller (orchestrator via pkg/txn)
// is responsible for tracking the resulting vm-definition resource.
func (a *Adapter) DefineVM(ctx context.Context, definition []byte) (model.VMDescriptor, error) {
	tmpPath := fmt.Sprintf("/tmp/kvmclone-%d.xml", time.Now().UnixNano())
	if err := a.conn.Upload(ctx, strings.NewReader(string(definition)), tmpPath); err != nil {
		return model.VMDescriptor{}, err
	}
	defer func() {
		rmCmd, _ := command.RmFile(tmpPath, "/tmp")
		a.exec(ctx, rmCmd)
	}()

	defineCmd, err := command.Virsh("define", "", tmpPath)
	if err != nil {
		return model.VMDescriptor{}, err
	}
	res, err := a.exec(ctx, defineCmd)
	if err != nil {
		return model.VMDescriptor{}, err
	}
	if res.ExitCode != 0 {
		return model.VMDescriptor{}, clonerr.New(clonerr.CodeHypervisor, "virsh define failed: %s", res.Stderr)
	}

	desc, err := parseDefinition(definition, a.host)
	if err != nil {
		return model.VMDescriptor{}, err
	}
	return desc, nil
}

// CleanupVM implements the idempotent VM-removal contract: if running,
// force-stop; read the definition to learn disk paths; undefine; delete
// each disk file. Succeeds silently if the VM is already gone.
func (a *Adapter) CleanupVM(ctx context.Context, name, baseDir string) error {
	exists, err := a.VMExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	desc, err := a.GetVM(ctx, name)
	if err != nil {
		return err
	}

	if desc.State == model.StateRunning {
		destroyCmd, err := command.VirshDestroy(name)
		if err != nil {
			return err
		}
		a.exec(ctx, destroyCmd)
	}

	undefCmd, err := command.VirshUndefine(name)
	if err != nil {
		return err
	}
	if res, err := a.exec(ctx, undefCmd); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return clonerr.New(clonerr.CodeHypervisor, "virsh undefine failed: %s", res.Stderr)
	}

	for _, disk := range desc.Disks {
		rmCmd, err := command.RmFile(disk.Path, baseDir)
		if err != nil {
			continue
		}
		a.exec(ctx, rmCmd)
	}
	return nil
}

// CreateSnapshot creates a named snapshot of a running or stopped VM.
func (a *Adapter) CreateSnapshot(ctx context.Context, vmName, snapshotName, description string) error {
	if err := command.ValidateSnapshotName(snapshotName); err != nil {
		return err
	}
	args := []string{snapshotName}
	if description != "" {
		args = append(args, "--description", description)
	}
	cmd, err := command.Virsh("snapshot-create-as", vmName, args...)
	if err != nil {
		return err
	}
	res, err := a.exec(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return clonerr.New(clonerr.CodeHypervisor, "snapshot-create-as failed: %s", res.Stderr)
	}
	return nil
}

// DeleteSnapshot removes a named snapshot.
func (a *Adapter) DeleteSnapshot(ctx context.Context, vmName, snapshotName string) error {
	cmd, err := command.Virsh("snapshot-delete", vmName, snapshotName)
	if err != nil {
		return err
	}
	res, err := a.exec(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return clonerr.New(clonerr.CodeHypervisor, "snapshot-delete failed: %s", res.Stderr)
	}
	return nil
}

var snapshotLineRe = regexp.MustCompile(`^(\S+)\s+(\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}\s+[+-]\d{4})\s+(.+?)\s*$`)

// ListSnapshots lists every snapshot defined for a VM.
func (a *Adapter) ListSnapshots(ctx context.Context, vmName string) ([]model.SnapshotDescriptor, error) {
	cmd, err := command.Virsh("snapshot-list", vmName)
	if err != nil {
		return nil, err
	}
	res, err := a.exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, clonerr.New(clonerr.CodeHypervisor, "snapshot-list failed: %s", res.Stderr)
	}

	var out []model.SnapshotDescriptor
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Name") || strings.HasPrefix(line, "---") {
			continue
		}
		m := snapshotLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		created, _ := time.Parse("2006-01-02 15:04:05 -0700", m[2])
		out = append(out, model.SnapshotDescriptor{
			Name:    m[1],
			Created: created,
			State:   model.RunState(strings.ToLower(strings.ReplaceAll(m[3], " ", "_"))),
		})
	}
	return out, nil
}

// CurrentSnapshot returns the name of the VM's current snapshot, if any.
func (a *Adapter) CurrentSnapshot(ctx context.Context, vmName string) (string, bool, error) {
	cmd, err := command.Virsh("snapshot-current", vmName, "--name")
	if err != nil {
		return "", false, err
	}
	res, err := a.exec(ctx, cmd)
	if err != nil {
		return "", false, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(strings.ToLower(res.Stderr), "no current snapshot") {
			return "", false, nil
		}
		return "", false, clonerr.New(clonerr.CodeHypervisor, "snapshot-current failed: %s", res.Stderr)
	}
	name := strings.TrimSpace(res.Stdout)
	return name, name != "", nil
}

// RestoreSnapshot reverts a VM to a previously taken snapshot.
func (a *Adapter) RestoreSnapshot(ctx context.Context, vmName, snapshotName string) error {
	cmd, err := command.Virsh("snapshot-revert", vmName, snapshotName)
	if err != nil {
		return err
	}
	res, err := a.exec(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return clonerr.New(clonerr.CodeHypervisor, "snapshot-revert failed: %s", res.Stderr)
	}
	return nil
}

// VMStats reports instantaneous CPU/memory/block/network counters.
func (a *Adapter) VMStats(ctx context.Context, vmName string) (model.VMStats, error) {
	cmd, err := command.Virsh("domstats", vmName)
	if err != nil {
		return model.VMStats{}, err
	}
	res, err := a.exec(ctx, cmd)
	if err != nil {
		return model.VMStats{}, err
	}
	if res.ExitCode != 0 {
		return model.VMStats{}, clonerr.New(clonerr.CodeHypervisor, "domstats failed: %s", res.Stderr)
	}
	return parseVMStats(res.Stdout), nil
}

var (
	cpuTimeRe    = regexp.MustCompile(`cpu\.time=(\d+)`)
	balloonCurRe = regexp.MustCompile(`balloon\.current=(\d+)`)
	balloonMaxRe = regexp.MustCompile(`balloon\.maximum=(\d+)`)
	blockBytesRe = regexp.MustCompile(`block\.\d+\.(rd|wr)\.bytes=(\d+)`)
	netBytesRe   = regexp.MustCompile(`net\.\d+\.(rx|tx)\.bytes=(\d+)`)
)

func parseVMStats(output string) model.VMStats {
	var stats model.VMStats
	if m := cpuTimeRe.FindStringSubmatch(output); m != nil {
		stats.CPUTimeNs, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := balloonCurRe.FindStringSubmatch(output); m != nil {
		used, _ := strconv.ParseInt(m[1], 10, 64)
		stats.MemoryUsed = used / 1024
	}
	if m := balloonMaxRe.FindStringSubmatch(output); m != nil {
		total, _ := strconv.ParseInt(m[1], 10, 64)
		stats.MemoryMiB = total / 1024
	}
	for _, m := range blockBytesRe.FindAllStringSubmatch(output, -1) {
		v, _ := strconv.ParseInt(m[2], 10, 64)
		if m[1] == "rd" {
			stats.BlockReadB += v
		} else {
			stats.BlockWriteB += v
		}
	}
	for _, m := range netBytesRe.FindAllStringSubmatch(output, -1) {
		v, _ := strconv.ParseInt(m[2], 10, 64)
		if m[1] == "rx" {
			stats.NetRxB += v
		} else {
			stats.NetTxB += v
		}
	}
	return stats
}
