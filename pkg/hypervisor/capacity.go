package hypervisor

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/command"
	"github.com/kvmclone/kvmclone/pkg/model"
)

// storagePool is one active libvirt storage pool as reported by
// pool-list/pool-info, generalized from the teacher's CACHEDEV/ZFS/USB pool
// detection (pkg/storage) down to the single libvirt-native mechanism every
// hypervisor host in scope actually exposes.
type storagePool struct {
	Name      string
	Active    bool
	Capacity  int64
	Available int64
}

var poolListLineRe = regexp.MustCompile(`^\s*(\S+)\s+(active|inactive)\s*$`)

func parsePoolNames(output string) []storagePool {
	var pools []storagePool
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "Name") && strings.Contains(line, "State") {
			continue
		}
		if strings.Contains(line, "----") {
			continue
		}
		m := poolListLineRe.FindStringSubmatch(strings.TrimRight(line, "\n"))
		if m == nil {
			continue
		}
		pools = append(pools, storagePool{Name: m[1], Active: m[2] == "active"})
	}
	return pools
}

var (
	poolCapacityRe  = regexp.MustCompile(`(?i)^capacity:\s*([0-9.]+)\s*(\S+)`)
	poolAvailableRe = regexp.MustCompile(`(?i)^available:\s*([0-9.]+)\s*(\S+)`)
)

func parsePoolInfo(output string) (capacity, available int64) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if m := poolCapacityRe.FindStringSubmatch(line); m != nil {
			capacity = bytesFromUnit(m[1], m[2])
		}
		if m := poolAvailableRe.FindStringSubmatch(line); m != nil {
			available = bytesFromUnit(m[1], m[2])
		}
	}
	return capacity, available
}

func bytesFromUnit(numStr, unit string) int64 {
	val, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0
	}
	mult := 1.0
	switch strings.ToUpper(unit) {
	case "KIB":
		mult = 1024
	case "MIB":
		mult = 1024 * 1024
	case "GIB":
		mult = 1024 * 1024 * 1024
	case "TIB":
		mult = 1024 * 1024 * 1024 * 1024
	case "BYTES", "B":
		mult = 1
	}
	return int64(val * mult)
}

var (
	nodeCPUsRe   = regexp.MustCompile(`(?i)^CPU\(s\):\s*(\d+)`)
	nodeMemoryRe = regexp.MustCompile(`(?i)^Memory size:\s*(\d+)\s*(\S+)`)
)

func parseNodeInfo(output string) (vcpus int, memoryMiB int64) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if m := nodeCPUsRe.FindStringSubmatch(line); m != nil {
			vcpus, _ = strconv.Atoi(m[1])
		}
		if m := nodeMemoryRe.FindStringSubmatch(line); m != nil {
			kb, _ := strconv.ParseInt(m[1], 10, 64)
			if strings.EqualFold(m[2], "kib") || strings.EqualFold(m[2], "kb") {
				memoryMiB = kb / 1024
			} else {
				memoryMiB = kb
			}
		}
	}
	return vcpus, memoryMiB
}

func (a *Adapter) hostCapacity(ctx context.Context) (model.HostCapacity, error) {
	listCmd, err := command.Virsh("pool-list", "", "--all")
	if err != nil {
		return model.HostCapacity{}, err
	}
	listRes, err := a.exec(ctx, listCmd)
	if err != nil {
		return model.HostCapacity{}, err
	}
	if listRes.ExitCode != 0 {
		return model.HostCapacity{}, clonerr.New(clonerr.CodeHypervisor, "pool-list failed: %s", listRes.Stderr)
	}

	var capacity model.HostCapacity
	for _, pool := range parsePoolNames(listRes.Stdout) {
		if !pool.Active {
			continue
		}
		infoCmd, err := command.Virsh("pool-info", pool.Name)
		if err != nil {
			continue
		}
		infoRes, err := a.exec(ctx, infoCmd)
		if err != nil || infoRes.ExitCode != 0 {
			continue
		}
		total, available := parsePoolInfo(infoRes.Stdout)
		capacity.TotalBytes += total
		capacity.AvailableBytes += available
	}

	nodeCmd, err := command.Virsh("nodeinfo", "")
	if err == nil {
		if nodeRes, err := a.exec(ctx, nodeCmd); err == nil && nodeRes.ExitCode == 0 {
			vcpus, memMiB := parseNodeInfo(nodeRes.Stdout)
			capacity.TotalVCPUs = vcpus
			capacity.FreeVCPUs = vcpus
			capacity.TotalMemoryMiB = memMiB
			capacity.FreeMemoryMiB = memMiB
		}
	}

	return capacity, nil
}
