package hypervisor

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/model"
)

// parseDefinition decodes a raw domain XML document into a VMDescriptor,
// keeping the raw bytes attached for later rewriting. It unmarshals onto
// libvirtxml.Domain (grounded on alexandremahdhaoui-shaper/pkg/vmm/domain.go,
// which uses the same string-based Marshal/Unmarshal pair against a domain
// document, not a live libvirt connection) rather than a hand-picked field
// subset, so Rewrite below can round-trip every element libvirt writes
// instead of silently dropping whatever this adapter never learned to read.
func parseDefinition(raw []byte, host string) (model.VMDescriptor, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(string(raw)); err != nil {
		return model.VMDescriptor{}, clonerr.Wrap(clonerr.CodeHypervisor, err, "parse domain definition")
	}

	desc := model.VMDescriptor{
		Name:       dom.Name,
		UUID:       dom.UUID,
		Definition: raw,
		Host:       host,
	}
	if dom.Memory != nil {
		desc.MemoryMiB = memoryToMiB(int64(dom.Memory.Value), dom.Memory.Unit)
	}
	if dom.VCPU != nil {
		desc.VCPUs = int(dom.VCPU.Value)
	}
	if dom.Devices == nil {
		return desc, nil
	}
	for _, d := range dom.Devices.Disks {
		path := diskSourcePath(d)
		if path == "" {
			continue
		}
		var driverType string
		if d.Driver != nil {
			driverType = d.Driver.Type
		}
		var target string
		if d.Target != nil {
			target = d.Target.Dev
		}
		desc.Disks = append(desc.Disks, model.DiskRef{
			Path:   path,
			Format: model.DiskFormat(driverType),
			Target: target,
		})
	}
	for _, i := range dom.Devices.Interfaces {
		var mac, network string
		if i.MAC != nil {
			mac = i.MAC.Address
		}
		if i.Source != nil && i.Source.Network != nil {
			network = i.Source.Network.Network
		}
		desc.Interfaces = append(desc.Interfaces, model.NetworkInterface{
			MAC:     mac,
			Network: network,
		})
	}
	return desc, nil
}

// diskSourcePath extracts a disk's backing path from whichever source union
// member libvirt populated; file-backed and block-backed are the only two
// it reads. Rewrite remaps only file-backed sources.
func diskSourcePath(d libvirtxml.DomainDisk) string {
	if d.Source == nil {
		return ""
	}
	if d.Source.File != nil {
		return d.Source.File.File
	}
	if d.Source.Block != nil {
		return d.Source.Block.Dev
	}
	return ""
}

func memoryToMiB(value int64, unit string) int64 {
	switch unit {
	case "KiB", "":
		return value / 1024
	case "MiB":
		return value
	case "GiB":
		return value * 1024
	default:
		return value / 1024
	}
}

// RewriteOptions configures how Rewrite mutates a definition document.
type RewriteOptions struct {
	NewName     string
	DiskPaths   map[string]string // old path -> new path
	PreserveMAC bool
}

// Rewrite implements the Adapter's definition-rewriting responsibility:
// replace the VM name, assign a fresh stable identifier, remap every
// file-backed disk path found in DiskPaths, and (unless PreserveMAC) assign a
// fresh locally administered MAC to every interface. Block-backed disk
// sources are left unchanged. Every other element of the document — cpu, features,
// clock, graphics, controllers, and anything else libvirt wrote — round-trips
// through libvirtxml.Domain untouched, since only the fields this function
// assigns are ever mutated on the decoded struct.
func Rewrite(raw []byte, opts RewriteOptions) ([]byte, string, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(string(raw)); err != nil {
		return nil, "", clonerr.Wrap(clonerr.CodeHypervisor, err, "parse domain definition for rewrite")
	}

	dom.Name = opts.NewName
	newUUID := uuid.New().String()
	dom.UUID = newUUID

	if dom.Devices != nil {
		for i := range dom.Devices.Disks {
			d := &dom.Devices.Disks[i]
			if d.Source == nil || d.Source.File == nil {
				continue
			}
			if newPath, ok := opts.DiskPaths[d.Source.File.File]; ok {
				d.Source.File.File = newPath
			}
		}

		if !opts.PreserveMAC {
			for i := range dom.Devices.Interfaces {
				iface := &dom.Devices.Interfaces[i]
				if iface.MAC == nil {
					continue
				}
				mac, err := randomLocalMAC()
				if err != nil {
					return nil, "", err
				}
				iface.MAC.Address = mac
			}
		}
	}

	out, err := dom.Marshal()
	if err != nil {
		return nil, "", clonerr.Wrap(clonerr.CodeHypervisor, err, "marshal rewritten definition")
	}
	return []byte(out), newUUID, nil
}

// randomLocalMAC generates a fresh, locally-administered, unicast MAC
// address (the low bit of the first octet clear, the second bit set), the
// same shape the original Python "52:54:00:%02x:%02x:%02x" convention
// produces, but drawn from crypto/rand rather than the stdlib PRNG.
func randomLocalMAC() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", clonerr.Wrap(clonerr.CodeHypervisor, err, "generate MAC address")
	}
	buf[0] = (buf[0] | 0x02) & 0xfe
	buf[0] = 0x52
	buf[1] = 0x54
	buf[2] = 0x00
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", buf[0], buf[1], buf[2], buf[3], buf[4], buf[5]), nil
}
