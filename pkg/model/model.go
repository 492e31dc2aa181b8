// Package model defines the data types shared across the clone core:
// VM descriptors, transfer options, transactions, and operation handles.
package model

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

var (
	vmNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	macPattern    = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)
)

var reservedVMNames = map[string]bool{
	"localhost": true,
	"none":      true,
	"all":       true,
}

// ValidVMName reports whether name satisfies the VM-name invariant from the
// data model: pattern-matched and not one of the reserved names.
func ValidVMName(name string) bool {
	return vmNamePattern.MatchString(name) && !reservedVMNames[name]
}

// ValidMAC reports whether mac matches the colon- or dash-separated hex pair
// pattern used for network interfaces.
func ValidMAC(mac string) bool {
	return macPattern.MatchString(mac)
}

// RunState is a VM's run-state as reported by the hypervisor.
type RunState string

const (
	StateRunning   RunState = "running"
	StateStopped   RunState = "stopped"
	StatePaused    RunState = "paused"
	StateSuspended RunState = "suspended"
	StateCrashed   RunState = "crashed"
	StateUnknown   RunState = "unknown"
)

// DiskFormat is a disk image's on-disk format.
type DiskFormat string

const (
	FormatQCOW2 DiskFormat = "qcow2"
	FormatRaw   DiskFormat = "raw"
	FormatVMDK  DiskFormat = "vmdk"
	FormatVDI   DiskFormat = "vdi"
)

// DiskRef describes one disk backing a VM.
type DiskRef struct {
	Path   string     `json:"path"`
	Size   int64      `json:"size"`
	Format DiskFormat `json:"format"`
	Target string     `json:"target"`
}

// NetworkInterface describes one network interface attached to a VM.
type NetworkInterface struct {
	Name    string `json:"name"`
	MAC     string `json:"mac_address"`
	Network string `json:"network"`
	IP      string `json:"ip_address,omitempty"`
}

// VMDescriptor is the canonical description of a VM as seen on a host.
type VMDescriptor struct {
	Name         string             `json:"name"`
	UUID         string             `json:"uuid"`
	State        RunState           `json:"state"`
	MemoryMiB    int64              `json:"memory_mib"`
	VCPUs        int                `json:"vcpus"`
	Disks        []DiskRef          `json:"disks"`
	Interfaces   []NetworkInterface `json:"interfaces"`
	Definition   []byte             `json:"-"`
	Host         string             `json:"host"`
	Created      time.Time          `json:"created"`
	LastModified time.Time          `json:"last_modified"`
}

// HostCapacity aggregates a host's available resources across active
// storage pools plus memory and vCPU headroom.
type HostCapacity struct {
	TotalBytes     int64
	AvailableBytes int64
	TotalMemoryMiB int64
	FreeMemoryMiB  int64
	TotalVCPUs     int
	FreeVCPUs      int
}

// TransferMethod names a Transfer Engine strategy.
type TransferMethod string

const (
	TransferRsync     TransferMethod = "rsync"
	TransferStream    TransferMethod = "stream"
	TransferBlocksync TransferMethod = "blocksync"
)

// HostKeyPolicy names a Remote Transport host-key verification mode.
type HostKeyPolicy string

const (
	HostKeyStrict HostKeyPolicy = "strict"
	HostKeyWarn   HostKeyPolicy = "warn"
	HostKeyAccept HostKeyPolicy = "accept"
)

// CloneOptions configures a clone operation. Parallel is a pointer so a
// caller that never sets it (nil, "use the orchestrator's default") is
// distinguishable from a caller that explicitly passes 0, which §8's
// boundary table requires to be rejected rather than silently defaulted.
type CloneOptions struct {
	NewName        string
	Force          bool
	DryRun         bool
	Parallel       *int
	Verify         bool
	PreserveMAC    bool
	BandwidthLimit string
	TimeoutSeconds int
	Idempotent     bool
	TransferMethod TransferMethod
	NetworkConfig  map[string]any
}

// DefaultCloneOptions returns the built-in defaults from the data model.
func DefaultCloneOptions() CloneOptions {
	parallel := 4
	return CloneOptions{
		Parallel:       &parallel,
		Verify:         false,
		TimeoutSeconds: 3600,
		TransferMethod: TransferRsync,
	}
}

// SyncOptions configures a sync operation.
type SyncOptions struct {
	TargetName     string
	Checkpoint     bool
	DeltaOnly      bool
	BandwidthLimit string
	TimeoutSeconds int
}

// DefaultSyncOptions returns the built-in defaults for sync.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		DeltaOnly:      true,
		TimeoutSeconds: 7200,
	}
}

// ResourceKind names a kind of transaction resource.
type ResourceKind string

const (
	ResourceStagingDirectory ResourceKind = "staging-directory"
	ResourceTempDiskFile     ResourceKind = "temporary-disk-file"
	ResourceFinalDiskFile    ResourceKind = "final-disk-file"
	ResourceVMDefinition     ResourceKind = "vm-definition"
	ResourceCustom           ResourceKind = "custom"
)

// ResourceRecord is one entry in a Transaction's ordered log.
type ResourceRecord struct {
	Kind      ResourceKind      `json:"kind"`
	ID        string            `json:"id"`
	Host      string            `json:"host"`
	FinalPath string            `json:"final_path,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TransactionStatus is the terminal or in-flight state of a Transaction.
type TransactionStatus string

const (
	TxActive     TransactionStatus = "active"
	TxRollingBk  TransactionStatus = "rolling-back"
	TxCommitted  TransactionStatus = "committed"
	TxRolledBack TransactionStatus = "rolled-back"
)

// OperationType names the kind of operation an OperationHandle tracks.
type OperationType string

const (
	OpClone OperationType = "clone"
	OpSync  OperationType = "sync"
	OpList  OperationType = "list"
)

// OperationStatus is the lifecycle state of an OperationHandle.
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpRunning   OperationStatus = "running"
	OpCompleted OperationStatus = "completed"
	OpFailed    OperationStatus = "failed"
	OpCancelled OperationStatus = "cancelled"
)

// Progress is the mutable progress view of a running operation.
type Progress struct {
	BytesTransferred int64
	TotalBytes       int64
	SpeedBps         float64
	ETASeconds       int64
	Message          string
	CurrentFile      string
}

// CloneResult is the outcome of a completed or failed clone.
type CloneResult struct {
	OperationID      uuid.UUID `json:"operation_id"`
	Success          bool      `json:"success"`
	VMName           string    `json:"vm_name"`
	NewVMName        string    `json:"new_vm_name"`
	SourceHost       string    `json:"source_host"`
	DestHost         string    `json:"dest_host"`
	DurationSeconds  float64   `json:"duration"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Error            string    `json:"error,omitempty"`
	ErrorCode        int       `json:"error_code,omitempty"`
	Warnings         []string  `json:"warnings,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// SyncResult is the outcome of a completed or failed sync.
type SyncResult struct {
	OperationID         uuid.UUID `json:"operation_id"`
	Success             bool      `json:"success"`
	VMName              string    `json:"vm_name"`
	SourceHost          string    `json:"source_host"`
	DestHost            string    `json:"dest_host"`
	DurationSeconds     float64   `json:"duration"`
	BytesTransferred    int64     `json:"bytes_transferred"`
	BlocksSynchronized  int64     `json:"blocks_synchronized"`
	Error               string    `json:"error,omitempty"`
	Warnings            []string  `json:"warnings,omitempty"`
}

// DeltaInfo describes the estimated difference between a source and
// destination VM's disks, used by sync's delta-only preflight.
type DeltaInfo struct {
	TotalSize             int64
	ChangedSize           int64
	ChangedBlocks         int64
	FilesChanged          []string
	EstimatedTransferTime time.Duration
}

// SnapshotDescriptor describes one hypervisor snapshot.
type SnapshotDescriptor struct {
	Name        string
	Created     time.Time
	State       RunState
	Parent      string
	Description string
	Current     bool
}

// VMStats holds instantaneous per-VM resource counters.
type VMStats struct {
	CPUTimeNs    int64
	CPUPercent   float64
	MemoryMiB    int64
	MemoryUsed   int64
	BlockReadB   int64
	BlockWriteB  int64
	NetRxB       int64
	NetTxB       int64
}

// OperationHandle is the externally observable view of an in-flight or
// completed operation.
type OperationHandle struct {
	ID        uuid.UUID
	Type      OperationType
	Status    OperationStatus
	Progress  Progress
	Error     error
	CloneRes  *CloneResult
	SyncRes   *SyncResult
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}
