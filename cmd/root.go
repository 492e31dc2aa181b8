// Package cmd provides the command-line interface for kvmclone.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/config"
	"github.com/kvmclone/kvmclone/pkg/logging"
	"github.com/kvmclone/kvmclone/pkg/model"
	"github.com/kvmclone/kvmclone/pkg/orchestrator"
	"github.com/kvmclone/kvmclone/pkg/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "kvmclone",
	Short: "Clone and synchronize KVM/libvirt virtual machines between hosts",
	Long: `kvmclone clones and incrementally synchronizes libvirt-managed virtual
machines between two remote hosts over SSH. It drives virsh on each end,
transfers disk images with rsync-family strategies, and rolls back cleanly
if a clone fails partway through.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to config file (default: search standard locations)")
	rootCmd.PersistentFlags().String("state-dir", "", "directory for locks and transaction audit logs (default: ~/.local/state/kvmclone)")
	rootCmd.PersistentFlags().String("log-level", "", "override the configured log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(
		cloneCmd(),
		syncCmd(),
		listCmd(),
		statusCmd(),
		configCmd(),
		versionCmd(),
	)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information for the application.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = v
}

// buildCtx wires the shared runtime dependencies (logger, transport,
// orchestrator) every operation subcommand needs, following the teacher's
// connectToQNAP pattern of resolving config first, then constructing
// clients from it.
type buildCtx struct {
	log  *logging.Logger
	orch *orchestrator.Orchestrator
	cfg  config.Config
}

func build(cmd *cobra.Command) (*buildCtx, error) {
	explicitPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(explicitPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}
	log := logging.New("kvmclone", logging.ParseLevel(level), os.Stderr)

	stateDir, _ := cmd.Flags().GetString("state-dir")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			stateDir = home + "/.local/state/kvmclone"
		}
	}

	t := transport.New(log)
	orch := orchestrator.New(t, log, orchestrator.Options{
		StateDir: stateDir,
		BaseDir:  cfg.Libvirt.ImageBaseDir,
	})

	return &buildCtx{log: log, orch: orch, cfg: cfg}, nil
}

func cloneCmd() *cobra.Command {
	var opts model.CloneOptions
	var newName string
	var parallelFlag int

	cmd := &cobra.Command{
		Use:   "clone SOURCE_HOST DEST_HOST VM_NAME",
		Short: "Clone a virtual machine from one host to another",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			bc, err := build(cmd)
			if err != nil {
				return exitError(err)
			}
			opts.NewName = newName
			if opts.TransferMethod == "" {
				opts.TransferMethod = model.TransferMethod(bc.cfg.Transfer.Method)
			}
			if opts.BandwidthLimit == "" {
				opts.BandwidthLimit = bc.cfg.Transfer.BandwidthLimit
			}
			// --parallel 0 is a deliberate user choice and must reach
			// validateCloneOptions unchanged so it gets rejected; only an
			// unset flag falls back to the configured default.
			if cmd.Flags().Changed("parallel") {
				p := parallelFlag
				opts.Parallel = &p
			} else if bc.cfg.Transfer.ParallelTransfers != 0 {
				p := bc.cfg.Transfer.ParallelTransfers
				opts.Parallel = &p
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), operationTimeout(opts.TimeoutSeconds))
			defer cancel()

			result, err := bc.orch.Clone(ctx, args[0], args[1], args[2], opts)
			printCloneResult(result)
			if err != nil {
				return exitError(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&newName, "new-name", "", "name for the cloned VM (default: <vm_name>_clone)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "remove a colliding destination VM before cloning")
	cmd.Flags().BoolVar(&opts.Idempotent, "idempotent", false, "treat an existing destination VM as already-cloned and replace it")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate and report a plan without transferring anything")
	cmd.Flags().IntVar(&parallelFlag, "parallel", 0, "number of disks to transfer concurrently (default: config, else 4; must be 1-16)")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "checksum every disk after transfer")
	cmd.Flags().BoolVar(&opts.PreserveMAC, "preserve-mac", false, "keep the source VM's MAC addresses instead of regenerating them")
	cmd.Flags().StringVar(&opts.BandwidthLimit, "bandwidth-limit", "", "cap transfer bandwidth (e.g. 100M)")
	cmd.Flags().IntVar(&opts.TimeoutSeconds, "timeout", 3600, "operation timeout in seconds")
	cmd.Flags().StringVar((*string)(&opts.TransferMethod), "transfer-method", "", "rsync, stream, or blocksync (default: config, else rsync)")

	return cmd
}

func syncCmd() *cobra.Command {
	var opts model.SyncOptions

	cmd := &cobra.Command{
		Use:   "sync SOURCE_HOST DEST_HOST VM_NAME",
		Short: "Synchronize an existing VM clone with its source",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			bc, err := build(cmd)
			if err != nil {
				return exitError(err)
			}
			if opts.BandwidthLimit == "" {
				opts.BandwidthLimit = bc.cfg.Transfer.BandwidthLimit
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), operationTimeout(opts.TimeoutSeconds))
			defer cancel()

			result, err := bc.orch.Sync(ctx, args[0], args[1], args[2], opts)
			printSyncResult(result)
			if err != nil {
				return exitError(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.TargetName, "target-name", "", "destination VM name if different from the source")
	cmd.Flags().BoolVar(&opts.Checkpoint, "checkpoint", false, "snapshot the destination before syncing")
	cmd.Flags().BoolVar(&opts.DeltaOnly, "delta-only", true, "skip disks with no changed blocks")
	cmd.Flags().StringVar(&opts.BandwidthLimit, "bandwidth-limit", "", "cap transfer bandwidth (e.g. 100M)")
	cmd.Flags().IntVar(&opts.TimeoutSeconds, "timeout", 7200, "operation timeout in seconds")

	return cmd
}

func listCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked clone and sync operations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bc, err := build(cmd)
			if err != nil {
				return exitError(err)
			}
			ops := bc.orch.ListOperations(all)
			if len(ops) == 0 {
				fmt.Println("No operations found.")
				return nil
			}
			fmt.Printf("%-36s %-8s %-10s %s\n", "OPERATION ID", "TYPE", "STATUS", "STARTED")
			for _, op := range ops {
				fmt.Printf("%-36s %-8s %-10s %s\n", op.ID, op.Type, op.Status, op.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include completed and failed operations")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status OPERATION_ID",
		Short: "Show the status of a tracked operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bc, err := build(cmd)
			if err != nil {
				return exitError(err)
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return exitError(clonerr.New(clonerr.CodeValidation, "invalid operation id %q", args[0]))
			}
			h, err := bc.orch.Status(id)
			if err != nil {
				return exitError(err)
			}
			printHandle(h)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("kvmclone version %s\n", version)
			if commit != "none" {
				fmt.Printf("commit: %s\n", commit)
			}
			if date != "unknown" {
				fmt.Printf("built: %s\n", date)
			}
		},
	}
}

func operationTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return time.Hour
	}
	return time.Duration(seconds) * time.Second
}

func exitError(err error) error {
	if ce, ok := err.(*clonerr.Error); ok {
		fmt.Fprintf(os.Stderr, "error: %s\n", ce.Error())
		for i, step := range ce.Remediation {
			fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, step)
		}
		os.Exit(ce.Code.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
	return err
}

func printCloneResult(r model.CloneResult) {
	if r.Success {
		fmt.Printf("Cloned %q to %q on %s in %.1fs (%d bytes)\n", r.VMName, r.NewVMName, r.DestHost, r.DurationSeconds, r.BytesTransferred)
	} else {
		fmt.Printf("Clone of %q failed after %.1fs: %s\n", r.VMName, r.DurationSeconds, r.Error)
	}
	for _, w := range r.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
}

func printSyncResult(r model.SyncResult) {
	if r.Success {
		fmt.Printf("Synced %q to %s in %.1fs (%d bytes, %d blocks)\n", r.VMName, r.DestHost, r.DurationSeconds, r.BytesTransferred, r.BlocksSynchronized)
	} else {
		fmt.Printf("Sync of %q failed: %s\n", r.VMName, r.Error)
	}
	for _, w := range r.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
}

func printHandle(h model.OperationHandle) {
	fmt.Printf("%-15s: %s\n", "Operation", h.ID)
	fmt.Printf("%-15s: %s\n", "Type", h.Type)
	fmt.Printf("%-15s: %s\n", "Status", h.Status)
	if h.Progress.TotalBytes > 0 {
		fmt.Printf("%-15s: %d / %d bytes\n", "Progress", h.Progress.BytesTransferred, h.Progress.TotalBytes)
	}
	if h.Error != nil {
		fmt.Printf("%-15s: %s\n", "Error", h.Error)
	}
}
