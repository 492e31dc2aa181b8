// Command kvmclone clones and incrementally synchronizes libvirt-managed
// virtual machines between two remote hosts over SSH.
package main

import (
	"fmt"
	"os"

	"github.com/kvmclone/kvmclone/cmd"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
