package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/acer51-doctom/superboot/internal/utils/logger"
)

// loadOptionsEnv carries the launch options when invoked from a wrapper;
// the substring "verbose" enables debug logging, same as --verbose.
const loadOptionsEnv = "SUPERBOOT_LOAD_OPTIONS"

var verbose bool

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "superboot",
		Short: "discover and boot kernels described by foreign bootloader configs",
		Long: `SuperBoot reads GRUB, systemd-boot and Limine configuration files
from the partitions of a disk, translates each entry into a uniform boot
target, and hands the selected kernel off directly — no chain-loading of
the original bootloader involved.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose || strings.Contains(os.Getenv(loadOptionsEnv), "verbose") {
				logger.SetVerbose(true)
			}
		},
		SilenceUsage: true,
	}

	addVerboseFlag(root.PersistentFlags())
	root.AddCommand(newScanCommand())
	root.AddCommand(newBootCommand())
	return root
}

func addVerboseFlag(fs *pflag.FlagSet) {
	fs.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
