package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sisatech/btrfs2ext4/pkg/elog"
)

var log elog.View

var (
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagDryRun     bool
	flagRollback   bool
	flagBlockSize  int64
	flagInodeRatio int64
	flagWorkdir    string
	flagMemLimit   int64
)

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")

	var f *pflag.FlagSet = rootCmd.Flags()
	f.BoolVar(&flagDryRun, "dry-run", false, "open read-only, plan the conversion and read-scan the device, write nothing")
	f.BoolVar(&flagRollback, "rollback", false, "reverse a previously interrupted conversion using its migration footer")
	f.Int64Var(&flagBlockSize, "block-size", 0, "ext4 block size in bytes: 1024, 2048, or 4096 (0 = match the source)")
	f.Int64Var(&flagInodeRatio, "inode-ratio", 0, "bytes per inode (0 = default 16384)")
	f.StringVar(&flagWorkdir, "workdir", "", "directory for mmap spill files")
	f.Int64Var(&flagMemLimit, "memory-limit", 0, "decompression worker pool memory budget in bytes (0 = auto)")

	// memory-limit is an escape hatch for constrained environments, not a
	// knob users should discover by running --help.
	if mem := f.Lookup("memory-limit"); mem != nil {
		mem.Hidden = true
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &elog.CLI{}

		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
		}

		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		log = logger
		return nil
	}
}

var rootCmd = &cobra.Command{
	Use:   "btrfs2ext4 DEVICE",
	Short: "Convert a Btrfs filesystem to Ext4 in place",
	Long: `btrfs2ext4 converts a Btrfs filesystem to Ext4 in place, reusing existing
data blocks wherever possible instead of copying the filesystem's content
to a fresh image.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConvert(args[0])
	},
}
