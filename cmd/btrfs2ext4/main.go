package main

import (
	"fmt"
	"os"

	"github.com/sisatech/btrfs2ext4/pkg/convert"
)

// errorStatusCode and errorStatusMessage let RunE report a failure after
// cobra has already finished printing usage, the same deferred-exit
// pattern the teacher's own CLI front-end uses.
var errorStatusCode int
var errorStatusMessage error

// SetError records a command failure for main to act on after Execute
// returns.
func SetError(err error, code int) {
	errorStatusCode = code
	errorStatusMessage = err
}

func main() {
	commandInit()

	if err := rootCmd.Execute(); err != nil && errorStatusMessage == nil {
		SetError(err, 1)
	}

	if errorStatusMessage != nil {
		fmt.Fprintln(os.Stderr, errorStatusMessage)
		os.Exit(errorStatusCode)
	}
}

func runConvert(devicePath string) error {
	if flagBlockSize != 0 && flagBlockSize != 1024 && flagBlockSize != 2048 && flagBlockSize != 4096 {
		err := fmt.Errorf("--block-size must be one of 1024, 2048, 4096, got %d", flagBlockSize)
		SetError(err, 2)
		return err
	}

	if !flagDryRun && !flagRollback && os.Geteuid() > 0 {
		err := fmt.Errorf("must be root to convert a block device in place")
		SetError(err, 3)
		return err
	}

	opts := convert.Options{
		DevicePath:  devicePath,
		BlockSize:   flagBlockSize,
		InodeRatio:  flagInodeRatio,
		Workdir:     flagWorkdir,
		MemoryLimit: flagMemLimit,
		DryRun:      flagDryRun,
		Rollback:    flagRollback,
		Log:         log,
	}

	if err := convert.New(opts).Run(); err != nil {
		SetError(err, 4)
		return err
	}
	return nil
}
