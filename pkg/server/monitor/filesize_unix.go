//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// getActualFileSize returns the allocated size of a file from its stat blocks.
func getActualFileSize(path string, info os.FileInfo) (int64, error) {
	sys := info.Sys()
	if sys == nil {
		return info.Size(), nil
	}

	stat, ok := sys.(*syscall.Stat_t)
	if !ok {
		return info.Size(), nil
	}

	return stat.Blocks * 512, nil
}
