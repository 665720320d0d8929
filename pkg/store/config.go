package store

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

func (sc *StoreConfig) check() error {
	if sc.Path == "" {
		return errors.New("no path provided in configuration")
	}

	info, err := os.Stat(sc.Path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(sc.Path, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	} else if err != nil {
		return err
	} else if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	if sc.MinimumFreeGB <= 0 {
		return nil
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(sc.Path, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", sc.Path, err)
	}

	// Available blocks * size per block gives available space in bytes.
	availableGB := (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024 * 1024)
	if int(availableGB) < sc.MinimumFreeGB {
		return errors.New("not enough space available on disk")
	}

	return nil
}
