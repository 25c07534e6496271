//go:build unix

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/unkn0wn-root/bcache/device"
)

// openFileDevice attaches one image per device under rc.Dir, or under a
// temporary directory that is removed on close.
func openFileDevice(rc runConfig, logger *slog.Logger) (device.Device, func(), error) {
	dir, cleanup := rc.Dir, func() {}
	if dir == "" {
		tmp, err := os.MkdirTemp("", "bcache-stress-")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create image directory: %w", err)
		}
		dir, cleanup = tmp, func() { os.RemoveAll(tmp) }
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	f := device.NewFile(rc.BlockSize, rc.SyncWrites)
	for d := 1; d <= rc.Devices; d++ {
		path := filepath.Join(dir, fmt.Sprintf("dev%d.img", d))
		// counters must start at zero for verification
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			f.Close()
			cleanup()
			return nil, nil, fmt.Errorf("failed to reset image: %w", err)
		}
		if err := f.Attach(uint32(d), path); err != nil {
			f.Close()
			cleanup()
			return nil, nil, err
		}
	}
	logger.Debug("file device ready", "dir", dir, "devices", rc.Devices, "sync", rc.SyncWrites)

	return f, func() {
		if err := f.Close(); err != nil {
			logger.Warn("closing file device", "err", err)
		}
		cleanup()
	}, nil
}
