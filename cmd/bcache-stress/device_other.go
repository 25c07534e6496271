//go:build !unix

package main

import (
	"errors"
	"log/slog"

	"github.com/unkn0wn-root/bcache/device"
)

func openFileDevice(runConfig, *slog.Logger) (device.Device, func(), error) {
	return nil, nil, errors.New("the file device is only available on unix systems")
}
