// Package device defines the block device consumed by the buffer cache and
// a few implementations of it.
package device

import (
	"errors"
	"fmt"
)

// Device is a block-addressed store. Every transfer moves exactly one block
// of BlockSize bytes and completes synchronously.
type Device interface {
	// BlockSize returns the size in bytes of every block on the device.
	BlockSize() int

	// ReadBlock fills p with the contents of the block. Blocks that were
	// never written read back as zeros.
	ReadBlock(dev, blockno uint32, p []byte) error

	// WriteBlock stores p as the contents of the block. Once it returns
	// without error, later reads observe p.
	WriteBlock(dev, blockno uint32, p []byte) error
}

var (
	ErrBlockSize     = errors.New("buffer length does not match block size")
	ErrUnknownDevice = errors.New("unknown device")
	ErrClosed        = errors.New("device closed")
)

func checkLen(op string, p []byte, size int) error {
	if len(p) != size {
		return fmt.Errorf("%s: %w: %d != %d", op, ErrBlockSize, len(p), size)
	}
	return nil
}
