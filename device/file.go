//go:build unix

package device

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// File is a Device backed by one image file per device id. Block n of a
// device lives at offset n*BlockSize of its image; holes read as zeros.
type File struct {
	size int
	sync bool

	mu     sync.RWMutex
	images map[uint32]*os.File
	closed bool
}

// NewFile returns a file-backed device with no images attached. When
// syncWrites is set every WriteBlock is followed by an fsync of the image.
func NewFile(blockSize int, syncWrites bool) *File {
	return &File{
		size:   blockSize,
		sync:   syncWrites,
		images: make(map[uint32]*os.File),
	}
}

// Attach opens (creating if needed) the image at path as device dev.
func (f *File) Attach(dev uint32, path string) error {
	img, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("attach dev %d: %w", dev, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		img.Close()
		return ErrClosed
	}
	if old, ok := f.images[dev]; ok {
		old.Close()
	}
	f.images[dev] = img
	return nil
}

func (f *File) BlockSize() int { return f.size }

// image returns the descriptor for dev. f.mu must be read-locked for as
// long as the descriptor is in use.
func (f *File) image(dev uint32) (int, error) {
	if f.closed {
		return -1, ErrClosed
	}
	img, ok := f.images[dev]
	if !ok {
		return -1, fmt.Errorf("dev %d: %w", dev, ErrUnknownDevice)
	}
	return int(img.Fd()), nil
}

func (f *File) ReadBlock(dev, blockno uint32, p []byte) error {
	if err := checkLen("file read", p, f.size); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	fd, err := f.image(dev)
	if err != nil {
		return err
	}

	off := int64(blockno) * int64(f.size)
	for done := 0; done < len(p); {
		n, err := unix.Pread(fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("pread dev %d block %d: %w", dev, blockno, err)
		}
		if n == 0 {
			// past the end of the image
			clear(p[done:])
			break
		}
		done += n
	}
	return nil
}

func (f *File) WriteBlock(dev, blockno uint32, p []byte) error {
	if err := checkLen("file write", p, f.size); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	fd, err := f.image(dev)
	if err != nil {
		return err
	}

	off := int64(blockno) * int64(f.size)
	for done := 0; done < len(p); {
		n, err := unix.Pwrite(fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("pwrite dev %d block %d: %w", dev, blockno, err)
		}
		done += n
	}

	if f.sync {
		if err := unix.Fsync(fd); err != nil {
			return fmt.Errorf("fsync dev %d: %w", dev, err)
		}
	}
	return nil
}

// Close closes every attached image.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var first error
	for dev, img := range f.images {
		if err := img.Close(); err != nil && first == nil {
			first = fmt.Errorf("close dev %d: %w", dev, err)
		}
	}
	f.images = nil
	return first
}
