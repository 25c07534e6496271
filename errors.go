package bcache

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("invalid cache configuration")
	ErrNoBuffers     = errors.New("no buffers")
	ErrNotHeld       = errors.New("buffer lock not held")
	ErrInvariant     = errors.New("cache invariant violated")
)

// CacheError ties a failure to the operation and block it happened on.
// Device failures come back from Read and Write as *CacheError; usage
// violations and pool exhaustion are raised as a panic carrying one.
type CacheError struct {
	Op      string
	Dev     uint32
	BlockNo uint32
	Cause   error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("bcache %s dev %d block %d: %v", e.Op, e.Dev, e.BlockNo, e.Cause)
}

func (e *CacheError) Unwrap() error {
	return e.Cause
}

func newCacheError(op string, dev, blockno uint32, cause error) *CacheError {
	return &CacheError{
		Op:      op,
		Dev:     dev,
		BlockNo: blockno,
		Cause:   cause,
	}
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
