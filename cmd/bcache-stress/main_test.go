package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/bcache"
	"github.com/unkn0wn-root/bcache/device"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func smallRun() runConfig {
	rc := defaultRunConfig()
	rc.Buffers = 16
	rc.Buckets = 5
	rc.Workers = 4
	rc.Ops = 500
	rc.Blocks = 40
	rc.BlockSize = 64
	return rc
}

func TestRunMemDevice(t *testing.T) {
	rc := smallRun()
	rc.Dump = filepath.Join(t.TempDir(), "snap.cbor")
	require.NoError(t, rc.validate())

	require.NoError(t, run(context.Background(), rc, quietLogger()))

	f, err := os.Open(rc.Dump)
	require.NoError(t, err)
	defer f.Close()
	snap, err := bcache.DecodeSnapshot(f)
	require.NoError(t, err)
	assert.Equal(t, rc.Buffers, snap.Buffers)
	assert.Equal(t, rc.Buckets, snap.Buckets)
	assert.Len(t, snap.Bufs, rc.Buffers)
}

func TestRunFileDevice(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file device needs unix")
	}
	rc := smallRun()
	rc.Device = "file"
	rc.Dir = t.TempDir()
	rc.Hash = "xxhash"
	require.NoError(t, rc.validate())

	require.NoError(t, run(context.Background(), rc, quietLogger()))
	// A second run over the same directory starts from fresh images.
	require.NoError(t, run(context.Background(), rc, quietLogger()))
}

func TestRunCanceled(t *testing.T) {
	rc := smallRun()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Nothing runs, and zero completed ops still verifies.
	require.NoError(t, run(ctx, rc, quietLogger()))
}

func TestVerifyDetectsLostUpdate(t *testing.T) {
	rc := smallRun()
	mem := device.NewMem(rc.BlockSize)

	c, err := bcache.New(mem, bcache.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, bump(c, 1, 3, true))
	require.NoError(t, bump(c, 1, 3, false))

	assert.NoError(t, verify(mem, rc, 2))
	assert.ErrorIs(t, verify(mem, rc, 3), bcache.ErrInvariant)
}
