//go:build unix

package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileReadWrite(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(8, true)
	defer f.Close()

	require.NoError(t, f.Attach(1, filepath.Join(dir, "dev1.img")))
	require.NoError(t, f.Attach(2, filepath.Join(dir, "dev2.img")))

	require.NoError(t, f.WriteBlock(1, 3, []byte("abcdefgh")))
	require.NoError(t, f.WriteBlock(2, 0, []byte("ABCDEFGH")))

	got := make([]byte, 8)
	require.NoError(t, f.ReadBlock(1, 3, got))
	assert.Equal(t, "abcdefgh", string(got))

	// blocks 0..2 of dev 1 are a hole, block 9 is past the end
	require.NoError(t, f.ReadBlock(1, 1, got))
	assert.Equal(t, make([]byte, 8), got)
	require.NoError(t, f.ReadBlock(1, 9, got))
	assert.Equal(t, make([]byte, 8), got)

	require.NoError(t, f.ReadBlock(2, 0, got))
	assert.Equal(t, "ABCDEFGH", string(got))

	info, err := os.Stat(filepath.Join(dir, "dev1.img"))
	require.NoError(t, err)
	assert.EqualValues(t, 4*8, info.Size(), "block 3 ends at offset 32")
}

func TestFileErrors(t *testing.T) {
	f := NewFile(8, false)
	require.ErrorIs(t, f.ReadBlock(5, 0, make([]byte, 8)), ErrUnknownDevice)
	require.ErrorIs(t, f.WriteBlock(0, 0, make([]byte, 4)), ErrBlockSize)

	require.NoError(t, f.Attach(0, filepath.Join(t.TempDir(), "dev0.img")))
	require.NoError(t, f.Close())
	require.ErrorIs(t, f.ReadBlock(0, 0, make([]byte, 8)), ErrClosed)
	require.ErrorIs(t, f.Attach(0, filepath.Join(t.TempDir(), "again.img")), ErrClosed)
	require.NoError(t, f.Close(), "close is idempotent")
}

func TestFilePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")

	f := NewFile(4, false)
	require.NoError(t, f.Attach(0, path))
	require.NoError(t, f.WriteBlock(0, 2, []byte("wxyz")))
	require.NoError(t, f.Close())

	g := NewFile(4, false)
	defer g.Close()
	require.NoError(t, g.Attach(0, path))
	got := make([]byte, 4)
	require.NoError(t, g.ReadBlock(0, 2, got))
	assert.Equal(t, "wxyz", string(got))
}
