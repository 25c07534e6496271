package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottle(t *testing.T) {
	m := NewMem(4)
	d := Throttle(m, 50, 1)
	require.Equal(t, 4, d.BlockSize())

	p := make([]byte, 4)
	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, d.WriteBlock(0, uint32(i), p))
	}
	// one token up front, then 5 more at 50/s
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	require.NoError(t, d.ReadBlock(0, 1, p))
	assert.EqualValues(t, 6, m.Writes())
	assert.EqualValues(t, 1, m.Reads())
}

func TestThrottleBurstFloor(t *testing.T) {
	d := Throttle(NewMem(4), 1000, 0)
	require.NoError(t, d.ReadBlock(0, 0, make([]byte, 4)), "burst below one is raised to one")
}
