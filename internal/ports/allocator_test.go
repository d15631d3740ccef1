package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadRanges(t *testing.T) {
	for _, r := range [][2]int{{0, 10}, {100, 99}, {10, 70000}} {
		_, err := New(r[0], r[1])
		assert.Error(t, err, "range %v", r)
	}
}

func TestAllocateStaysInRange(t *testing.T) {
	a, err := New(10000, 10002)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		p, err := a.Allocate(nil)
		require.NoError(t, err)
		assert.True(t, a.Contains(p), "port %d out of range", p)
	}
}

func TestAllocateSkipsHeldPorts(t *testing.T) {
	a, err := New(10000, 10002)
	require.NoError(t, err)

	held := map[int]bool{10000: true, 10002: true}
	for i := 0; i < 20; i++ {
		p, err := a.Allocate(held)
		require.NoError(t, err)
		assert.Equal(t, 10001, p)
	}
}

func TestAllocatePoolExhausted(t *testing.T) {
	a, err := New(10000, 10001)
	require.NoError(t, err)

	_, err = a.Allocate(map[int]bool{10000: true, 10001: true})
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestOutOfRangeHeldPortsDoNotStarvePool(t *testing.T) {
	a, err := New(10000, 10001)
	require.NoError(t, err)

	// Keys created under an older, wider range still hold their ports; they
	// must not count against the current pool.
	held := map[int]bool{20000: true, 20001: true, 20002: true, 10000: true}
	p, err := a.Allocate(held)
	require.NoError(t, err)
	assert.Equal(t, 10001, p)
}

func TestSequentialFallbackFindsLastFreePort(t *testing.T) {
	a, err := New(10000, 10099)
	require.NoError(t, err)

	held := make(map[int]bool)
	for p := 10000; p <= 10099; p++ {
		held[p] = true
	}
	delete(held, 10042)

	p, err := a.Allocate(held)
	require.NoError(t, err)
	assert.Equal(t, 10042, p)
}
