package deployments

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorConcurrentAllocationsAreDistinct(t *testing.T) {
	a := NewAllocator(2242, 62242)
	const n = 100

	var wg sync.WaitGroup
	ports := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.AllocatePort()
			if err == nil {
				ports <- p
			}
		}()
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	count := 0
	for p := range ports {
		count++
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
		assert.GreaterOrEqual(t, p, 2242)
		assert.LessOrEqual(t, p, 62242)
	}
	assert.Equal(t, n, count)
}

func TestAllocatorExhaustionAndRelease(t *testing.T) {
	a := NewAllocator(5000, 5002)

	var got []int
	for i := 0; i < 3; i++ {
		p, err := a.AllocatePort()
		require.NoError(t, err)
		got = append(got, p)
	}
	_, err := a.AllocatePort()
	assert.ErrorIs(t, err, ErrResourceExhausted)

	a.ReleasePort(got[1])
	p, err := a.AllocatePort()
	require.NoError(t, err)
	assert.Equal(t, got[1], p)

	// Releasing twice is a no-op, not a double-free.
	a.ReleasePort(got[0])
	a.ReleasePort(got[0])
	assert.Equal(t, 2, a.Assigned())
}

func TestAllocatorAdoptPort(t *testing.T) {
	a := NewAllocator(5000, 5001)
	require.NoError(t, a.AdoptPort(5000))
	assert.ErrorIs(t, a.AdoptPort(5000), ErrResourceExhausted)

	p, err := a.AllocatePort()
	require.NoError(t, err)
	assert.Equal(t, 5001, p, "adopted port must not be handed out")
}

func TestAllocatorNameReservation(t *testing.T) {
	a := NewAllocator(5000, 5001)

	name, err := a.ReserveName("aphrodite-gpt2-abc")
	require.NoError(t, err)
	assert.Equal(t, "aphrodite-gpt2-abc", name)

	_, err = a.ReserveName("aphrodite-gpt2-abc")
	assert.ErrorIs(t, err, ErrNameConflict)

	a.ReleaseName("aphrodite-gpt2-abc")
	_, err = a.ReserveName("aphrodite-gpt2-abc")
	assert.NoError(t, err, "released name must be reusable")
}
