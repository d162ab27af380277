package lclock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTick(t *testing.T) {
	clock := New()
	require.Equal(t, int64(0), clock.Now())

	var previous int64
	for i := 0; i < 100; i++ {
		current := clock.Tick()
		assert.Greater(t, current, previous)
		previous = current
	}
	assert.Equal(t, int64(100), clock.Now())
}

func TestObserve(t *testing.T) {
	tests := []struct {
		name     string
		local    int64
		remote   int64
		expected int64
	}{
		{"remote ahead", 5, 10, 11},
		{"remote behind", 15, 10, 16},
		{"remote equal", 10, 10, 11},
		{"both zero", 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := New()
			clock.Set(tt.local)
			assert.Equal(t, tt.expected, clock.Observe(tt.remote))
		})
	}
}

func TestObserveNeverRegresses(t *testing.T) {
	clock := New()
	clock.Observe(10)
	ts := clock.Tick()
	assert.Equal(t, int64(12), ts)

	// A stale remote timestamp must not move the clock backwards.
	assert.Equal(t, int64(13), clock.Observe(3))
}

func TestConcurrentTick(t *testing.T) {
	clock := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				clock.Tick()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10000), clock.Now())
}
