package specband

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSetFilledThenWaitFilledReturnsImmediately(t *testing.T) {
	r := NewRing("test", 4, 16)

	r.SetFilled(2)
	// Repeated SetFilled is idempotent.
	r.SetFilled(2)

	err := r.WaitFilled(2, 10*time.Millisecond)

	assert.NoError(t, err)
}

func TestWaitFilledTimesOutWhenNeverFilled(t *testing.T) {
	r := NewRing("test", 2, 16)

	err := r.WaitFilled(0, 5*time.Millisecond)

	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitFilledWakesOnLateSetFilled(t *testing.T) {
	r := NewRing("test", 2, 16)
	done := make(chan error, 1)

	go func() { done <- r.WaitFilled(0, time.Second) }()
	time.Sleep(10 * time.Millisecond)
	r.SetFilled(0)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitFilled never woke up")
	}
}

// TestTotalFilledEqualsSemaphoreSum is the §8 quantified invariant: the
// sum of semaphore values across blocks equals the number of blocks
// currently filled, for any sequence of set/free operations.
func TestTotalFilledEqualsSemaphoreSum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nBlock := rapid.IntRange(1, 8).Draw(t, "nBlock")
		r := NewRing("test", nBlock, 8)

		ops := rapid.SliceOfN(rapid.IntRange(0, nBlock-1), 0, 50).Draw(t, "ops")
		want := 0
		filled := make([]bool, nBlock)
		for i, idx := range ops {
			if i%2 == 0 {
				r.SetFilled(idx)
				if !filled[idx] {
					filled[idx] = true
					want++
				}
			} else {
				r.SetFree(idx)
				if filled[idx] {
					filled[idx] = false
					want--
				}
			}
		}

		assert.Equal(t, want, r.TotalFilled())
	})
}

func TestRingBlockWrapsIndex(t *testing.T) {
	r := NewRing("test", 3, 8)
	assert.Same(t, r.Block(0), r.Block(3))
}
