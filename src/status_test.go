package specband

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatusAreaSeedsEndCard(t *testing.T) {
	s := NewStatusArea()

	assert.GreaterOrEqual(t, s.findEnd(), 0)
}

func TestPutKeyThenGetKeyRoundTrips(t *testing.T) {
	s := NewStatusArea()

	s.PutKey("SCANSTAT", "running")
	v, ok := s.GetKey("SCANSTAT")

	assert.True(t, ok)
	assert.Equal(t, "running", v)
}

func TestPutKeyOverwritesExistingCard(t *testing.T) {
	s := NewStatusArea()
	s.PutKey("SCANSTAT", "running")

	s.PutKey("SCANSTAT", "stop")

	v, ok := s.GetKey("SCANSTAT")
	assert.True(t, ok)
	assert.Equal(t, "stop", v)
}

func TestGetKeyMissingReturnsFalse(t *testing.T) {
	s := NewStatusArea()

	_, ok := s.GetKey("NOSUCHKEY")

	assert.False(t, ok)
}

func TestPutKeyDropsWriteWhenAreaIsFull(t *testing.T) {
	s := NewStatusArea()
	for i := 0; i < statusNumCards; i++ {
		s.PutKey(keyName(i), "x")
	}

	// The area is now full (no room left before END); one more write
	// must be silently dropped rather than panic or corrupt the buffer.
	assert.NotPanics(t, func() { s.PutKey("ONEMORE", "y") })
}

func keyName(i int) string {
	return fmt.Sprintf("K%07d", i)
}

// TestAttachReleasesStaleLock covers the stale-lock heuristic: a lock
// left held (as if its holder crashed mid-update) must not wedge the
// next Attach forever.
func TestAttachReleasesStaleLock(t *testing.T) {
	s := NewStatusArea()
	s.lock.Lock() // simulate a crashed writer that never unlocked

	done := make(chan struct{})
	go func() {
		s.Attach()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Attach did not recover a stale lock")
	}

	// The lock must be free again afterward, not doubly released.
	_, ok := s.GetKey("SCANSTAT")
	assert.False(t, ok)
}

func TestAttachIsIdempotentWhenLockIsFree(t *testing.T) {
	s := NewStatusArea()

	require.NotPanics(t, func() { s.Attach() })

	assert.GreaterOrEqual(t, s.findEnd(), 0)
}
