package specband

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestBlankingScenario5 is seed scenario 5: driving the machine with
// input sequence 0,0,1,1,0 (is-blanked bit only, no sw-state-change bit)
// must fire needs_flush true on step 3 only, and blank_current_fft true
// on steps 3 and 4.
func TestBlankingScenario5(t *testing.T) {
	b := NewBlankingStateMachine()
	inputs := []int{0, 0, 1, 1, 0}
	wantNeedsFlush := []bool{false, false, true, false, false}
	wantBlanked := []bool{false, false, true, true, false}

	for i, in := range inputs {
		b.NewInput(in)
		assert.Equalf(t, wantNeedsFlush[i], b.NeedsFlush(), "needs_flush mismatch at step %d", i+1)
		assert.Equalf(t, wantBlanked[i], b.BlankCurrentFFT(), "blank_current_fft mismatch at step %d", i+1)
	}
}

func TestBlankingStartsInBlankingState(t *testing.T) {
	b := NewBlankingStateMachine()

	assert.Equal(t, Blanking, b.State())
	assert.True(t, b.BlankCurrentFFT())
}

func TestBlankingNeedsFlushOnlyOnRisingEdge(t *testing.T) {
	b := NewBlankingStateMachine()
	b.NewInput(0) // Blanking -> NotBlanking

	assert.False(t, b.NeedsFlush())

	b.NewInput(1) // NotBlanking -> Blanking: the rising edge
	assert.True(t, b.NeedsFlush())

	b.NewInput(1) // stays Blanking: no repeat edge
	assert.False(t, b.NeedsFlush())
}
