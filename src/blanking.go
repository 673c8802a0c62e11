package specband

// BlankingState is one of the two states the blanking machine can occupy.
type BlankingState int

const (
	NotBlanking BlankingState = iota
	Blanking
)

func (s BlankingState) String() string {
	if s == Blanking {
		return "Blanking"
	}
	return "NotBlanking"
}

// BlankingStateMachine suppresses FFT output during commanded dead-time.
// It starts in Blanking so the very first input never reports a flush
// edge before any real data has been seen.
type BlankingStateMachine struct {
	curState  BlankingState
	prevState BlankingState
}

// NewBlankingStateMachine returns a machine in its initial Blanking state.
func NewBlankingStateMachine() *BlankingStateMachine {
	return &BlankingStateMachine{curState: Blanking, prevState: Blanking}
}

// State returns the current state.
func (b *BlankingStateMachine) State() BlankingState { return b.curState }

// BlankCurrentFFT reports whether the in-flight FFT output should be
// discarded rather than accumulated.
func (b *BlankingStateMachine) BlankCurrentFFT() bool { return b.curState == Blanking }

// NewInput advances the machine with a 3-bit summary: bit0 is-blanked,
// bit1 was-blanked-at-start-of-window (carried for parity, not consulted
// by the transition), bit2 switching-state-just-changed.
func (b *BlankingStateMachine) NewInput(summary int) {
	isBlankedAnywhere := summary&0x1 != 0
	swStateChanged := summary&0x4 != 0

	next := b.curState
	switch b.curState {
	case NotBlanking:
		if isBlankedAnywhere || swStateChanged {
			next = Blanking
		}
	case Blanking:
		if !isBlankedAnywhere && !swStateChanged {
			next = NotBlanking
		}
	}
	b.prevState = b.curState
	b.curState = next
}

// NeedsFlush fires only on the NotBlanking -> Blanking rising edge.
func (b *BlankingStateMachine) NeedsFlush() bool {
	return b.prevState == NotBlanking && b.curState == Blanking
}
