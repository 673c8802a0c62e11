package specband

import (
	"errors"
	"fmt"
)

// Sentinel error classes, mirroring the VEGAS_OK/VEGAS_TIMEOUT/VEGAS_ERR_SYS/
// VEGAS_ERR_PACKET taxonomy: transient errors are looped on, packet errors are
// counted, sys errors are fatal to the owning stage.

var (
	// ErrTimeout is returned by ring waits. Always transient.
	ErrTimeout = errors.New("specband: timeout")

	// ErrPacketMalformed covers wrong magic, wrong size, or an implausible
	// item count. Counted per-packet, never fatal.
	ErrPacketMalformed = errors.New("specband: malformed packet")

	// ErrHeapDropped marks a heap slot the producer overran before the
	// consumer caught up.
	ErrHeapDropped = errors.New("specband: heap dropped")

	// ErrResource covers shared memory, semaphore, GPU context, or socket
	// failures. Fatal to the owning stage.
	ErrResource = errors.New("specband: resource error")
)

// StageError names the stage an error originated in and whether it is fatal.
// Fatal errors are the only ones a supervisor needs to act on; transient and
// per-packet errors are swallowed and counted at their point of origin.
type StageError struct {
	Stage string
	Fatal bool
	Err   error
}

func (e *StageError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("%s: fatal: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func fatalf(stage string, format string, args ...any) *StageError {
	return &StageError{Stage: stage, Fatal: true, Err: fmt.Errorf(format, args...)}
}

func transientf(stage string, format string, args ...any) *StageError {
	return &StageError{Stage: stage, Fatal: false, Err: fmt.Errorf(format, args...)}
}
