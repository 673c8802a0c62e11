package specband

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandGrammar(t *testing.T) {
	cases := []struct {
		line     string
		wantOK   bool
		wantName string
		wantArgs []string
	}{
		{"", false, "", nil},
		{"   ", false, "", nil},
		{"# a comment", false, "", nil},
		{"start", true, "START", nil},
		{"Start lbw", true, "START", []string{"lbw"}},
		{"  STOP  ", true, "STOP", nil},
		{"quit now please", true, "QUIT", []string{"now", "please"}},
	}

	for _, c := range cases {
		cmd, ok := ParseCommand(c.line)
		assert.Equalf(t, c.wantOK, ok, "line %q", c.line)
		if !c.wantOK {
			continue
		}
		assert.Equalf(t, c.wantName, cmd.Name, "line %q", c.line)
		if len(c.wantArgs) == 0 {
			assert.Emptyf(t, cmd.Args, "line %q", c.line)
		} else {
			assert.Equalf(t, c.wantArgs, cmd.Args, "line %q", c.line)
		}
	}
}

func newTestSupervisor() *Supervisor {
	cfg := &Config{
		Mode:  "monitor",
		RingA: RingConfig{NBlock: 2, BlockSize: 64},
		RingB: RingConfig{NBlock: 2, BlockSize: 64},
		RingC: RingConfig{NBlock: 2, BlockSize: 64},
	}
	return NewSupervisor(cfg, NewStatusArea())
}

func TestHandleCommandMonitorStartSetsScanstatRunning(t *testing.T) {
	s := newTestSupervisor()

	err := s.HandleCommand(Command{Name: "MONITOR"})
	require.NoError(t, err)

	v, ok := s.Status().GetKey("SCANSTAT")
	assert.True(t, ok)
	assert.Equal(t, "running", v)

	require.NoError(t, s.HandleCommand(Command{Name: "STOP"}))
	waitSupervisor(t, s)

	v, ok = s.Status().GetKey("SCANSTAT")
	assert.True(t, ok)
	assert.Equal(t, "stop", v)
}

func TestHandleCommandQuitStopsAndReturnsErrQuit(t *testing.T) {
	s := newTestSupervisor()
	require.NoError(t, s.HandleCommand(Command{Name: "MONITOR"}))

	err := s.HandleCommand(Command{Name: "QUIT"})

	assert.True(t, errors.Is(err, ErrQuit))
	waitSupervisor(t, s)
}

func TestHandleCommandUnknownVerbErrors(t *testing.T) {
	s := newTestSupervisor()

	err := s.HandleCommand(Command{Name: "BOGUS"})

	assert.Error(t, err)
}

func TestHandleCommandStartUnknownModeErrors(t *testing.T) {
	s := newTestSupervisor()

	err := s.HandleCommand(Command{Name: "START", Args: []string{"nope"}})

	assert.Error(t, err)
}

func waitSupervisor(t *testing.T, s *Supervisor) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}
