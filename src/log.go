package specband

import (
	"os"

	"github.com/charmbracelet/log"
)

// newStageLogger returns a logger prefixed with the owning stage's name, the
// way each pipeline stage gets its own scoped logger rather than sharing one
// global instance.
func newStageLogger(stage string) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          stage,
	})
	return l
}
