package specband

import "github.com/charmbracelet/log"

// RowSink receives each completed integration row as it leaves the
// Accumulator Stage, independent of how (or whether) it is also packed
// into the disk ring. A FITS writer is one implementation; the Supervisor's
// worker sets use LogRowSink, and tests supply their own capturing sink.
type RowSink interface {
	WriteRow(meta RowMetadata, payload []byte) error
}

// LogRowSink logs one line per row instead of writing it anywhere durable.
// Useful for the simulator and for smoke-testing a pipeline wiring before
// a real sink is plugged in.
type LogRowSink struct {
	log *log.Logger
}

// NewLogRowSink returns a RowSink that logs each row at info level.
func NewLogRowSink() *LogRowSink {
	return &LogRowSink{log: newStageLogger("rowsink")}
}

func (s *LogRowSink) WriteRow(meta RowMetadata, payload []byte) error {
	s.log.Info("row",
		"accumid", meta.Accumid,
		"time_mjd", meta.TimeMJD,
		"exposure", meta.Exposure,
		"bytes", len(payload),
	)
	return nil
}
