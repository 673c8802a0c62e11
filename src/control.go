package specband

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"golang.org/x/sys/unix"
)

// daqpulseFormat matches the original's DAQPULSE card: a ctime-style
// timestamp, updated once a second so external monitors can detect a wedged
// process.
const daqpulseFormat = "%a %b %d %H:%M:%S %Y"

var daqpulseStrftime = strftime.MustNew(daqpulseFormat)

// Command is one line read off the supervisor's FIFO: a verb and its
// arguments, e.g. "START hbw" or "STOP".
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits a FIFO line into a Command. Blank lines and lines
// starting with '#' parse to a zero Command with ok=false.
func ParseCommand(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Command{}, false
	}
	fields := strings.Fields(line)
	return Command{Name: strings.ToUpper(fields[0]), Args: fields[1:]}, true
}

// workerSet is one named collection of pipeline stages that start and stop
// together: HBW, LBW, or Monitor.
type workerSet struct {
	name    string
	stages  []func() error
	cancels []func()
	running bool
}

// Supervisor dispatches FIFO commands, owns the rings and stages they
// control, and maintains the heartbeat key in the Status Area.
type Supervisor struct {
	cfg    *Config
	status *StatusArea
	log    *log.Logger

	ringA, ringB, ringC *Ring

	mu    sync.Mutex
	sets  map[string]*workerSet
	wg    sync.WaitGroup
	stopHeartbeat chan struct{}
}

// NewSupervisor allocates the rings a Config describes and registers the
// HBW/LBW/Monitor worker sets without starting any of them.
func NewSupervisor(cfg *Config, status *StatusArea) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		status: status,
		log:    newStageLogger("control"),
		ringA:  NewRing("ring_a", cfg.RingA.NBlock, cfg.RingA.BlockSize),
		ringB:  NewRing("ring_b", cfg.RingB.NBlock, cfg.RingB.BlockSize),
		ringC:  NewRing("ring_c", cfg.RingC.NBlock, cfg.RingC.BlockSize),
		sets:   make(map[string]*workerSet),
	}
	return s
}

// HandleCommand dispatches one parsed FIFO command. QUIT tears every
// running set down and returns a sentinel the caller should use to exit
// its command loop.
func (s *Supervisor) HandleCommand(cmd Command) error {
	switch cmd.Name {
	case "START":
		mode := s.cfg.Mode
		if len(cmd.Args) > 0 {
			mode = strings.ToLower(cmd.Args[0])
		}
		return s.startMode(mode)
	case "MONITOR":
		return s.startMode("monitor")
	case "STOP":
		s.stopAll()
		return nil
	case "INIT_GPU":
		s.log.Info("init_gpu is a no-op on this build")
		return nil
	case "QUIT":
		s.stopAll()
		return ErrQuit
	default:
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
}

// ErrQuit signals a clean supervisor shutdown requested over the FIFO.
var ErrQuit = fmt.Errorf("quit requested")

// startMode spawns the worker set for the named mode, tearing down any
// other running set first since only one capture pipeline owns the NIC at
// a time.
func (s *Supervisor) startMode(mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, set := range s.sets {
		if set.running && name != mode {
			s.teardownSetLocked(set)
		}
	}

	set, ok := s.sets[mode]
	if !ok {
		s.status.Attach()
		built, err := s.buildSetLocked(mode)
		if err != nil {
			return err
		}
		set = built
		s.sets[mode] = set
	}
	if set.running {
		return nil
	}

	s.status.PutKey("SCANSTAT", "running")
	for i, stage := range set.stages {
		run := stage
		idx := i
		done := make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer close(done)
			if err := run(); err != nil {
				s.log.Error("stage exited", "set", mode, "stage", idx, "err", err)
			}
		}()
		set.cancels = append(set.cancels, func() { <-done })
	}
	set.running = true
	s.startHeartbeatLocked()
	return nil
}

// buildSetLocked wires a named mode's stages in startup order: capture
// feeds ring A, the PFB stage drains it into ring B (LBW only), the
// accumulator drains the mode's terminal ring into ring C.
func (s *Supervisor) buildSetLocked(mode string) (*workerSet, error) {
	switch mode {
	case "lbw":
		capture, err := NewCaptureStage(CaptureConfig{
			Legacy:        s.cfg.Legacy,
			HighBandwidth: false,
			ListenAddr:    s.cfg.ListenAddr,
			SenderAddr:    s.cfg.SenderAddr,
		}, s.ringA, s.status)
		if err != nil {
			return nil, err
		}
		pfb := NewPFBStage(PFBConfig{
			NChan:    s.cfg.NChan,
			NSubband: s.cfg.NSubband,
			AccLen:   ComputeAccLen(s.cfg.ChanBW, 1.0),
			ModeName: s.cfg.ModeName,
		}, s.ringA, s.ringB, s.status)
		accum := NewAccumulatorStage(AccumulatorConfig{
			HighBandwidth: false,
			NChan:         s.cfg.NChan,
			NSubband:      s.cfg.NSubband,
			FPGAClockHz:   s.cfg.FPGAClk,
			ScanLenSec:    s.cfg.ScanLen,
		}, s.ringB, s.ringC, s.status, NewLogRowSink())
		return &workerSet{name: mode, stages: []func() error{capture.Run, pfb.Run, accum.Run}}, nil

	case "hbw":
		capture, err := NewCaptureStage(CaptureConfig{
			Legacy:        s.cfg.Legacy,
			HighBandwidth: true,
			ListenAddr:    s.cfg.ListenAddr,
			SenderAddr:    s.cfg.SenderAddr,
		}, s.ringA, s.status)
		if err != nil {
			return nil, err
		}
		accum := NewAccumulatorStage(AccumulatorConfig{
			HighBandwidth: true,
			NChan:         s.cfg.NChan,
			NSubband:      s.cfg.NSubband,
			FPGAClockHz:   s.cfg.FPGAClk,
			ScanLenSec:    s.cfg.ScanLen,
		}, s.ringA, s.ringC, s.status, NewLogRowSink())
		return &workerSet{name: mode, stages: []func() error{capture.Run, accum.Run}}, nil

	case "monitor":
		return &workerSet{name: mode, stages: []func() error{s.monitorLoop}}, nil

	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// monitorLoop is the Monitor worker set's sole stage: it polls the Status
// Area's SCANSTAT key every 250ms and returns once it reads "stop". It does
// not touch the network.
func (s *Supervisor) monitorLoop() error {
	for {
		if v, ok := s.status.GetKey("SCANSTAT"); ok && v == "stop" {
			return nil
		}
		time.Sleep(defaultWaitTimeout)
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range s.sets {
		if set.running {
			s.teardownSetLocked(set)
		}
	}
	s.stopHeartbeatLocked()
}

// teardownSetLocked signals stop via the Status Area (SCANSTAT=stop, the
// same flag every stage's Run loop already polls) and waits for each
// stage goroutine to exit, in reverse spawn order so consumers drain
// before their producers vanish.
func (s *Supervisor) teardownSetLocked(set *workerSet) {
	s.status.PutKey("SCANSTAT", "stop")
	for i := len(set.cancels) - 1; i >= 0; i-- {
		set.cancels[i]()
	}
	set.cancels = nil
	set.running = false
}

func (s *Supervisor) startHeartbeatLocked() {
	if s.stopHeartbeat != nil {
		return
	}
	stop := make(chan struct{})
	s.stopHeartbeat = stop
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				s.status.PutKey("DAQPULSE", daqpulseStrftime.FormatString(now))
			}
		}
	}()
}

func (s *Supervisor) stopHeartbeatLocked() {
	if s.stopHeartbeat == nil {
		return
	}
	close(s.stopHeartbeat)
	s.stopHeartbeat = nil
}

// Wait blocks until every spawned stage goroutine has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }

// Status, RingA, RingB, and RingC expose the supervisor's shared state for
// diagnostic tools that need to inspect it without driving it.
func (s *Supervisor) Status() *StatusArea { return s.status }
func (s *Supervisor) RingA() *Ring        { return s.ringA }
func (s *Supervisor) RingB() *Ring        { return s.ringB }
func (s *Supervisor) RingC() *Ring        { return s.ringC }

// ApplyThreadPlacement pins the calling OS thread to the CPU set and
// real-time priority a ThreadPlacement names. Failures are logged and
// swallowed: a missing CAP_SYS_NICE shouldn't take the pipeline down.
func ApplyThreadPlacement(p ThreadPlacement) {
	logger := newStageLogger("affinity")
	if len(p.CPUSet) > 0 {
		var set unix.CPUSet
		set.Zero()
		for _, cpu := range p.CPUSet {
			set.Set(cpu)
		}
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			logger.Warn("sched_setaffinity failed", "stage", p.Stage, "err", err)
		}
	}
	if p.Priority > 0 {
		param := &unix.SchedParam{Priority: int32(p.Priority)}
		if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, param); err != nil {
			logger.Warn("sched_setscheduler(SCHED_FIFO) failed", "stage", p.Stage, "err", err)
		}
	}
}
