package specband

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/charmbracelet/log"
)

// NumStokes is the number of Stokes parameters carried per channel/subband
// cell in an accumulator plane.
const NumStokes = 4

const fortyBit = uint64(1) << 40

// Clock tracks the 40-bit hardware counter's rollovers and produces a
// monotonic 64-bit extended value.
type Clock struct {
	lastRaw    uint64
	haveLast   bool
	upperBits  uint64
	Multiplier uint64
}

// NewClock returns a clock with the given mode-dependent multiplier (8 for
// the L8->L1 packed mode, 1 otherwise).
func NewClock(multiplier uint64) *Clock {
	if multiplier == 0 {
		multiplier = 1
	}
	return &Clock{Multiplier: multiplier}
}

// Extend detects a 40-bit rollover (last > current) and returns the
// extended, multiplier-scaled clock value.
func (c *Clock) Extend(raw uint64) uint64 {
	if c.haveLast && c.lastRaw > raw {
		c.upperBits += fortyBit
	}
	c.lastRaw = raw
	c.haveLast = true
	return (c.upperBits + raw) * c.Multiplier
}

// RowMetadata accompanies one flushed accumulator plane's payload into the
// disk ring: time, exposure, pointing, and the switching state it belongs
// to.
type RowMetadata struct {
	TimeMJD   float64
	Exposure  float64
	Azimuth   float64
	Elevation float64
	BeamXOff  float64
	BeamYOff  float64
	Object    string
	Accumid   int
	SttSpec   uint32
	StpSpec   uint32
}

type rowMetadataWire struct {
	TimeMJD   float64
	Exposure  float64
	Azimuth   float64
	Elevation float64
	BeamXOff  float64
	BeamYOff  float64
	Accumid   int32
	SttSpec   uint32
	StpSpec   uint32
	Object    [16]byte
}

var rowMetadataSize = binary.Size(rowMetadataWire{})

func encodeRowMetadata(m RowMetadata) []byte {
	var w rowMetadataWire
	w.TimeMJD = m.TimeMJD
	w.Exposure = m.Exposure
	w.Azimuth = m.Azimuth
	w.Elevation = m.Elevation
	w.BeamXOff = m.BeamXOff
	w.BeamYOff = m.BeamYOff
	w.Accumid = int32(m.Accumid)
	w.SttSpec = m.SttSpec
	w.StpSpec = m.StpSpec
	copy(w.Object[:], m.Object)

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, w)
	return buf.Bytes()
}

// accumulatorPlane is one of the up to 8 per-switching-state accumulators.
type accumulatorPlane struct {
	Data  []float64
	Dirty bool
	Row   RowMetadata
}

func newAccumulatorPlane(size int) *accumulatorPlane {
	return &accumulatorPlane{Data: make([]float64, size)}
}

func (p *accumulatorPlane) reset() {
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.Dirty = false
	p.Row = RowMetadata{}
}

// AccumulatorConfig carries the Status-Area-sourced settings §4.4 names.
type AccumulatorConfig struct {
	HighBandwidth bool
	NChan         int
	NSubband      int
	PFBRate       float64
	FPGAClockHz   float64
	ScanLenSec    float64
	PolarityMask  StatusBits
	ClockMultiplier uint64
}

// AccumulatorStage aggregates frequency (LBW) or raw (HBW) heaps into
// integrations keyed by switching state and flushes completed
// integrations as rows into the disk ring.
type AccumulatorStage struct {
	cfg    AccumulatorConfig
	in     *Ring
	out    *Ring
	status *StatusArea
	sink   RowSink
	log    *log.Logger

	ssm   *SwitchingStateMachine
	clock *Clock
	accum [8]*accumulatorPlane

	inBlock     int
	outBlock    int
	writeOffset int
	integNum    int
	stats       BlockStats
}

// BuildSwitchingStateMachine reads the phase table from the Status Area,
// degrading to nphases=1 (count-based fallback) when _SNPH is absent.
func BuildSwitchingStateMachine(status *StatusArea, logger *log.Logger) *SwitchingStateMachine {
	nphases := 1
	if v, ok := status.GetKey("_SNPH"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			nphases = n
		}
	}

	var sigRef, cal []bool
	if nphases >= 2 {
		sigRef = make([]bool, nphases)
		cal = make([]bool, nphases)
		for i := 0; i < nphases; i++ {
			if v, ok := status.GetKey(fmt.Sprintf("_SSRF_%02d", i)); ok {
				sigRef[i] = v == "1"
			}
			if v, ok := status.GetKey(fmt.Sprintf("_SCAL_%02d", i)); ok {
				cal[i] = v == "1"
			}
		}
	} else {
		logger.Warn("_SNPH missing, falling back to count-based exposures")
		sigRef = []bool{false}
		cal = []bool{false}
	}

	swperint := int64(1)
	if v, ok := status.GetKey("SWPERINT"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			swperint = n
		}
	}
	countsPerExp := int64(0)
	if v, ok := status.GetKey("EXPOCLKS"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			countsPerExp = n
		}
	}

	return NewSwitchingStateMachine(sigRef, cal, swperint, countsPerExp)
}

// NewAccumulatorStage allocates the 8 accumulator planes and builds the
// switching state machine from the Status Area.
func NewAccumulatorStage(cfg AccumulatorConfig, in, out *Ring, status *StatusArea, sink RowSink) *AccumulatorStage {
	logger := newStageLogger("accumulator")
	planeSize := cfg.NChan * cfg.NSubband * NumStokes
	a := &AccumulatorStage{
		cfg:    cfg,
		in:     in,
		out:    out,
		status: status,
		sink:   sink,
		log:    logger,
		ssm:    BuildSwitchingStateMachine(status, logger),
		clock:  NewClock(cfg.ClockMultiplier),
	}
	for i := range a.accum {
		a.accum[i] = newAccumulatorPlane(planeSize)
	}
	return a
}

// Run consumes input blocks until the Status Area reports the scan has
// stopped, or the scan-length/end-of-scan condition fires internally.
func (a *AccumulatorStage) Run() error {
	for {
		if v, ok := a.status.GetKey("SCANSTAT"); ok && v != "running" {
			return nil
		}
		if err := a.in.WaitFilled(a.inBlock, defaultWaitTimeout); err != nil {
			continue
		}
		block := a.in.Block(a.inBlock)
		done, err := a.processBlock(block)
		a.in.SetFree(a.inBlock)
		a.inBlock = (a.inBlock + 1) % a.in.NBlock()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// processBlock folds one input block's heaps into the accumulator planes,
// flushing completed integrations as rows. NBlock/NPkt/NHeapDrop
// accumulate in a.stats across every call since the last output block roll,
// the same span vegas_accum_thread.c's write_full_integration covers before
// stamping BlockStats into the output header; writeRowWithInteg is what
// actually stamps and resets them, not this function.
func (a *AccumulatorStage) processBlock(block *Block) (bool, error) {
	a.stats.NBlock++
	for i := range block.Heaps {
		heap := &block.Heaps[i]
		if !heap.Valid {
			a.stats.NHeapDrop++
			continue
		}
		if heap.Status&BitScanNotStarted != 0 {
			continue
		}

		status := (heap.Status ^ a.cfg.PolarityMask) & (BitCal | BitSigRef | BitAdvSigRef | BitBlanking)
		extClock := a.clock.Extend(heap.TimeCounter)

		endOfScan := false
		if a.cfg.ScanLenSec > 0 && a.cfg.FPGAClockHz > 0 {
			if float64(extClock)/a.cfg.FPGAClockHz >= a.cfg.ScanLenSec {
				endOfScan = true
			}
		}

		var counter int64
		if a.cfg.HighBandwidth {
			counter = int64(heap.SpectrumCounter)
		} else {
			counter = int64(extClock)
		}
		accumid := status.Accumid()
		exposureComplete := a.ssm.Feed(accumid, counter)

		if status&BitBlanking == 0 {
			plane := a.accum[accumid]
			if !plane.Dirty {
				plane.Row = RowMetadata{
					TimeMJD: heap.ReceivedMJD,
					Accumid: accumid,
					SttSpec: heap.SpectrumCounter,
				}
				plane.Dirty = true
			}
			sumPayload(plane.Data, heap.Payload, a.cfg.HighBandwidth)
			if a.cfg.PFBRate > 0 {
				plane.Row.Exposure += float64(heap.AccumulationSize) / a.cfg.PFBRate
			}
			plane.Row.StpSpec = heap.SpectrumCounter
		}

		a.stats.NPkt++

		if exposureComplete || endOfScan {
			a.flushIntegration(block)
		}
		if endOfScan {
			a.flushEndOfScanSentinel(block)
			return true, nil
		}
	}
	return false, nil
}

// sumPayload accumulates a heap's payload elementwise into an accumulator
// plane: int32 power products for HBW, float32 products for LBW.
func sumPayload(into []float64, payload []byte, highBandwidth bool) {
	if highBandwidth {
		n := len(payload) / 4
		if n > len(into) {
			n = len(into)
		}
		for i := 0; i < n; i++ {
			v := int32(binary.BigEndian.Uint32(payload[i*4:]))
			into[i] += float64(v)
		}
		return
	}
	n := len(payload) / 4
	if n > len(into) {
		n = len(into)
	}
	for i := 0; i < n; i++ {
		bits := binary.BigEndian.Uint32(payload[i*4:])
		into[i] += float64(math.Float32frombits(bits))
	}
}

// flushIntegration writes every dirty plane as one row, then resets all
// planes and bumps the integration number.
func (a *AccumulatorStage) flushIntegration(inputBlock *Block) {
	for i, plane := range a.accum {
		if !plane.Dirty {
			continue
		}
		payload := make([]byte, len(plane.Data)*4)
		for j, v := range plane.Data {
			binary.BigEndian.PutUint32(payload[j*4:], math.Float32bits(float32(v)))
		}
		a.writeRow(plane.Row, payload, inputBlock)
		a.accum[i].reset()
	}
	a.integNum++
}

// flushEndOfScanSentinel appends one empty row with IntegNum -1 as an
// out-of-band end-of-scan marker, per §4.4.
func (a *AccumulatorStage) flushEndOfScanSentinel(inputBlock *Block) {
	meta := RowMetadata{Accumid: -1}
	a.writeRowWithInteg(meta, nil, inputBlock, -1)
}

// writeRow packs metadata+payload into the current disk-ring block,
// rolling to a fresh block (seeded from inputBlock's header) if the row
// would overflow it.
func (a *AccumulatorStage) writeRow(meta RowMetadata, payload []byte, inputBlock *Block) {
	a.writeRowWithInteg(meta, payload, inputBlock, a.integNum)
}

func (a *AccumulatorStage) writeRowWithInteg(meta RowMetadata, payload []byte, inputBlock *Block, integNum int) {
	rowSize := rowMetadataSize + len(payload)
	out := a.out.Block(a.outBlock)

	if a.writeOffset+rowSize > len(out.Payload) {
		a.stats.IntegNum = integNum
		out.Stats = a.stats
		a.out.SetFilled(a.outBlock)
		next := (a.outBlock + 1) % a.out.NBlock()
		if err := a.out.WaitFree(next, defaultWaitTimeout); err != nil {
			a.log.Warn("disk ring wait_free timeout rolling block")
		}
		a.outBlock = next
		a.writeOffset = 0
		a.stats = BlockStats{}
		out = a.out.Block(a.outBlock)
		out.Header = inputBlock.Header
		out.DiskIndex = nil
	}

	metaBytes := encodeRowMetadata(meta)
	copy(out.Payload[a.writeOffset:], metaBytes)
	copy(out.Payload[a.writeOffset+rowMetadataSize:], payload)

	out.ArraySize = len(payload)
	out.DiskIndex = append(out.DiskIndex, DiskIndexEntry{
		StructOffset: a.writeOffset,
		ArrayOffset:  a.writeOffset + rowMetadataSize,
	})
	a.stats.IntegNum = integNum
	out.Stats = a.stats
	a.writeOffset += rowSize

	if a.sink != nil {
		_ = a.sink.WriteRow(meta, payload)
	}
}
