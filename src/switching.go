package specband

import "github.com/charmbracelet/log"

// SwitchingStateMachine sorts accumulated heaps into one of up to 8
// switching states driven by a phase table, and reports when an
// integration (exposure) is complete. Built at scan start from Status
// Area keys, discarded at scan end.
type SwitchingStateMachine struct {
	nphases                  int
	accumidTable             []int
	switchPeriodsPerExposure int64
	countsPerExposure        int64
	approximateCountsPerCycle int64

	curPhaseIdx      int
	curSwCycleNumber int64
	curAccumid       int
	curCount         int64
	lastCount        int64
	endExposureCount int64

	log *log.Logger
}

// NewSwitchingStateMachine builds the phase table's accumid lookup from
// per-phase sig/ref and cal bits. With nphases < 2 the machine still
// constructs (for the count-based fallback), but its phase index never
// advances past 0.
func NewSwitchingStateMachine(sigRef, cal []bool, switchPeriodsPerExposure int64, countsPerExposure int64) *SwitchingStateMachine {
	nphases := len(sigRef)
	accumidTable := make([]int, nphases)
	for i := range accumidTable {
		accumidTable[i] = sigRefCalToAccumid(sigRef[i], cal[i])
	}

	var approxPerCycle int64
	if switchPeriodsPerExposure > 0 {
		approxPerCycle = countsPerExposure / switchPeriodsPerExposure
	}

	return &SwitchingStateMachine{
		nphases:                   nphases,
		accumidTable:              accumidTable,
		switchPeriodsPerExposure:  switchPeriodsPerExposure,
		countsPerExposure:         countsPerExposure,
		approximateCountsPerCycle: approxPerCycle,
		endExposureCount:          countsPerExposure,
		lastCount:                 -1,
		log:                       newStageLogger("switching"),
	}
}

// NPhases reports the configured phase count.
func (p *SwitchingStateMachine) NPhases() int { return p.nphases }

// CurPhaseIdx is the current phase index within a switching cycle.
func (p *SwitchingStateMachine) CurPhaseIdx() int { return p.curPhaseIdx }

// Feed advances the machine with one observed (accumid, count) pair and
// reports whether an exposure just completed. With nphases < 2 it
// degrades to the count-based fallback.
func (p *SwitchingStateMachine) Feed(accumid int, count int64) bool {
	p.curCount = count
	if p.nphases < 2 {
		return p.exposureByCounts(count)
	}
	return p.exposureByPhasesV2(accumid, count)
}

// exposureByCounts is the fallback cadence used when no usable phase
// table exists: fire whenever the clock crosses end_exposure_count,
// advancing it by counts_per_exposure until it is back ahead of count
// (so a missed rollover doesn't leave it permanently behind).
func (p *SwitchingStateMachine) exposureByCounts(count int64) bool {
	if count < p.endExposureCount {
		return false
	}
	for {
		p.endExposureCount += p.countsPerExposure
		if count < p.endExposureCount {
			break
		}
	}
	return true
}

// exposureByPhasesV2 is the phase-table-driven cadence with missed-phase
// correction: if more than one phase's worth of clock has elapsed since
// the last observation, step the phase index forward that many times,
// counting cycle-boundary crossings as we go, before reconciling against
// the phase actually observed.
func (p *SwitchingStateMachine) exposureByPhasesV2(inAccumid int, count int64) bool {
	accumid := inAccumid & 0x3
	p.curAccumid = accumid

	inPhaseIdx := -1
	for i, a := range p.accumidTable {
		if a == accumid {
			inPhaseIdx = i
			break
		}
	}
	if inPhaseIdx < 0 {
		p.log.Warn("unknown accumid state", "accumid", accumid)
		return false
	}

	ncountDiff := count - p.lastCount
	p.lastCount = count
	if ncountDiff == 0 {
		p.curPhaseIdx = inPhaseIdx
		return false
	}

	var countsPerPhase int64
	if p.nphases > 0 {
		countsPerPhase = p.approximateCountsPerCycle / int64(p.nphases)
	}

	var missedPhases int64
	if countsPerPhase > 0 {
		missedPhases = ncountDiff / countsPerPhase
	}

	correctionMade := 0
	exposuresComplete := 0
	for missedPhases > 0 {
		p.curPhaseIdx = (p.curPhaseIdx + 1) % p.nphases
		if p.curPhaseIdx == 0 {
			p.curSwCycleNumber++
		}
		if p.curSwCycleNumber >= p.switchPeriodsPerExposure {
			exposuresComplete++
			p.curSwCycleNumber %= p.switchPeriodsPerExposure
		}
		missedPhases--
		correctionMade++
	}

	if correctionMade > 0 && p.curPhaseIdx != inPhaseIdx {
		p.log.Warn("phase correction mismatch", "got", p.curPhaseIdx, "want", inPhaseIdx)
	}

	if correctionMade == 0 && inPhaseIdx == 0 && p.curPhaseIdx != inPhaseIdx {
		p.curSwCycleNumber++
	}
	p.curPhaseIdx = inPhaseIdx

	if p.curSwCycleNumber >= p.switchPeriodsPerExposure || exposuresComplete > 0 {
		if p.switchPeriodsPerExposure > 0 {
			p.curSwCycleNumber %= p.switchPeriodsPerExposure
		}
		return true
	}
	return false
}
