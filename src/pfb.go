package specband

import (
	"math"
	"math/cmplx"

	"github.com/charmbracelet/log"
)

// PFBConfig names the Status-Area-sourced settings the PFB/FFT stage
// needs. ModeName carries the L8->L1 packed-subband mode selector.
type PFBConfig struct {
	NChan    int
	NSubband int
	AccLen   int
	ModeName string
}

const l8PackedMode = "l8"

// ComputeAccLen implements the ACC_LEN=0 boundary rule: when the
// configuration omits an explicit accumulation length, derive one from
// the channel bandwidth and the hardware exposure time.
func ComputeAccLen(chanBW, hwExposure float64) int {
	return int(math.Round(math.Abs(chanBW) * hwExposure))
}

// pfbTaps builds an 8-tap Hamming-windowed sinc prototype filter per
// subband-channel, the software stand-in for the GPU PFB coefficient
// vector; the GPU kernel itself is out of scope, but the control flow
// around it (accumulate/blank/flush) is not.
func pfbTaps(nTaps, nChan int) []float64 {
	n := nTaps * nChan
	taps := make([]float64, n)
	center := float64(n-1) / 2
	for i := 0; i < n; i++ {
		x := (float64(i) - center) / float64(nChan)
		var sinc float64
		if x == 0 {
			sinc = 1
		} else {
			sinc = math.Sin(math.Pi*x) / (math.Pi * x)
		}
		hamming := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		taps[i] = sinc * hamming
	}
	return taps
}

// pfbFilter applies the polyphase prefilter to one nChan-wide stride of
// the input history and returns nChan filtered complex samples.
func pfbFilter(history [][]complex128, taps []float64, nChan, nTaps int) []complex128 {
	out := make([]complex128, nChan)
	for c := 0; c < nChan; c++ {
		var acc complex128
		for t := 0; t < nTaps; t++ {
			acc += history[t][c] * complex(taps[t*nChan+c], 0)
		}
		out[c] = acc
	}
	return out
}

// fft is an in-place radix-2 Cooley-Tukey transform; n must be a power of
// two, which NCHAN always is in practice for this pipeline.
func fft(a []complex128) {
	n := len(a)
	if n <= 1 {
		return
	}
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j &^= bit
		}
		j |= bit
		if i < j {
			a[i], a[j] = a[j], a[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wlen := cmplx.Exp(complex(0, ang))
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			for k := 0; k < length/2; k++ {
				u := a[i+k]
				v := a[i+k+length/2] * w
				a[i+k] = u + v
				a[i+k+length/2] = u - v
				w *= wlen
			}
		}
	}
}

// PFBStage converts time-domain heaps into frequency-domain spectra
// (low-bandwidth mode only), observing a blanking state machine and
// flushing its accumulator into Ring B.
type PFBStage struct {
	cfg    PFBConfig
	in     *Ring
	out    *Ring
	status *StatusArea
	log    *log.Logger

	blanking *BlankingStateMachine
	taps     []float64

	accum    [][]float64 // [nsubband*2][nchan]
	accCount int

	// history holds the last pfbTapCount chunks of nChan time samples per
	// subband, the sliding window pfbFilter convolves against the tap
	// weights. Indexed [subband][tap][chan].
	history [][][]complex128

	inBlock, outBlock int
	prevAccumid       int
	havePrevAccumid   bool
	mergeBuf          []Heap
}

const pfbTapCount = 8

// NewPFBStage allocates the software prefilter/FFT/accumulator state that
// stands in for the GPU buffers the original allocates on scan start.
func NewPFBStage(cfg PFBConfig, in, out *Ring, status *StatusArea) *PFBStage {
	nSubband := cfg.NSubband
	if nSubband <= 0 {
		nSubband = 1
	}
	accum := make([][]float64, nSubband*2)
	for i := range accum {
		accum[i] = make([]float64, cfg.NChan)
	}
	history := make([][][]complex128, nSubband)
	for sb := range history {
		history[sb] = make([][]complex128, pfbTapCount)
		for t := range history[sb] {
			history[sb][t] = make([]complex128, cfg.NChan)
		}
	}
	return &PFBStage{
		cfg:      cfg,
		in:       in,
		out:      out,
		status:   status,
		log:      newStageLogger("pfb"),
		blanking: NewBlankingStateMachine(),
		taps:     pfbTaps(pfbTapCount, cfg.NChan),
		accum:    accum,
		history:  history,
	}
}

// needsMerge reports whether the configured mode packs 8 legacy
// 8-subband blocks into one before processing.
func (p *PFBStage) needsMerge() bool { return p.cfg.ModeName == l8PackedMode }

// mergeL8ToL1 extracts subband-0 samples from 8 source heaps (one per
// legacy 8-subband block) into one merged payload, the software analogue
// of the GPU l8lbw1_fixups merge. The metadata of the last contributing
// heap carries over to the merged heap.
func mergeL8ToL1(heaps []Heap) Heap {
	merged := heaps[len(heaps)-1]
	payload := make([]byte, 0, len(heaps[0].Payload))
	for _, h := range heaps {
		// Subband 0 is the first of a legacy heap's 8 equal chunks of
		// 2-byte complex samples, the same split processHeap uses.
		sub0 := 2 * (len(h.Payload) / 2 / 8)
		payload = append(payload, h.Payload[:sub0]...)
	}
	merged.Payload = payload
	return merged
}

const l8MergeGroup = 8

// Run processes input blocks from Ring A until the Status Area reports
// the scan has stopped.
func (p *PFBStage) Run() error {
	for {
		if v, ok := p.status.GetKey("SCANSTAT"); ok && v != "running" {
			return nil
		}
		if err := p.in.WaitFilled(p.inBlock, defaultWaitTimeout); err != nil {
			continue // a filled-block wait timeout is retried, not fatal
		}
		block := p.in.Block(p.inBlock)
		p.processBlock(block)
		p.in.SetFree(p.inBlock)
		p.inBlock = (p.inBlock + 1) % p.in.NBlock()
	}
}

func (p *PFBStage) processBlock(block *Block) {
	if p.needsMerge() {
		for i := range block.Heaps {
			if !block.Heaps[i].Valid {
				continue
			}
			p.mergeBuf = append(p.mergeBuf, block.Heaps[i])
			if len(p.mergeBuf) == l8MergeGroup {
				merged := mergeL8ToL1(p.mergeBuf)
				p.mergeBuf = p.mergeBuf[:0]
				p.processHeap(&merged, block)
			}
		}
		return
	}

	for i := range block.Heaps {
		if !block.Heaps[i].Valid {
			continue
		}
		p.processHeap(&block.Heaps[i], block)
	}
}

// processHeap decodes a heap's 8-bit-complex time samples, runs each
// subband's slice through the PFB prefilter and FFT, and accumulates
// power into both polarization rows of that subband unless the blanking
// state machine is suppressing output.
func (p *PFBStage) processHeap(heap *Heap, block *Block) {
	nChan := p.cfg.NChan
	nSubband := len(p.history)
	samples := make([]complex128, len(heap.Payload)/2)
	for i := range samples {
		re := int8(heap.Payload[2*i])
		im := int8(heap.Payload[2*i+1])
		samples[i] = complex(float64(re), float64(im))
	}

	accumid := heap.Status.Accumid()
	swChanged := p.havePrevAccumid && accumid != p.prevAccumid
	p.prevAccumid = accumid
	p.havePrevAccumid = true

	isBlanked := heap.Status&BitBlanking != 0
	summary := 0
	if isBlanked {
		summary |= 0x1
	}
	if swChanged {
		summary |= 0x4
	}
	p.blanking.NewInput(summary)

	chunkLen := len(samples) / nSubband
	produced := false
	for sb := 0; sb < nSubband; sb++ {
		start := sb * chunkLen
		if start+nChan > len(samples) {
			break
		}
		chunk := samples[start : start+nChan]

		hist := p.history[sb]
		copy(hist, hist[1:])
		hist[pfbTapCount-1] = chunk
		p.history[sb] = hist

		spectrum := pfbFilter(hist, p.taps, nChan, pfbTapCount)
		fft(spectrum)
		produced = true

		if !p.blanking.BlankCurrentFFT() {
			for c := 0; c < nChan; c++ {
				mag := cmplx.Abs(spectrum[c])
				p.accum[2*sb][c] += mag * mag
				p.accum[2*sb+1][c] += mag * mag
			}
		}
	}
	if produced && !p.blanking.BlankCurrentFFT() {
		p.accCount++
	}

	if p.blanking.NeedsFlush() || (p.cfg.AccLen > 0 && p.accCount >= p.cfg.AccLen) {
		p.flush(heap, block)
	}
}

func (p *PFBStage) flush(inputHeap *Heap, inputBlock *Block) {
	if err := p.out.WaitFree(p.outBlock, defaultWaitTimeout); err != nil {
		p.log.Warn("output ring wait_free timeout on flush")
	}
	out := p.out.Block(p.outBlock)
	out.Header = inputBlock.Header

	payload := make([]byte, 0, len(p.accum)*len(p.accum[0])*4)
	for _, row := range p.accum {
		for _, v := range row {
			payload = append(payload, float32Bytes(float32(v))...)
		}
		for i := range row {
			row[i] = 0
		}
	}

	freqHeap := *inputHeap
	freqHeap.Payload = payload
	out.Heaps = append(out.Heaps, freqHeap)

	p.out.SetFilled(p.outBlock)
	p.outBlock = (p.outBlock + 1) % p.out.NBlock()
	p.accCount = 0
}

func float32Bytes(f float32) []byte {
	bits := math.Float32bits(f)
	return []byte{byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}
}
