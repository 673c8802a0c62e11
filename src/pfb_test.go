package specband

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestComputeAccLenBoundaryRule is the ACC_LEN=0 boundary rule: derive an
// accumulation length from the channel bandwidth and hardware exposure
// when none is configured explicitly.
func TestComputeAccLenBoundaryRule(t *testing.T) {
	got := ComputeAccLen(-1.5, 2.0)

	assert.Equal(t, 3, got)
}

func TestComputeAccLenRoundsToNearest(t *testing.T) {
	assert.Equal(t, 2, ComputeAccLen(1.0, 1.6))
	assert.Equal(t, 1, ComputeAccLen(1.0, 1.4))
}

func TestFFTOfDCSignalConcentratesInBinZero(t *testing.T) {
	a := make([]complex128, 8)
	for i := range a {
		a[i] = complex(1, 0)
	}

	fft(a)

	assert.InDelta(t, 8, cmplx.Abs(a[0]), 1e-9)
	for i := 1; i < len(a); i++ {
		assert.InDelta(t, 0, cmplx.Abs(a[i]), 1e-9)
	}
}

func TestFFTOfSingleToneConcentratesEnergyInOneBin(t *testing.T) {
	n := 8
	bin := 2
	a := make([]complex128, n)
	for i := range a {
		ang := 2 * math.Pi * float64(bin) * float64(i) / float64(n)
		a[i] = cmplx.Exp(complex(0, ang))
	}

	fft(a)

	for i := range a {
		mag := cmplx.Abs(a[i])
		if i == bin {
			assert.InDelta(t, float64(n), mag, 1e-9)
		} else {
			assert.InDelta(t, 0, mag, 1e-9)
		}
	}
}

func TestPFBTapsIsSymmetricHammingWindowedSinc(t *testing.T) {
	taps := pfbTaps(8, 4)

	require.Len(t, taps, 32)
	// The Hamming-windowed sinc prototype is symmetric about its center.
	for i := range taps {
		assert.InDelta(t, taps[i], taps[len(taps)-1-i], 1e-9)
	}
}

// TestProcessHeapAccumulatesIntoBothPolarizationRows exercises the
// simplification documented for the PFB/FFT stage: since the payload
// model carries no separate polarization, both accumulator rows for a
// subband receive the same computed power.
func TestProcessHeapAccumulatesIntoBothPolarizationRows(t *testing.T) {
	status := NewStatusArea()
	in := NewRing("in", 1, 64)
	out := NewRing("out", 1, 256)
	p := NewPFBStage(PFBConfig{NChan: 4, NSubband: 1, AccLen: 1}, in, out, status)

	payload := make([]byte, 8) // 4 complex int8 samples
	for i := range payload {
		payload[i] = 1
	}
	heap := &Heap{Payload: payload, Valid: true}
	block := &Block{}

	p.processHeap(heap, block)

	require.Len(t, out.Block(0).Heaps, 1)
	flushed := out.Block(0).Heaps[0].Payload
	require.Len(t, flushed, len(p.accum)*len(p.accum[0])*4)

	row0 := decodeFloat32Row(flushed[0 : len(p.accum[0])*4])
	row1 := decodeFloat32Row(flushed[len(p.accum[0])*4 : 2*len(p.accum[0])*4])
	assert.Equal(t, row0, row1)
}

func decodeFloat32Row(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[i*4])<<24 | uint32(b[i*4+1])<<16 | uint32(b[i*4+2])<<8 | uint32(b[i*4+3])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func TestPFBStageFlushesOnBlankingRisingEdge(t *testing.T) {
	status := NewStatusArea()
	in := NewRing("in", 1, 64)
	out := NewRing("out", 1, 256)
	p := NewPFBStage(PFBConfig{NChan: 2, NSubband: 1, AccLen: 1000}, in, out, status)
	block := &Block{}

	payload := make([]byte, 4)
	p.processHeap(&Heap{Payload: payload, Valid: true, Status: 0}, block)
	assert.Equal(t, 0, out.TotalFilled())

	p.processHeap(&Heap{Payload: payload, Valid: true, Status: BitBlanking}, block)
	assert.Equal(t, 1, out.TotalFilled())
}
