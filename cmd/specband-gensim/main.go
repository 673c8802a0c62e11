// Command specband-gensim emits synthetic SPEAD heaps over UDP, standing
// in for the FPGA frontend during development and the testable-property
// scenarios that need real wire traffic.
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	addr := pflag.StringP("addr", "a", "127.0.0.1:8500", "destination host:port")
	nHeaps := pflag.IntP("heaps", "n", 100, "number of heaps to send")
	heapSize := pflag.IntP("heap-size", "s", 8192, "payload bytes per heap")
	legacy := pflag.Bool("legacy", false, "emit the legacy 16-byte-header dialect instead of native SPEAD")
	toneHz := pflag.Float64("tone-hz", 1000, "frequency of the synthetic tone encoded in each heap")
	rate := pflag.DurationP("interval", "i", time.Millisecond, "delay between heaps")
	pflag.Parse()

	raddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "specband-gensim: resolve: %v\n", err)
		os.Exit(1)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "specband-gensim: dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	for i := 0; i < *nHeaps; i++ {
		var pkt []byte
		if *legacy {
			pkt = buildLegacyPacket(uint64(i), *heapSize, *toneHz)
		} else {
			pkt = buildNativePacket(uint64(i), *heapSize, *toneHz)
		}
		if _, err := conn.Write(pkt); err != nil {
			fmt.Fprintf(os.Stderr, "specband-gensim: write: %v\n", err)
			os.Exit(1)
		}
		time.Sleep(*rate)
	}
}

// tonePayload synthesizes an 8-bit-complex time series at the given tone
// frequency, the way gen_tone synthesizes a test tone for modem tests.
func tonePayload(n int, toneHz float64) []byte {
	out := make([]byte, n)
	for i := 0; i < n/2; i++ {
		phase := 2 * math.Pi * toneHz * float64(i) / 1e6
		out[2*i] = byte(int8(math.Round(96 * math.Cos(phase))))
		out[2*i+1] = byte(int8(math.Round(96 * math.Sin(phase))))
	}
	return out
}

const (
	idHeapCounter      = 0x01
	idHeapSize         = 0x02
	idHeapOffset       = 0x03
	idPayloadOffset    = 0x04
	idTimeCounter      = 0x20
	idSpectrumCounter  = 0x21
	idAccumulationSize = 0x22
	idModeNumber       = 0x23
	idStatusBits       = 0x24

	legacyPayloadLen = 8192
)

func buildNativePacket(heapCounter uint64, heapSize int, toneHz float64) []byte {
	payload := tonePayload(heapSize, toneHz)
	items := []struct {
		id    uint32
		value uint64
	}{
		{idHeapCounter, heapCounter},
		{idHeapSize, uint64(heapSize)},
		{idHeapOffset, 0},
		{idPayloadOffset, 0},
		{idTimeCounter, heapCounter * 1000},
		{idSpectrumCounter, heapCounter},
		{idAccumulationSize, 1},
		{idModeNumber, 0},
		{idStatusBits, 0},
	}

	buf := make([]byte, 0, 8+len(items)*8+len(payload))
	buf = append(buf, 0x53, 0x04, 0x03, 0x05, 0, 0)
	count := make([]byte, 2)
	binary.BigEndian.PutUint16(count, uint16(len(items)))
	buf = append(buf, count...)

	for _, it := range items {
		word := (uint64(it.id) & 0x7fffff) << 40
		word |= it.value & ((1 << 40) - 1)
		w := make([]byte, 8)
		binary.BigEndian.PutUint64(w, word)
		buf = append(buf, w...)
	}
	return append(buf, payload...)
}

func buildLegacyPacket(heapCounter uint64, heapSize int, toneHz float64) []byte {
	// The legacy dialect's payload is always exactly 8192 bytes; heapSize
	// is ignored here the same way it's ignored on decode.
	payload := tonePayload(legacyPayloadLen, toneHz)
	fpgaCounter := heapCounter << 11
	word := (fpgaCounter << 4) | 0x1 // status nibble: cal bit set

	pkt := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint64(pkt[0:8], word)
	binary.BigEndian.PutUint64(pkt[8:16], word)
	copy(pkt[16:], payload)
	return pkt
}
