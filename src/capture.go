package specband

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

const (
	captureSocketBuf     = 128 << 20 // 128 MiB SO_RCVBUF
	capturePollTimeout   = time.Second
	maxHeapsPerBlock     = 64
	endOfScanDrainPolls  = 100 // ~25s of consecutive 250ms poll timeouts once SCANSTAT leaves "running"
)

// CaptureConfig names the Status-Area-sourced settings the Capture Stage
// needs: wire dialect, bandwidth mode, packet size, and socket endpoint.
type CaptureConfig struct {
	Legacy         bool // true selects the legacy 16-byte-header dialect
	HighBandwidth  bool // true = HBW (32-bit byte-swap payload), false = LBW
	ListenAddr     string
	SenderAddr     string
	HeapsPerBlock  int
}

// CaptureStage pulls UDP packets at wire rate, normalizes them, and lays
// heaps into Ring A under the sequence number recovered from the wire.
type CaptureStage struct {
	cfg    CaptureConfig
	ring   *Ring
	status *StatusArea
	log    *log.Logger

	conn        *net.UDPConn
	curBlock    int
	stats       BlockStats
	receivedAny bool
}

// NewCaptureStage binds and configures the capture socket per §4.2: a
// non-blocking datagram socket with a 128 MiB receive buffer, bound to the
// configured port and connected to the sender.
func NewCaptureStage(cfg CaptureConfig, ring *Ring, status *StatusArea) (*CaptureStage, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fatalf("capture", "resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fatalf("capture", "listen: %w", err)
	}
	if err := conn.SetReadBuffer(captureSocketBuf); err != nil {
		// Best-effort: the kernel may cap rmem_max below our request. Try
		// the raw syscall as well, matching the original's direct
		// setsockopt(SO_RCVBUF) call, but don't fail the stage over it.
		if rc, rcErr := conn.SyscallConn(); rcErr == nil {
			_ = rc.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, captureSocketBuf)
			})
		}
	}
	if cfg.SenderAddr != "" {
		raddr, err := net.ResolveUDPAddr("udp", cfg.SenderAddr)
		if err == nil {
			_ = conn.SetReadDeadline(time.Time{})
			_ = conn.Close()
			conn, err = net.DialUDP("udp", laddr, raddr)
			if err != nil {
				return nil, fatalf("capture", "connect to sender: %w", err)
			}
		}
	}

	heapsPerBlock := cfg.HeapsPerBlock
	if heapsPerBlock <= 0 {
		heapsPerBlock = maxHeapsPerBlock
	}
	cfg.HeapsPerBlock = heapsPerBlock

	return &CaptureStage{
		cfg:    cfg,
		ring:   ring,
		status: status,
		log:    newStageLogger("capture"),
		conn:   conn,
	}, nil
}

// Close releases the capture socket.
func (c *CaptureStage) Close() error { return c.conn.Close() }

// Stats returns a copy of the running packet/heap counters.
func (c *CaptureStage) Stats() BlockStats { return c.stats }

// Run pulls packets until the Status Area reports the scan has stopped and
// the end-of-scan drain has elapsed, or a fatal socket error occurs.
func (c *CaptureStage) Run() error {
	buf := make([]byte, 16*1024)
	drainPolls := 0

	for {
		if v, ok := c.status.GetKey("SCANSTAT"); ok && v != "running" && c.receivedAny {
			drainPolls++
			if drainPolls >= endOfScanDrainPolls {
				c.ring.SetFilled(c.curBlock)
				return nil
			}
		}

		pollTimeout := capturePollTimeout
		if drainPolls > 0 {
			pollTimeout = defaultWaitTimeout // drain counts 250ms waits
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pollTimeout))
		n, err := c.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue // 1-second poll timeout is normal
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fatalf("capture", "socket read: %w", err)
		}
		drainPolls = 0
		c.receivedAny = true
		c.handlePacket(buf[:n])
	}
}

func (c *CaptureStage) handlePacket(pkt []byte) {
	table, payload, err := normalize(c.cfg.Legacy, pkt)
	if err != nil {
		c.stats.NPktDrop++
		return
	}

	heapCounter, _ := table.Get(IDHeapCounter)
	heapSize, ok := table.Get(IDHeapSize)
	if !ok || heapSize == 0 {
		c.stats.NPktDrop++
		return
	}
	heapOffset, _ := table.Get(IDHeapOffset)
	payloadOffset, _ := table.Get(IDPayloadOffset)

	payloadSize := uint64(len(payload))
	if payloadSize == 0 {
		payloadSize = heapSize
	}
	packetsPerHeap := heapSize / payloadSize
	if packetsPerHeap == 0 {
		packetsPerHeap = 1
	}
	seq := heapCounter*packetsPerHeap + heapOffset/payloadSize

	heapsPerBlock := uint64(c.cfg.HeapsPerBlock)
	destBlock := int(seq / heapsPerBlock)
	heapIdx := int(seq % heapsPerBlock)

	if destBlock != c.curBlock {
		c.ring.SetFilled(c.curBlock)
		c.stats.NBlock++
		c.stats = BlockStats{}
		if err := c.ring.WaitFree(destBlock, defaultWaitTimeout); err != nil {
			// Producer ran ahead of the consumer; the block we need is
			// still filled and gets overwritten. Count the overrun as a
			// dropped heap.
			c.stats.NHeapDrop++
		}
		c.curBlock = destBlock
	}

	block := c.ring.Block(c.curBlock)
	if len(block.Heaps) <= heapIdx {
		grown := make([]Heap, heapsPerBlock)
		copy(grown, block.Heaps)
		block.Heaps = grown
	}

	body := payload
	if c.cfg.HighBandwidth {
		body = byteSwap32Copy(payload)
	}
	_ = payloadOffset // native dialect's payload-start is already applied by normalize

	heap, err := HeapFromTable(table, body)
	if err != nil {
		c.stats.NPktDrop++
		return
	}
	heap.ReceivedMJD = mjdNow()
	block.Heaps[heapIdx] = heap
	block.HeapSize = int(heapSize)
	c.stats.NPkt++
}

// byteSwap32Copy performs the HBW 32-bit word byte swap on copy; LBW
// payload is passed through unchanged by the caller.
func byteSwap32Copy(in []byte) []byte {
	out := make([]byte, len(in))
	n := len(in) - len(in)%4
	for i := 0; i < n; i += 4 {
		binary.BigEndian.PutUint32(out[i:], binary.LittleEndian.Uint32(in[i:]))
	}
	copy(out[n:], in[n:])
	return out
}

// mjdNow returns the current time as a Modified Julian Date, the unit the
// ring's arrival-time index entries use.
func mjdNow() float64 {
	const unixEpochMJD = 40587.0
	now := time.Now().UTC()
	return unixEpochMJD + float64(now.Unix())/86400.0
}
