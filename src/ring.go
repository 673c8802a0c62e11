package specband

import (
	"sync"
	"time"
)

// defaultWaitTimeout is the 250ms granularity every ring wait uses.
const defaultWaitTimeout = 250 * time.Millisecond

// blockSem is the per-block binary semaphore: free (0) or filled (1).
// Waiters block on a channel that is closed and replaced on each edge,
// the idiomatic Go stand-in for a named counting semaphore's blocking
// wait with a bounded timeout.
type blockSem struct {
	mu       sync.Mutex
	filled   bool
	filledCh chan struct{}
	freeCh   chan struct{}
}

func newBlockSem() *blockSem {
	return &blockSem{
		filledCh: make(chan struct{}),
		freeCh:   make(chan struct{}),
	}
}

// setFilled is an unconditional write: already-filled is a no-op, so a
// stage that crashes mid-transition can never leave a half-signaled state.
func (b *blockSem) setFilled() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.filled {
		b.filled = true
		close(b.filledCh)
		b.freeCh = make(chan struct{})
	}
}

func (b *blockSem) setFree() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filled {
		b.filled = false
		close(b.freeCh)
		b.filledCh = make(chan struct{})
	}
}

func (b *blockSem) isFilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filled
}

// waitFilled blocks until the block is filled, then leaves it filled: this
// is an atomic "peek-with-wait", not a test-then-set.
func (b *blockSem) waitFilled(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if b.filled {
			b.mu.Unlock()
			return nil
		}
		ch := b.filledCh
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		select {
		case <-ch:
			continue
		case <-time.After(remaining):
			return ErrTimeout
		}
	}
}

func (b *blockSem) waitFree(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if !b.filled {
			b.mu.Unlock()
			return nil
		}
		ch := b.freeCh
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		select {
		case <-ch:
			continue
		case <-time.After(remaining):
			return ErrTimeout
		}
	}
}

// Block is one slot of a Ring: a header region (stats, index, shape) and an
// untyped payload. Producer and consumer share it under the slot's
// blockSem; there is exactly one of each per ring.
type Block struct {
	Header    [][80]byte // FITS-style 80-byte cards, ending in an END card
	Stats     BlockStats
	HeapSize  int

	// Heaps holds the full per-heap record for upstream rings (A, B).
	// The compact (heap_cntr, heap_valid, heap_rcvd_mjd) index is a
	// read-only view over this, computed by IndexEntries.
	Heaps []Heap

	// DiskIndex and Payload carry row-packed bytes for the disk ring (C);
	// see accumulator.go's writeRow.
	DiskIndex []DiskIndexEntry
	ArraySize int
	Payload   []byte
}

// IndexEntries returns the compact per-heap index: heap counter,
// validity, and arrival time, one per occupied slot.
func (b *Block) IndexEntries() []RingIndexEntry {
	out := make([]RingIndexEntry, len(b.Heaps))
	for i, h := range b.Heaps {
		out[i] = RingIndexEntry{
			HeapCounter: h.TimeCounter,
			HeapValid:   h.Valid,
			HeapRcvdMJD: h.ReceivedMJD,
		}
	}
	return out
}

// Ring is a fixed array of blocks plus one semaphore per block, giving
// single-producer/single-consumer handoff. block_size is constant across
// the ring's lifetime; n_block is a deployment choice, not enforced here.
type Ring struct {
	name  string
	sems  []*blockSem
	blocks []*Block
	blockSize int
}

// NewRing allocates n blocks of blockSize bytes of payload each, all
// semaphores initialized to free. This stands in for ring_create's shared
// memory segment and counting-semaphore array.
func NewRing(name string, nBlock, blockSize int) *Ring {
	r := &Ring{name: name, blockSize: blockSize}
	r.sems = make([]*blockSem, nBlock)
	r.blocks = make([]*Block, nBlock)
	for i := range r.sems {
		r.sems[i] = newBlockSem()
		r.blocks[i] = &Block{Payload: make([]byte, blockSize)}
	}
	return r
}

// Attach is idempotent; a Ring is already live once constructed, so this
// simply returns the handle. Kept to preserve the shared-handle contract
// the supervisor relies on when wiring stages together.
func (r *Ring) Attach() *Ring { return r }

// Detach never destroys the ring; it is a no-op in-process.
func (r *Ring) Detach() {}

func (r *Ring) Name() string    { return r.name }
func (r *Ring) NBlock() int     { return len(r.blocks) }
func (r *Ring) BlockSize() int  { return r.blockSize }

// Block returns the block's content for direct mutation. Callers must hold
// the corresponding semaphore (via WaitFilled/WaitFree) before touching it;
// the ring does not itself arbitrate concurrent access beyond the sem.
func (r *Ring) Block(i int) *Block { return r.blocks[i%len(r.blocks)] }

func (r *Ring) WaitFilled(i int, timeout time.Duration) error {
	return r.sems[i%len(r.sems)].waitFilled(timeout)
}

func (r *Ring) WaitFree(i int, timeout time.Duration) error {
	return r.sems[i%len(r.sems)].waitFree(timeout)
}

func (r *Ring) SetFilled(i int) { r.sems[i%len(r.sems)].setFilled() }
func (r *Ring) SetFree(i int)   { r.sems[i%len(r.sems)].setFree() }

// TotalFilled sums the semaphore values across blocks, which by
// construction equals the number of blocks currently filled.
func (r *Ring) TotalFilled() int {
	n := 0
	for _, s := range r.sems {
		if s.isFilled() {
			n++
		}
	}
	return n
}
