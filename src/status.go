package specband

import (
	"bytes"
	"fmt"

	"github.com/charmbracelet/log"
)

const (
	statusCardSize = 80
	statusNumCards = 200
)

// statusLock is a channel-based binary semaphore standing in for the
// original's named POSIX semaphore (sem_open/sem_wait/sem_post). A
// sync.Mutex exposes no equivalent of sem_getvalue, but a buffered
// channel's occupancy can be probed the same non-destructive way: an
// empty channel means the token is held (locked), same as semval==0.
type statusLock chan struct{}

func newStatusLock() statusLock {
	l := make(statusLock, 1)
	l <- struct{}{}
	return l
}

func (l statusLock) Lock()   { <-l }
func (l statusLock) Unlock() { l <- struct{}{} }

// locked is the sem_getvalue(...) == 0 probe: true if the token is
// currently held, without taking it.
func (l statusLock) locked() bool { return len(l) == 0 }

// StatusArea is the process-wide FITS-style card buffer: a configuration
// and liveness channel mutated under a single lock.
type StatusArea struct {
	lock  statusLock
	cards [][statusCardSize]byte
	log   *log.Logger
}

// NewStatusArea allocates the card buffer and attaches to it, mirroring
// vegas_status_attach's call into vegas_status_chkinit.
func NewStatusArea() *StatusArea {
	s := &StatusArea{
		lock:  newStatusLock(),
		cards: make([][statusCardSize]byte, statusNumCards),
		log:   newStageLogger("status"),
	}
	s.Attach()
	return s
}

// Attach is vegas_status_chkinit's stale-lock heuristic plus END-card
// check: if the lock reads as already held, release it once,
// unconditionally, on the assumption that its previous holder crashed
// mid-update rather than being genuinely still in the critical section
// (the same blind assumption vegas_status_chkinit makes with
// sem_getvalue/sem_post). It then takes the lock normally and seeds a
// missing END card. The Supervisor calls this again whenever a worker
// set attaches to the status area for the first time, the same point
// the original's per-thread vegas_status_attach call occupies.
func (s *StatusArea) Attach() {
	if s.lock.locked() {
		s.log.Warn("status area lock held on attach, releasing stale holder")
		s.lock.Unlock()
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.chkInitLocked()
}

func endCard() [statusCardSize]byte {
	var c [statusCardSize]byte
	for i := range c {
		c[i] = ' '
	}
	copy(c[:3], "END")
	return c
}

func blankCard() [statusCardSize]byte {
	var c [statusCardSize]byte
	for i := range c {
		c[i] = ' '
	}
	return c
}

// findEnd returns the index of the END card, or -1 if the buffer has none.
func (s *StatusArea) findEnd() int {
	for i, c := range s.cards {
		if bytes.HasPrefix(c[:], []byte("END")) {
			return i
		}
	}
	return -1
}

// chkInitLocked zero-fills and seeds an END card when the buffer has no
// END. Callers must already hold the lock.
func (s *StatusArea) chkInitLocked() {
	if s.findEnd() >= 0 {
		return
	}
	s.log.Warn("status area missing END card, reinitializing")
	blank := blankCard()
	for i := range s.cards {
		s.cards[i] = blank
	}
	s.cards[0] = endCard()
}

func encodeCard(key, value string) [statusCardSize]byte {
	c := blankCard()
	if len(key) > 8 {
		key = key[:8]
	}
	line := fmt.Sprintf("%-8s= %s", key, value)
	if len(line) > statusCardSize {
		line = line[:statusCardSize]
	}
	copy(c[:], line)
	return c
}

func decodeCard(c [statusCardSize]byte) (key, value string) {
	s := string(c[:])
	eq := bytes.IndexByte(c[:], '=')
	if eq < 0 {
		return trimSpace(s[:8]), ""
	}
	key = trimSpace(s[:8])
	value = trimSpace(s[eq+1:])
	return key, value
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && s[start] == ' ' {
		start++
	}
	for end > start && s[end-1] == ' ' {
		end--
	}
	return s[start:end]
}

// GetKey reads one card's value by keyword.
func (s *StatusArea) GetKey(name string) (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, c := range s.cards {
		k, v := decodeCard(c)
		if k == name {
			return v, true
		}
		if k == "END" {
			break
		}
	}
	return "", false
}

// PutKey writes or overwrites a card in place, inserting before the END
// card if the keyword is new. A full status area silently drops the write,
// matching the original's fixed-size card buffer.
func (s *StatusArea) PutKey(name, value string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	end := s.findEnd()
	for i := 0; i < len(s.cards); i++ {
		k, _ := decodeCard(s.cards[i])
		if k == name {
			s.cards[i] = encodeCard(name, value)
			return
		}
		if i == end {
			break
		}
	}

	if end < 0 || end >= len(s.cards)-1 {
		return
	}
	s.cards[end] = encodeCard(name, value)
	s.cards[end+1] = endCard()
}
