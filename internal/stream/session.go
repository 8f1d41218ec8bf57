package stream

import (
	"sync"

	"streamarr/internal/domain"
)

// subscriber channels hold this many piece events before the session
// starts dropping; a client that falls behind reconciles through Info.
const subscriberBuffer = 128

// session is the in-memory state of one live stream. It owns the
// torrent handle exclusively and fans piece completions out to
// subscribers until the video's piece range is complete.
type session struct {
	key    Key
	source *domain.Source
	handle torrentHandle
	begin  int
	end    int // exclusive

	mu        sync.Mutex
	completed []bool
	remaining int
	subs      map[int]chan int
	nextSub   int
	finished  bool

	done chan struct{}
}

func newSession(key Key, source *domain.Source, handle torrentHandle) *session {
	begin, end := handle.PieceRange()
	s := &session{
		key:       key,
		source:    source,
		handle:    handle,
		begin:     begin,
		end:       end,
		completed: make([]bool, end-begin),
		subs:      make(map[int]chan int),
		done:      make(chan struct{}),
	}
	for i := range s.completed {
		if handle.PieceComplete(begin + i) {
			s.completed[i] = true
		} else {
			s.remaining++
		}
	}
	if s.remaining == 0 {
		s.finished = true
	}
	return s
}

// run consumes the handle's piece events until the channel closes. done
// is signalled as soon as every piece in range is verified, but draining
// continues so the producer never blocks on a full event buffer.
func (s *session) run() {
	signalled := false
	for index := range s.handle.Events() {
		if s.markPiece(index) && !signalled {
			signalled = true
			close(s.done)
		}
	}
	if !signalled {
		close(s.done)
	}
}

// markPiece records a verified piece and notifies subscribers. Pieces
// outside the video's range are ignored. Returns true once the range is
// complete; at that point every subscriber channel is closed.
func (s *session) markPiece(index int) bool {
	if index < s.begin || index >= s.end {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := index - s.begin
	if s.completed[i] {
		return s.finished
	}
	s.completed[i] = true
	s.remaining--

	for _, ch := range s.subs {
		select {
		case ch <- index:
		default:
		}
	}

	if s.remaining == 0 {
		s.finished = true
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
	}
	return s.finished
}

// subscribe registers a progress listener. The returned cancel is safe
// to call more than once; the channel closes on cancel or when the
// range completes.
func (s *session) subscribe() (<-chan int, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan int, subscriberBuffer)
	if s.finished {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// bitfield snapshots completion as one bit per piece in range, most
// significant bit first.
func (s *session) bitfield() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, (len(s.completed)+7)/8)
	for i, done := range s.completed {
		if done {
			out[i/8] |= 1 << (7 - i%8)
		}
	}
	return out
}

// progress returns the percentage of in-range pieces verified.
func (s *session) progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.completed)
	if total == 0 {
		return 100
	}
	return float64(total-s.remaining) / float64(total) * 100
}

func (s *session) complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
