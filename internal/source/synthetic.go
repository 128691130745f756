package source

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Synthetic is an in-process frame source for deterministic tests. Frames
// are pushed by the test through Push and consumed through the same
// latest-wins mailbox the real adapters use, so backpressure behavior is
// identical to production.
type Synthetic struct {
	width  int
	height int

	mu     sync.Mutex
	opened bool

	box  *mailbox
	seq  uint64
	term atomic.Value
}

// NewSynthetic builds a synthetic source producing width x height frames.
func NewSynthetic(width, height int) *Synthetic {
	return &Synthetic{
		width:  width,
		height: height,
		box:    newMailbox(),
	}
}

// Open marks the source live.
func (s *Synthetic) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return fmt.Errorf("source already opened")
	}
	s.opened = true
	return nil
}

// Push injects a frame as if it had arrived from the transport. Data is
// used as-is; tests usually fill it with a flat color.
func (s *Synthetic) Push(data []byte) {
	s.box.Put(&Frame{
		Seq:       atomic.AddUint64(&s.seq, 1),
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      data,
		TraceID:   uuid.NewString(),
	})
}

// Fail ends the stream with a terminal error, simulating reconnect
// exhaustion on a real transport.
func (s *Synthetic) Fail(err error) {
	s.term.Store(err)
	s.box.Close()
}

// End closes the stream cleanly, like a provider-initiated end of stream.
func (s *Synthetic) End() {
	s.box.Close()
}

// NextFrame implements Source.
func (s *Synthetic) NextFrame(timeout time.Duration) (*Frame, error) {
	f, err := s.box.Take(timeout)
	if err == ErrEndOfStream {
		if term := s.term.Load(); term != nil {
			return nil, term.(error)
		}
	}
	return f, err
}

// Dropped implements Source.
func (s *Synthetic) Dropped() uint64 { return s.box.Drops() }

// Close implements Source.
func (s *Synthetic) Close() error {
	s.box.Close()
	return nil
}
