package source

import (
	"sync"
	"sync/atomic"
	"time"
)

// mailbox is a single-slot, latest-wins frame buffer shared by every
// adapter. Put overwrites an unconsumed frame (counting the drop), Take
// blocks until a frame arrives, the timeout passes, or the mailbox closes.
//
// Drop frames, never queue: a watcher that falls behind must score the
// newest picture of the stream, not replay history.
type mailbox struct {
	mu     sync.Mutex
	frame  *Frame
	closed bool

	// notify carries at most one pending wakeup; closedCh wakes all
	// waiters on Close.
	notify   chan struct{}
	closedCh chan struct{}

	drops uint64
}

func newMailbox() *mailbox {
	return &mailbox{
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Put installs f as the current frame, overwriting any unconsumed one.
// Never blocks. Safe after Close (frame is discarded).
func (m *mailbox) Put(f *Frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.frame != nil {
		atomic.AddUint64(&m.drops, 1)
	}
	m.frame = f
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Take returns the pending frame, waiting up to timeout for one to arrive.
func (m *mailbox) Take(timeout time.Duration) (*Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.frame != nil {
			f := m.frame
			m.frame = nil
			m.mu.Unlock()
			return f, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, ErrEndOfStream
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
			// Recheck the slot; a racing Take may have consumed it.
		case <-m.closedCh:
			return nil, ErrEndOfStream
		case <-timer.C:
			return nil, ErrStreamStalled
		}
	}
}

// Close wakes all waiters. Idempotent.
func (m *mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.frame = nil
	m.mu.Unlock()
	close(m.closedCh)
}

// Drops reports how many unconsumed frames were overwritten.
func (m *mailbox) Drops() uint64 {
	return atomic.LoadUint64(&m.drops)
}
