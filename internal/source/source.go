// Package source abstracts frame ingestion from the configured transport.
//
// The detection core only sees the Source interface: Open establishes the
// stream, NextFrame hands over the most recently arrived frame, Close
// tears the transport down. Concrete adapters exist for live UDP/RTP
// ingest and file playback (both GStreamer) and a synthetic source for
// deterministic tests.
//
// Backpressure contract: adapters always keep the latest arrived frame
// and overwrite older unconsumed ones. The pipeline never accumulates a
// backlog; overwrites are counted, not reported as errors.
package source

import (
	"errors"
	"time"
)

// Sentinel errors of the ingestion stage.
var (
	// ErrSourceUnavailable means the transport could not be opened or was
	// lost in a way a reconnect may fix.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrStreamStalled means no frame arrived within the stall timeout.
	// Recoverable: the caller keeps waiting or reconnects.
	ErrStreamStalled = errors.New("stream stalled")
	// ErrEndOfStream means the provider closed the stream deliberately.
	ErrEndOfStream = errors.New("end of stream")
)

// Frame is one decoded video frame. Frames are ephemeral: the consumer
// scores them and lets them go, it never retains Data across frames.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	// Data is tightly packed RGB at Width x Height.
	Data    []byte
	TraceID string
}

// Source is a live stream handle.
type Source interface {
	// Open establishes the transport. Returns ErrSourceUnavailable if the
	// stream cannot be set up.
	Open() error

	// NextFrame blocks until the most recently arrived frame is available,
	// for at most timeout. Returns ErrStreamStalled if nothing arrived in
	// time and ErrEndOfStream once the provider closed the stream.
	NextFrame(timeout time.Duration) (*Frame, error)

	// Dropped reports how many frames were overwritten before consumption.
	Dropped() uint64

	// Close releases the transport. Idempotent.
	Close() error
}
