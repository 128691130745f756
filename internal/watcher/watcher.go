// Package watcher wires the pipeline stages together: frame ingestion,
// similarity scoring plus debounced state tracking, and action dispatch.
//
// Stage topology:
//
//	source (latest-wins mailbox) → score/state loop (synchronous) →
//	dispatcher inbox (bounded) → delivery pool
//
// Each joint is a small bounded buffer, so a stalled transport or a slow
// action target degrades into dropped frames or dropped events, never a
// blocked pipeline.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/balarajuyogesh/hawkeye/internal/config"
	"github.com/balarajuyogesh/hawkeye/internal/detect"
	"github.com/balarajuyogesh/hawkeye/internal/dispatch"
	"github.com/balarajuyogesh/hawkeye/internal/metrics"
	"github.com/balarajuyogesh/hawkeye/internal/source"
)

// shutdownGrace bounds how long Close waits for in-flight deliveries.
const shutdownGrace = 5 * time.Second

// Watcher is one configured detection pipeline bound to one video source
// and one reference set.
type Watcher struct {
	cfg        *config.Watcher
	matcher    *detect.Matcher
	machine    *detect.Machine
	src        source.Source
	dispatcher *dispatch.Dispatcher
	reg        *metrics.Registry

	// sourceDrops tracks the last observed adapter drop count so the
	// metric only ever receives deltas.
	sourceDrops uint64
}

// Option overrides a default dependency, used by tests to swap the frame
// source for a synthetic one.
type Option func(*Watcher)

// WithSource replaces the GStreamer-backed frame source.
func WithSource(src source.Source) Option {
	return func(w *Watcher) { w.src = src }
}

// New builds the full pipeline for a validated configuration. Reference
// images are fetched here; failures are fatal startup errors.
func New(cfg *config.Watcher, reg *metrics.Registry, opts ...Option) (*Watcher, error) {
	matcher, err := detect.NewMatcher(cfg.References, nil)
	if err != nil {
		return nil, fmt.Errorf("load references: %w", err)
	}

	dispatcher, err := dispatch.New(cfg.ID, cfg.Targets, reg)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	w := &Watcher{
		cfg:        cfg,
		matcher:    matcher,
		machine:    detect.NewMachine(cfg.Detection.Threshold, cfg.Detection.DebounceFrames, matcher.Labels()),
		dispatcher: dispatcher,
		reg:        reg,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.src == nil {
		width, height := matcher.Dimensions()
		fps := 0.0
		if interval := cfg.Detection.SamplingInterval.D(); interval > 0 {
			fps = float64(time.Second) / float64(interval)
		}
		w.src = source.NewGstSource(cfg.Source, width, height, fps)
	}

	return w, nil
}

// Run opens the source and processes frames until the context is
// cancelled, the provider ends the stream, or the source fails for good.
// Per-frame errors never escape this loop.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.src.Open(); err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer w.close()

	slog.Info("watcher: running",
		"watcher_id", w.cfg.ID,
		"threshold", w.cfg.Detection.Threshold,
		"debounce_frames", w.cfg.Detection.DebounceFrames,
		"references", w.matcher.Labels(),
	)

	stall := w.cfg.Source.StallTimeout.D()
	budget := w.cfg.Detection.SamplingInterval.D()

	for {
		select {
		case <-ctx.Done():
			slog.Info("watcher: shutdown requested", "watcher_id", w.cfg.ID)
			return nil
		default:
		}

		frame, err := w.src.NextFrame(stall)
		switch {
		case err == nil:
		case errors.Is(err, source.ErrStreamStalled):
			w.reg.StreamStalls.Inc()
			slog.Warn("watcher: stream stalled, waiting for frames",
				"watcher_id", w.cfg.ID, "stall_timeout", stall)
			continue
		case errors.Is(err, source.ErrEndOfStream):
			slog.Info("watcher: source ended the stream", "watcher_id", w.cfg.ID)
			return nil
		default:
			return fmt.Errorf("source failed: %w", err)
		}

		w.syncSourceDrops()
		w.observe(frame, budget)
	}
}

// observe scores one frame and feeds the state machine. Scoring failures
// and budget overruns count the frame as dropped without touching the
// machine's run counters.
func (w *Watcher) observe(frame *source.Frame, budget time.Duration) {
	started := time.Now()
	scores, err := w.matcher.Score(frame)
	elapsed := time.Since(started)
	w.reg.ScoreSeconds.Observe(elapsed.Seconds())

	if err != nil {
		w.reg.ScoreErrors.Inc()
		w.reg.FramesDropped.Inc()
		slog.Warn("watcher: scoring failed, frame skipped",
			"watcher_id", w.cfg.ID, "seq", frame.Seq, "error", err)
		return
	}
	if budget > 0 && elapsed > budget {
		w.reg.FramesDropped.Inc()
		slog.Warn("watcher: score exceeded sampling budget, frame skipped",
			"watcher_id", w.cfg.ID, "elapsed", elapsed, "budget", budget)
		return
	}

	w.reg.FramesProcessed.Inc()
	for label, s := range scores {
		w.reg.LastScore.WithLabelValues(label).Set(s)
	}

	transition := w.machine.Observe(scores, frame.Timestamp)
	w.publishState()
	if transition == nil {
		return
	}

	slog.Info("watcher: confirmed transition",
		"watcher_id", w.cfg.ID,
		"from", transition.From.String(),
		"to", transition.To.String(),
	)
	w.dispatcher.Dispatch(dispatch.Event{
		WatcherID: w.cfg.ID,
		From:      transition.From,
		To:        transition.To,
		At:        transition.At,
	})
}

func (w *Watcher) publishState() {
	switch w.machine.State() {
	case detect.StatePresent:
		w.reg.CurrentState.Set(metrics.StatePresentValue)
	case detect.StateAbsent:
		w.reg.CurrentState.Set(metrics.StateAbsentValue)
	default:
		w.reg.CurrentState.Set(metrics.StateUnknownValue)
	}
}

// syncSourceDrops folds the adapter's overwrite counter into the dropped
// frames metric as deltas.
func (w *Watcher) syncSourceDrops() {
	drops := w.src.Dropped()
	if drops > w.sourceDrops {
		w.reg.FramesDropped.Add(float64(drops - w.sourceDrops))
		w.sourceDrops = drops
	}
}

// close drains the pipeline within the grace period: the source stops
// first so no new frames arrive, then in-flight deliveries finish.
func (w *Watcher) close() {
	if err := w.src.Close(); err != nil {
		slog.Warn("watcher: source close", "watcher_id", w.cfg.ID, "error", err)
	}
	w.syncSourceDrops()
	w.dispatcher.Close(shutdownGrace)
	slog.Info("watcher: stopped", "watcher_id", w.cfg.ID)
}
