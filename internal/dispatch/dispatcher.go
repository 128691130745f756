// Package dispatch delivers confirmed transition events to the configured
// action targets, isolated from the detection loop.
//
// Delivery is fire and forget with bounded retries: events are created
// at-most-once by the state machine and attempted at-least-once here;
// nothing is persisted across restarts. A slow or failing target can only
// ever cost dropped events, never stalled frames.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"

	"github.com/balarajuyogesh/hawkeye/internal/config"
	"github.com/balarajuyogesh/hawkeye/internal/detect"
	"github.com/balarajuyogesh/hawkeye/internal/metrics"
)

// Event is one confirmed presence transition, ready for delivery.
type Event struct {
	WatcherID string
	From      detect.State
	To        detect.State
	At        time.Time
}

// payloadFields are what a target's payload template may reference.
type payloadFields struct {
	WatcherID string
	State     string
	Timestamp string
}

// defaultPayload is the JSON body sent when a target has no template.
type defaultPayload struct {
	WatcherID string `json:"watcher_id"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

// Sender performs one delivery attempt to a concrete transport.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
	Describe() string
	Close() error
}

type boundTarget struct {
	cfg      config.Target
	sender   Sender
	tmpl     *template.Template // nil = default JSON body
	lastSent time.Time          // cooldown bookkeeping, dispatch loop only
}

// Dispatcher owns the delivery stage: a bounded inbox consumed by one
// loop that starts deliveries in submission order, plus a small pool
// bounding concurrent attempts.
type Dispatcher struct {
	watcherID string
	targets   []*boundTarget
	reg       *metrics.Registry

	inbox  chan Event
	sem    chan struct{}
	done   chan struct{}
	closed chan struct{}
}

// inboxCapacity bounds undelivered events. Transitions are rare; if the
// inbox ever fills, the oldest growth is refused and counted as failed.
const inboxCapacity = 64

// maxConcurrentDeliveries bounds in-flight attempts across all targets.
const maxConcurrentDeliveries = 8

// New builds a dispatcher for the configured targets. Broker-backed
// senders connect here, so a misconfigured broker fails startup rather
// than the first transition.
func New(watcherID string, targets []config.Target, reg *metrics.Registry) (*Dispatcher, error) {
	d := &Dispatcher{
		watcherID: watcherID,
		reg:       reg,
		inbox:     make(chan Event, inboxCapacity),
		sem:       make(chan struct{}, maxConcurrentDeliveries),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}

	for i, t := range targets {
		sender, err := newSender(watcherID, t)
		if err != nil {
			return nil, fmt.Errorf("target %d (%s): %w", i, t.Kind, err)
		}
		bt := &boundTarget{cfg: t, sender: sender}
		if t.PayloadTemplate != "" {
			tmpl, err := template.New(fmt.Sprintf("target-%d", i)).Parse(t.PayloadTemplate)
			if err != nil {
				return nil, fmt.Errorf("target %d payload template: %w", i, err)
			}
			bt.tmpl = tmpl
		}
		d.targets = append(d.targets, bt)
	}

	go d.run()

	slog.Info("dispatch: ready",
		"watcher_id", watcherID,
		"targets", lo.Map(d.targets, func(t *boundTarget, _ int) string { return t.sender.Describe() }),
	)
	return d, nil
}

func newSender(watcherID string, t config.Target) (Sender, error) {
	switch t.Kind {
	case config.TargetHTTP:
		return newHTTPSender(t), nil
	case config.TargetMQTT:
		return newMQTTSender(t)
	case config.TargetKafka:
		return newKafkaSender(watcherID, t)
	default:
		return nil, fmt.Errorf("unknown target kind %q", t.Kind)
	}
}

// Dispatch submits an event for delivery. Never blocks: if the inbox is
// full the event is counted as failed and dropped.
func (d *Dispatcher) Dispatch(ev Event) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.inbox <- ev:
	default:
		d.reg.ActionsFailed.Inc()
		slog.Error("dispatch: inbox full, dropping event",
			"watcher_id", ev.WatcherID, "to", ev.To.String())
	}
}

// Close stops accepting events, waits for in-flight deliveries up to
// grace, then releases target resources.
func (d *Dispatcher) Close(grace time.Duration) {
	close(d.done)
	select {
	case <-d.closed:
	case <-time.After(grace):
		slog.Warn("dispatch: grace period elapsed with deliveries in flight")
	}
	for _, t := range d.targets {
		if err := t.sender.Close(); err != nil {
			slog.Warn("dispatch: target close", "target", t.sender.Describe(), "error", err)
		}
	}
}

// run consumes the inbox in order. Delivery attempts for one event start
// in submission order; completions may interleave because of retries.
func (d *Dispatcher) run() {
	defer close(d.closed)
	for {
		select {
		case ev := <-d.inbox:
			d.deliverAll(ev)
		case <-d.done:
			// Drain whatever was already submitted.
			for {
				select {
				case ev := <-d.inbox:
					d.deliverAll(ev)
				default:
					d.waitForPool()
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliverAll(ev Event) {
	for _, t := range d.targets {
		if !t.matches(ev) {
			continue
		}
		if cd := t.cfg.Cooldown.D(); cd > 0 && !t.lastSent.IsZero() && time.Since(t.lastSent) < cd {
			slog.Debug("dispatch: target in cooldown, skipping",
				"target", t.sender.Describe(), "cooldown", cd)
			continue
		}
		t.lastSent = time.Now()

		payload, err := t.payload(ev)
		if err != nil {
			d.reg.ActionsFailed.Inc()
			slog.Error("dispatch: payload build failed",
				"target", t.sender.Describe(), "error", err)
			continue
		}

		d.sem <- struct{}{}
		go func(t *boundTarget, payload []byte) {
			defer func() { <-d.sem }()
			d.deliverWithRetry(t, ev, payload)
		}(t, payload)
	}
}

// deliverWithRetry attempts delivery up to 1+MaxRetries times with
// exponential backoff between failures (delay = initial * 2^attempt,
// capped at max).
func (d *Dispatcher) deliverWithRetry(t *boundTarget, ev Event, payload []byte) {
	retry := t.cfg.Retry
	delay := retry.InitialBackoff.D()

	var lastErr error
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-d.done:
				// Shutdown mid-retry: give the attempt loop one last try
				// below, then stop.
			}
			delay *= 2
			if max := retry.MaxBackoff.D(); delay > max {
				delay = max
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), retry.AttemptTimeout.D())
		started := time.Now()
		err := t.sender.Send(ctx, payload)
		d.reg.DeliverySeconds.Observe(time.Since(started).Seconds())
		cancel()

		if err == nil {
			d.reg.ActionsSent.Inc()
			slog.Info("dispatch: delivered",
				"target", t.sender.Describe(),
				"watcher_id", ev.WatcherID,
				"state", ev.To.String(),
				"attempt", attempt+1,
			)
			return
		}
		lastErr = err
		slog.Warn("dispatch: delivery attempt failed",
			"target", t.sender.Describe(),
			"attempt", attempt+1,
			"max_attempts", retry.MaxRetries+1,
			"error", err,
		)
	}

	d.reg.ActionsFailed.Inc()
	slog.Error("dispatch: delivery abandoned after retries",
		"target", t.sender.Describe(),
		"watcher_id", ev.WatcherID,
		"state", ev.To.String(),
		"attempts", retry.MaxRetries+1,
		"error", lastErr,
	)
}

func (d *Dispatcher) waitForPool() {
	for i := 0; i < cap(d.sem); i++ {
		d.sem <- struct{}{}
	}
}

func (t *boundTarget) matches(ev Event) bool {
	switch t.cfg.On {
	case config.OnPresent:
		return ev.To == detect.StatePresent
	case config.OnAbsent:
		return ev.To == detect.StateAbsent
	default:
		return true
	}
}

func (t *boundTarget) payload(ev Event) ([]byte, error) {
	ts := ev.At.UTC().Format(time.RFC3339)
	if t.tmpl == nil {
		return json.Marshal(defaultPayload{
			WatcherID: ev.WatcherID,
			State:     ev.To.String(),
			Timestamp: ts,
		})
	}
	var buf bytes.Buffer
	err := t.tmpl.Execute(&buf, payloadFields{
		WatcherID: ev.WatcherID,
		State:     ev.To.String(),
		Timestamp: ts,
	})
	return buf.Bytes(), err
}
