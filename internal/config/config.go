// Package config loads and validates the watcher descriptor.
//
// A descriptor is a JSON document (YAML is accepted for the same schema).
// Validation is fail-fast but exhaustive: every violation found is
// collected into one Invalid error so operators see the full list, not
// just the first problem.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Transport kinds accepted by the frame source.
const (
	TransportUDP  = "udp"
	TransportFile = "file"
)

// Container formats of the ingested stream.
const (
	ContainerMpegTS   = "mpeg-ts"
	ContainerRawVideo = "raw-video"
)

// Codec of the ingested stream.
const (
	CodecH264 = "h264"
)

// Target kinds the dispatcher can deliver to.
const (
	TargetHTTP  = "http_call"
	TargetMQTT  = "mqtt_publish"
	TargetKafka = "kafka_publish"
)

// Transition filters for action targets.
const (
	OnPresent = "present"
	OnAbsent  = "absent"
	OnBoth    = "both"
)

// Watcher is the immutable description of one watcher instance.
type Watcher struct {
	ID          string      `json:"id" yaml:"id"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Source      Source      `json:"source" yaml:"source"`
	References  []Reference `json:"references" yaml:"references"`
	Detection   Detection   `json:"detection" yaml:"detection"`
	Targets     []Target    `json:"targets" yaml:"targets"`
	Metrics     Metrics     `json:"metrics" yaml:"metrics"`
}

// Source describes the ingest transport.
type Source struct {
	Transport string `json:"transport" yaml:"transport" env:"HAWKEYE_TRANSPORT"`
	// IngestPort is the UDP listen port for live ingest.
	IngestPort int `json:"ingest_port,omitempty" yaml:"ingest_port,omitempty" env:"HAWKEYE_INGEST_PORT"`
	// Path is the media location for the file transport.
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
	Container string `json:"container,omitempty" yaml:"container,omitempty"`
	Codec     string `json:"codec,omitempty" yaml:"codec,omitempty"`
	// StallTimeout is how long NextFrame waits before reporting a stall.
	StallTimeout Duration `json:"stall_timeout,omitempty" yaml:"stall_timeout,omitempty"`
	// Reconnect bounds recovery from SourceUnavailable.
	Reconnect Reconnect `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// Reconnect is the backoff policy applied when the source fails.
type Reconnect struct {
	MaxAttempts  int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelay Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// Reference names one slate image. URL accepts http(s)://, file:// or a
// bare filesystem path.
type Reference struct {
	URL   string `json:"url" yaml:"url"`
	Label string `json:"label" yaml:"label"`
}

// Detection parameterizes scoring and the debounce state machine.
type Detection struct {
	// Threshold in (0,1]; a score at or above it counts as "slate present".
	Threshold float64 `json:"threshold" yaml:"threshold"`
	// DebounceFrames is the consecutive same-side run required to confirm
	// a transition. Minimum 1.
	DebounceFrames int `json:"debounce_frames" yaml:"debounce_frames"`
	// SamplingInterval is the target scoring cadence.
	SamplingInterval Duration `json:"sampling_interval,omitempty" yaml:"sampling_interval,omitempty"`
}

// Target is one external action destination.
type Target struct {
	Kind string `json:"kind" yaml:"kind"`
	// On filters which transition fires this target: present, absent, both.
	On string `json:"on,omitempty" yaml:"on,omitempty"`
	// Cooldown suppresses re-delivery to this target within the window.
	// Zero disables the cooldown.
	Cooldown Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	// PayloadTemplate overrides the default JSON body. Fields available:
	// {{.WatcherID}}, {{.State}}, {{.Timestamp}}.
	PayloadTemplate string `json:"payload_template,omitempty" yaml:"payload_template,omitempty"`
	Retry           Retry  `json:"retry,omitempty" yaml:"retry,omitempty"`

	// http_call fields.
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Auth    *BasicAuth        `json:"authorization,omitempty" yaml:"authorization,omitempty"`

	// mqtt_publish fields.
	Broker string `json:"broker,omitempty" yaml:"broker,omitempty"`
	Topic  string `json:"topic,omitempty" yaml:"topic,omitempty"`
	QoS    byte   `json:"qos,omitempty" yaml:"qos,omitempty"`

	// kafka_publish fields. Topic is shared with mqtt_publish.
	Brokers []string `json:"brokers,omitempty" yaml:"brokers,omitempty"`
}

// BasicAuth carries credentials for http_call targets.
type BasicAuth struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Retry bounds delivery attempts for one target.
type Retry struct {
	// MaxRetries counts retries after the first attempt.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	// AttemptTimeout bounds a single delivery attempt.
	AttemptTimeout Duration `json:"attempt_timeout,omitempty" yaml:"attempt_timeout,omitempty"`
	// InitialBackoff doubles after every failed attempt, capped at MaxBackoff.
	InitialBackoff Duration `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty"`
	MaxBackoff     Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
}

// Metrics configures the exposition endpoint.
type Metrics struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" env:"HAWKEYE_METRICS_ADDR"`
}

// Invalid is the fatal configuration error. It carries every violation
// found during validation.
type Invalid struct {
	Violations []string
}

func (e *Invalid) Error() string {
	return fmt.Sprintf("invalid watcher config (%d violations): %s",
		len(e.Violations), strings.Join(e.Violations, "; "))
}

// Load reads, decodes, defaults and validates a watcher descriptor.
// The format is chosen by file extension: .yaml/.yml is YAML, anything
// else is JSON.
func Load(path string) (*Watcher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var w Watcher
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode json config: %w", err)
		}
	}

	return finish(&w)
}

// FromEnvAndDefaults finalizes an in-memory descriptor the same way Load
// does: env overrides, defaults, then validation.
func FromEnvAndDefaults(w *Watcher) (*Watcher, error) {
	return finish(w)
}

func finish(w *Watcher) (*Watcher, error) {
	if err := env.Parse(&w.Source); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	if err := env.Parse(&w.Metrics); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	w.applyDefaults()
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watcher) applyDefaults() {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Source.Transport == "" {
		w.Source.Transport = TransportUDP
	}
	if w.Source.IngestPort == 0 && w.Source.Transport == TransportUDP {
		w.Source.IngestPort = 5000
	}
	if w.Source.Container == "" {
		w.Source.Container = ContainerMpegTS
	}
	if w.Source.Codec == "" {
		w.Source.Codec = CodecH264
	}
	if w.Source.StallTimeout.D() == 0 {
		w.Source.StallTimeout = Duration(10 * time.Second)
	}
	if w.Source.Reconnect.MaxAttempts == 0 {
		w.Source.Reconnect.MaxAttempts = 5
	}
	if w.Source.Reconnect.InitialDelay.D() == 0 {
		w.Source.Reconnect.InitialDelay = Duration(time.Second)
	}
	if w.Source.Reconnect.MaxDelay.D() == 0 {
		w.Source.Reconnect.MaxDelay = Duration(30 * time.Second)
	}
	if w.Detection.SamplingInterval.D() == 0 {
		w.Detection.SamplingInterval = Duration(time.Second)
	}
	if w.Metrics.Addr == "" {
		w.Metrics.Addr = ":3030"
	}

	for i := range w.Targets {
		t := &w.Targets[i]
		if t.Kind == "" {
			t.Kind = TargetHTTP
		}
		if t.On == "" {
			t.On = OnBoth
		}
		if t.Method == "" && t.Kind == TargetHTTP {
			t.Method = "POST"
		}
		if t.Retry.AttemptTimeout.D() == 0 {
			t.Retry.AttemptTimeout = Duration(10 * time.Second)
		}
		if t.Retry.InitialBackoff.D() == 0 {
			t.Retry.InitialBackoff = Duration(time.Second)
		}
		if t.Retry.MaxBackoff.D() == 0 {
			t.Retry.MaxBackoff = Duration(30 * time.Second)
		}
	}
}

// Validate collects every violation before reporting. A nil return means
// the descriptor is usable as-is for the lifetime of the watcher.
func (w *Watcher) Validate() error {
	var v []string

	switch w.Source.Transport {
	case TransportUDP:
		if w.Source.IngestPort <= 1024 || w.Source.IngestPort >= 60000 {
			v = append(v, fmt.Sprintf("source.ingest_port %d outside valid range (1024-60000)", w.Source.IngestPort))
		}
	case TransportFile:
		if w.Source.Path == "" {
			v = append(v, "source.path is required for the file transport")
		}
	default:
		v = append(v, fmt.Sprintf("source.transport %q not recognized (udp, file)", w.Source.Transport))
	}

	switch w.Source.Container {
	case ContainerMpegTS, ContainerRawVideo:
	default:
		v = append(v, fmt.Sprintf("source.container %q not recognized (mpeg-ts, raw-video)", w.Source.Container))
	}
	if w.Source.Codec != CodecH264 {
		v = append(v, fmt.Sprintf("source.codec %q not supported (h264)", w.Source.Codec))
	}

	if len(w.References) == 0 {
		v = append(v, "at least one reference image is required")
	}
	seen := map[string]bool{}
	for i, r := range w.References {
		if r.Label == "" {
			v = append(v, fmt.Sprintf("references[%d].label is required", i))
		} else if seen[r.Label] {
			v = append(v, fmt.Sprintf("references[%d].label %q duplicated", i, r.Label))
		}
		seen[r.Label] = true
		if !validRefURL(r.URL) {
			v = append(v, fmt.Sprintf("references[%d].url %q not recognized as a valid URL or path", i, r.URL))
		}
	}

	if w.Detection.Threshold <= 0 || w.Detection.Threshold > 1 {
		v = append(v, fmt.Sprintf("detection.threshold %v outside (0,1]", w.Detection.Threshold))
	}
	if w.Detection.DebounceFrames < 1 {
		v = append(v, fmt.Sprintf("detection.debounce_frames %d must be >= 1", w.Detection.DebounceFrames))
	}
	if w.Detection.SamplingInterval.D() < 0 {
		v = append(v, "detection.sampling_interval must not be negative")
	}

	for i, t := range w.Targets {
		switch t.Kind {
		case TargetHTTP:
			if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
				v = append(v, fmt.Sprintf("targets[%d].url %q not recognized as a valid URL", i, t.URL))
			}
		case TargetMQTT:
			if t.Broker == "" {
				v = append(v, fmt.Sprintf("targets[%d].broker is required for mqtt_publish", i))
			}
			if t.Topic == "" {
				v = append(v, fmt.Sprintf("targets[%d].topic is required for mqtt_publish", i))
			}
		case TargetKafka:
			if len(t.Brokers) == 0 {
				v = append(v, fmt.Sprintf("targets[%d].brokers is required for kafka_publish", i))
			}
			if t.Topic == "" {
				v = append(v, fmt.Sprintf("targets[%d].topic is required for kafka_publish", i))
			}
		default:
			v = append(v, fmt.Sprintf("targets[%d].kind %q not recognized", i, t.Kind))
		}
		switch t.On {
		case OnPresent, OnAbsent, OnBoth:
		default:
			v = append(v, fmt.Sprintf("targets[%d].on %q not recognized (present, absent, both)", i, t.On))
		}
		if t.Retry.MaxRetries < 0 {
			v = append(v, fmt.Sprintf("targets[%d].retry.max_retries must not be negative", i))
		}
	}

	if len(v) > 0 {
		return &Invalid{Violations: v}
	}
	return nil
}

// Encode serializes the descriptor back to JSON. Loading the result yields
// an equivalent configuration (round trip).
func (w *Watcher) Encode() ([]byte, error) {
	return json.MarshalIndent(w, "", "  ")
}

func validRefURL(u string) bool {
	if u == "" {
		return false
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "file://") {
		return true
	}
	// Bare paths are allowed; reject obvious non-paths.
	return !strings.Contains(u, "://")
}
