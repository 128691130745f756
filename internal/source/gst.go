package source

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/balarajuyogesh/hawkeye/internal/config"
)

// GstSource ingests a live or file-backed video stream through GStreamer
// and decodes it to raw RGB frames at the detector's resolution.
//
// Pipeline topology (udp + mpeg-ts):
//
//	udpsrc → rtpjitterbuffer → rtpmp2tdepay → tsdemux → h264parse →
//	avdec_h264 → videoconvert → videoscale → videorate → capsfilter →
//	appsink
//
// The appsink keeps only the newest buffer (max-buffers=1, drop=true) and
// the mailbox repeats that policy one level up, so a slow consumer only
// ever costs dropped frames, never latency.
type GstSource struct {
	cfg    config.Source
	width  int
	height int
	fps    float64

	mu       sync.Mutex
	pipeline *gst.Pipeline
	opened   bool
	done     chan struct{}
	wg       sync.WaitGroup

	box *mailbox

	// terminalErr is set before the mailbox closes on a fatal failure so
	// NextFrame can distinguish it from a provider-initiated end of stream.
	terminalErr atomic.Value

	seq       uint64
	bytesRead uint64
}

// NewGstSource prepares an adapter for the configured transport. Frames
// are scaled to width x height; fps bounds the delivery rate (derived from
// the sampling interval; 0 disables rate limiting).
func NewGstSource(cfg config.Source, width, height int, fps float64) *GstSource {
	return &GstSource{
		cfg:    cfg,
		width:  width,
		height: height,
		fps:    fps,
		box:    newMailbox(),
		done:   make(chan struct{}),
	}
}

// Open builds and starts the pipeline. A failure here is
// ErrSourceUnavailable: the caller decides whether to retry.
func (s *GstSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return fmt.Errorf("source already opened")
	}

	gst.Init(nil)

	pipeline, err := s.buildPipeline()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return fmt.Errorf("%w: start pipeline: %v", ErrSourceUnavailable, err)
	}

	s.pipeline = pipeline
	s.opened = true

	s.wg.Add(1)
	go s.monitorBus()

	slog.Info("source: pipeline started",
		"transport", s.cfg.Transport,
		"container", s.cfg.Container,
		"resolution", fmt.Sprintf("%dx%d", s.width, s.height),
	)
	return nil
}

// NextFrame hands over the most recently arrived frame, waiting up to
// timeout. Missing frames on a lossy transport are not an error until the
// timeout passes.
func (s *GstSource) NextFrame(timeout time.Duration) (*Frame, error) {
	f, err := s.box.Take(timeout)
	if err == ErrEndOfStream {
		if term := s.terminalErr.Load(); term != nil {
			return nil, term.(error)
		}
	}
	return f, err
}

// Dropped reports frames overwritten before the consumer took them.
func (s *GstSource) Dropped() uint64 {
	return s.box.Drops()
}

// Close tears the pipeline down. Idempotent.
func (s *GstSource) Close() error {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = false
	close(s.done)
	pipeline := s.pipeline
	s.mu.Unlock()

	if pipeline != nil {
		if err := pipeline.SetState(gst.StateNull); err != nil {
			slog.Warn("source: pipeline teardown", "error", err)
		}
	}
	s.wg.Wait()
	s.box.Close()
	return nil
}

// buildPipeline assembles the element chain for the configured transport
// and container. tsdemux and decodebin expose dynamic pads, linked in a
// pad-added callback.
func (s *GstSource) buildPipeline() (*gst.Pipeline, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	var head []*gst.Element       // statically linked prefix
	var dynamic *gst.Element      // element with dynamic src pads, or nil
	var afterDynamic *gst.Element // link target for the dynamic pads

	parse, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("create h264parse: %w", err)
	}
	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, fmt.Errorf("create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	decoder.SetProperty("output-corrupt", false)

	switch s.cfg.Transport {
	case config.TransportUDP:
		udpsrc, err := gst.NewElement("udpsrc")
		if err != nil {
			return nil, fmt.Errorf("create udpsrc: %w", err)
		}
		udpsrc.SetProperty("port", s.cfg.IngestPort)

		jitter, err := gst.NewElement("rtpjitterbuffer")
		if err != nil {
			return nil, fmt.Errorf("create rtpjitterbuffer: %w", err)
		}
		jitter.SetProperty("latency", 200)
		jitter.SetProperty("drop-on-latency", true)

		switch s.cfg.Container {
		case config.ContainerMpegTS:
			udpsrc.SetProperty("caps", gst.NewCapsFromString(
				"application/x-rtp, media=(string)video, clock-rate=(int)90000, encoding-name=(string)MP2T, payload=(int)33"))
			depay, err := gst.NewElement("rtpmp2tdepay")
			if err != nil {
				return nil, fmt.Errorf("create rtpmp2tdepay: %w", err)
			}
			demux, err := gst.NewElement("tsdemux")
			if err != nil {
				return nil, fmt.Errorf("create tsdemux: %w", err)
			}
			head = []*gst.Element{udpsrc, jitter, depay, demux}
			dynamic = demux
			afterDynamic = parse
		case config.ContainerRawVideo:
			udpsrc.SetProperty("caps", gst.NewCapsFromString(
				"application/x-rtp, media=(string)video, clock-rate=(int)90000, encoding-name=(string)H264, payload=(int)96"))
			depay, err := gst.NewElement("rtph264depay")
			if err != nil {
				return nil, fmt.Errorf("create rtph264depay: %w", err)
			}
			depay.SetProperty("request-keyframe", true)
			head = []*gst.Element{udpsrc, jitter, depay}
		default:
			return nil, fmt.Errorf("container %q not supported on udp", s.cfg.Container)
		}

	case config.TransportFile:
		filesrc, err := gst.NewElement("filesrc")
		if err != nil {
			return nil, fmt.Errorf("create filesrc: %w", err)
		}
		filesrc.SetProperty("location", s.cfg.Path)
		demux, err := gst.NewElement("decodebin")
		if err != nil {
			return nil, fmt.Errorf("create decodebin: %w", err)
		}
		head = []*gst.Element{filesrc, demux}
		dynamic = demux
		// decodebin outputs raw video, skip parse/decode.
		parse, decoder = nil, nil

	default:
		return nil, fmt.Errorf("transport %q not supported", s.cfg.Transport)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("create videoscale: %w", err)
	}
	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildOutputCaps(s.width, s.height, s.fps)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	var tail []*gst.Element
	if parse != nil {
		tail = append(tail, parse, decoder)
	} else if afterDynamic == nil && dynamic != nil {
		afterDynamic = converter
	}
	tail = append(tail, converter, scaler, videorate, capsfilter, appsink.Element)
	if dynamic == nil {
		tail = append(head, tail...)
		head = nil
	}

	all := append(append([]*gst.Element{}, head...), tail...)
	if err := pipeline.AddMany(all...); err != nil {
		return nil, fmt.Errorf("add elements: %w", err)
	}
	if len(head) > 1 {
		if err := gst.ElementLinkMany(head...); err != nil {
			return nil, fmt.Errorf("link head elements: %w", err)
		}
	}
	if err := gst.ElementLinkMany(tail...); err != nil {
		return nil, fmt.Errorf("link elements: %w", err)
	}

	if dynamic != nil {
		target := afterDynamic
		dynamic.Connect("pad-added", func(_ *gst.Element, srcPad *gst.Pad) {
			sinkPad := target.GetStaticPad("sink")
			if sinkPad == nil {
				slog.Error("source: dynamic link target has no sink pad")
				return
			}
			if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK && ret != gst.PadLinkWasLinked {
				slog.Error("source: dynamic pad link failed", "pad", srcPad.GetName(), "ret", ret)
			}
		})
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	return pipeline, nil
}

// onNewSample copies the decoded buffer out of GStreamer and publishes it
// to the mailbox. A bad sample skips the frame, it never kills the stream.
func (s *GstSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("source: failed to pull sample, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("source: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("source: empty buffer received")
		return gst.FlowOK
	}
	// Copy out; GStreamer reuses the buffer after Unmap.
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(&s.seq, 1)
	atomic.AddUint64(&s.bytesRead, uint64(len(frameData)))

	s.box.Put(&Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      frameData,
		TraceID:   uuid.NewString(),
	})
	return gst.FlowOK
}

// monitorBus watches pipeline messages and drives reconnection. On EOS the
// mailbox closes cleanly; after reconnect exhaustion the terminal error is
// recorded so NextFrame surfaces ErrSourceUnavailable.
func (s *GstSource) monitorBus() {
	defer s.wg.Done()

	retries := 0
	delay := s.cfg.Reconnect.InitialDelay.D()

	for {
		err := s.watchUntilError()
		if err == nil {
			// Provider closed the stream.
			s.box.Close()
			return
		}
		select {
		case <-s.done:
			return
		default:
		}

		retries++
		if retries > s.cfg.Reconnect.MaxAttempts {
			s.terminalErr.Store(fmt.Errorf("%w: reconnect attempts exhausted (%d): %v",
				ErrSourceUnavailable, s.cfg.Reconnect.MaxAttempts, err))
			s.box.Close()
			return
		}

		slog.Warn("source: pipeline error, reconnecting",
			"error", err,
			"attempt", retries,
			"max_attempts", s.cfg.Reconnect.MaxAttempts,
			"delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}
		delay *= 2
		if max := s.cfg.Reconnect.MaxDelay.D(); delay > max {
			delay = max
		}

		if rerr := s.restartPipeline(); rerr != nil {
			slog.Error("source: restart failed", "error", rerr)
			continue
		}
		retries = 0
		delay = s.cfg.Reconnect.InitialDelay.D()
	}
}

// watchUntilError polls the bus. Returns nil on EOS, the classified error
// on pipeline failure, and nil after Close.
func (s *GstSource) watchUntilError() error {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("source: end of stream",
				"frames", atomic.LoadUint64(&s.seq),
				"bytes_read", atomic.LoadUint64(&s.bytesRead),
			)
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyPipelineError(gerr)
			slog.Error("source: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			return fmt.Errorf("pipeline %s error: %s", category, gerr.Error())
		}
	}
}

func (s *GstSource) restartPipeline() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return fmt.Errorf("source closed")
	}

	if s.pipeline != nil {
		_ = s.pipeline.SetState(gst.StateNull)
	}
	pipeline, err := s.buildPipeline()
	if err != nil {
		return err
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return fmt.Errorf("start pipeline: %w", err)
	}
	s.pipeline = pipeline
	slog.Info("source: pipeline restarted")
	return nil
}

// buildOutputCaps locks format, resolution and (optionally) framerate.
// Fractional rates map to 1/N (0.5 fps → framerate=1/2).
func buildOutputCaps(width, height int, fps float64) string {
	caps := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", width, height)
	if fps <= 0 {
		return caps
	}
	numerator, denominator := 1, 1
	if fps < 1.0 {
		denominator = int(1.0 / fps)
	} else {
		numerator = int(fps)
	}
	return fmt.Sprintf("%s,framerate=%d/%d", caps, numerator, denominator)
}
