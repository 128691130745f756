package watcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/balarajuyogesh/hawkeye/internal/config"
	"github.com/balarajuyogesh/hawkeye/internal/metrics"
	"github.com/balarajuyogesh/hawkeye/internal/source"
)

const (
	testWidth  = 64
	testHeight = 48
)

func writeSlate(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, testWidth, testHeight))
	for y := 0; y < testHeight; y++ {
		for x := 0; x < testWidth; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "slate.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func flatRGB(v byte) []byte {
	data := make([]byte, testWidth*testHeight*3)
	for i := range data {
		data[i] = v
	}
	return data
}

func testConfig(t *testing.T, slatePath, targetURL string) *config.Watcher {
	t.Helper()
	cfg, err := config.FromEnvAndDefaults(&config.Watcher{
		ID: "watcher-test",
		Source: config.Source{
			Transport:    config.TransportUDP,
			IngestPort:   5000,
			StallTimeout: config.Duration(100 * time.Millisecond),
		},
		References: []config.Reference{{URL: slatePath, Label: "slate"}},
		Detection: config.Detection{
			Threshold:      0.9,
			DebounceFrames: 2,
		},
		Targets: []config.Target{{
			Kind:   config.TargetHTTP,
			On:     config.OnBoth,
			URL:    targetURL,
			Method: http.MethodPost,
			Retry: config.Retry{
				MaxRetries:     1,
				AttemptTimeout: config.Duration(2 * time.Second),
				InitialBackoff: config.Duration(10 * time.Millisecond),
			},
		}},
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func waitValue(t *testing.T, what string, read func() float64, want float64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if read() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s = %v, want >= %v", what, read(), want)
}

func counter(c prometheus.Counter) func() float64 {
	return func() float64 { return testutil.ToFloat64(c) }
}

// pushAndWait injects one frame and waits until the pipeline scored it.
func pushAndWait(t *testing.T, src *source.Synthetic, reg *metrics.Registry, data []byte, processed float64) {
	t.Helper()
	src.Push(data)
	waitValue(t, "frames processed", counter(reg.FramesProcessed), processed)
}

func TestWatcherEmitsTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		_ = json.Unmarshal(body, &payload)
		mu.Lock()
		states = append(states, payload["state"])
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, writeSlate(t), srv.URL)
	reg := metrics.New(cfg.ID)
	src := source.NewSynthetic(testWidth, testHeight)

	w, err := New(cfg, reg, WithSource(src))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	// Settle into present: no action fires for the startup transition.
	pushAndWait(t, src, reg, flatRGB(255), 1)
	pushAndWait(t, src, reg, flatRGB(255), 2)
	waitValue(t, "current state", func() float64 { return testutil.ToFloat64(reg.CurrentState) }, metrics.StatePresentValue)
	if sent := testutil.ToFloat64(reg.ActionsSent); sent != 0 {
		t.Fatalf("startup settling fired %v actions, want 0", sent)
	}

	// Slate disappears: one absent action after the debounce run.
	pushAndWait(t, src, reg, flatRGB(0), 3)
	pushAndWait(t, src, reg, flatRGB(0), 4)
	waitValue(t, "actions sent", counter(reg.ActionsSent), 1)

	// Slate reappears: one present action.
	pushAndWait(t, src, reg, flatRGB(255), 5)
	pushAndWait(t, src, reg, flatRGB(255), 6)
	waitValue(t, "actions sent", counter(reg.ActionsSent), 2)

	src.End()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after end of stream")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"absent", "present"}
	if len(states) != len(want) {
		t.Fatalf("delivered states %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("delivered states %v, want %v", states, want)
		}
	}
}

func TestWatcherCountsStalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, writeSlate(t), srv.URL)
	reg := metrics.New(cfg.ID)
	src := source.NewSynthetic(testWidth, testHeight)

	w, err := New(cfg, reg, WithSource(src))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// No frames arrive; the watcher keeps waiting and counts stalls.
	waitValue(t, "stream stalls", counter(reg.StreamStalls), 2)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcherSkipsUnscorableFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, writeSlate(t), srv.URL)
	reg := metrics.New(cfg.ID)
	src := source.NewSynthetic(testWidth, testHeight)

	w, err := New(cfg, reg, WithSource(src))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// A truncated buffer is a scoring error: dropped, not processed.
	src.Push(flatRGB(255)[:17])
	waitValue(t, "score errors", counter(reg.ScoreErrors), 1)
	waitValue(t, "frames dropped", counter(reg.FramesDropped), 1)
	if processed := testutil.ToFloat64(reg.FramesProcessed); processed != 0 {
		t.Fatalf("frames processed = %v, want 0", processed)
	}

	// The pipeline keeps running afterwards.
	pushAndWait(t, src, reg, flatRGB(255), 1)

	cancel()
	<-done
}

func TestWatcherSurfacesSourceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, writeSlate(t), srv.URL)
	reg := metrics.New(cfg.ID)
	src := source.NewSynthetic(testWidth, testHeight)

	w, err := New(cfg, reg, WithSource(src))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	src.Fail(fmt.Errorf("%w: reconnect attempts exhausted", source.ErrSourceUnavailable))

	select {
	case err := <-done:
		if !errors.Is(err, source.ErrSourceUnavailable) {
			t.Fatalf("Run err = %v, want ErrSourceUnavailable", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after source failure")
	}
}

func TestWatcherFoldsSourceDrops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, writeSlate(t), srv.URL)
	reg := metrics.New(cfg.ID)
	src := source.NewSynthetic(testWidth, testHeight)

	// Overwrite before the watcher starts consuming: two drops.
	src.Push(flatRGB(255))
	src.Push(flatRGB(255))
	src.Push(flatRGB(255))

	w, err := New(cfg, reg, WithSource(src))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitValue(t, "frames processed", counter(reg.FramesProcessed), 1)
	waitValue(t, "frames dropped", counter(reg.FramesDropped), 2)

	cancel()
	<-done
}
