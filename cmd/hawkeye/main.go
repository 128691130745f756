// Command hawkeye watches a live video feed for the appearance and
// disappearance of a reference slate image and fires configured actions
// on every confirmed transition.
//
// Two invocation modes:
//
//	hawkeye -config watcher.json
//	hawkeye [flags] <slate image> <callback url>
//
// The second form builds a single http_call watcher in memory, matching
// the common "notify this endpoint when the slate shows up" deployment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/balarajuyogesh/hawkeye/internal/config"
	"github.com/balarajuyogesh/hawkeye/internal/metrics"
	"github.com/balarajuyogesh/hawkeye/internal/watcher"
)

const metricsShutdownGrace = 3 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to a watcher descriptor (json or yaml)")
		ingestPort = flag.Int("i", 5000, "udp ingest port (simplified mode)")
		method     = flag.String("m", "POST", "http method for the callback (simplified mode)")
		payload    = flag.String("p", "", "payload template for the callback (simplified mode)")
		threshold  = flag.Float64("t", 0.93, "similarity threshold in (0,1] (simplified mode)")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Usage = usage
	flag.Parse()

	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	setupLogging(*logLevel)

	cfg, err := loadConfig(*configPath, flag.Args(), *ingestPort, *method, *payload, *threshold)
	if err != nil {
		var invalid *config.Invalid
		if errors.As(err, &invalid) {
			for _, violation := range invalid.Violations {
				slog.Error("config violation", "violation", violation)
			}
		}
		slog.Error("hawkeye: configuration rejected", "error", err)
		return 1
	}

	reg := metrics.New(cfg.ID)
	srv := metrics.NewServer(cfg.Metrics.Addr, reg)
	go srv.Start()
	defer func() {
		if err := srv.Shutdown(metricsShutdownGrace); err != nil {
			slog.Warn("hawkeye: metrics shutdown", "error", err)
		}
	}()

	w, err := watcher.New(cfg, reg)
	if err != nil {
		slog.Error("hawkeye: startup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("hawkeye: starting",
		"watcher_id", cfg.ID,
		"transport", cfg.Source.Transport,
		"metrics_addr", cfg.Metrics.Addr,
	)

	if err := w.Run(ctx); err != nil {
		slog.Error("hawkeye: watcher failed", "error", err)
		return 1
	}

	slog.Info("hawkeye: stopped cleanly", "watcher_id", cfg.ID)
	return 0
}

// loadConfig picks the invocation mode: a descriptor file when -config is
// set, otherwise the simplified two-argument form.
func loadConfig(path string, args []string, port int, method, payload string, threshold float64) (*config.Watcher, error) {
	if path != "" {
		return config.Load(path)
	}
	if len(args) != 2 {
		usage()
		return nil, fmt.Errorf("expected <slate image> <callback url>, got %d arguments", len(args))
	}

	return config.FromEnvAndDefaults(&config.Watcher{
		Source: config.Source{
			Transport:  config.TransportUDP,
			IngestPort: port,
		},
		References: []config.Reference{
			{URL: args[0], Label: "slate"},
		},
		Detection: config.Detection{
			Threshold:      threshold,
			DebounceFrames: 3,
		},
		Targets: []config.Target{
			{
				Kind:            config.TargetHTTP,
				URL:             args[1],
				Method:          method,
				PayloadTemplate: payload,
			},
		},
	})
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage:
  hawkeye -config <watcher.json|watcher.yaml>
  hawkeye [flags] <slate image> <callback url>

flags:
`)
	flag.PrintDefaults()
}
