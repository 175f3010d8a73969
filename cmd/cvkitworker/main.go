// Command cvkitworker runs the face-detection frame pipeline: one video
// source, a preprocessing chain, and a pool of detect workers fed through a
// shared frame slab.
//
// Usage:
//
//	cvkitworker --config config.yaml
//	cvkitworker --file video.mp4
//	cvkitworker --webcam
//	cvkitworker --config config.yaml --probe
//
// The CVKIT_CONFIG environment variable overrides --config; --file and
// --webcam synthesize a minimal configuration for quick runs against the
// default cascade face detector.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cvkitio/worker/config"
	"github.com/cvkitio/worker/orchestrator"
	"github.com/cvkitio/worker/receiver"
)

// defaultCascadePath is where the synthesized --file/--webcam config
// expects the Haar cascade model.
const defaultCascadePath = "models/haarcascade_frontalface_default.xml"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML or JSON)")
	filePath := flag.String("file", "", "Run against a video file with a default detector config")
	webcam := flag.Bool("webcam", false, "Run against the default webcam with a default detector config")
	workers := flag.Int("workers", 0, "Override detect worker count")
	probe := flag.Bool("probe", false, "Probe the configured sources and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, path, err := resolveConfig(*configPath, *filePath, *webcam)
	if err != nil {
		slog.Error("cvkitworker: invalid configuration", "error", err)
		os.Exit(1)
	}

	if *probe {
		os.Exit(runProbe(cfg))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Buffered for two so a rapid second signal is never lost: the first
	// starts the graceful shutdown, the second forces exit.
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	watchSignals(cancel, sig, func() { os.Exit(1) })

	o, err := orchestrator.New(orchestrator.Config{
		Config:         cfg,
		ConfigPath:     path,
		WorkerOverride: *workers,
	})
	if err != nil {
		slog.Error("cvkitworker: pipeline assembly failed", "error", err)
		os.Exit(1)
	}
	defer o.Close()

	slog.Info("cvkitworker: starting", "config", path, "debug", *debug)

	if err := o.Run(ctx); err != nil {
		slog.Error("cvkitworker: pipeline failed", "error", err)
		o.Close()
		os.Exit(1)
	}

	stats := o.Stats()
	slog.Info("cvkitworker: stopped",
		"frames_read", stats.Producer.FramesRead,
		"published", stats.Producer.Published,
		"dropped_capacity", stats.Producer.DroppedCapacity,
		"queue_dropped", stats.Queue.Dropped,
	)
}

// watchSignals cancels the pipeline on the first delivered signal and calls
// force on the second.
func watchSignals(cancel context.CancelFunc, sig <-chan os.Signal, force func()) {
	go func() {
		<-sig
		slog.Info("cvkitworker: signal received, shutting down")
		cancel()
		<-sig
		slog.Error("cvkitworker: forced shutdown")
		force()
	}()
}

// resolveConfig builds the effective configuration: CVKIT_CONFIG wins over
// --config, which wins over the synthesized --file/--webcam configs. The
// returned path is empty for synthesized configs (no file to hot-reload).
func resolveConfig(configPath, filePath string, webcam bool) (*config.Config, string, error) {
	if env := os.Getenv(config.EnvConfigPath); env != "" {
		configPath = env
	}
	if configPath != "" {
		cfg, err := config.Load(configPath)
		return cfg, configPath, err
	}

	var src config.ReceiverConfig
	switch {
	case filePath != "":
		src = config.ReceiverConfig{Name: "file", Type: "file", Source: filePath}
	case webcam:
		src = config.ReceiverConfig{Name: "webcam", Type: "webcam", Source: 0}
	default:
		return nil, "", fmt.Errorf("one of --config, --file or --webcam is required")
	}

	cfg := &config.Config{
		Receivers: []config.ReceiverConfig{src},
		Preprocessors: []config.PreprocessorConfig{
			{Type: "resize", Width: 640},
		},
		Detectors: []config.DetectorSpec{{
			Name:        "face_detector",
			Type:        "face_detector",
			Variant:     "cascade",
			FrequencyMS: 500,
			ModelPath:   defaultCascadePath,
		}},
	}
	return cfg, "", cfg.Validate()
}

// runProbe checks every configured source and reports. Exit code is the
// number of failing sources.
func runProbe(cfg *config.Config) int {
	failures := 0
	for _, rc := range cfg.Receivers {
		report := receiver.Probe(rc)
		if report.Err != nil {
			slog.Error("cvkitworker: probe failed",
				"receiver", rc.Name, "type", rc.Type, "error", report.Err)
			failures++
		}
	}
	return failures
}
