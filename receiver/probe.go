package receiver

import (
	"log/slog"
	"time"

	"github.com/cvkitio/worker/config"
)

// ProbeReport summarizes a connectivity check against one configured source.
type ProbeReport struct {
	Type     string
	OpenTime time.Duration
	ReadTime time.Duration
	Width    int
	Height   int
	Err      error
}

// Probe opens the configured source, reads a single frame, and reports the
// timings. Used by the CLI's --probe mode to verify a deployment's sources
// before committing to a full pipeline run.
func Probe(cfg config.ReceiverConfig) ProbeReport {
	report := ProbeReport{Type: cfg.Type}

	start := time.Now()
	src, err := Open(cfg)
	report.OpenTime = time.Since(start)
	if err != nil {
		report.Err = err
		return report
	}
	defer src.Close()

	start = time.Now()
	f, err := src.Read()
	report.ReadTime = time.Since(start)
	if err != nil {
		report.Err = err
		return report
	}

	report.Width = f.Width
	report.Height = f.Height
	slog.Info("receiver: probe ok",
		"type", cfg.Type,
		"open_ms", report.OpenTime.Milliseconds(),
		"read_ms", report.ReadTime.Milliseconds(),
		"width", f.Width,
		"height", f.Height,
	)
	return report
}
