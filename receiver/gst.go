package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/receiver/internal/rtsp"
)

// errEndOfStream marks a clean EOS from the pipeline bus.
var errEndOfStream = errors.New("end of stream")

// busPollInterval bounds shutdown latency of the bus watcher.
const busPollInterval = 50 * time.Millisecond

// RTSPSource reads frames from an RTSP camera through a GStreamer pipeline.
//
// Network failures are absorbed internally: the source tears the pipeline
// down and reconnects with exponential backoff. Read only fails once the
// stream is truly over (io.EOF) or reconnection is exhausted or pointless
// (ErrSourceUnavailable, e.g. bad credentials).
type RTSPSource struct {
	url string

	mu       sync.Mutex
	pipeline *rtsp.Pipeline

	samples chan rtsp.Sample
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	seq        uint64
	dropped    uint64
	reconnects uint32

	failure   atomic.Value // error; set before samples is closed
	closeOnce sync.Once
	closeErr  error
}

// OpenRTSP connects to url and starts delivering frames.
func OpenRTSP(url string) (*RTSPSource, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: empty rtsp url", ErrSourceUnavailable)
	}

	r := &RTSPSource{
		url:     url,
		samples: make(chan rtsp.Sample, 8),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if err := r.start(); err != nil {
		r.cancel()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	r.wg.Add(1)
	go r.run()

	slog.Info("receiver: rtsp source started", "url", url)
	return r, nil
}

// start builds a fresh pipeline, wires the callbacks, and sets it playing.
// Called at open and again on every reconnect attempt.
func (r *RTSPSource) start() error {
	p, err := rtsp.Build(r.url)
	if err != nil {
		return err
	}

	sinkCtx := &rtsp.SinkContext{
		Samples: r.samples,
		Seq:     &r.seq,
		Dropped: &r.dropped,
	}
	p.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return rtsp.OnNewSample(sink, sinkCtx)
		},
	})
	p.Src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		rtsp.OnPadAdded(srcPad, p.Depay)
	})

	if err := p.Pipeline.SetState(gst.StatePlaying); err != nil {
		p.Destroy()
		return fmt.Errorf("starting pipeline: %w", err)
	}

	r.mu.Lock()
	r.pipeline = p
	r.mu.Unlock()
	return nil
}

// run owns the pipeline lifecycle: it watches the bus, reconnects on
// retryable failures, and closes the sample channel once the source is
// terminally done.
func (r *RTSPSource) run() {
	defer r.wg.Done()
	defer close(r.samples)

	for {
		err := r.watchBus()
		r.teardown()

		switch {
		case err == nil:
			// Shutdown via Close.
			return
		case errors.Is(err, errEndOfStream):
			slog.Info("receiver: rtsp end of stream", "url", r.url)
			r.failure.Store(io.EOF)
			return
		case !errors.Is(err, errRetryable):
			slog.Error("receiver: rtsp stream failed, not reconnecting",
				"url", r.url, "error", err)
			r.failure.Store(fmt.Errorf("%w: %v", ErrSourceUnavailable, err))
			return
		}

		slog.Warn("receiver: rtsp stream lost, reconnecting", "url", r.url, "error", err)
		if err := rtsp.RunWithBackoff(r.ctx, func(context.Context) error {
			return r.start()
		}, rtsp.DefaultBackoff()); err != nil {
			if r.ctx.Err() == nil {
				r.failure.Store(fmt.Errorf("%w: %v", ErrSourceUnavailable, err))
			}
			return
		}
		atomic.AddUint32(&r.reconnects, 1)
	}
}

// errRetryable wraps bus errors whose category suggests a reconnect could
// recover the stream.
var errRetryable = errors.New("retryable stream error")

// watchBus polls the pipeline bus until an error, EOS, or cancellation.
// Returns nil only on context cancellation.
func (r *RTSPSource) watchBus() error {
	r.mu.Lock()
	p := r.pipeline
	r.mu.Unlock()
	if p == nil {
		return fmt.Errorf("pipeline not running")
	}

	bus := p.Pipeline.GetPipelineBus()
	for {
		if r.ctx.Err() != nil {
			return nil
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return errEndOfStream

		case gst.MessageError:
			gerr := msg.ParseError()
			category := rtsp.Classify(gerr.Error(), gerr.DebugString())
			slog.Error("receiver: rtsp pipeline error",
				"url", r.url,
				"category", category.String(),
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			if category.Retryable() {
				return fmt.Errorf("%w: [%s] %s", errRetryable, category, gerr.Error())
			}
			return fmt.Errorf("[%s] %s", category, gerr.Error())
		}
	}
}

func (r *RTSPSource) teardown() {
	r.mu.Lock()
	p := r.pipeline
	r.pipeline = nil
	r.mu.Unlock()
	if p != nil {
		if err := p.Destroy(); err != nil {
			slog.Warn("receiver: rtsp pipeline teardown failed", "error", err)
		}
	}
}

func (r *RTSPSource) Read() (frame.Frame, error) {
	s, ok := <-r.samples
	if !ok {
		if err, _ := r.failure.Load().(error); err != nil {
			return frame.Frame{}, err
		}
		return frame.Frame{}, io.EOF
	}

	return frame.Frame{
		Seq:       s.Seq,
		Timestamp: s.Timestamp,
		Width:     s.Width,
		Height:    s.Height,
		Pixel:     frame.BGR8,
		Data:      s.Data,
	}, nil
}

// Close stops the pipeline and releases the stream. Idempotent.
func (r *RTSPSource) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		slog.Info("receiver: rtsp source stopped",
			"url", r.url,
			"frames", atomic.LoadUint64(&r.seq),
			"dropped", atomic.LoadUint64(&r.dropped),
			"reconnects", atomic.LoadUint32(&r.reconnects),
		)
	})
	return r.closeErr
}
