package telemetry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCaptureTimeout means the stream did not fill the minimum window
	// before the deadline.
	ErrCaptureTimeout = errors.New("telemetry: capture timed out before window filled")
	// ErrStreamClosed means the event stream ended before the minimum
	// window was filled.
	ErrStreamClosed = errors.New("telemetry: event stream closed early")
)

// CollectorConfig bounds a capture window.
type CollectorConfig struct {
	Capacity    int           // ring buffer capacity; default 1024
	MinWindow   time.Duration // minimum monotonic span a window must cover; default 500ms
	MinEvents   int           // minimum events in a window; default 16
	MaxDuration time.Duration // capture deadline; default 5s
}

func (c *CollectorConfig) defaults() {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.MinWindow <= 0 {
		c.MinWindow = 500 * time.Millisecond
	}
	if c.MinEvents <= 0 {
		c.MinEvents = 16
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 5 * time.Second
	}
}

// Collector accumulates events from a stream until a window is complete.
type Collector struct {
	cfg CollectorConfig
}

// NewCollector creates a collector with defaulted config.
func NewCollector(cfg CollectorConfig) *Collector {
	cfg.defaults()
	return &Collector{cfg: cfg}
}

// Collect drains the stream into a fresh ring buffer until the window spans
// MinWindow with at least MinEvents, then returns the closed window. The
// deadline is a real timeout, not a fixed sleep: a fast stream returns as
// soon as the window is complete. The caller's context cancels capture at
// any point with no partial result.
func (c *Collector) Collect(ctx context.Context, stream <-chan Event) ([]Event, error) {
	rb := NewRingBuffer(c.cfg.Capacity)
	defer rb.Reset()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.MaxDuration)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrCaptureTimeout
			}
			return nil, ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				// A closed stream may still have delivered a full window.
				if rb.Len() >= c.cfg.MinEvents && rb.Span() >= c.cfg.MinWindow {
					return rb.Snapshot(), nil
				}
				return nil, ErrStreamClosed
			}
			rb.Push(ev)
			if rb.Len() >= c.cfg.MinEvents && rb.Span() >= c.cfg.MinWindow {
				return rb.Snapshot(), nil
			}
		}
	}
}
