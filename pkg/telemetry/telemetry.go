// Package telemetry holds raw interaction events for the duration of a single
// capture window. Events are never persisted; a window is handed to feature
// extraction once and then discarded.
package telemetry

import (
	"sync"
	"time"
)

// EventKind identifies the interaction modality that produced an event.
type EventKind uint8

const (
	KeyPress EventKind = iota
	TouchMove
	TouchPress
	MotionSample

	numKinds = 4
)

func (k EventKind) String() string {
	switch k {
	case KeyPress:
		return "keypress"
	case TouchMove:
		return "touchmove"
	case TouchPress:
		return "touchpress"
	case MotionSample:
		return "motion"
	default:
		return "unknown"
	}
}

// Event is a single raw interaction sample. At is a monotonic timestamp in
// microseconds. The payload fields are kind-specific:
//
//	KeyPress:     F1=dwell ms, F2=pressure, F3 unused
//	TouchMove:    F1=x, F2=y, F3=velocity
//	TouchPress:   F1=x, F2=y, F3=pressure
//	MotionSample: F1=ax, F2=ay, F3=az
//
// Events are immutable once recorded.
type Event struct {
	Kind EventKind
	At   int64 // monotonic, microseconds
	F1   float64
	F2   float64
	F3   float64
}

// KindCount returns the number of distinct kinds supported.
func KindCount() int { return numKinds }

// RingBuffer is a fixed-capacity buffer of events. When full, the oldest
// event is overwritten. It owns the events for exactly one capture window.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []Event
	head  int
	count int
}

// NewRingBuffer creates a buffer holding at most capacity events.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingBuffer{buf: make([]Event, capacity)}
}

// Push records one event, overwriting the oldest when at capacity.
func (rb *RingBuffer) Push(ev Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	idx := (rb.head + rb.count) % len(rb.buf)
	rb.buf[idx] = ev
	if rb.count < len(rb.buf) {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % len(rb.buf)
	}
}

// Len returns the number of buffered events.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Span returns the monotonic time covered by the buffered events.
func (rb *RingBuffer) Span() time.Duration {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.count < 2 {
		return 0
	}
	first := rb.buf[rb.head].At
	last := rb.buf[(rb.head+rb.count-1)%len(rb.buf)].At
	return time.Duration(last-first) * time.Microsecond
}

// Snapshot copies the buffered events in arrival order.
func (rb *RingBuffer) Snapshot() []Event {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]Event, rb.count)
	for i := 0; i < rb.count; i++ {
		out[i] = rb.buf[(rb.head+i)%len(rb.buf)]
	}
	return out
}

// Reset discards all buffered events. Called after a window is consumed so
// raw samples never outlive the capture they belong to.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for i := range rb.buf {
		rb.buf[i] = Event{}
	}
	rb.head = 0
	rb.count = 0
}
