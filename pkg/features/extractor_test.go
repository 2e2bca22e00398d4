package features

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilauth/pkg/telemetry"
)

// synthWindow builds a window mixing all kinds with seed-stable payloads.
func synthWindow(seed int64, n int) []telemetry.Event {
	rng := rand.New(rand.NewSource(seed))
	events := make([]telemetry.Event, 0, n)
	at := int64(1_000_000)
	for i := 0; i < n; i++ {
		at += 40_000 + int64(rng.Intn(10_000))
		t := float64(at) / 1e6
		switch i % 4 {
		case 0:
			events = append(events, telemetry.Event{Kind: telemetry.KeyPress, At: at, F1: 0.08 + rng.NormFloat64()*0.01, F2: float64(rng.Intn(30))})
		case 1:
			events = append(events, telemetry.Event{Kind: telemetry.TouchMove, At: at, F1: 150 + 30*math.Sin(t), F2: 240 + 30*math.Cos(t), F3: 0.7})
		case 2:
			events = append(events, telemetry.Event{Kind: telemetry.TouchPress, At: at, F1: 0.5, F2: 10 + rng.Float64()})
		default:
			events = append(events, telemetry.Event{Kind: telemetry.MotionSample, At: at, F1: 0.4 * math.Sin(6 * t), F2: 0.4 * math.Cos(6 * t), F3: 9.8})
		}
	}
	return events
}

func TestExtractIsDeterministic(t *testing.T) {
	e := NewExtractor(Config{Dim: 64})
	window := synthWindow(7, 200)

	a, err := e.Extract(window)
	require.NoError(t, err)
	b, err := e.Extract(window)
	require.NoError(t, err)

	assert.Equal(t, a, b, "same window must produce bit-identical vectors")

	// A second extractor with the same version derives the same projection.
	c, err := NewExtractor(Config{Dim: 64}).Extract(window)
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestExtractOutputShape(t *testing.T) {
	e := NewExtractor(Config{Dim: 128})
	vec, err := e.Extract(synthWindow(3, 160))
	require.NoError(t, err)
	require.Len(t, vec, 128)

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-9, "output must be L2-normalized")
}

func TestExtractVersionChangesProjection(t *testing.T) {
	window := synthWindow(11, 160)
	v1, err := NewExtractor(Config{Dim: 64, Version: "fx-a"}).Extract(window)
	require.NoError(t, err)
	v2, err := NewExtractor(Config{Dim: 64, Version: "fx-b"}).Extract(window)
	require.NoError(t, err)

	sim, err := CosineSimilarity(v1, v2)
	require.NoError(t, err)
	assert.Less(t, math.Abs(sim), 0.9, "different versions must not be comparable")
}

func TestCheckVersion(t *testing.T) {
	e := NewExtractor(Config{})
	assert.NoError(t, e.CheckVersion(DefaultVersion))
	assert.ErrorIs(t, e.CheckVersion("veilauth-fx-v0"), ErrVersionMismatch)
}

func TestExtractRejectsInsufficientSignal(t *testing.T) {
	e := NewExtractor(Config{MinWindow: 500 * time.Millisecond})

	_, err := e.Extract(nil)
	assert.ErrorIs(t, err, ErrInsufficientSignal)

	_, err = e.Extract([]telemetry.Event{{Kind: telemetry.KeyPress, At: 0}})
	assert.ErrorIs(t, err, ErrInsufficientSignal)

	// Two kinds but the span is far too short.
	_, err = e.Extract([]telemetry.Event{
		{Kind: telemetry.KeyPress, At: 1_000_000},
		{Kind: telemetry.TouchMove, At: 1_010_000},
	})
	assert.ErrorIs(t, err, ErrInsufficientSignal)

	// Long enough but a single kind.
	_, err = e.Extract([]telemetry.Event{
		{Kind: telemetry.KeyPress, At: 1_000_000},
		{Kind: telemetry.KeyPress, At: 2_000_000},
	})
	assert.ErrorIs(t, err, ErrInsufficientSignal)
}

func TestExtractRejectsNaNPayload(t *testing.T) {
	e := NewExtractor(Config{})
	window := synthWindow(5, 100)
	window[10].F2 = math.NaN()

	_, err := e.Extract(window)
	assert.ErrorIs(t, err, ErrMalformedWindow)
}

func TestExtractClampsInfinitePayload(t *testing.T) {
	e := NewExtractor(Config{Dim: 64})
	window := synthWindow(5, 100)
	window[10].F2 = math.Inf(1)

	vec, err := e.Extract(window)
	require.NoError(t, err)
	for _, v := range vec {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

func TestSimilarWindowsScoreHigh(t *testing.T) {
	e := NewExtractor(Config{Dim: 64})

	a, err := e.Extract(synthWindow(21, 200))
	require.NoError(t, err)
	b, err := e.Extract(synthWindow(22, 200))
	require.NoError(t, err)

	sim, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	assert.Greater(t, sim, 0.9, "same behavioral profile, different draws")
}

func TestDissimilarWindowsScoreLow(t *testing.T) {
	e := NewExtractor(Config{Dim: 64})

	a, err := e.Extract(synthWindow(21, 200))
	require.NoError(t, err)

	// Keyboard-only window with a much slower cadence.
	slow := make([]telemetry.Event, 0, 64)
	at := int64(1_000_000)
	for i := 0; i < 64; i++ {
		at += 400_000
		kind := telemetry.KeyPress
		if i%2 == 1 {
			kind = telemetry.TouchPress
		}
		slow = append(slow, telemetry.Event{Kind: kind, At: at, F1: 0.35, F2: 3})
	}
	b, err := e.Extract(slow)
	require.NoError(t, err)

	simSame, err := CosineSimilarity(a, a)
	require.NoError(t, err)
	simOther, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	assert.Greater(t, simSame, simOther+0.1)
}

func TestCosineSimilarityBounds(t *testing.T) {
	sim, err := CosineSimilarity([]float64{1, 0}, []float64{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-12)

	sim, err = CosineSimilarity([]float64{1, 0}, []float64{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, sim, 1e-12)

	_, err = CosineSimilarity([]float64{1}, []float64{1, 2})
	assert.Error(t, err)

	_, err = CosineSimilarity([]float64{0, 0}, []float64{1, 0})
	assert.Error(t, err)
}
