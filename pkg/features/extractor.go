// Package features turns a closed telemetry window into a fixed-length,
// L2-normalized feature vector. Extraction is deterministic for a given
// window and extractor version; the projection matrix is derived from the
// version string, so templates built under one version are never compared
// against vectors from another.
package features

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"veilauth/pkg/telemetry"
)

var (
	// ErrInsufficientSignal means the window is too short or covers fewer
	// than two distinct event kinds.
	ErrInsufficientSignal = errors.New("features: insufficient signal in window")
	// ErrVersionMismatch means a template was built with a different
	// extractor version.
	ErrVersionMismatch = errors.New("features: extractor version mismatch")
	// ErrMalformedWindow means the window contains non-finite values that
	// cannot be clamped.
	ErrMalformedWindow = errors.New("features: malformed telemetry window")
)

const (
	// DefaultDim is the output dimensionality. Configurable up to several
	// thousand; the default keeps on-device projection cost low.
	DefaultDim = 256

	// DefaultVersion seeds the projection matrix. Bump on any change to
	// the aggregation layout below.
	DefaultVersion = "veilauth-fx-v1"

	payloadClamp = 1e6

	statsPerKind  = 10
	spectralBands = 4
)

// Config parameterizes an Extractor.
type Config struct {
	Dim       int           // output dimensionality; default DefaultDim
	Version   string        // projection version tag; default DefaultVersion
	MinWindow time.Duration // minimum window span; default 500ms
}

// Extractor is a pure function over (window, versioned config). Safe for
// concurrent use.
type Extractor struct {
	cfg  Config
	proj [][]float64 // Dim x rawDim, derived from Version
}

// NewExtractor builds an extractor, deriving the projection from the
// configured version.
func NewExtractor(cfg Config) *Extractor {
	if cfg.Dim <= 0 {
		cfg.Dim = DefaultDim
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = 500 * time.Millisecond
	}
	rawDim := telemetry.KindCount()*statsPerKind + spectralBands
	return &Extractor{cfg: cfg, proj: deriveProjection(cfg.Version, cfg.Dim, rawDim)}
}

// Version returns the extractor's projection version tag.
func (e *Extractor) Version() string { return e.cfg.Version }

// Dim returns the output dimensionality.
func (e *Extractor) Dim() int { return e.cfg.Dim }

// CheckVersion fails with ErrVersionMismatch when a stored template was
// produced under a different projection version.
func (e *Extractor) CheckVersion(templateVersion string) error {
	if templateVersion != e.cfg.Version {
		return fmt.Errorf("%w: template=%q extractor=%q", ErrVersionMismatch, templateVersion, e.cfg.Version)
	}
	return nil
}

// Extract aggregates the window per kind, projects into the configured
// dimensionality and L2-normalizes. The output always has length Dim and
// contains only finite values.
func (e *Extractor) Extract(window []telemetry.Event) ([]float64, error) {
	if err := e.checkSignal(window); err != nil {
		return nil, err
	}

	raw, err := aggregate(window)
	if err != nil {
		return nil, err
	}

	out := make([]float64, e.cfg.Dim)
	for i := range out {
		row := e.proj[i]
		var acc float64
		for j, v := range raw {
			acc += row[j] * v
		}
		out[i] = acc
	}

	if err := normalize(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Extractor) checkSignal(window []telemetry.Event) error {
	if len(window) < 2 {
		return fmt.Errorf("%w: %d events", ErrInsufficientSignal, len(window))
	}
	kinds := make(map[telemetry.EventKind]bool)
	minAt, maxAt := window[0].At, window[0].At
	for _, ev := range window {
		kinds[ev.Kind] = true
		if ev.At < minAt {
			minAt = ev.At
		}
		if ev.At > maxAt {
			maxAt = ev.At
		}
	}
	if len(kinds) < 2 {
		return fmt.Errorf("%w: only %d distinct kinds", ErrInsufficientSignal, len(kinds))
	}
	if span := time.Duration(maxAt-minAt) * time.Microsecond; span < e.cfg.MinWindow {
		return fmt.Errorf("%w: span %v below minimum %v", ErrInsufficientSignal, span, e.cfg.MinWindow)
	}
	return nil
}

// aggregate computes per-kind inter-event timing and payload moments plus
// spectral energy bands for motion samples.
func aggregate(window []telemetry.Event) ([]float64, error) {
	byKind := make([][]telemetry.Event, telemetry.KindCount())
	for _, ev := range window {
		if math.IsNaN(ev.F1) || math.IsNaN(ev.F2) || math.IsNaN(ev.F3) {
			return nil, fmt.Errorf("%w: NaN payload", ErrMalformedWindow)
		}
		k := int(ev.Kind)
		if k >= len(byKind) {
			return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedWindow, k)
		}
		// Infinities are clamped rather than rejected; sensors do spike.
		ev.F1 = clamp(ev.F1)
		ev.F2 = clamp(ev.F2)
		ev.F3 = clamp(ev.F3)
		byKind[k] = append(byKind[k], ev)
	}

	raw := make([]float64, 0, telemetry.KindCount()*statsPerKind+spectralBands)
	for k := range byKind {
		evs := byKind[k]
		sort.Slice(evs, func(i, j int) bool { return evs[i].At < evs[j].At })

		var dts, f1s, f2s, f3s []float64
		for i, ev := range evs {
			if i > 0 {
				dts = append(dts, float64(ev.At-evs[i-1].At)/1000.0) // ms
			}
			f1s = append(f1s, ev.F1)
			f2s = append(f2s, ev.F2)
			f3s = append(f3s, ev.F3)
		}
		raw = append(raw,
			math.Log1p(float64(len(evs))),
			rate(evs),
			mean(dts), stddev(dts),
			mean(f1s), stddev(f1s),
			mean(f2s), stddev(f2s),
			mean(f3s), stddev(f3s),
		)
	}

	raw = append(raw, spectralEnergy(byKind[telemetry.MotionSample])...)
	return raw, nil
}

// spectralEnergy computes coarse band energies of the motion magnitude
// series via Goertzel-style accumulation over normalized sample index.
func spectralEnergy(motion []telemetry.Event) []float64 {
	bands := make([]float64, spectralBands)
	n := len(motion)
	if n < 4 {
		return bands
	}
	mags := make([]float64, n)
	for i, ev := range motion {
		mags[i] = math.Sqrt(ev.F1*ev.F1 + ev.F2*ev.F2 + ev.F3*ev.F3)
	}
	m := mean(mags)
	for b := 0; b < spectralBands; b++ {
		freq := float64(b+1) * 2.0
		var re, im float64
		for i, v := range mags {
			phase := 2 * math.Pi * freq * float64(i) / float64(n)
			re += (v - m) * math.Cos(phase)
			im += (v - m) * math.Sin(phase)
		}
		bands[b] = math.Log1p(math.Sqrt(re*re+im*im) / float64(n))
	}
	return bands
}

// deriveProjection expands the version string into a dense pseudo-random
// Gaussian matrix. Same version, same matrix, on every device.
func deriveProjection(version string, dim, rawDim int) [][]float64 {
	proj := make([][]float64, dim)
	for i := range proj {
		row := make([]float64, rawDim)
		rng := newSeededRNG(version, uint64(i))
		for j := range row {
			row[j] = rng.normFloat64()
		}
		proj[i] = row
	}
	return proj
}

// seededRNG is a splitmix64 stream keyed by SHA-256 of (version, row). Not
// for secrets; only determinism matters here.
type seededRNG struct{ state uint64 }

func newSeededRNG(version string, row uint64) *seededRNG {
	h := sha256.New()
	h.Write([]byte(version))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], row)
	h.Write(b[:])
	sum := h.Sum(nil)
	return &seededRNG{state: binary.BigEndian.Uint64(sum[:8])}
}

func (r *seededRNG) next() uint64 {
	r.state += 0x9e3779b97f4a7c15
	z := r.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (r *seededRNG) float64() float64 {
	return float64(r.next()>>11) / float64(1<<53)
}

func (r *seededRNG) normFloat64() float64 {
	// Box-Muller; u1 kept away from zero so Log stays finite.
	u1 := r.float64()
	if u1 < 1e-12 {
		u1 = 1e-12
	}
	u2 := r.float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

func normalize(v []float64) error {
	var sum float64
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: non-finite projection output", ErrMalformedWindow)
		}
		sum += x * x
	}
	if sum == 0 {
		return fmt.Errorf("%w: zero vector", ErrInsufficientSignal)
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
	return nil
}

func clamp(v float64) float64 {
	if v > payloadClamp {
		return payloadClamp
	}
	if v < -payloadClamp {
		return -payloadClamp
	}
	return v
}

func rate(evs []telemetry.Event) float64 {
	if len(evs) < 2 {
		return 0
	}
	span := float64(evs[len(evs)-1].At-evs[0].At) / 1e6 // seconds
	if span <= 0 {
		return 0
	}
	return float64(len(evs)) / span
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stddev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	m := mean(vals)
	var sumSq float64
	for _, v := range vals {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(vals)-1))
}

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1, 1]. Both inputs must share a dimension.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, fmt.Errorf("features: dimension mismatch %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, errors.New("features: zero-norm vector")
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim, nil
}
