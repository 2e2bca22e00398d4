// Package policy holds the tunable deployment policy for the auth core:
// similarity threshold, token lifetime, capture bounds and template decay.
// Policies round-trip through JSON for the admin export/import surface.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalid means a policy failed validation on import or construction.
var ErrInvalid = errors.New("policy: invalid")

// DecayPolicy controls adaptive template updates after a successful
// authentication. The stored commitment is re-built from a blend of the
// reference and the fresh vector; blending never happens on a failed or
// replayed attempt.
type DecayPolicy struct {
	Enabled    bool          `json:"enabled"`
	BlendAlpha float64       `json:"blend_alpha"` // weight of the fresh vector, in [0, 0.5]
	MaxAge     time.Duration `json:"max_age"`     // template staleness horizon
}

// Policy is the full deployment policy.
type Policy struct {
	Threshold      float64       `json:"threshold"`       // cosine similarity acceptance bound, in (0, 1]
	TokenTTL       time.Duration `json:"token_ttl"`       // documented default: 5 minutes
	CaptureTimeout time.Duration `json:"capture_timeout"` // telemetry window deadline
	MinWindow      time.Duration `json:"min_window"`      // minimum window span
	MinEvents      int           `json:"min_events"`      // minimum events per window
	NonceTTL       time.Duration `json:"nonce_ttl"`       // replay cache horizon
	TopK           int           `json:"top_k"`           // candidates probed for unclaimed attempts
	Decay          DecayPolicy   `json:"decay"`
}

// Default returns the documented deployment defaults.
func Default() Policy {
	return Policy{
		Threshold:      0.85,
		TokenTTL:       5 * time.Minute,
		CaptureTimeout: 5 * time.Second,
		MinWindow:      500 * time.Millisecond,
		MinEvents:      16,
		NonceTTL:       10 * time.Minute,
		TopK:           3,
		Decay: DecayPolicy{
			Enabled:    true,
			BlendAlpha: 0.10,
			MaxAge:     30 * 24 * time.Hour,
		},
	}
}

// Validate rejects thresholds and horizons an operator should never run.
func (p Policy) Validate() error {
	if p.Threshold <= 0 || p.Threshold > 1 {
		return fmt.Errorf("%w: threshold %f not in (0,1]", ErrInvalid, p.Threshold)
	}
	if p.TokenTTL <= 0 {
		return fmt.Errorf("%w: token ttl %v", ErrInvalid, p.TokenTTL)
	}
	if p.CaptureTimeout <= 0 || p.MinWindow <= 0 || p.CaptureTimeout < p.MinWindow {
		return fmt.Errorf("%w: capture timeout %v vs min window %v", ErrInvalid, p.CaptureTimeout, p.MinWindow)
	}
	if p.MinEvents < 2 {
		return fmt.Errorf("%w: min events %d", ErrInvalid, p.MinEvents)
	}
	if p.NonceTTL <= 0 {
		return fmt.Errorf("%w: nonce ttl %v", ErrInvalid, p.NonceTTL)
	}
	if p.TopK <= 0 {
		return fmt.Errorf("%w: top-k %d", ErrInvalid, p.TopK)
	}
	if p.Decay.BlendAlpha < 0 || p.Decay.BlendAlpha > 0.5 {
		return fmt.Errorf("%w: blend alpha %f not in [0,0.5]", ErrInvalid, p.Decay.BlendAlpha)
	}
	return nil
}

// Export serializes the policy for operator backup.
func (p Policy) Export() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(p, "", "  ")
}

// Import parses and validates an exported policy.
func Import(data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
