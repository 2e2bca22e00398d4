// veilauth-demo exercises the full enrollment and authentication pipeline
// against synthesized telemetry: enroll one identity, authenticate with a
// similar behavioral window, show the replay cache refusing a reused nonce
// and a dissimilar window being rejected.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"time"

	"veilauth/pkg/authengine"
	"veilauth/pkg/policy"
	"veilauth/pkg/telemetry"
	"veilauth/pkg/templatestore"
)

func main() {
	var (
		dir      = flag.String("dir", "", "template store directory (default: temp dir)")
		identity = flag.String("identity", "demo-user", "identity to enroll")
		dim      = flag.Int("dim", 64, "feature vector dimensionality")
	)
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	storeDir := *dir
	if storeDir == "" {
		d, err := os.MkdirTemp("", "veilauth-demo-*")
		if err != nil {
			log.Fatalf("[demo] temp dir: %v", err)
		}
		defer os.RemoveAll(d)
		storeDir = d
	}

	rootKey, err := templatestore.KeyFromEnv("VEILAUTH_DEVICE_KEY")
	if err != nil {
		// No provisioned device key; derive a throwaway one for the demo.
		rootKey = make([]byte, 32)
		for i := range rootKey {
			rootKey[i] = byte(i * 7)
		}
	}

	pol := policy.Default()
	pol.Threshold = 0.80
	pol.MinEvents = 120

	engine, err := authengine.New(authengine.Config{
		Policy:   pol,
		Dim:      *dim,
		StoreDir: storeDir,
		RootKey:  rootKey,
	})
	if err != nil {
		log.Fatalf("[demo] engine: %v", err)
	}

	ctx := context.Background()

	// The genuine user types, swipes and moves; windows drawn from the same
	// profile land close in feature space.
	genuine := &profile{
		seed: 42, allKinds: true,
		interEvent: 70 * time.Millisecond,
		hold:       0.06, cx: 120, cy: 210,
		motionHz: 2.3, motionA: 0.6,
	}
	// The imposter is keyboard-only with a different cadence; the per-kind
	// aggregation pushes its window far from the genuine template.
	imposter := &profile{
		seed:       1337,
		interEvent: 240 * time.Millisecond,
		hold:       0.31,
	}

	outcome, err := engine.Enroll(ctx, *identity, genuine.stream(400), false)
	if err != nil {
		log.Fatalf("[demo] enroll: %v", err)
	}
	fmt.Printf("enrolled %s (template v%d)\n", outcome.IdentityID, outcome.TemplateVersion)

	token, err := engine.Authenticate(ctx, authengine.AuthOptions{ClaimedIdentity: *identity}, genuine.stream(400))
	if err != nil {
		log.Fatalf("[demo] authenticate: %v", err)
	}
	fmt.Printf("granted: token for %s, scope=%s, ttl=%s\n",
		token.SubjectID, token.Scope, token.ExpiresAt.Sub(token.IssuedAt))

	claims, err := engine.TokenVerifier().Validate(token.Token)
	if err != nil {
		log.Fatalf("[demo] validate token: %v", err)
	}
	fmt.Printf("token verified: sub=%s jti=%s\n", claims.Subject, claims.ID)

	// A reused nonce is refused before any similarity work happens.
	nonce := []byte("demo-nonce-0001-demo-nonce-0001!")
	if _, err := engine.Authenticate(ctx, authengine.AuthOptions{ClaimedIdentity: *identity, Nonce: nonce}, genuine.stream(400)); err != nil {
		log.Fatalf("[demo] fresh nonce should pass: %v", err)
	}
	_, err = engine.Authenticate(ctx, authengine.AuthOptions{ClaimedIdentity: *identity, Nonce: nonce}, genuine.stream(400))
	if !errors.Is(err, authengine.ErrReplayDetected) {
		log.Fatalf("[demo] expected replay rejection, got %v", err)
	}
	fmt.Println("replayed nonce rejected")

	_, err = engine.Authenticate(ctx, authengine.AuthOptions{ClaimedIdentity: *identity}, imposter.stream(400))
	if !errors.Is(err, authengine.ErrAuthenticationRejected) {
		log.Fatalf("[demo] expected rejection, got %v", err)
	}
	fmt.Println("imposter window rejected")
}

// profile synthesizes telemetry with stable per-identity timing and motion
// characteristics. Timestamps are virtual, so a whole window arrives in one
// burst regardless of the cadence it encodes.
type profile struct {
	seed       int64
	allKinds   bool // false: key and touch presses only
	interEvent time.Duration
	hold       float64
	cx, cy     float64
	motionHz   float64
	motionA    float64
}

// stream emits n events with monotonic microsecond timestamps and closes.
func (p *profile) stream(n int) <-chan telemetry.Event {
	ch := make(chan telemetry.Event, n)
	go func() {
		defer close(ch)
		rng := rand.New(rand.NewSource(p.seed))
		at := int64(1_000_000)
		for i := 0; i < n; i++ {
			jitter := time.Duration(rng.NormFloat64() * float64(4*time.Millisecond))
			at += (p.interEvent + jitter).Microseconds()
			t := float64(at) / 1e6
			var ev telemetry.Event
			step := i % 4
			if !p.allKinds {
				step = i % 2 // alternate key press and touch press
			}
			switch step {
			case 0:
				ev = telemetry.Event{Kind: telemetry.KeyPress, At: at,
					F1: p.hold + rng.NormFloat64()*0.008, F2: float64(rng.Intn(40))}
			case 1:
				ev = telemetry.Event{Kind: telemetry.TouchPress, At: at,
					F1: 0.4 + rng.NormFloat64()*0.04, F2: 12}
			case 2:
				ev = telemetry.Event{Kind: telemetry.TouchMove, At: at,
					F1: p.cx + 40*math.Sin(t*p.motionHz), F2: p.cy + 40*math.Cos(t*p.motionHz), F3: 0.5}
			default:
				ev = telemetry.Event{Kind: telemetry.MotionSample, At: at,
					F1: p.motionA * math.Sin(2*math.Pi*p.motionHz*t),
					F2: p.motionA * math.Cos(2*math.Pi*p.motionHz*t),
					F3: 9.81 + rng.NormFloat64()*0.02}
			}
			ch <- ev
		}
	}()
	return ch
}
