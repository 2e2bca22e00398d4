package authengine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilauth/pkg/policy"
	"veilauth/pkg/telemetry"
	"veilauth/pkg/templatestore"
)

const testDim = 48

func testRootKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i*3 + 1)
	}
	return k
}

func testPolicy() policy.Policy {
	p := policy.Default()
	p.Threshold = 0.80
	p.MinEvents = 120
	return p
}

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := New(Config{
		Policy:     testPolicy(),
		Dim:        testDim,
		StoreDir:   dir,
		RootKey:    testRootKey(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return e
}

// behavioral profile for synthesized telemetry; same profile, similar
// windows.
type profile struct {
	seed       int64
	allKinds   bool
	interEvent time.Duration
	hold       float64
	cx, cy     float64
	motionHz   float64
	motionA    float64
}

func genuineProfile(seed int64) *profile {
	return &profile{
		seed: seed, allKinds: true,
		interEvent: 70 * time.Millisecond,
		hold:       0.06, cx: 120, cy: 210,
		motionHz: 2.3, motionA: 0.6,
	}
}

func imposterProfile(seed int64) *profile {
	return &profile{
		seed:       seed,
		interEvent: 240 * time.Millisecond,
		hold:       0.31,
	}
}

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
				step = i % 2
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

func TestEnrollThenAuthenticate(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	ctx := context.Background()
	user := genuineProfile(42)

	outcome, err := e.Enroll(ctx, "alice", user.stream(400), false)
	require.NoError(t, err)
	assert.Equal(t, "alice", outcome.IdentityID)
	assert.Equal(t, uint64(1), outcome.TemplateVersion)

	tok, err := e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "alice", Scope: "unlock"}, user.stream(400))
	require.NoError(t, err)
	assert.Equal(t, "alice", tok.SubjectID)
	assert.Equal(t, "unlock", tok.Scope)
	assert.Equal(t, 300*time.Second, tok.ExpiresAt.Sub(tok.IssuedAt))

	claims, err := e.TokenVerifier().Validate(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)

	// A successful attempt marks the template as recently verified.
	store, err := templatestore.NewStore(templatestore.Config{Dir: dir, RootKey: testRootKey()})
	require.NoError(t, err)
	tpl, err := store.Get("alice")
	require.NoError(t, err)
	assert.False(t, tpl.LastVerifiedAt.IsZero())
}

func TestEnrollRejectsDuplicate(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()
	user := genuineProfile(42)

	_, err := e.Enroll(ctx, "alice", user.stream(400), false)
	require.NoError(t, err)

	_, err = e.Enroll(ctx, "alice", user.stream(400), false)
	assert.ErrorIs(t, err, ErrEnrollmentFailed)
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
}

func TestReenrollBumpsTemplateVersion(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()
	user := genuineProfile(42)

	first, err := e.Enroll(ctx, "alice", user.stream(400), false)
	require.NoError(t, err)

	second, err := e.Enroll(ctx, "alice", user.stream(400), true)
	require.NoError(t, err)
	assert.Greater(t, second.TemplateVersion, first.TemplateVersion)
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "re-enrollment keeps the original enrollment time")
}

func TestEnrollManyIdentities(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	// Enough identities that the index prunes neighbor lists during
	// enrollment (default neighbor cap is 12).
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("user-%02d", i)
		_, err := e.Enroll(ctx, id, genuineProfile(int64(500+i)).stream(400), false)
		require.NoError(t, err, "enrollment %d", i)
	}

	tok, err := e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "user-09"}, genuineProfile(509).stream(400))
	require.NoError(t, err)
	assert.Equal(t, "user-09", tok.SubjectID)
}

func TestImposterWindowRejected(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	ctx := context.Background()

	_, err := e.Enroll(ctx, "alice", genuineProfile(42).stream(400), false)
	require.NoError(t, err)

	_, err = e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "alice"}, imposterProfile(7).stream(400))
	assert.ErrorIs(t, err, ErrAuthenticationRejected)

	// A failed attempt must not count as verification.
	store, err := templatestore.NewStore(templatestore.Config{Dir: dir, RootKey: testRootKey()})
	require.NoError(t, err)
	tpl, err := store.Get("alice")
	require.NoError(t, err)
	assert.True(t, tpl.LastVerifiedAt.IsZero())
}

func TestGrantFinalizationFailureSurfaces(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	ctx := context.Background()
	user := genuineProfile(42)

	_, err := e.Enroll(ctx, "alice", user.stream(400), false)
	require.NoError(t, err)

	// Wedge the index snapshot path so the post-verification template
	// update cannot persist: renaming the snapshot over a directory fails.
	idxPath := filepath.Join(dir, "index.bin")
	require.NoError(t, os.Remove(idxPath))
	require.NoError(t, os.Mkdir(idxPath, 0o700))

	tok, err := e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "alice"}, user.stream(400))
	assert.Nil(t, tok, "no token once finalization fails")
	require.Error(t, err)
	assert.ErrorIs(t, err, templatestore.ErrStorage, "the storage cause surfaces to the caller")
	assert.NotErrorIs(t, err, ErrAuthenticationRejected)
}

func TestNonceReplayRejected(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()
	user := genuineProfile(42)

	_, err := e.Enroll(ctx, "alice", user.stream(400), false)
	require.NoError(t, err)

	nonce := []byte("one-time-nonce-for-this-attempt!")
	_, err = e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "alice", Nonce: nonce}, user.stream(400))
	require.NoError(t, err)

	_, err = e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "alice", Nonce: nonce}, user.stream(400))
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestUnknownIdentityRejected(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	_, err := e.Authenticate(context.Background(), AuthOptions{ClaimedIdentity: "nobody"}, genuineProfile(1).stream(400))
	assert.ErrorIs(t, err, ErrAuthenticationRejected)
}

func TestUnclaimedAttemptIdentifiesUser(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	alice := genuineProfile(42)
	bob := &profile{
		seed: 99, allKinds: true,
		interEvent: 150 * time.Millisecond,
		hold:       0.15, cx: 400, cy: 80,
		motionHz: 5.1, motionA: 1.4,
	}
	_, err := e.Enroll(ctx, "alice", alice.stream(400), false)
	require.NoError(t, err)
	_, err = e.Enroll(ctx, "bob", bob.stream(400), false)
	require.NoError(t, err)

	tok, err := e.Authenticate(ctx, AuthOptions{}, bob.stream(400))
	require.NoError(t, err)
	assert.Equal(t, "bob", tok.SubjectID)
}

func TestEngineRestartKeepsEnrollment(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	user := genuineProfile(42)

	e1 := newTestEngine(t, dir)
	_, err := e1.Enroll(ctx, "alice", user.stream(400), false)
	require.NoError(t, err)

	e2 := newTestEngine(t, dir)
	tok, err := e2.Authenticate(ctx, AuthOptions{ClaimedIdentity: "alice"}, user.stream(400))
	require.NoError(t, err)
	assert.Equal(t, "alice", tok.SubjectID)
}

func TestRevokeIdentity(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()
	user := genuineProfile(42)

	_, err := e.Enroll(ctx, "alice", user.stream(400), false)
	require.NoError(t, err)
	tok, err := e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "alice"}, user.stream(400))
	require.NoError(t, err)

	require.NoError(t, e.RevokeIdentity("alice"))

	_, err = e.TokenVerifier().Validate(tok.Token)
	assert.Error(t, err, "outstanding tokens die with the identity")

	_, err = e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "alice"}, user.stream(400))
	assert.ErrorIs(t, err, ErrAuthenticationRejected)
}

func TestWipeAllData(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	ctx := context.Background()

	_, err := e.Enroll(ctx, "alice", genuineProfile(42).stream(400), false)
	require.NoError(t, err)
	require.NoError(t, e.WipeAllData())

	store, err := templatestore.NewStore(templatestore.Config{Dir: dir, RootKey: testRootKey()})
	require.NoError(t, err)
	ids, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPolicyExportImport(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	data, err := e.ExportPolicy()
	require.NoError(t, err)

	p, err := policy.Import(data)
	require.NoError(t, err)
	p.Threshold = 0.95
	upd, err := p.Export()
	require.NoError(t, err)
	require.NoError(t, e.ImportPolicy(upd))

	got, err := e.ExportPolicy()
	require.NoError(t, err)
	reread, err := policy.Import(got)
	require.NoError(t, err)
	assert.Equal(t, 0.95, reread.Threshold)

	assert.Error(t, e.ImportPolicy([]byte("{")), "invalid policy must not be installed")
}

func TestCaptureCancellation(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "alice"}, make(chan telemetry.Event))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShortStreamRejected(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	short := make(chan telemetry.Event, 4)
	short <- telemetry.Event{Kind: telemetry.KeyPress, At: 1_000_000}
	short <- telemetry.Event{Kind: telemetry.TouchMove, At: 1_050_000}
	close(short)

	_, err := e.Authenticate(context.Background(), AuthOptions{ClaimedIdentity: "alice"}, short)
	assert.ErrorIs(t, err, ErrAuthenticationRejected)
}

func TestSessionTransitions(t *testing.T) {
	sc := newSession("alice")
	assert.Equal(t, StateIdle, sc.State)

	require.NoError(t, sc.transition(StateAuthenticating))
	assert.Error(t, sc.transition(StateEnrolling), "cannot enroll mid-authentication")
	require.NoError(t, sc.transition(StateGranted))
	assert.Error(t, sc.transition(StateRejected), "granted can only return to idle")
	require.NoError(t, sc.transition(StateIdle))
}

func TestReplayCache(t *testing.T) {
	rc := newReplayCache(50 * time.Millisecond)
	nonce := []byte{1, 2, 3}

	assert.True(t, rc.reserve(nonce))
	assert.False(t, rc.reserve(nonce))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rc.reserve(nonce), "expired reservations free the nonce")

	rc.reset()
	assert.True(t, rc.reserve(nonce))
}

func TestInflightSet(t *testing.T) {
	s := newInflightSet()
	assert.True(t, s.acquire("alice"))
	assert.False(t, s.acquire("alice"))
	assert.True(t, s.acquire("bob"))
	s.release("alice")
	assert.True(t, s.acquire("alice"))
}

func TestConcurrentAuthenticationDifferentUsers(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	alice := genuineProfile(42)
	bob := &profile{
		seed: 99, allKinds: true,
		interEvent: 150 * time.Millisecond,
		hold:       0.15, cx: 400, cy: 80,
		motionHz: 5.1, motionA: 1.4,
	}
	_, err := e.Enroll(ctx, "alice", alice.stream(400), false)
	require.NoError(t, err)
	_, err = e.Enroll(ctx, "bob", bob.stream(400), false)
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() {
		_, err := e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "alice"}, alice.stream(400))
		errs <- err
	}()
	go func() {
		_, err := e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "bob"}, bob.stream(400))
		errs <- err
	}()
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{StoreDir: t.TempDir(), RootKey: []byte("short"), Registerer: prometheus.NewRegistry()})
	assert.Error(t, err)

	bad := testPolicy()
	bad.Threshold = 2
	_, err = New(Config{Policy: bad, StoreDir: t.TempDir(), RootKey: testRootKey(), Registerer: prometheus.NewRegistry()})
	assert.ErrorIs(t, err, policy.ErrInvalid)
}

func TestRejectionIsOpaque(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	_, err := e.Enroll(ctx, "alice", genuineProfile(42).stream(400), false)
	require.NoError(t, err)

	_, errImposter := e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "alice"}, imposterProfile(7).stream(400))
	_, errUnknown := e.Authenticate(ctx, AuthOptions{ClaimedIdentity: "nobody"}, genuineProfile(42).stream(400))

	// Different causes, same caller-visible error: no oracle.
	assert.Equal(t, errImposter, errUnknown)
	assert.ErrorIs(t, errImposter, ErrAuthenticationRejected)
	assert.ErrorIs(t, errUnknown, ErrAuthenticationRejected)
}
