// Package authengine orchestrates enrollment and authentication sessions:
// telemetry capture, feature extraction, commitment proofs, the accept or
// reject decision and token issuance. Each session runs as a sequential
// pipeline; sessions for different identities run concurrently with
// per-identity exclusivity on mutation and a process-wide replay cache.
package authengine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"veilauth/pkg/commitment"
	"veilauth/pkg/features"
	"veilauth/pkg/policy"
	"veilauth/pkg/telemetry"
	"veilauth/pkg/templatestore"
	"veilauth/pkg/tokens"
	"veilauth/pkg/vectorindex"
)

// Config assembles an Engine. StoreDir and RootKey are required; everything
// else has deployment defaults.
type Config struct {
	Policy           policy.Policy       // zero value means policy.Default()
	Dim              int                 // feature dimensionality; default features.DefaultDim
	ExtractorVersion string              // default features.DefaultVersion
	StoreDir         string              // template store directory
	RootKey          []byte              // 32-byte device root secret
	TokenKey         ed25519.PrivateKey  // nil generates a fresh device key
	ProofWorkers     int                 // concurrent proof constructions; default 2
	Registerer       prometheus.Registerer
}

// EnrollmentOutcome reports a successful enrollment.
type EnrollmentOutcome struct {
	IdentityID      string
	TemplateVersion uint64
	CreatedAt       time.Time
}

// AuthOptions parameterizes one authentication attempt. An empty
// ClaimedIdentity triggers candidate selection through the similarity
// index. A nil Nonce generates a fresh one; callers integrating with an
// external challenge flow may supply their own.
type AuthOptions struct {
	ClaimedIdentity string
	Scope           string
	Nonce           []byte
}

// Engine is the authentication core. Safe for concurrent use.
type Engine struct {
	pol       *policyHolder
	extractor *features.Extractor
	prover    *commitment.Engine
	store     *templatestore.Store
	index     *indexHolder
	issuer    *tokens.Issuer
	replay    *replayCache
	inflight  *inflightSet
	proofSem  chan struct{}
	metrics   *engineMetrics
	tracer    trace.Tracer
}

// New builds the engine, restoring the similarity index snapshot when one
// exists.
func New(cfg Config) (*Engine, error) {
	pol := cfg.Policy
	if pol == (policy.Policy{}) {
		pol = policy.Default()
	}
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	if cfg.Dim <= 0 {
		cfg.Dim = features.DefaultDim
	}
	if cfg.ProofWorkers <= 0 {
		cfg.ProofWorkers = 2
	}

	extractor := features.NewExtractor(features.Config{
		Dim:       cfg.Dim,
		Version:   cfg.ExtractorVersion,
		MinWindow: pol.MinWindow,
	})
	prover, err := commitment.NewEngine(cfg.Dim)
	if err != nil {
		return nil, err
	}
	store, err := templatestore.NewStore(templatestore.Config{Dir: cfg.StoreDir, RootKey: cfg.RootKey})
	if err != nil {
		return nil, err
	}
	issuer, err := tokens.NewIssuer(tokens.IssuerConfig{PrivateKey: cfg.TokenKey, TTL: pol.TokenTTL})
	if err != nil {
		return nil, err
	}

	var ix *vectorindex.Index
	if snap, err := store.LoadIndex(); err == nil {
		ix, err = vectorindex.Restore(snap)
		if err != nil {
			return nil, fmt.Errorf("authengine: restore index: %w", err)
		}
	} else if errors.Is(err, templatestore.ErrTemplateNotFound) {
		ix, err = vectorindex.New(vectorindex.Config{Dim: cfg.Dim})
		if err != nil {
			return nil, err
		}
	} else {
		return nil, err
	}

	return &Engine{
		pol:       &policyHolder{p: pol},
		extractor: extractor,
		prover:    prover,
		store:     store,
		index:     &indexHolder{ix: ix},
		issuer:    issuer,
		replay:    newReplayCache(pol.NonceTTL),
		inflight:  newInflightSet(),
		proofSem:  make(chan struct{}, cfg.ProofWorkers),
		metrics:   newEngineMetrics(cfg.Registerer),
		tracer:    otel.Tracer("veilauth/authengine"),
	}, nil
}

// TokenVerifier exposes token validation for relying parties.
func (e *Engine) TokenVerifier() *tokens.Issuer { return e.issuer }

// Enroll captures a telemetry window, commits the extracted vector and
// persists the template. Any failure rolls the store and index back to
// their pre-session state and surfaces the typed cause wrapped in
// ErrEnrollmentFailed; nothing is retried automatically.
func (e *Engine) Enroll(ctx context.Context, identityID string, stream <-chan telemetry.Event, reenroll bool) (*EnrollmentOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "authengine.enroll")
	defer span.End()

	sc := newSession(identityID)
	span.SetAttributes(attribute.String("veilauth.session", sc.ID))
	if err := sc.transition(StateEnrolling); err != nil {
		return nil, err
	}

	fail := func(cause error) (*EnrollmentOutcome, error) {
		e.metrics.enrollment("failed")
		log.Printf("[authengine] enroll session=%s identity=%s failed: %v", sc.ID, sanitizeID(identityID), cause)
		_ = sc.transition(StateIdle)
		return nil, fmt.Errorf("%w: %w", ErrEnrollmentFailed, cause)
	}

	existing, err := e.store.Get(identityID)
	switch {
	case err == nil && !reenroll:
		return fail(ErrAlreadyEnrolled)
	case err != nil && !errors.Is(err, templatestore.ErrTemplateNotFound):
		return fail(err)
	}

	vec, err := e.captureAndExtract(ctx, stream)
	if err != nil {
		return fail(err)
	}

	com, secret, err := e.prover.Commit(vec)
	if err != nil {
		return fail(err)
	}
	sealed, err := secret.MarshalBinary()
	if err != nil {
		return fail(err)
	}

	pol := e.pol.get()
	now := time.Now()
	tpl := &templatestore.Template{
		IdentityID:       identityID,
		Commitment:       com.Data,
		Secret:           sealed,
		Threshold:        pol.Threshold,
		ExtractorVersion: e.extractor.Version(),
		CreatedAt:        now,
		Decay:            pol.Decay,
	}
	if existing != nil {
		tpl.CreatedAt = existing.CreatedAt
	}

	// Store + index + snapshot commit together or not at all.
	preIdx, err := e.index.get().Serialize()
	if err != nil {
		return fail(err)
	}
	if existing != nil {
		err = e.store.Replace(tpl)
	} else {
		err = e.store.Put(tpl)
	}
	if err != nil {
		if errors.Is(err, templatestore.ErrDuplicateIdentity) {
			return fail(ErrAlreadyEnrolled)
		}
		return fail(err)
	}
	if err := e.persistIndexInsert(identityID, vec); err != nil {
		e.rollbackEnrollment(identityID, existing, preIdx)
		return fail(err)
	}

	if err := sc.transition(StateEnrolled); err != nil {
		return nil, err
	}
	e.metrics.enrollment("success")
	log.Printf("[authengine] enroll session=%s identity=%s ok version=%d", sc.ID, sanitizeID(identityID), tpl.Version)
	_ = sc.transition(StateIdle)
	return &EnrollmentOutcome{IdentityID: identityID, TemplateVersion: tpl.Version, CreatedAt: tpl.CreatedAt}, nil
}

// Authenticate runs one authentication attempt. On success it returns a
// signed short-lived token; on any failure the caller sees either
// ErrReplayDetected, ErrAttemptInFlight, a storage error, or the opaque
// ErrAuthenticationRejected.
func (e *Engine) Authenticate(ctx context.Context, opts AuthOptions, stream <-chan telemetry.Event) (*tokens.AuthToken, error) {
	ctx, span := e.tracer.Start(ctx, "authengine.authenticate")
	defer span.End()

	if opts.Scope == "" {
		opts.Scope = "auth"
	}

	sc := newSession(opts.ClaimedIdentity)
	span.SetAttributes(attribute.String("veilauth.session", sc.ID))
	if err := sc.transition(StateAuthenticating); err != nil {
		return nil, err
	}

	reject := func(reason rejectReason, cause error, visible error) (*tokens.AuthToken, error) {
		e.metrics.rejected(reason)
		// Audit trail keeps the real reason; the caller does not.
		log.Printf("[authengine] auth session=%s identity=%s rejected reason=%s detail=%v", sc.ID, sanitizeID(sc.IdentityID), reason, cause)
		_ = sc.transition(StateRejected)
		_ = sc.transition(StateIdle)
		if visible != nil {
			return nil, visible
		}
		return nil, ErrAuthenticationRejected
	}

	vec, err := e.captureAndExtract(ctx, stream)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			_ = sc.transition(StateRejected)
			_ = sc.transition(StateIdle)
			return nil, err
		case errors.Is(err, telemetry.ErrCaptureTimeout):
			return reject(reasonTimeout, err, nil)
		case errors.Is(err, features.ErrInsufficientSignal), errors.Is(err, features.ErrMalformedWindow):
			return reject(reasonExtraction, err, nil)
		default:
			return reject(reasonCapture, err, nil)
		}
	}

	candidates, err := e.selectCandidates(opts.ClaimedIdentity, vec)
	if err != nil {
		return reject(reasonNoCandidates, err, nil)
	}

	nonce := opts.Nonce
	if nonce == nil {
		nonce = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return reject(reasonProof, err, nil)
		}
	}
	// Reserve before proving: two racing sessions can never both use one
	// nonce, and a replayed nonce is refused before any similarity work.
	if !e.replay.reserve(nonce) {
		return reject(reasonReplay, ErrReplayDetected, ErrReplayDetected)
	}

	lastReason := reasonNoCandidates
	var lastCause error
	for _, id := range candidates {
		tok, reason, cause := e.tryCandidate(ctx, sc, id, vec, nonce, opts.Scope)
		if tok != nil {
			return tok, nil
		}
		if cause != nil {
			switch {
			case errors.Is(cause, errGrantFinalize):
				// The proof verified; the session is already back at idle
				// and no further candidates may be probed.
				e.metrics.rejected(reasonStorage)
				log.Printf("[authengine] auth session=%s identity=%s failed after grant: %v", sc.ID, sanitizeID(sc.IdentityID), cause)
				return nil, cause
			case errors.Is(cause, templatestore.ErrStorage):
				return reject(reasonStorage, cause, cause)
			case errors.Is(cause, ErrAttemptInFlight) && opts.ClaimedIdentity != "":
				return reject(reasonInFlight, cause, ErrAttemptInFlight)
			case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
				_ = sc.transition(StateRejected)
				_ = sc.transition(StateIdle)
				return nil, cause
			}
			lastReason, lastCause = reason, cause
		}
	}
	return reject(lastReason, lastCause, nil)
}

// tryCandidate attempts proof and verification against one enrolled
// identity. Returns (token, "", nil) on grant.
func (e *Engine) tryCandidate(ctx context.Context, sc *SessionContext, identityID string, vec []float64, nonce []byte, scope string) (*tokens.AuthToken, rejectReason, error) {
	if !e.inflight.acquire(identityID) {
		return nil, reasonInFlight, ErrAttemptInFlight
	}
	defer e.inflight.release(identityID)

	tpl, err := e.store.Get(identityID)
	if err != nil {
		if errors.Is(err, templatestore.ErrTemplateNotFound) {
			return nil, reasonNoTemplate, err
		}
		return nil, reasonStorage, err
	}
	if err := e.extractor.CheckVersion(tpl.ExtractorVersion); err != nil {
		return nil, reasonVersion, err
	}
	secret, err := commitment.UnmarshalBlindingSecret(tpl.Secret)
	if err != nil {
		return nil, reasonStorage, fmt.Errorf("%w: sealed secret: %v", templatestore.ErrStorage, err)
	}

	proof, err := e.runProof(ctx, vec, secret, tpl.Threshold, nonce)
	if err != nil {
		return nil, reasonProof, err
	}
	if !e.prover.Verify(proof, commitment.Commitment{Data: tpl.Commitment}, tpl.Threshold, nonce) {
		// Failure is fatal to the attempt; there is no fallback path to
		// unauthenticated access.
		return nil, reasonVerify, errors.New("proof verification failed")
	}

	if err := sc.transition(StateGranted); err != nil {
		return nil, reasonStorage, err
	}
	if err := e.afterGrant(identityID, tpl, secret, vec); err != nil {
		_ = sc.transition(StateIdle)
		return nil, reasonStorage, fmt.Errorf("%w: %w", errGrantFinalize, err)
	}
	token, err := e.issuer.Issue(identityID, scope)
	if err != nil {
		_ = sc.transition(StateIdle)
		return nil, reasonStorage, fmt.Errorf("%w: %w", errGrantFinalize, err)
	}
	e.metrics.granted()
	log.Printf("[authengine] auth session=%s identity=%s granted jti=%s", sc.ID, sanitizeID(identityID), token.ID)
	_ = sc.transition(StateIdle)
	return token, "", nil
}

// afterGrant updates LastVerifiedAt and, when the decay policy asks for it,
// re-commits a blend of the reference and the fresh vector. A failed or
// replayed attempt never reaches this point, so templates are only ever
// nudged by genuine matches.
func (e *Engine) afterGrant(identityID string, tpl *templatestore.Template, secret *commitment.BlindingSecret, fresh []float64) error {
	now := time.Now()
	if !tpl.Decay.Enabled || tpl.Decay.BlendAlpha <= 0 {
		return e.store.Touch(identityID, now)
	}

	ref := secret.Vector()
	alpha := tpl.Decay.BlendAlpha
	blended := make([]float64, len(ref))
	var norm float64
	for i := range blended {
		blended[i] = (1-alpha)*ref[i] + alpha*fresh[i]
		norm += blended[i] * blended[i]
	}
	if norm == 0 {
		return e.store.Touch(identityID, now)
	}
	inv := 1 / math.Sqrt(norm)
	for i := range blended {
		blended[i] *= inv
	}

	com, newSecret, err := e.prover.Commit(blended)
	if err != nil {
		return err
	}
	sealed, err := newSecret.MarshalBinary()
	if err != nil {
		return err
	}
	updated := *tpl
	updated.Commitment = com.Data
	updated.Secret = sealed
	updated.LastVerifiedAt = now
	if err := e.store.Replace(&updated); err != nil {
		return err
	}
	return e.persistIndexInsert(identityID, blended)
}

// RevokeIdentity deletes the identity's template, index entry and any
// outstanding tokens.
func (e *Engine) RevokeIdentity(identityID string) error {
	if err := e.store.Delete(identityID); err != nil {
		return err
	}
	ix := e.index.get()
	if err := ix.Remove(identityID); err != nil && !errors.Is(err, vectorindex.ErrNotFound) {
		return err
	}
	e.issuer.RevokeSubject(identityID)
	if err := e.saveIndex(ix); err != nil {
		return err
	}
	log.Printf("[authengine] revoked identity=%s", sanitizeID(identityID))
	return nil
}

// WipeAllData destroys every template, the index and all outstanding
// tokens. For device loss or reset.
func (e *Engine) WipeAllData() error {
	ids, err := e.store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		e.issuer.RevokeSubject(id)
	}
	if err := e.store.Wipe(); err != nil {
		return err
	}
	e.index.get().Reset()
	e.replay.reset()
	log.Printf("[authengine] wiped all data (%d identities)", len(ids))
	return nil
}

// ExportPolicy serializes the active policy.
func (e *Engine) ExportPolicy() ([]byte, error) {
	return e.pol.get().Export()
}

// ImportPolicy installs a validated policy. Applies to sessions started
// after the call; templates keep the threshold they were enrolled under
// until re-enrollment.
func (e *Engine) ImportPolicy(data []byte) error {
	p, err := policy.Import(data)
	if err != nil {
		return err
	}
	e.pol.set(p)
	log.Printf("[authengine] policy imported threshold=%.2f ttl=%v", p.Threshold, p.TokenTTL)
	return nil
}

// captureAndExtract drains the stream into a window and extracts the
// feature vector. Raw events never leave this function.
func (e *Engine) captureAndExtract(ctx context.Context, stream <-chan telemetry.Event) ([]float64, error) {
	pol := e.pol.get()
	ctx, span := e.tracer.Start(ctx, "authengine.capture")
	defer span.End()

	collector := telemetry.NewCollector(telemetry.CollectorConfig{
		MinWindow:   pol.MinWindow,
		MinEvents:   pol.MinEvents,
		MaxDuration: pol.CaptureTimeout,
	})
	window, err := collector.Collect(ctx, stream)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("veilauth.window_events", len(window)))
	return e.extractor.Extract(window)
}

func (e *Engine) selectCandidates(claimed string, vec []float64) ([]string, error) {
	if claimed != "" {
		return []string{claimed}, nil
	}
	found, err := e.index.get().Query(vec, e.pol.get().TopK)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errors.New("no enrolled candidates")
	}
	ids := make([]string, len(found))
	for i, c := range found {
		ids[i] = c.ID
	}
	return ids, nil
}

// runProof constructs the proof on a bounded worker so heavy proof math
// never starves telemetry capture of other sessions.
func (e *Engine) runProof(ctx context.Context, vec []float64, secret *commitment.BlindingSecret, threshold float64, nonce []byte) (*commitment.Proof, error) {
	select {
	case e.proofSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	type result struct {
		proof *commitment.Proof
		err   error
	}
	resCh := make(chan result, 1)
	start := time.Now()
	go func() {
		defer func() { <-e.proofSem }()
		p, err := e.prover.Prove(vec, secret, threshold, nonce)
		resCh <- result{p, err}
	}()

	select {
	case res := <-resCh:
		e.metrics.proofDuration.Observe(time.Since(start).Seconds())
		return res.proof, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) persistIndexInsert(identityID string, vec []float64) error {
	ix := e.index.get()
	if err := ix.Insert(identityID, vec); err != nil {
		return err
	}
	return e.saveIndex(ix)
}

func (e *Engine) saveIndex(ix *vectorindex.Index) error {
	snap, err := ix.Serialize()
	if err != nil {
		return err
	}
	return e.store.SaveIndex(snap)
}

func (e *Engine) rollbackEnrollment(identityID string, existing *templatestore.Template, preIdx []byte) {
	if existing != nil {
		if err := e.store.Replace(existing); err != nil {
			log.Printf("[authengine] rollback replace identity=%s: %v", sanitizeID(identityID), err)
		}
	} else {
		if err := e.store.Delete(identityID); err != nil {
			log.Printf("[authengine] rollback delete identity=%s: %v", sanitizeID(identityID), err)
		}
	}
	if ix, err := vectorindex.Restore(preIdx); err == nil {
		e.index.set(ix)
	} else {
		log.Printf("[authengine] rollback index restore: %v", err)
	}
}
