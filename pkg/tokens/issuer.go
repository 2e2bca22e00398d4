// Package tokens mints and validates short-lived authentication tokens.
// Tokens are JWTs signed with a device-bound Ed25519 key; validation checks
// signature, expiry and the revocation list, and never repairs or extends a
// token.
package tokens

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("tokens: invalid token")
	ErrExpiredToken = errors.New("tokens: token has expired")
	ErrTokenRevoked = errors.New("tokens: token has been revoked")
)

// DefaultTTL is the documented deployment default for token lifetime.
const DefaultTTL = 5 * time.Minute

// Claims are the signed token contents.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// AuthToken is the caller-visible result of a successful authentication.
type AuthToken struct {
	Token     string    `json:"token"`
	SubjectID string    `json:"subject_id"`
	Scope     string    `json:"scope"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ID        string    `json:"id"` // jti
}

// IssuerConfig configures an Issuer. A nil PrivateKey generates a fresh
// device-bound key; in deployment the key comes from the device keystore.
type IssuerConfig struct {
	PrivateKey ed25519.PrivateKey
	TTL        time.Duration
	Issuer     string
}

// Issuer signs and validates tokens. Safe for concurrent use.
type Issuer struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	ttl     time.Duration
	issuer  string
	revoked *revocationList
}

// NewIssuer creates an issuer with defaulted config.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.PrivateKey == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("tokens: keygen: %w", err)
		}
		cfg.PrivateKey = priv
	}
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("tokens: invalid ed25519 private key length %d", len(cfg.PrivateKey))
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "veilauth"
	}
	return &Issuer{
		priv:    cfg.PrivateKey,
		pub:     cfg.PrivateKey.Public().(ed25519.PublicKey),
		ttl:     cfg.TTL,
		issuer:  cfg.Issuer,
		revoked: newRevocationList(),
	}, nil
}

// PublicKey returns the verification key for relying parties.
func (is *Issuer) PublicKey() ed25519.PublicKey { return is.pub }

// Issue mints a token for identityID with the given scope. TTL is fixed by
// deployment policy; expiry is always issuedAt + TTL.
func (is *Issuer) Issue(identityID, scope string) (*AuthToken, error) {
	now := time.Now()
	exp := now.Add(is.ttl)
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    is.issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(is.priv)
	if err != nil {
		return nil, fmt.Errorf("tokens: sign: %w", err)
	}
	is.revoked.track(identityID, claims.ID, exp)
	return &AuthToken{
		Token:     signed,
		SubjectID: identityID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: exp,
		ID:        claims.ID,
	}, nil
}

// Validate checks signature, expiry and revocation. Expired or
// invalid-signature tokens are rejected outright.
func (is *Issuer) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return is.pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithIssuer(is.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if is.revoked.isRevoked(claims.ID) {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// RevokeToken revokes a single token by jti.
func (is *Issuer) RevokeToken(jti string) {
	is.revoked.revoke(jti)
}

// RevokeSubject revokes every outstanding token for an identity. Called on
// identity revocation and device wipe.
func (is *Issuer) RevokeSubject(identityID string) {
	is.revoked.revokeSubject(identityID)
}

// revocationList tracks outstanding jtis per subject and the revoked set.
// Entries drop off once the underlying token has expired anyway.
type revocationList struct {
	mu        sync.Mutex
	bySubject map[string]map[string]time.Time // subject -> jti -> expiry
	revoked   map[string]time.Time            // jti -> expiry
}

func newRevocationList() *revocationList {
	return &revocationList{
		bySubject: make(map[string]map[string]time.Time),
		revoked:   make(map[string]time.Time),
	}
}

func (rl *revocationList) track(subject, jti string, exp time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	m := rl.bySubject[subject]
	if m == nil {
		m = make(map[string]time.Time)
		rl.bySubject[subject] = m
	}
	m[jti] = exp
	rl.sweepLocked()
}

func (rl *revocationList) revoke(jti string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.revoked[jti] = time.Now().Add(DefaultTTL)
}

func (rl *revocationList) revokeSubject(subject string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for jti, exp := range rl.bySubject[subject] {
		rl.revoked[jti] = exp
	}
	delete(rl.bySubject, subject)
}

func (rl *revocationList) isRevoked(jti string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	_, ok := rl.revoked[jti]
	return ok
}

func (rl *revocationList) sweepLocked() {
	now := time.Now()
	for jti, exp := range rl.revoked {
		if exp.Before(now) {
			delete(rl.revoked, jti)
		}
	}
	for sub, m := range rl.bySubject {
		for jti, exp := range m {
			if exp.Before(now) {
				delete(m, jti)
			}
		}
		if len(m) == 0 {
			delete(rl.bySubject, sub)
		}
	}
}
