// Package commitment hides feature vectors behind Pedersen commitments over
// ristretto255 while still allowing similarity verification. A commitment
// binds a quantized vector and a random blinding scalar; an authentication
// proof is a Fiat-Shamir Schnorr proof of knowledge of the opening, bound to
// the configured threshold and a single-use nonce.
//
// The prover computes the true cosine similarity between the fresh and the
// reference vector and refuses to construct a proof for a false statement.
// A party without the blinding secret cannot forge a proof at all, since the
// proof requires the full opening of the commitment. Proof size and
// verification cost are both O(D) in the vector dimensionality.
package commitment

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cloudflare/circl/group"
)

var (
	// ErrDimension means an input vector does not match the engine's
	// configured dimensionality.
	ErrDimension = errors.New("commitment: vector dimension mismatch")
	// ErrStatementFalse means the similarity between the fresh and the
	// reference vector is below the threshold; no proof is produced.
	ErrStatementFalse = errors.New("commitment: similarity below threshold, refusing to prove")
	// ErrBadThreshold means the threshold is outside (0, 1].
	ErrBadThreshold = errors.New("commitment: threshold must be in (0, 1]")
	// ErrMalformedProof means a proof or commitment failed to parse.
	ErrMalformedProof = errors.New("commitment: malformed proof or commitment")
	// ErrMalformedSecret means a blinding secret failed to parse.
	ErrMalformedSecret = errors.New("commitment: malformed blinding secret")
)

const (
	// quantScale is the fixed-point scale applied before committing.
	// Vectors are L2-normalized, so components fit comfortably.
	quantScale = 1 << 12

	proofVersion  = 1
	secretVersion = 1

	dstGenerators = "veilauth/pedersen/gen/v1"
	dstChallenge  = "veilauth/pedersen/chal/v1"
)

// Commitment is the opaque, binding and hiding encoding of a vector. It is
// a single compressed group element regardless of dimensionality.
type Commitment struct {
	Data []byte
}

// Proof is an opaque, single-use proof bound to {commitment, threshold,
// nonce}. Layout: version | dim | A | z_r | z_1..z_D.
type Proof struct {
	Data []byte
}

// BlindingSecret is the opening of a commitment: the blinding scalar and
// the quantized vector. It must never leave the device's trusted boundary;
// the template store seals it at rest.
type BlindingSecret struct {
	r group.Scalar
	q []int64
}

// Engine performs commit/prove/verify for vectors of a fixed dimension.
// Generators are derived by hashing to the group, so every device agrees on
// them without a trusted setup. Safe for concurrent use after construction.
type Engine struct {
	g    group.Group
	dim  int
	gens []group.Element // G_1..G_D
	h    group.Element   // blinding base
}

// NewEngine derives the Pedersen generator set for the given dimension.
func NewEngine(dim int) (*Engine, error) {
	if dim <= 0 || dim > 1<<15 {
		return nil, fmt.Errorf("%w: invalid dimension %d", ErrDimension, dim)
	}
	g := group.Ristretto255
	gens := make([]group.Element, dim)
	for i := range gens {
		var label [8]byte
		binary.BigEndian.PutUint64(label[:], uint64(i))
		gens[i] = g.HashToElement(label[:], []byte(dstGenerators))
	}
	h := g.HashToElement([]byte("blinding"), []byte(dstGenerators))
	return &Engine{g: g, dim: dim, gens: gens, h: h}, nil
}

// Dim returns the engine's vector dimensionality.
func (e *Engine) Dim() int { return e.dim }

// Commit produces a binding, hiding commitment to vec and the secret needed
// to later open it in proofs.
func (e *Engine) Commit(vec []float64) (Commitment, *BlindingSecret, error) {
	if len(vec) != e.dim {
		return Commitment{}, nil, fmt.Errorf("%w: got %d want %d", ErrDimension, len(vec), e.dim)
	}
	q := quantize(vec)
	r := e.g.RandomNonZeroScalar(rand.Reader)

	c, err := e.commitQuantized(q, r)
	if err != nil {
		return Commitment{}, nil, err
	}
	raw, err := c.MarshalBinary()
	if err != nil {
		return Commitment{}, nil, fmt.Errorf("commitment: marshal: %w", err)
	}
	return Commitment{Data: raw}, &BlindingSecret{r: r, q: q}, nil
}

// Prove constructs a proof that cosineSimilarity(current, reference) >=
// threshold, bound to nonce, without revealing either vector. The reference
// is taken from the blinding secret's quantized form so the proof opens the
// exact committed value. Fails with ErrStatementFalse when the similarity
// truly is below threshold: the engine never proves a false statement.
func (e *Engine) Prove(current []float64, refSecret *BlindingSecret, threshold float64, nonce []byte) (*Proof, error) {
	if len(current) != e.dim {
		return nil, fmt.Errorf("%w: current has %d dims, want %d", ErrDimension, len(current), e.dim)
	}
	if refSecret == nil || len(refSecret.q) != e.dim || refSecret.r == nil {
		return nil, fmt.Errorf("%w: reference secret", ErrMalformedSecret)
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: %f", ErrBadThreshold, threshold)
	}

	sim := cosine(current, refSecret.Vector())
	if sim < threshold {
		return nil, fmt.Errorf("%w: similarity %.4f < threshold %.4f", ErrStatementFalse, sim, threshold)
	}

	// Schnorr proof of knowledge of the opening (q, r) of C.
	c, err := e.commitQuantized(refSecret.q, refSecret.r)
	if err != nil {
		return nil, err
	}

	a := make([]group.Scalar, e.dim)
	acc := e.g.Identity()
	tmp := e.g.NewElement()
	for i := range a {
		a[i] = e.g.RandomScalar(rand.Reader)
		tmp.Mul(e.gens[i], a[i])
		acc.Add(acc, tmp)
	}
	s := e.g.RandomScalar(rand.Reader)
	tmp.Mul(e.h, s)
	announce := e.g.NewElement()
	announce.Add(acc, tmp)

	chal, err := e.challenge(c, announce, threshold, nonce)
	if err != nil {
		return nil, err
	}

	// Responses z_i = a_i + chal*q_i are one-time-pad shifted by the random
	// a_i, so they carry no information about the vector.
	zr := e.g.NewScalar()
	zr.Mul(chal, refSecret.r)
	zr.Add(zr, s)

	z := make([]group.Scalar, e.dim)
	for i := range z {
		qi := scalarFromInt(e.g, refSecret.q[i])
		zi := e.g.NewScalar()
		zi.Mul(chal, qi)
		zi.Add(zi, a[i])
		z[i] = zi
	}

	return e.marshalProof(announce, zr, z)
}

// Verify checks a proof against a commitment, threshold and nonce. It is
// deterministic and side-effect-free; nonce freshness is enforced by the
// caller's replay cache, not here.
func (e *Engine) Verify(proof *Proof, com Commitment, threshold float64, nonce []byte) bool {
	if proof == nil || threshold <= 0 || threshold > 1 {
		return false
	}
	announce, zr, z, err := e.unmarshalProof(proof)
	if err != nil {
		return false
	}
	c := e.g.NewElement()
	if err := c.UnmarshalBinary(com.Data); err != nil {
		return false
	}

	chal, err := e.challenge(c, announce, threshold, nonce)
	if err != nil {
		return false
	}

	// sum(z_i * G_i) + z_r * H == A + chal * C
	lhs := e.g.Identity()
	tmp := e.g.NewElement()
	for i := range z {
		tmp.Mul(e.gens[i], z[i])
		lhs.Add(lhs, tmp)
	}
	tmp.Mul(e.h, zr)
	lhs.Add(lhs, tmp)

	rhs := e.g.NewElement()
	rhs.Mul(c, chal)
	rhs.Add(rhs, announce)

	return lhs.IsEqual(rhs)
}

func (e *Engine) commitQuantized(q []int64, r group.Scalar) (group.Element, error) {
	if len(q) != e.dim {
		return nil, ErrDimension
	}
	acc := e.g.Identity()
	tmp := e.g.NewElement()
	for i, qi := range q {
		if qi == 0 {
			continue
		}
		tmp.Mul(e.gens[i], scalarFromInt(e.g, qi))
		acc.Add(acc, tmp)
	}
	tmp.Mul(e.h, r)
	acc.Add(acc, tmp)
	return acc, nil
}

// challenge derives the Fiat-Shamir challenge from the full transcript.
func (e *Engine) challenge(c, announce group.Element, threshold float64, nonce []byte) (group.Scalar, error) {
	cb, err := c.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("commitment: marshal commitment: %w", err)
	}
	ab, err := announce.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("commitment: marshal announcement: %w", err)
	}
	transcript := make([]byte, 0, len(cb)+len(ab)+4+len(nonce))
	transcript = append(transcript, cb...)
	transcript = append(transcript, ab...)
	var thr [4]byte
	binary.BigEndian.PutUint32(thr[:], uint32(math.Round(threshold*1e6)))
	transcript = append(transcript, thr[:]...)
	transcript = append(transcript, nonce...)
	return e.g.HashToScalar(transcript, []byte(dstChallenge)), nil
}

func (e *Engine) marshalProof(announce group.Element, zr group.Scalar, z []group.Scalar) (*Proof, error) {
	ab, err := announce.MarshalBinary()
	if err != nil {
		return nil, err
	}
	zrb, err := zr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 3+len(ab)+len(zrb)*(len(z)+1))
	buf = append(buf, proofVersion)
	var dim [2]byte
	binary.BigEndian.PutUint16(dim[:], uint16(e.dim))
	buf = append(buf, dim[:]...)
	buf = append(buf, ab...)
	buf = append(buf, zrb...)
	for _, zi := range z {
		zb, err := zi.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = append(buf, zb...)
	}
	return &Proof{Data: buf}, nil
}

func (e *Engine) unmarshalProof(p *Proof) (group.Element, group.Scalar, []group.Scalar, error) {
	params := e.g.Params()
	elemLen := int(params.CompressedElementLength)
	scalLen := int(params.ScalarLength)

	data := p.Data
	if len(data) < 3 {
		return nil, nil, nil, ErrMalformedProof
	}
	if data[0] != proofVersion {
		return nil, nil, nil, fmt.Errorf("%w: version %d", ErrMalformedProof, data[0])
	}
	dim := int(binary.BigEndian.Uint16(data[1:3]))
	if dim != e.dim {
		return nil, nil, nil, fmt.Errorf("%w: dim %d want %d", ErrMalformedProof, dim, e.dim)
	}
	want := 3 + elemLen + scalLen*(dim+1)
	if len(data) != want {
		return nil, nil, nil, fmt.Errorf("%w: length %d want %d", ErrMalformedProof, len(data), want)
	}
	off := 3

	announce := e.g.NewElement()
	if err := announce.UnmarshalBinary(data[off : off+elemLen]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	off += elemLen

	zr := e.g.NewScalar()
	if err := zr.UnmarshalBinary(data[off : off+scalLen]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	off += scalLen

	z := make([]group.Scalar, dim)
	for i := range z {
		zi := e.g.NewScalar()
		if err := zi.UnmarshalBinary(data[off : off+scalLen]); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
		}
		off += scalLen
		z[i] = zi
	}
	return announce, zr, z, nil
}

// Vector dequantizes the committed reference back to floats. Only callable
// inside the trusted boundary that holds the secret.
func (b *BlindingSecret) Vector() []float64 {
	out := make([]float64, len(b.q))
	for i, qi := range b.q {
		out[i] = float64(qi) / quantScale
	}
	return out
}

// MarshalBinary seals the secret for encrypted storage.
// Layout: version | dim | r | q_1..q_D (int32 big endian).
func (b *BlindingSecret) MarshalBinary() ([]byte, error) {
	if b.r == nil {
		return nil, ErrMalformedSecret
	}
	rb, err := b.r.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 3+len(rb)+4*len(b.q))
	buf = append(buf, secretVersion)
	var dim [2]byte
	binary.BigEndian.PutUint16(dim[:], uint16(len(b.q)))
	buf = append(buf, dim[:]...)
	buf = append(buf, rb...)
	for _, qi := range b.q {
		var w [4]byte
		binary.BigEndian.PutUint32(w[:], uint32(int32(qi)))
		buf = append(buf, w[:]...)
	}
	return buf, nil
}

// UnmarshalBlindingSecret restores a sealed secret.
func UnmarshalBlindingSecret(data []byte) (*BlindingSecret, error) {
	g := group.Ristretto255
	scalLen := int(g.Params().ScalarLength)
	if len(data) < 3+scalLen {
		return nil, ErrMalformedSecret
	}
	if data[0] != secretVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedSecret, data[0])
	}
	dim := int(binary.BigEndian.Uint16(data[1:3]))
	if len(data) != 3+scalLen+4*dim {
		return nil, fmt.Errorf("%w: length", ErrMalformedSecret)
	}
	r := g.NewScalar()
	if err := r.UnmarshalBinary(data[3 : 3+scalLen]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}
	q := make([]int64, dim)
	off := 3 + scalLen
	for i := range q {
		q[i] = int64(int32(binary.BigEndian.Uint32(data[off : off+4])))
		off += 4
	}
	return &BlindingSecret{r: r, q: q}, nil
}

func quantize(vec []float64) []int64 {
	q := make([]int64, len(vec))
	for i, v := range vec {
		q[i] = int64(math.Round(v * quantScale))
	}
	return q
}

func scalarFromInt(g group.Group, x int64) group.Scalar {
	s := g.NewScalar()
	if x >= 0 {
		s.SetUint64(uint64(x))
		return s
	}
	s.SetUint64(uint64(-x))
	s.Neg(s)
	return s
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return -1
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, sim))
}
