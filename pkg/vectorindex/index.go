// Package vectorindex selects candidate identities for an unclaimed
// authentication attempt. The privacy/speed trade-off from the design is
// resolved in favor of privacy: the index never stores raw feature vectors,
// only 256-bit sign-random-projection sketches. Angular similarity is
// approximated from sketch Hamming distance (cos(pi*h/bits)), which is all
// top-k candidate selection needs; the real decision is always made by the
// proof engine against the committed template.
//
// Search runs over a navigable small-world graph. Costs: insert is
// O(M*EfSearch) sketch comparisons, query O(EfSearch*log N); recall
// improves monotonically with EfSearch at proportional latency cost.
// Sketch comparison is 4 XOR+popcount words, so even exhaustive fallback
// is cheap at on-device population sizes.
package vectorindex

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sort"
	"sync"
)

const (
	sketchWords = 4
	sketchBits  = sketchWords * 64

	sketchSeed = "veilauth/sketch/v1"
)

var (
	// ErrNotFound means no entry exists for the identity.
	ErrNotFound = errors.New("vectorindex: identity not found")
	// ErrDimension means the query vector does not match the index.
	ErrDimension = errors.New("vectorindex: vector dimension mismatch")
)

// Candidate is one top-k result, ordered by descending ApproxSimilarity.
type Candidate struct {
	ID               string
	ApproxSimilarity float64
}

// Config tunes the recall/latency trade-off.
type Config struct {
	Dim      int // vector dimensionality; required
	M        int // max neighbors per node; default 12
	EfSearch int // beam width during search; default 48
}

type sketch [sketchWords]uint64

type node struct {
	ID        string   `json:"id"`
	Sketch    sketch   `json:"sketch"`
	Neighbors []string `json:"neighbors"`
}

// Index is an approximate nearest-neighbor structure over enrolled identity
// sketches. Safe for concurrent use; mutation takes the write lock, queries
// the read lock.
type Index struct {
	mu     sync.RWMutex
	cfg    Config
	planes [][]float64 // sketchBits x Dim, derived from sketchSeed
	nodes  map[string]*node
	entry  string
}

// New builds an empty index for vectors of cfg.Dim dimensions.
func New(cfg Config) (*Index, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("vectorindex: invalid dimension %d", cfg.Dim)
	}
	if cfg.M <= 0 {
		cfg.M = 12
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 48
	}
	return &Index{
		cfg:    cfg,
		planes: derivePlanes(cfg.Dim),
		nodes:  make(map[string]*node),
	}, nil
}

// Len returns the number of enrolled entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

// Insert adds or replaces the entry for identityID. Only the one-way sketch
// of vec is retained.
func (ix *Index) Insert(identityID string, vec []float64) error {
	if len(vec) != ix.cfg.Dim {
		return fmt.Errorf("%w: got %d want %d", ErrDimension, len(vec), ix.cfg.Dim)
	}
	sk := ix.sketchOf(vec)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.nodes[identityID]; ok {
		ix.removeLocked(identityID)
	}

	n := &node{ID: identityID, Sketch: sk}
	if len(ix.nodes) == 0 {
		ix.nodes[identityID] = n
		ix.entry = identityID
		return nil
	}

	// The node must be in the map before peers are wired: pruning a peer
	// compares against every neighbor, including the one just added.
	near := ix.searchLocked(sk, ix.cfg.M)
	ix.nodes[identityID] = n
	for _, c := range near {
		peer := ix.nodes[c.ID]
		n.Neighbors = append(n.Neighbors, peer.ID)
		peer.Neighbors = append(peer.Neighbors, identityID)
		ix.pruneLocked(peer)
	}
	return nil
}

// Remove deletes the entry for identityID.
func (ix *Index) Remove(identityID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.nodes[identityID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, identityID)
	}
	ix.removeLocked(identityID)
	return nil
}

// Reset drops every entry. Used by a device wipe.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nodes = make(map[string]*node)
	ix.entry = ""
}

// Query returns up to k candidates ordered by descending approximate
// similarity. Callers may re-query at will; the index is never mutated by
// a query.
func (ix *Index) Query(vec []float64, k int) ([]Candidate, error) {
	if len(vec) != ix.cfg.Dim {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimension, len(vec), ix.cfg.Dim)
	}
	if k <= 0 {
		k = 1
	}
	sk := ix.sketchOf(vec)

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	found := ix.searchLocked(sk, k)
	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		out = append(out, Candidate{ID: c.ID, ApproxSimilarity: hammingToSimilarity(c.dist)})
	}
	return out, nil
}

type scored struct {
	ID   string
	dist int
}

// searchLocked runs a greedy beam search from the entry point and returns
// the k closest nodes by sketch Hamming distance. Falls back to scanning
// disconnected remainders, which keeps recall exact on tiny populations.
func (ix *Index) searchLocked(sk sketch, k int) []scored {
	if len(ix.nodes) == 0 {
		return nil
	}
	ef := ix.cfg.EfSearch
	if ef < k {
		ef = k
	}

	visited := map[string]bool{}
	var frontier, result []scored

	push := func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		d := hamming(sk, ix.nodes[id].Sketch)
		frontier = append(frontier, scored{id, d})
		result = append(result, scored{id, d})
	}
	push(ix.entry)

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return frontier[i].dist < frontier[j].dist })
		cur := frontier[0]
		frontier = frontier[1:]

		sort.Slice(result, func(i, j int) bool { return result[i].dist < result[j].dist })
		if len(result) > ef {
			result = result[:ef]
		}
		if len(result) >= ef && cur.dist > result[len(result)-1].dist {
			break
		}
		for _, nb := range ix.nodes[cur.ID].Neighbors {
			push(nb)
		}
	}

	// Sweep nodes unreachable from the entry (graph may fragment after
	// removals); population is small enough that this stays cheap.
	for id, n := range ix.nodes {
		if !visited[id] {
			result = append(result, scored{id, hamming(sk, n.Sketch)})
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].dist < result[j].dist })
	if len(result) > k {
		result = result[:k]
	}
	return result
}

func (ix *Index) removeLocked(identityID string) {
	n := ix.nodes[identityID]
	for _, nb := range n.Neighbors {
		if peer, ok := ix.nodes[nb]; ok {
			peer.Neighbors = without(peer.Neighbors, identityID)
		}
	}
	delete(ix.nodes, identityID)
	if ix.entry == identityID {
		ix.entry = ""
		for id := range ix.nodes {
			ix.entry = id
			break
		}
	}
}

// pruneLocked keeps a node's neighbor list at the M closest peers.
func (ix *Index) pruneLocked(n *node) {
	if len(n.Neighbors) <= ix.cfg.M {
		return
	}
	sort.Slice(n.Neighbors, func(i, j int) bool {
		return hamming(n.Sketch, ix.nodes[n.Neighbors[i]].Sketch) <
			hamming(n.Sketch, ix.nodes[n.Neighbors[j]].Sketch)
	})
	dropped := n.Neighbors[ix.cfg.M:]
	n.Neighbors = n.Neighbors[:ix.cfg.M]
	for _, d := range dropped {
		if peer, ok := ix.nodes[d]; ok {
			peer.Neighbors = without(peer.Neighbors, n.ID)
		}
	}
}

func (ix *Index) sketchOf(vec []float64) sketch {
	var sk sketch
	for b, plane := range ix.planes {
		var dot float64
		for j, v := range vec {
			dot += plane[j] * v
		}
		if dot >= 0 {
			sk[b/64] |= 1 << uint(b%64)
		}
	}
	return sk
}

type indexSnapshot struct {
	Dim   int     `json:"dim"`
	M     int     `json:"m"`
	Ef    int     `json:"ef"`
	Entry string  `json:"entry"`
	Nodes []*node `json:"nodes"`
}

// Serialize captures the index for encrypted persistence alongside the
// template store.
func (ix *Index) Serialize() ([]byte, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	snap := indexSnapshot{Dim: ix.cfg.Dim, M: ix.cfg.M, Ef: ix.cfg.EfSearch, Entry: ix.entry}
	for _, n := range ix.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	return json.Marshal(snap)
}

// Restore rebuilds an index from a Serialize snapshot.
func Restore(data []byte) (*Index, error) {
	var snap indexSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("vectorindex: restore: %w", err)
	}
	ix, err := New(Config{Dim: snap.Dim, M: snap.M, EfSearch: snap.Ef})
	if err != nil {
		return nil, err
	}
	for _, n := range snap.Nodes {
		ix.nodes[n.ID] = n
	}
	ix.entry = snap.Entry
	if ix.entry == "" && len(ix.nodes) > 0 {
		for id := range ix.nodes {
			ix.entry = id
			break
		}
	}
	return ix, nil
}

func derivePlanes(dim int) [][]float64 {
	planes := make([][]float64, sketchBits)
	for b := range planes {
		row := make([]float64, dim)
		state := seedState(b)
		for j := range row {
			row[j] = normFromState(&state)
		}
		planes[b] = row
	}
	return planes
}

func seedState(plane int) uint64 {
	h := sha256.New()
	h.Write([]byte(sketchSeed))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(plane))
	h.Write(b[:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

func normFromState(state *uint64) float64 {
	next := func() float64 {
		*state += 0x9e3779b97f4a7c15
		z := *state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		return float64(z>>11) / float64(1<<53)
	}
	u1 := next()
	if u1 < 1e-12 {
		u1 = 1e-12
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*next())
}

func hamming(a, b sketch) int {
	var d int
	for i := 0; i < sketchWords; i++ {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d
}

// hammingToSimilarity maps sketch distance back to approximate cosine via
// the random-hyperplane collision bound.
func hammingToSimilarity(h int) float64 {
	return math.Cos(math.Pi * float64(h) / float64(sketchBits))
}

func without(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
