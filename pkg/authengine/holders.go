package authengine

import (
	"sync"

	"veilauth/pkg/policy"
	"veilauth/pkg/vectorindex"
)

// policyHolder swaps the active policy atomically so in-progress sessions
// keep the policy they started under.
type policyHolder struct {
	mu sync.RWMutex
	p  policy.Policy
}

func (h *policyHolder) get() policy.Policy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.p
}

func (h *policyHolder) set(p policy.Policy) {
	h.mu.Lock()
	h.p = p
	h.mu.Unlock()
}

// indexHolder guards the index pointer. The index itself is safe for
// concurrent use; the pointer swap on rollback is what needs the lock.
type indexHolder struct {
	mu sync.RWMutex
	ix *vectorindex.Index
}

func (h *indexHolder) get() *vectorindex.Index {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ix
}

func (h *indexHolder) set(ix *vectorindex.Index) {
	h.mu.Lock()
	h.ix = ix
	h.mu.Unlock()
}

// inflightSet enforces one in-flight authentication per identity.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[string]struct{})}
}

func (s *inflightSet) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.ids[id]; busy {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) release(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}
