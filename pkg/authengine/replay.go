package authengine

import (
	"encoding/hex"
	"sync"
	"time"
)

// replayCache is the process-wide nonce/nullifier cache. A nonce may be
// reserved exactly once within the TTL window; racing sessions contend on
// one mutex, so two attempts can never both reserve the same nonce.
// Entries expire after the TTL, which bounds memory without weakening the
// guarantee: proofs are bound to the nonce and a proof older than the TTL
// has long outlived its session.
type replayCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	sweeps int
}

func newReplayCache(ttl time.Duration) *replayCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &replayCache{seen: make(map[string]time.Time), ttl: ttl}
}

// reserve records the nonce and reports whether it was fresh. A false
// return is a replay.
func (rc *replayCache) reserve(nonce []byte) bool {
	key := hex.EncodeToString(nonce)
	now := time.Now()

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if at, ok := rc.seen[key]; ok && now.Sub(at) < rc.ttl {
		return false
	}
	rc.seen[key] = now

	// Amortized sweep keeps the map bounded without a background goroutine.
	rc.sweeps++
	if rc.sweeps%256 == 0 {
		cutoff := now.Add(-rc.ttl)
		for k, at := range rc.seen {
			if at.Before(cutoff) {
				delete(rc.seen, k)
			}
		}
	}
	return true
}

// reset drops all reservations. Only used by a full device wipe.
func (rc *replayCache) reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.seen = make(map[string]time.Time)
}
