package authengine

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the authentication state machine position of one session.
type State int

const (
	StateIdle State = iota
	StateEnrolling
	StateEnrolled
	StateAuthenticating
	StateGranted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnrolling:
		return "enrolling"
	case StateEnrolled:
		return "enrolled"
	case StateAuthenticating:
		return "authenticating"
	case StateGranted:
		return "granted"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// validNext encodes the only legal transitions. No transition may be
// skipped or re-ordered; a bug that tries shows up as a hard error here
// rather than as a silently inconsistent session.
var validNext = map[State][]State{
	StateIdle:           {StateEnrolling, StateAuthenticating},
	StateEnrolling:      {StateEnrolled, StateIdle},
	StateEnrolled:       {StateAuthenticating, StateIdle},
	StateAuthenticating: {StateGranted, StateRejected},
	StateGranted:        {StateIdle},
	StateRejected:       {StateIdle},
}

// SessionContext carries the explicit per-session state through the
// pipeline. One session, one identity, one sequential pass; there is no
// process-wide mutable session state.
type SessionContext struct {
	ID         string
	IdentityID string
	State      State
	StartedAt  time.Time
}

func newSession(identityID string) *SessionContext {
	return &SessionContext{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		State:      StateIdle,
		StartedAt:  time.Now(),
	}
}

// transition moves the session to the next state, enforcing the table
// above. All transitions are synchronous with respect to the caller.
func (sc *SessionContext) transition(to State) error {
	for _, next := range validNext[sc.State] {
		if next == to {
			log.Printf("[authengine] session=%s identity=%s %s -> %s", sc.ID, sanitizeID(sc.IdentityID), sc.State, to)
			sc.State = to
			return nil
		}
	}
	return fmt.Errorf("authengine: illegal transition %s -> %s (session %s)", sc.State, to, sc.ID)
}

// sanitizeID strips anything that could smuggle log injection or PII
// beyond the identifier itself, and bounds length.
func sanitizeID(id string) string {
	if id == "" {
		return "-"
	}
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
