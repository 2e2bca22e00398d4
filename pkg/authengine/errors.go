package authengine

import "errors"

var (
	// ErrAuthenticationRejected is the single caller-visible outcome of any
	// failed authentication attempt. The internal reason is retained for
	// audit logging only, so the caller surface leaks no oracle about why
	// an attempt failed.
	ErrAuthenticationRejected = errors.New("authengine: authentication rejected")

	// ErrReplayDetected means a nonce was presented twice. Always rejected
	// with no partial credit, even when the similarity would have passed.
	ErrReplayDetected = errors.New("authengine: replay detected")

	// ErrAttemptInFlight means another authentication attempt for the same
	// identity is already running.
	ErrAttemptInFlight = errors.New("authengine: attempt already in flight for identity")

	// ErrAlreadyEnrolled means enrollment was requested without the
	// re-enrollment flag for an identity that already has a template.
	ErrAlreadyEnrolled = errors.New("authengine: identity already enrolled")

	// ErrEnrollmentFailed wraps the typed cause of a failed enrollment.
	// The caller decides whether to re-capture; nothing is retried here.
	ErrEnrollmentFailed = errors.New("authengine: enrollment failed")

	// ErrTimeout means a session step exceeded its deadline.
	ErrTimeout = errors.New("authengine: session timed out")

	// errGrantFinalize marks a failure after the proof already verified
	// (template update or token signing). The attempt is over at that
	// point; no further candidates are probed.
	errGrantFinalize = errors.New("authengine: grant finalization failed")
)

// rejectReason labels failed attempts in the audit log and metrics. Never
// exposed through the caller-facing error.
type rejectReason string

const (
	reasonCapture       rejectReason = "capture"
	reasonExtraction    rejectReason = "extraction"
	reasonVersion       rejectReason = "version_mismatch"
	reasonNoTemplate    rejectReason = "template_not_found"
	reasonNoCandidates  rejectReason = "no_candidates"
	reasonReplay        rejectReason = "replay"
	reasonProof         rejectReason = "proof_construction"
	reasonVerify        rejectReason = "verification_failed"
	reasonStorage       rejectReason = "storage"
	reasonTimeout       rejectReason = "timeout"
	reasonInFlight      rejectReason = "attempt_in_flight"
)
