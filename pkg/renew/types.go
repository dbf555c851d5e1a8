package renew

import (
	"time"
)

// SessionCarrier describes how the provider carries the session identifier
// on subsequent requests. The carrier is probed at Begin() time rather than
// hardcoded, since the provider has switched between the two in the past.
type SessionCarrier string

const (
	// CarrierFormField carries the identifier as a hidden form field on
	// every POST.
	CarrierFormField SessionCarrier = "form_field"

	// CarrierCookie carries the identifier as a session cookie.
	CarrierCookie SessionCarrier = "cookie"
)

// Session is the provider-issued identifier correlating requests to one
// authenticated browsing context. It is owned by the session client for the
// lifetime of a single run and never persisted across runs.
type Session struct {
	// ID is the opaque dynamic identifier issued by the provider.
	ID string

	// Carrier is how the identifier travels on subsequent requests.
	Carrier SessionCarrier

	// IssuedAt is when the identifier was extracted.
	IssuedAt time.Time
}

// Credentials are the immutable inputs supplied once at run start.
// The password and TOTP secret must never appear in logs in cleartext.
type Credentials struct {
	Username string
	Password string

	// TOTPSecret is the optional base32 shared secret for the second
	// factor. Empty when the account has no 2FA enrolled.
	TOTPSecret string
}

// Challenge is a captcha image plus request metadata. A challenge is
// consumed exactly once: its answer is either accepted or the run fails and
// a fresh challenge must be fetched.
type Challenge struct {
	// Image is the raw challenge image bytes.
	Image []byte

	// MIME is the image content type as reported by the provider.
	MIME string

	// FetchedAt is when the image was downloaded.
	FetchedAt time.Time
}

// Contract is a provider-side resource with an identity, a plan type and a
// renewal-eligibility flag.
type Contract struct {
	// ID is the provider's contract/order number.
	ID string

	// Plan is the plan description as listed by the provider.
	Plan string

	// Eligible reports whether the contract may be renewed right now.
	Eligible bool
}

// PinRequest records a triggered renewal awaiting its PIN email. At most
// one PinRequest is in flight per run.
type PinRequest struct {
	ContractID  string
	TriggeredAt time.Time
}

// LoginResultKind tags the outcome of an authentication call.
type LoginResultKind string

const (
	// LoginAuthenticated means the provider accepted the credentials.
	LoginAuthenticated LoginResultKind = "authenticated"

	// LoginChallengeRequired means a captcha must be answered before the
	// call is re-invoked with the answer.
	LoginChallengeRequired LoginResultKind = "challenge_required"

	// LoginTwoFactorRequired means a time-based one-time code must be
	// submitted to complete authentication.
	LoginTwoFactorRequired LoginResultKind = "two_factor_required"

	// LoginRejected means the provider refused the credentials, answer
	// or code.
	LoginRejected LoginResultKind = "rejected"
)

// LoginResult is the tagged result of Authenticate and SubmitTwoFactor.
// Challenge is set only for LoginChallengeRequired.
type LoginResult struct {
	Kind      LoginResultKind
	Challenge *Challenge
}

// SubmitResultKind tags the outcome of a PIN submission.
type SubmitResultKind string

const (
	// SubmitConfirmed means the provider confirmed the renewal.
	SubmitConfirmed SubmitResultKind = "confirmed"

	// SubmitPinRejected means the provider refused the PIN.
	SubmitPinRejected SubmitResultKind = "pin_rejected"

	// SubmitSessionExpired means the session died between trigger and
	// submission.
	SubmitSessionExpired SubmitResultKind = "session_expired"
)

// SubmitResult is the tagged result of SubmitPin.
type SubmitResult struct {
	Kind SubmitResultKind
}

// State is a node of the orchestration state machine.
type State string

const (
	StateStart              State = "start"
	StateSessionEstablished State = "session_established"
	StateAuthenticated      State = "authenticated"
	StateContractsListed    State = "contracts_listed"
	StateNotDue             State = "not_due"
	StatePinTriggered       State = "pin_triggered"
	StatePinFetched         State = "pin_fetched"
	StateSubmitted          State = "submitted"
	StateFailed             State = "failed"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateNotDue, StateSubmitted, StateFailed:
		return true
	}
	return false
}

// Success reports whether the state is a terminal success outcome.
func (s State) Success() bool {
	return s == StateNotDue || s == StateSubmitted
}

// FailureReason names the failure edge taken into StateFailed.
type FailureReason string

const (
	FailNone            FailureReason = ""
	FailTransport       FailureReason = "transport"
	FailProtocol        FailureReason = "protocol"
	FailAuth            FailureReason = "auth"
	FailPinTimeout      FailureReason = "pin-timeout"
	FailPinRejected     FailureReason = "pin-rejected"
	FailSessionLostLate FailureReason = "session-lost-late"
	FailUnknown         FailureReason = "unknown"
)

// Proposal is the next-attempt suggestion handed to the external scheduler.
// The orchestrator proposes, the scheduling collaborator owns the persisted
// schedule state.
type Proposal struct {
	// NextRun is the proposed timestamp of the next invocation.
	NextRun time.Time `json:"next_run"`

	// RetryCount is the same-day attempt counter after this run.
	RetryCount int `json:"retry_count"`

	// Deferred is true when the same-day retry bound was exhausted and
	// the next attempt moved to the next calendar day.
	Deferred bool `json:"deferred"`
}

// Outcome is the single structured record every run produces for the
// reporter and the scheduler, success or not.
type Outcome struct {
	// RunID identifies the orchestration run.
	RunID string `json:"run_id"`

	// State is the final state the run reached.
	State State `json:"state"`

	// Reason is set when State is StateFailed.
	Reason FailureReason `json:"reason,omitempty"`

	// Error is the failure message, if any.
	Error string `json:"error,omitempty"`

	// ContractID is the free-tier contract the run acted on, when known.
	ContractID string `json:"contract_id,omitempty"`

	// StartedAt and CompletedAt bound the run.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Proposal is the next-attempt suggestion for the scheduler.
	Proposal Proposal `json:"proposal"`
}

// Success reports whether the run ended in a terminal success state.
func (o *Outcome) Success() bool {
	return o.State.Success()
}

// NeedsMaintenance reports whether the failure indicates the automation
// itself needs attention rather than a transient provider condition.
func (o *Outcome) NeedsMaintenance() bool {
	return o.Reason == FailProtocol
}
