package renew

import (
	"context"
	"time"
)

// SessionClient drives the provider web protocol. Every state-changing call
// returns a tagged result for the routine protocol branches; only
// transport-level and unexpected-shape failures are errors.
type SessionClient interface {
	// Begin fetches the login surface and extracts the dynamic session
	// identifier embedded in it.
	Begin(ctx context.Context) (*Session, error)

	// Authenticate submits the credentials, plus the captcha answer when
	// a prior call returned LoginChallengeRequired. The session
	// identifier is reused across that retry; if the provider reissues a
	// different one the client adopts it transparently.
	Authenticate(ctx context.Context, sess *Session, creds Credentials, answer string) (LoginResult, error)

	// SubmitTwoFactor submits a time-based one-time code. The result is
	// narrowed to LoginAuthenticated or LoginRejected.
	SubmitTwoFactor(ctx context.Context, sess *Session, code string) (LoginResult, error)

	// ListContracts fetches the contract list. Returns a session-expired
	// error when the provider serves the login surface instead, which it
	// does with HTTP 200.
	ListContracts(ctx context.Context, sess *Session) ([]Contract, error)

	// TriggerRenewalPin starts a renewal, causing the provider to send
	// the PIN email. Returns a not-eligible error if the contract's flag
	// flipped between listing and triggering.
	TriggerRenewalPin(ctx context.Context, sess *Session, contract Contract) (*PinRequest, error)

	// SubmitPin completes the renewal with the emailed PIN.
	SubmitPin(ctx context.Context, sess *Session, pin string) (SubmitResult, error)
}

// ChallengeSolver resolves a captcha challenge to its textual answer.
// Returns a captcha-class error when no tier produces one.
type ChallengeSolver interface {
	Resolve(ctx context.Context, ch *Challenge) (string, error)
}

// CodeGenerator produces the time-based second-factor code. Pure function
// of the shared secret and a 30-second time step.
type CodeGenerator interface {
	Generate(secret string, at time.Time) (string, error)
}

// PinFetcher locates today's renewal-PIN message and extracts the 6-digit
// code. Returns a pin-not-found error while the message has not arrived and
// an ambiguous-pin error when extraction is unsafe.
type PinFetcher interface {
	FetchTodaysPin(ctx context.Context) (string, error)
}

// Reporter consumes the single outcome record each run produces.
type Reporter interface {
	Report(ctx context.Context, outcome *Outcome) error
}

// Sleeper suspends for the given duration or until the context is done.
// Injectable so tests never wait for settle and retry delays.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
