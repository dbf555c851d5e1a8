package renew

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/renewd/renewd/pkg/telemetry"
)

// Config tunes a single orchestration run.
type Config struct {
	// FreeContractMarker selects the free-tier contract by plan substring.
	FreeContractMarker string

	// SettleDelay is the wait after triggering the PIN email before the
	// first fetch attempt, allowing for mail delivery latency.
	SettleDelay time.Duration

	// PinFetchAttempts bounds the PIN fetch retry loop.
	PinFetchAttempts int

	// PinFetchInterval is the delay between PIN fetch attempts.
	PinFetchInterval time.Duration

	// RetriggerOnPinReject allows one fresh trigger/fetch/submit cycle
	// after a rejected PIN instead of failing the run. Off by default:
	// repeated triggers risk provider rate limiting.
	RetriggerOnPinReject bool

	// Policy is the retry/reschedule policy applied to the outcome.
	Policy Policy
}

// DefaultConfig returns the run configuration matching the provider's
// observed mail latency and rate limits.
func DefaultConfig() Config {
	return Config{
		SettleDelay:      15 * time.Second,
		PinFetchAttempts: 3,
		PinFetchInterval: 30 * time.Second,
		Policy:           DefaultPolicy(),
	}
}

// Orchestrator drives the session client, challenge solver, code generator
// and PIN fetcher through the full renewal protocol as a finite state
// machine. All run state is carried in locals so concurrent runs in tests
// never interfere; the external scheduler guarantees at most one live run.
type Orchestrator struct {
	cfg     Config
	creds   Credentials
	session SessionClient
	solver  ChallengeSolver
	codes   CodeGenerator
	pins    PinFetcher

	sleep   Sleeper
	now     func() time.Time
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSleeper replaces the delay implementation. Used by tests.
func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) { o.sleep = s }
}

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer attaches a tracer; each run becomes a span with per-state
// events.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator wires the collaborators into a runnable state machine.
// solver may be nil when the account never sees captchas; codes may be nil
// when no 2FA secret is configured.
func NewOrchestrator(cfg Config, creds Credentials, session SessionClient, solver ChallengeSolver, codes CodeGenerator, pins PinFetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		creds:   creds,
		session: session,
		solver:  solver,
		codes:   codes,
		pins:    pins,
		sleep:   SleepContext,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one bounded orchestration run and always returns exactly one
// outcome, even on panic. retryCount is the persisted same-day counter
// before this run; the returned outcome carries the proposal derived from
// it.
func (o *Orchestrator) Run(ctx context.Context, retryCount int) (outcome *Outcome) {
	runID := uuid.NewString()
	log := telemetry.FromContext(ctx).NewComponentLogger("orchestrator").WithRunID(runID)

	outcome = &Outcome{
		RunID:     runID,
		StartedAt: o.now(),
		State:     StateStart,
	}

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartRunSpan(ctx, runID)
		defer span.End()
	}

	o.metrics.RunStarted()

	// No run may terminate without an outcome: the scheduler always needs
	// a next-attempt proposal.
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("run panicked: %v", r)
			outcome.State = StateFailed
			outcome.Reason = FailUnknown
			outcome.Error = fmt.Sprintf("panic: %v", r)
		}
		outcome.CompletedAt = o.now()
		outcome.Proposal = o.cfg.Policy.Propose(outcome.CompletedAt, outcome.State, retryCount)
		o.metrics.RunCompleted(string(outcome.State), string(outcome.Reason), outcome.CompletedAt.Sub(outcome.StartedAt))
		log.WithField("state", string(outcome.State)).
			WithField("next_run", outcome.Proposal.NextRun.Format(time.RFC3339)).
			Info("run finished")
	}()

	state, contractID, err := o.execute(ctx, log)
	outcome.State = state
	outcome.ContractID = contractID
	if err != nil {
		outcome.Reason = failureReason(err)
		outcome.Error = err.Error()
		log.WithError(err).Warn("run failed")
	}
	return outcome
}

// execute walks the state machine once. A session expiring at the contract
// listing restarts the walk from Start a single time; session timeouts
// mid-flow are expected and self-healing.
func (o *Orchestrator) execute(ctx context.Context, log *telemetry.Logger) (State, string, error) {
	restarted := false

	for {
		sess, err := o.session.Begin(ctx)
		if err != nil {
			return StateFailed, "", err
		}
		o.transition(ctx, log, StateSessionEstablished)

		if err := o.authenticate(ctx, log, sess); err != nil {
			return StateFailed, "", err
		}
		o.transition(ctx, log, StateAuthenticated)

		contracts, err := o.session.ListContracts(ctx, sess)
		if err != nil {
			if IsSessionExpired(err) && !restarted {
				restarted = true
				log.Warn("session expired before contract listing, restarting from authentication")
				continue
			}
			return StateFailed, "", err
		}
		o.transition(ctx, log, StateContractsListed)

		contract, ok := o.selectFreeContract(contracts)
		if !ok {
			return StateFailed, "", NewProtocolError("free-tier contract not found in contract list", nil).WithOp("list_contracts")
		}
		clog := log.WithField("contract_id", contract.ID)

		if !contract.Eligible {
			clog.Info("contract not yet due for renewal")
			o.transition(ctx, clog, StateNotDue)
			return StateNotDue, contract.ID, nil
		}

		state, err := o.renewContract(ctx, clog, sess, contract)
		return state, contract.ID, err
	}
}

// authenticate performs the credential exchange, resolving at most one
// captcha challenge and one second-factor round.
func (o *Orchestrator) authenticate(ctx context.Context, log *telemetry.Logger, sess *Session) error {
	res, err := o.session.Authenticate(ctx, sess, o.creds, "")
	if err != nil {
		return err
	}

	if res.Kind == LoginChallengeRequired {
		if o.solver == nil {
			return NewCaptchaError("challenge issued but no solver configured", nil)
		}
		log.Info("captcha challenge issued, resolving")
		answer, rerr := o.solver.Resolve(ctx, res.Challenge)
		if rerr != nil {
			return rerr
		}
		res, err = o.session.Authenticate(ctx, sess, o.creds, answer)
		if err != nil {
			return err
		}
		if res.Kind == LoginChallengeRequired {
			// A second challenge in the same attempt means the answer
			// was wrong. Never loop on the same challenge.
			return NewAuthError("captcha answer rejected", nil).WithOp("authenticate")
		}
	}

	if res.Kind == LoginTwoFactorRequired {
		if o.creds.TOTPSecret == "" || o.codes == nil {
			return NewAuthError("two-factor required but no shared secret configured", nil).WithOp("authenticate")
		}
		code, gerr := o.codes.Generate(o.creds.TOTPSecret, o.now())
		if gerr != nil {
			return NewAuthError("second-factor code generation failed", gerr).WithOp("authenticate")
		}
		res, err = o.session.SubmitTwoFactor(ctx, sess, code)
		if err != nil {
			return err
		}
	}

	if res.Kind != LoginAuthenticated {
		return NewAuthError("provider rejected the credentials", nil).WithOp("authenticate")
	}
	return nil
}

// renewContract runs the PIN flow: trigger, settle, bounded fetch, submit.
// At most one PinRequest is in flight; a second trigger happens only under
// the explicit pin-reject re-trigger policy, after the first request has
// fully resolved.
func (o *Orchestrator) renewContract(ctx context.Context, log *telemetry.Logger, sess *Session, contract Contract) (State, error) {
	retriggers := 0
	for {
		req, err := o.session.TriggerRenewalPin(ctx, sess, contract)
		if err != nil {
			if IsClass(err, ClassNotEligible) {
				// Eligibility flipped between listing and triggering.
				// Benign: nothing to renew.
				log.Info("contract no longer eligible at trigger time")
				o.transition(ctx, log, StateNotDue)
				return StateNotDue, nil
			}
			return StateFailed, err
		}
		o.transition(ctx, log, StatePinTriggered)
		log.WithField("triggered_at", req.TriggeredAt.Format(time.RFC3339)).
			Infof("renewal PIN requested, settling %s before first fetch", o.cfg.SettleDelay)

		if err := o.sleep(ctx, o.cfg.SettleDelay); err != nil {
			return StateFailed, NewTransportError("run cancelled during settle delay", err)
		}

		pin, err := o.fetchPin(ctx, log)
		if err != nil {
			return StateFailed, err
		}
		o.transition(ctx, log, StatePinFetched)

		res, err := o.session.SubmitPin(ctx, sess, pin)
		if err != nil {
			return StateFailed, err
		}
		switch res.Kind {
		case SubmitConfirmed:
			o.transition(ctx, log, StateSubmitted)
			return StateSubmitted, nil
		case SubmitSessionExpired:
			// Restarting here would require a fresh PIN trigger and
			// risks duplicate renewal side effects.
			return StateFailed, &Error{Class: ClassSessionExpired, Message: "session lost after PIN trigger", Op: "submit_pin"}
		case SubmitPinRejected:
			if o.cfg.RetriggerOnPinReject && retriggers == 0 {
				retriggers++
				log.Warn("PIN rejected, re-triggering once per policy")
				continue
			}
			return StateFailed, NewPinRejectedError("provider rejected the submitted PIN")
		default:
			return StateFailed, NewProtocolError(fmt.Sprintf("unexpected submit result %q", res.Kind), nil)
		}
	}
}

// fetchPin retries the mailbox reader a bounded number of times while the
// PIN message has not arrived. Ambiguous extractions abort immediately.
func (o *Orchestrator) fetchPin(ctx context.Context, log *telemetry.Logger) (string, error) {
	attempts := o.cfg.PinFetchAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; ; i++ {
		pin, err := o.pins.FetchTodaysPin(ctx)
		o.metrics.PinFetchAttempt(err == nil)
		if err == nil {
			return pin, nil
		}
		if !IsPinNotFound(err) {
			return "", err
		}
		if i >= attempts {
			return "", NewPinNotFoundError(fmt.Sprintf("PIN message not found after %d attempts", attempts))
		}
		log.Infof("PIN message not found (attempt %d/%d), retrying in %s", i, attempts, o.cfg.PinFetchInterval)
		if err := o.sleep(ctx, o.cfg.PinFetchInterval); err != nil {
			return "", NewTransportError("run cancelled while waiting for PIN message", err)
		}
	}
}

// selectFreeContract filters the contract list for the free-tier contract.
// Without a configured marker a single-contract list is taken as-is.
func (o *Orchestrator) selectFreeContract(contracts []Contract) (Contract, bool) {
	if o.cfg.FreeContractMarker == "" && len(contracts) == 1 {
		return contracts[0], true
	}
	for _, c := range contracts {
		if o.cfg.FreeContractMarker != "" && strings.Contains(c.Plan, o.cfg.FreeContractMarker) {
			return c, true
		}
	}
	return Contract{}, false
}

// transition records a state entry in logs, metrics and the run span.
func (o *Orchestrator) transition(ctx context.Context, log *telemetry.Logger, s State) {
	log.WithField("state", string(s)).Debug("state reached")
	o.metrics.StateReached(string(s))
	if o.tracer != nil {
		telemetry.AddStateEvent(telemetry.SpanFromContext(ctx), string(s))
	}
}

// failureReason maps a classified error to the failure edge it represents.
func failureReason(err error) FailureReason {
	switch ClassOf(err) {
	case ClassTransport:
		return FailTransport
	case ClassProtocol, ClassAmbiguousPin:
		// An ambiguous PIN means the provider email format changed:
		// maintenance, not a transient condition.
		return FailProtocol
	case ClassAuth, ClassCaptcha:
		return FailAuth
	case ClassPinNotFound:
		return FailPinTimeout
	case ClassPinRejected:
		return FailPinRejected
	case ClassSessionExpired:
		return FailSessionLostLate
	default:
		return FailUnknown
	}
}
