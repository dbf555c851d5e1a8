package renew

import (
	"context"
	"strings"
	"testing"
	"time"
)

// scriptedSession is a hand-rolled SessionClient fake. Unset hooks take
// the happy path so each test scripts only the branch it exercises.
type scriptedSession struct {
	beginCalls     int
	authCalls      int
	twoFactorCalls int
	listCalls      int
	triggerCalls   int
	submitCalls    int

	begin     func(call int) (*Session, error)
	auth      func(call int, answer string) (LoginResult, error)
	twoFactor func(code string) (LoginResult, error)
	list      func(call int) ([]Contract, error)
	trigger   func(call int, c Contract) (*PinRequest, error)
	submit    func(call int, pin string) (SubmitResult, error)
}

func (s *scriptedSession) Begin(ctx context.Context) (*Session, error) {
	s.beginCalls++
	if s.begin != nil {
		return s.begin(s.beginCalls)
	}
	return &Session{ID: "df4a3c9", Carrier: CarrierFormField, IssuedAt: time.Now()}, nil
}

func (s *scriptedSession) Authenticate(ctx context.Context, sess *Session, creds Credentials, answer string) (LoginResult, error) {
	s.authCalls++
	if s.auth != nil {
		return s.auth(s.authCalls, answer)
	}
	return LoginResult{Kind: LoginAuthenticated}, nil
}

func (s *scriptedSession) SubmitTwoFactor(ctx context.Context, sess *Session, code string) (LoginResult, error) {
	s.twoFactorCalls++
	if s.twoFactor != nil {
		return s.twoFactor(code)
	}
	return LoginResult{Kind: LoginAuthenticated}, nil
}

func (s *scriptedSession) ListContracts(ctx context.Context, sess *Session) ([]Contract, error) {
	s.listCalls++
	if s.list != nil {
		return s.list(s.listCalls)
	}
	return []Contract{{ID: "3927461", Plan: "vServer free-vps-1", Eligible: true}}, nil
}

func (s *scriptedSession) TriggerRenewalPin(ctx context.Context, sess *Session, c Contract) (*PinRequest, error) {
	s.triggerCalls++
	if s.trigger != nil {
		return s.trigger(s.triggerCalls, c)
	}
	return &PinRequest{ContractID: c.ID, TriggeredAt: time.Now()}, nil
}

func (s *scriptedSession) SubmitPin(ctx context.Context, sess *Session, pin string) (SubmitResult, error) {
	s.submitCalls++
	if s.submit != nil {
		return s.submit(s.submitCalls, pin)
	}
	return SubmitResult{Kind: SubmitConfirmed}, nil
}

type scriptedSolver struct {
	calls  int
	answer string
	err    error
}

func (s *scriptedSolver) Resolve(ctx context.Context, ch *Challenge) (string, error) {
	s.calls++
	return s.answer, s.err
}

type scriptedCodes struct {
	calls int
	code  string
}

func (s *scriptedCodes) Generate(secret string, at time.Time) (string, error) {
	s.calls++
	return s.code, nil
}

type scriptedPins struct {
	calls int
	fetch func(call int) (string, error)
}

func (s *scriptedPins) FetchTodaysPin(ctx context.Context) (string, error) {
	s.calls++
	if s.fetch != nil {
		return s.fetch(s.calls)
	}
	return "483920", nil
}

// recordingSleeper records requested delays without actually waiting.
type recordingSleeper struct {
	slept []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return ctx.Err()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FreeContractMarker = "free-vps"
	return cfg
}

func newTestOrchestrator(cfg Config, sess SessionClient, solver ChallengeSolver, codes CodeGenerator, pins PinFetcher) (*Orchestrator, *recordingSleeper) {
	sleeper := &recordingSleeper{}
	o := NewOrchestrator(cfg, Credentials{Username: "user@example.org", Password: "hunter2"}, sess, solver, codes, pins,
		WithSleeper(sleeper.sleep),
	)
	return o, sleeper
}

func TestRunFullRenewal(t *testing.T) {
	sess := &scriptedSession{}
	pins := &scriptedPins{}
	o, sleeper := newTestOrchestrator(testConfig(), sess, nil, nil, pins)

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateSubmitted {
		t.Fatalf("expected state %s, got %s (error %q)", StateSubmitted, outcome.State, outcome.Error)
	}
	if !outcome.Success() {
		t.Error("expected a successful outcome")
	}
	if outcome.ContractID != "3927461" {
		t.Errorf("expected contract 3927461, got %q", outcome.ContractID)
	}
	if sess.triggerCalls != 1 || sess.submitCalls != 1 {
		t.Errorf("expected exactly one trigger and one submit, got %d/%d", sess.triggerCalls, sess.submitCalls)
	}
	if len(sleeper.slept) != 1 || sleeper.slept[0] != 15*time.Second {
		t.Errorf("expected a single 15s settle delay, got %v", sleeper.slept)
	}
	if outcome.Proposal.RetryCount != 0 {
		t.Errorf("success must reset the retry counter, got %d", outcome.Proposal.RetryCount)
	}
	want := outcome.CompletedAt.AddDate(0, 0, 1)
	if !outcome.Proposal.NextRun.Equal(want) {
		t.Errorf("expected next run %v, got %v", want, outcome.Proposal.NextRun)
	}
}

func TestRunNotDueShortCircuits(t *testing.T) {
	sess := &scriptedSession{
		list: func(int) ([]Contract, error) {
			return []Contract{{ID: "3927461", Plan: "vServer free-vps-1", Eligible: false}}, nil
		},
	}
	o, sleeper := newTestOrchestrator(testConfig(), sess, nil, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateNotDue {
		t.Fatalf("expected state %s, got %s", StateNotDue, outcome.State)
	}
	if !outcome.Success() {
		t.Error("not-due must count as success")
	}
	if sess.triggerCalls != 0 {
		t.Errorf("not-due run must never trigger a PIN, got %d triggers", sess.triggerCalls)
	}
	if len(sleeper.slept) != 0 {
		t.Errorf("not-due run must not sleep, got %v", sleeper.slept)
	}
}

func TestCaptchaChallengeResolvedOnce(t *testing.T) {
	challenge := &Challenge{Image: []byte("png"), MIME: "image/png", FetchedAt: time.Now()}
	sess := &scriptedSession{
		auth: func(call int, answer string) (LoginResult, error) {
			if call == 1 {
				if answer != "" {
					t.Errorf("first authenticate must carry no answer, got %q", answer)
				}
				return LoginResult{Kind: LoginChallengeRequired, Challenge: challenge}, nil
			}
			if answer != "12" {
				t.Errorf("expected the solved answer 12, got %q", answer)
			}
			return LoginResult{Kind: LoginAuthenticated}, nil
		},
	}
	solver := &scriptedSolver{answer: "12"}
	o, _ := newTestOrchestrator(testConfig(), sess, solver, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateSubmitted {
		t.Fatalf("expected state %s, got %s (error %q)", StateSubmitted, outcome.State, outcome.Error)
	}
	if solver.calls != 1 {
		t.Errorf("expected one solver call, got %d", solver.calls)
	}
	if sess.authCalls != 2 {
		t.Errorf("expected two authenticate calls, got %d", sess.authCalls)
	}
}

func TestCaptchaNeverLoopsOnRepeatedChallenge(t *testing.T) {
	challenge := &Challenge{Image: []byte("png")}
	sess := &scriptedSession{
		auth: func(call int, answer string) (LoginResult, error) {
			return LoginResult{Kind: LoginChallengeRequired, Challenge: challenge}, nil
		},
	}
	solver := &scriptedSolver{answer: "12"}
	o, _ := newTestOrchestrator(testConfig(), sess, solver, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateFailed || outcome.Reason != FailAuth {
		t.Fatalf("expected failed/auth, got %s/%s", outcome.State, outcome.Reason)
	}
	if solver.calls != 1 {
		t.Errorf("a repeated challenge must not be re-solved, got %d solver calls", solver.calls)
	}
	if sess.authCalls != 2 {
		t.Errorf("expected two authenticate calls, got %d", sess.authCalls)
	}
}

func TestTwoFactorRound(t *testing.T) {
	sess := &scriptedSession{
		auth: func(int, string) (LoginResult, error) {
			return LoginResult{Kind: LoginTwoFactorRequired}, nil
		},
		twoFactor: func(code string) (LoginResult, error) {
			if code != "192837" {
				t.Errorf("expected generated code, got %q", code)
			}
			return LoginResult{Kind: LoginAuthenticated}, nil
		},
	}
	codes := &scriptedCodes{code: "192837"}
	o, _ := newTestOrchestrator(testConfig(), sess, nil, codes, &scriptedPins{})
	o.creds.TOTPSecret = "JBSWY3DPEHPK3PXP"

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateSubmitted {
		t.Fatalf("expected state %s, got %s (error %q)", StateSubmitted, outcome.State, outcome.Error)
	}
	if codes.calls != 1 || sess.twoFactorCalls != 1 {
		t.Errorf("expected one code generation and one submission, got %d/%d", codes.calls, sess.twoFactorCalls)
	}
}

func TestTwoFactorWithoutSecretFails(t *testing.T) {
	sess := &scriptedSession{
		auth: func(int, string) (LoginResult, error) {
			return LoginResult{Kind: LoginTwoFactorRequired}, nil
		},
	}
	o, _ := newTestOrchestrator(testConfig(), sess, nil, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateFailed || outcome.Reason != FailAuth {
		t.Fatalf("expected failed/auth, got %s/%s", outcome.State, outcome.Reason)
	}
}

func TestPinFetchBoundedRetries(t *testing.T) {
	pins := &scriptedPins{
		fetch: func(int) (string, error) {
			return "", NewPinNotFoundError("not yet delivered")
		},
	}
	sess := &scriptedSession{}
	o, sleeper := newTestOrchestrator(testConfig(), sess, nil, nil, pins)

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateFailed || outcome.Reason != FailPinTimeout {
		t.Fatalf("expected failed/pin-timeout, got %s/%s", outcome.State, outcome.Reason)
	}
	if pins.calls != 3 {
		t.Errorf("expected exactly 3 fetch attempts, got %d", pins.calls)
	}
	want := []time.Duration{15 * time.Second, 30 * time.Second, 30 * time.Second}
	if len(sleeper.slept) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, sleeper.slept)
	}
	for i, d := range want {
		if sleeper.slept[i] != d {
			t.Errorf("sleep %d: expected %s, got %s", i, d, sleeper.slept[i])
		}
	}
	if sess.submitCalls != 0 {
		t.Errorf("no PIN must be submitted after a fetch timeout, got %d submits", sess.submitCalls)
	}
}

func TestAmbiguousPinAbortsImmediately(t *testing.T) {
	pins := &scriptedPins{
		fetch: func(int) (string, error) {
			return "", NewAmbiguousPinError("message contains several 6-digit candidates")
		},
	}
	o, _ := newTestOrchestrator(testConfig(), &scriptedSession{}, nil, nil, pins)

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateFailed || outcome.Reason != FailProtocol {
		t.Fatalf("expected failed/protocol, got %s/%s", outcome.State, outcome.Reason)
	}
	if pins.calls != 1 {
		t.Errorf("ambiguous extraction must not be retried, got %d fetches", pins.calls)
	}
	if !outcome.NeedsMaintenance() {
		t.Error("an ambiguous PIN means the parser needs maintenance")
	}
}

func TestSessionExpiredAtListingRestartsOnce(t *testing.T) {
	sess := &scriptedSession{
		list: func(call int) ([]Contract, error) {
			if call == 1 {
				return nil, NewSessionExpiredError("list_contracts")
			}
			return []Contract{{ID: "3927461", Plan: "vServer free-vps-1", Eligible: true}}, nil
		},
	}
	o, _ := newTestOrchestrator(testConfig(), sess, nil, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateSubmitted {
		t.Fatalf("expected state %s after restart, got %s (error %q)", StateSubmitted, outcome.State, outcome.Error)
	}
	if sess.beginCalls != 2 {
		t.Errorf("expected a single restart (2 begins), got %d", sess.beginCalls)
	}
}

func TestSessionExpiredTwiceFails(t *testing.T) {
	sess := &scriptedSession{
		list: func(int) ([]Contract, error) {
			return nil, NewSessionExpiredError("list_contracts")
		},
	}
	o, _ := newTestOrchestrator(testConfig(), sess, nil, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateFailed {
		t.Fatalf("expected failure, got %s", outcome.State)
	}
	if sess.beginCalls != 2 {
		t.Errorf("expected exactly one restart, got %d begins", sess.beginCalls)
	}
}

func TestPinRejectedFailsByDefault(t *testing.T) {
	sess := &scriptedSession{
		submit: func(int, string) (SubmitResult, error) {
			return SubmitResult{Kind: SubmitPinRejected}, nil
		},
	}
	o, _ := newTestOrchestrator(testConfig(), sess, nil, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateFailed || outcome.Reason != FailPinRejected {
		t.Fatalf("expected failed/pin-rejected, got %s/%s", outcome.State, outcome.Reason)
	}
	if sess.triggerCalls != 1 {
		t.Errorf("default policy must not re-trigger, got %d triggers", sess.triggerCalls)
	}
}

func TestPinRejectedRetriggersWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.RetriggerOnPinReject = true
	sess := &scriptedSession{
		submit: func(call int, pin string) (SubmitResult, error) {
			if call == 1 {
				return SubmitResult{Kind: SubmitPinRejected}, nil
			}
			return SubmitResult{Kind: SubmitConfirmed}, nil
		},
	}
	o, _ := newTestOrchestrator(cfg, sess, nil, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateSubmitted {
		t.Fatalf("expected state %s after re-trigger, got %s", StateSubmitted, outcome.State)
	}
	if sess.triggerCalls != 2 || sess.submitCalls != 2 {
		t.Errorf("expected two trigger/submit rounds, got %d/%d", sess.triggerCalls, sess.submitCalls)
	}
}

func TestSessionLostAfterPinTrigger(t *testing.T) {
	sess := &scriptedSession{
		submit: func(int, string) (SubmitResult, error) {
			return SubmitResult{Kind: SubmitSessionExpired}, nil
		},
	}
	o, _ := newTestOrchestrator(testConfig(), sess, nil, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateFailed || outcome.Reason != FailSessionLostLate {
		t.Fatalf("expected failed/session-lost-late, got %s/%s", outcome.State, outcome.Reason)
	}
	if sess.triggerCalls != 1 {
		t.Errorf("a late session loss must not re-trigger, got %d triggers", sess.triggerCalls)
	}
}

func TestNoFreeContractIsProtocolFailure(t *testing.T) {
	sess := &scriptedSession{
		list: func(int) ([]Contract, error) {
			return []Contract{
				{ID: "111", Plan: "Managed Dedicated", Eligible: true},
				{ID: "222", Plan: "Domain Bundle", Eligible: true},
			}, nil
		},
	}
	o, _ := newTestOrchestrator(testConfig(), sess, nil, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateFailed || outcome.Reason != FailProtocol {
		t.Fatalf("expected failed/protocol, got %s/%s", outcome.State, outcome.Reason)
	}
	if !strings.Contains(outcome.Error, "free-tier contract not found") {
		t.Errorf("unexpected error message: %q", outcome.Error)
	}
}

func TestSingleContractSelectedWithoutMarker(t *testing.T) {
	cfg := testConfig()
	cfg.FreeContractMarker = ""
	sess := &scriptedSession{
		list: func(int) ([]Contract, error) {
			return []Contract{{ID: "555", Plan: "anything", Eligible: false}}, nil
		},
	}
	o, _ := newTestOrchestrator(cfg, sess, nil, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateNotDue {
		t.Fatalf("expected not-due on the only contract, got %s", outcome.State)
	}
	if outcome.ContractID != "555" {
		t.Errorf("expected contract 555, got %q", outcome.ContractID)
	}
}

func TestNotEligibleAtTriggerIsBenign(t *testing.T) {
	sess := &scriptedSession{
		trigger: func(int, Contract) (*PinRequest, error) {
			return nil, NewNotEligibleError("3927461")
		},
	}
	o, _ := newTestOrchestrator(testConfig(), sess, nil, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome.State != StateNotDue {
		t.Fatalf("eligibility flip at trigger time must end not-due, got %s", outcome.State)
	}
	if !outcome.Success() {
		t.Error("expected a successful outcome")
	}
}

func TestPanicStillProducesOutcome(t *testing.T) {
	sess := &scriptedSession{
		begin: func(int) (*Session, error) {
			panic("unexpected nil dereference")
		},
	}
	o, _ := newTestOrchestrator(testConfig(), sess, nil, nil, &scriptedPins{})

	outcome := o.Run(context.Background(), 0)

	if outcome == nil {
		t.Fatal("a panicking run must still produce an outcome")
	}
	if outcome.State != StateFailed || outcome.Reason != FailUnknown {
		t.Fatalf("expected failed/unknown, got %s/%s", outcome.State, outcome.Reason)
	}
	if outcome.Proposal.NextRun.IsZero() {
		t.Error("a panicking run must still carry a next-run proposal")
	}
}

func TestRunIDsAreUnique(t *testing.T) {
	o, _ := newTestOrchestrator(testConfig(), &scriptedSession{}, nil, nil, &scriptedPins{})

	a := o.Run(context.Background(), 0)
	b := o.Run(context.Background(), 0)

	if a.RunID == b.RunID {
		t.Errorf("runs must have distinct IDs, both got %q", a.RunID)
	}
}
