package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/renewd/renewd/pkg/captcha"
	"github.com/renewd/renewd/pkg/config"
	"github.com/renewd/renewd/pkg/mailbox"
	"github.com/renewd/renewd/pkg/renew"
	"github.com/renewd/renewd/pkg/report"
	"github.com/renewd/renewd/pkg/session"
	"github.com/renewd/renewd/pkg/stores"
	"github.com/renewd/renewd/pkg/telemetry"
	"github.com/renewd/renewd/pkg/totp"
)

func newRunCommand(version string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Perform one renewal attempt if one is due",
		Long: `Perform one renewal attempt.

The store carries the next due time and the same-day retry counter from
previous invocations. When the next attempt lies in the future the command
exits immediately with success, so it is safe to invoke from a frequent
timer. --force skips the due-time check.

Exit code is 0 for a successful or not-yet-due run and 1 for a failed
one, so timer units can alert on failures.`,
		Example: `  # Attempt a renewal if one is due
  renewd run --config /etc/renewd/renewd.yaml

  # Run regardless of schedule
  renewd run --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRenewal(cmd.Context(), version, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "run even if the next attempt is not yet due")

	return cmd
}

func runRenewal(ctx context.Context, version string, force bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tcfg := cfg.TelemetrySettings(version)
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if jsonOutput {
		tcfg.Logging.Format = "json"
	}

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	ctx = logger.WithContext(ctx)

	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	if h := metrics.Handler(); h != nil && tcfg.Metrics.ListenAddr != "" {
		srv := &http.Server{Addr: tcfg.Metrics.ListenAddr, Handler: h}
		go func() { _ = srv.ListenAndServe() }()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutCtx)
	}()

	store, err := stores.NewSQLiteStore(cfg.StoreSQLiteConfig())
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	retryCount, due, err := readSchedule(ctx, store, force)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}

	orch, closeFn, err := buildOrchestrator(ctx, cfg, metrics, tracer)
	if err != nil {
		return err
	}
	defer closeFn()

	outcome := orch.Run(ctx, retryCount)

	if err := persistOutcome(ctx, store, cfg, outcome, retryCount); err != nil {
		logger.WithError(err).Error("failed to persist run outcome")
	}

	reporter := buildReporter(cfg, logger)
	if err := reporter.Report(ctx, outcome); err != nil {
		logger.WithError(err).Error("failed to report run outcome")
	}

	if !outcome.Success() {
		return fmt.Errorf("renewal run %s failed: %s", outcome.RunID, outcome.Reason)
	}
	return nil
}

// readSchedule returns the carried retry counter and whether an attempt
// is due now. A fresh store means the first ever run: due immediately.
func readSchedule(ctx context.Context, store stores.Store, force bool) (int, bool, error) {
	log := telemetry.FromContext(ctx).NewComponentLogger("schedule")

	state, err := store.GetSchedule(ctx)
	if errors.Is(err, stores.ErrNoSchedule) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, err
	}

	if !force && time.Now().Before(state.NextRun) {
		log.WithField("next_run", state.NextRun.Format(time.RFC3339)).
			Info("next attempt not yet due, nothing to do")
		return 0, false, nil
	}
	return state.RetryCount, true, nil
}

// buildOrchestrator assembles the renewal collaborators from config. The
// returned close function releases the WASM classifier if one was loaded.
func buildOrchestrator(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, tracer *telemetry.Tracer) (*renew.Orchestrator, func(), error) {
	closeFn := func() {}

	client, err := session.NewClient(cfg.SessionConfig(),
		session.WithMetrics(metrics),
		session.WithTracer(tracer),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("building session client: %w", err)
	}

	var local captcha.Classifier
	if ccfg, ok := cfg.ClassifierConfig(); ok {
		classifier, err := captcha.LoadWASMClassifier(ctx, ccfg)
		if err != nil {
			return nil, nil, fmt.Errorf("loading captcha classifier: %w", err)
		}
		local = classifier
		closeFn = func() { _ = classifier.Close(ctx) }
	}
	var remote captcha.RemoteAPI
	if rcfg, ok := cfg.RemoteSolverConfig(); ok {
		remote = captcha.NewRemoteSolver(rcfg)
	}
	solver := captcha.NewResolver(local, remote, cfg.Captcha.Threshold, metrics)

	var codes renew.CodeGenerator
	if cfg.Credentials.TOTPSecret != "" {
		codes = totp.Generator{}
	}

	pins, err := mailbox.NewReader(cfg.MailboxReaderConfig())
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("building mailbox reader: %w", err)
	}

	orch := renew.NewOrchestrator(
		cfg.OrchestratorConfig(),
		cfg.RenewCredentials(),
		client,
		solver,
		codes,
		pins,
		renew.WithMetrics(metrics),
		renew.WithTracer(tracer),
	)
	return orch, closeFn, nil
}

// persistOutcome records the run and advances the schedule in the store.
func persistOutcome(ctx context.Context, store stores.Store, cfg *config.Config, outcome *renew.Outcome, retryCount int) error {
	run := &stores.Run{
		ID:         outcome.RunID,
		State:      string(outcome.State),
		Reason:     string(outcome.Reason),
		RetryCount: retryCount,
		StartedAt:  outcome.StartedAt,
	}
	if outcome.ContractID != "" {
		id := outcome.ContractID
		run.ContractID = &id
	}
	if outcome.Error != "" {
		msg := outcome.Error
		run.Error = &msg
	}
	completed := outcome.CompletedAt
	run.CompletedAt = &completed

	if err := store.CreateRun(ctx, run); err != nil {
		return err
	}

	runID := outcome.RunID
	if err := store.PutSchedule(ctx, &stores.ScheduleState{
		NextRun:    outcome.Proposal.NextRun,
		RetryCount: outcome.Proposal.RetryCount,
		Deferred:   outcome.Proposal.Deferred,
		LastRunID:  &runID,
	}); err != nil {
		return err
	}

	if _, err := store.PruneRuns(ctx, cfg.Report.HistoryKeep); err != nil {
		return err
	}
	return nil
}

func buildReporter(cfg *config.Config, logger *telemetry.Logger) renew.Reporter {
	reporters := report.Multi{report.NewLogReporter(logger)}
	if cfg.Report.Path != "" {
		reporters = append(reporters, report.NewFileReporter(cfg.Report.Path))
	}
	return reporters
}
