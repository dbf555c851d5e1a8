// Package report publishes run outcomes for a human to eventually see.
// The process runs unattended; these reporters are the only place where
// "the email format changed, go fix the parser" surfaces.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/renewd/renewd/pkg/renew"
	"github.com/renewd/renewd/pkg/telemetry"
)

// LogReporter writes each outcome to the structured log. Protocol
// failures are logged at error level with a maintenance flag because they
// will not heal on retry.
type LogReporter struct {
	log *telemetry.Logger
}

// NewLogReporter creates a log-backed reporter.
func NewLogReporter(log *telemetry.Logger) *LogReporter {
	return &LogReporter{log: log.NewComponentLogger("report")}
}

// Report implements renew.Reporter.
func (r *LogReporter) Report(_ context.Context, outcome *renew.Outcome) error {
	log := r.log.WithRunID(outcome.RunID).
		WithField("state", string(outcome.State)).
		WithField("duration", outcome.CompletedAt.Sub(outcome.StartedAt).String())
	if outcome.ContractID != "" {
		log = log.WithContractID(outcome.ContractID)
	}

	switch {
	case outcome.Success():
		log.Info("renewal run succeeded")
	case outcome.NeedsMaintenance():
		log.WithField("reason", string(outcome.Reason)).
			WithField("needs_maintenance", true).
			WithField("error", outcome.Error).
			Error("renewal run failed: provider pages or messages changed shape, operator attention required")
	default:
		log.WithField("reason", string(outcome.Reason)).
			WithField("error", outcome.Error).
			Error("renewal run failed")
	}
	return nil
}

// fileDocument is the JSON shape written by FileReporter.
type fileDocument struct {
	RunID            string    `json:"run_id"`
	State            string    `json:"state"`
	Reason           string    `json:"reason,omitempty"`
	Error            string    `json:"error,omitempty"`
	ContractID       string    `json:"contract_id,omitempty"`
	Success          bool      `json:"success"`
	NeedsMaintenance bool      `json:"needs_maintenance"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	NextRun          time.Time `json:"next_run"`
	RetryCount       int       `json:"retry_count"`
	Deferred         bool      `json:"deferred"`
}

// FileReporter writes the latest outcome to a JSON file, overwriting the
// previous one. External monitoring can watch the file's mtime and the
// needs_maintenance flag.
type FileReporter struct {
	path string
}

// NewFileReporter creates a file-backed reporter writing to path.
func NewFileReporter(path string) *FileReporter {
	return &FileReporter{path: path}
}

// Report implements renew.Reporter. The write is atomic via rename so a
// watcher never sees a half-written document.
func (r *FileReporter) Report(_ context.Context, outcome *renew.Outcome) error {
	doc := fileDocument{
		RunID:            outcome.RunID,
		State:            string(outcome.State),
		Reason:           string(outcome.Reason),
		Error:            outcome.Error,
		ContractID:       outcome.ContractID,
		Success:          outcome.Success(),
		NeedsMaintenance: outcome.NeedsMaintenance(),
		StartedAt:        outcome.StartedAt,
		CompletedAt:      outcome.CompletedAt,
		NextRun:          outcome.Proposal.NextRun,
		RetryCount:       outcome.Proposal.RetryCount,
		Deferred:         outcome.Proposal.Deferred,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".outcome-*.json")
	if err != nil {
		return fmt.Errorf("creating outcome temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing outcome: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing outcome temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("publishing outcome: %w", err)
	}
	return nil
}

// Multi fans one outcome out to several reporters. All reporters run;
// the first error is returned.
type Multi []renew.Reporter

// Report implements renew.Reporter.
func (m Multi) Report(ctx context.Context, outcome *renew.Outcome) error {
	var first error
	for _, r := range m {
		if err := r.Report(ctx, outcome); err != nil && first == nil {
			first = err
		}
	}
	return first
}
