package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/renewd/renewd/pkg/renew"
)

func testOutcome() *renew.Outcome {
	started := time.Date(2025, 6, 10, 2, 0, 0, 0, time.UTC)
	return &renew.Outcome{
		RunID:       "run-0001",
		State:       renew.StateSubmitted,
		ContractID:  "3927461",
		StartedAt:   started,
		CompletedAt: started.Add(90 * time.Second),
		Proposal: renew.Proposal{
			NextRun: started.AddDate(0, 0, 1),
		},
	}
}

func TestFileReporterWritesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcome.json")
	r := NewFileReporter(path)

	if err := r.Report(context.Background(), testOutcome()); err != nil {
		t.Fatalf("Report: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading outcome file: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("outcome file is not JSON: %v", err)
	}
	if doc["run_id"] != "run-0001" || doc["state"] != "submitted" {
		t.Errorf("unexpected document: %v", doc)
	}
	if doc["success"] != true {
		t.Error("expected success=true")
	}
	if doc["needs_maintenance"] != false {
		t.Error("expected needs_maintenance=false")
	}
}

func TestFileReporterFlagsMaintenance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcome.json")
	r := NewFileReporter(path)

	outcome := testOutcome()
	outcome.State = renew.StateFailed
	outcome.Reason = renew.FailProtocol
	outcome.Error = "contract list changed shape"

	if err := r.Report(context.Background(), outcome); err != nil {
		t.Fatalf("Report: %v", err)
	}

	data, _ := os.ReadFile(path)
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("outcome file is not JSON: %v", err)
	}
	if doc["needs_maintenance"] != true {
		t.Error("protocol failures must flag maintenance")
	}
	if doc["error"] != "contract list changed shape" {
		t.Errorf("error message not written: %v", doc["error"])
	}
}

func TestFileReporterOverwritesPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcome.json")
	r := NewFileReporter(path)

	first := testOutcome()
	if err := r.Report(context.Background(), first); err != nil {
		t.Fatalf("Report: %v", err)
	}
	second := testOutcome()
	second.RunID = "run-0002"
	if err := r.Report(context.Background(), second); err != nil {
		t.Fatalf("Report: %v", err)
	}

	data, _ := os.ReadFile(path)
	var doc map[string]interface{}
	_ = json.Unmarshal(data, &doc)
	if doc["run_id"] != "run-0002" {
		t.Errorf("expected the latest run, got %v", doc["run_id"])
	}
}

type stubReporter struct {
	calls int
	err   error
}

func (s *stubReporter) Report(ctx context.Context, outcome *renew.Outcome) error {
	s.calls++
	return s.err
}

func TestMultiReportsToAllEvenOnError(t *testing.T) {
	failing := &stubReporter{err: fmt.Errorf("disk full")}
	ok := &stubReporter{}
	m := Multi{failing, ok}

	err := m.Report(context.Background(), testOutcome())
	if err == nil {
		t.Fatal("expected the first error to propagate")
	}
	if failing.calls != 1 || ok.calls != 1 {
		t.Errorf("all reporters must run, got %d/%d", failing.calls, ok.calls)
	}
}
