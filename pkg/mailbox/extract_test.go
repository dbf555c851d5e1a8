package mailbox

import (
	"regexp"
	"testing"

	"github.com/renewd/renewd/pkg/renew"
)

var testMarker = regexp.MustCompile(`(?i)PIN:\s*\r?\n?\s*(\d{6})`)

func TestExtractPinWithMarker(t *testing.T) {
	body := "Dear customer,\n\nplease confirm the security check.\n\nPIN:\n483920\n\nThe PIN is valid for 24 hours."
	pin, err := ExtractPin(body, testMarker)
	if err != nil {
		t.Fatalf("ExtractPin: %v", err)
	}
	if pin != "483920" {
		t.Errorf("expected 483920, got %s", pin)
	}
}

func TestExtractPinMarkerSameLine(t *testing.T) {
	pin, err := ExtractPin("Your PIN: 172635, valid 24h", testMarker)
	if err != nil {
		t.Fatalf("ExtractPin: %v", err)
	}
	if pin != "172635" {
		t.Errorf("expected 172635, got %s", pin)
	}
}

func TestExtractPinFallbackSingleCandidate(t *testing.T) {
	// No marker match; exactly one 6-digit run in the body.
	body := "Confirmation code 662901 for your contract."
	pin, err := ExtractPin(body, testMarker)
	if err != nil {
		t.Fatalf("ExtractPin: %v", err)
	}
	if pin != "662901" {
		t.Errorf("expected 662901, got %s", pin)
	}
}

func TestExtractPinRepeatedCandidateIsUnambiguous(t *testing.T) {
	body := "Code 662901. We repeat: 662901."
	pin, err := ExtractPin(body, nil)
	if err != nil {
		t.Fatalf("ExtractPin: %v", err)
	}
	if pin != "662901" {
		t.Errorf("expected 662901, got %s", pin)
	}
}

func TestExtractPinIgnoresLongerRuns(t *testing.T) {
	// Order numbers and timestamps are longer digit runs, not candidates.
	body := "Order 3927461 dated 20250610120000: your code is 662901."
	pin, err := ExtractPin(body, nil)
	if err != nil {
		t.Fatalf("ExtractPin: %v", err)
	}
	if pin != "662901" {
		t.Errorf("expected 662901, got %s", pin)
	}
}

func TestExtractPinSeveralCandidatesIsAmbiguous(t *testing.T) {
	_, err := ExtractPin("Codes 111111,222222 issued.", nil)
	if !renew.IsClass(err, renew.ClassAmbiguousPin) {
		t.Fatalf("expected an ambiguous-pin error, got %v", err)
	}
}

func TestExtractPinNoCandidateIsAmbiguous(t *testing.T) {
	_, err := ExtractPin("No digits in this message at all.", testMarker)
	if !renew.IsClass(err, renew.ClassAmbiguousPin) {
		t.Fatalf("expected an ambiguous-pin error, got %v", err)
	}
}
