package totp

import (
	"testing"
	"time"
)

// Base32 of the RFC 6238 test key "12345678901234567890".
const testSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestGenerateKnownVector(t *testing.T) {
	// RFC 6238, SHA-1, T=59s: the 8-digit vector is 94287082, so the
	// 6-digit code is its low-order six digits.
	code, err := Generator{}.Generate(testSecret, time.Unix(59, 0))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if code != "287082" {
		t.Errorf("expected 287082, got %s", code)
	}
}

func TestGenerateDeterministicWithinWindow(t *testing.T) {
	at := time.Unix(1111111100, 0)
	a, err := Generator{}.Generate(testSecret, at)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generator{}.Generate(testSecret, at.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a != b {
		t.Errorf("codes within one 30s window must match: %s != %s", a, b)
	}
}

func TestGenerateChangesAcrossWindows(t *testing.T) {
	a, _ := Generator{}.Generate(testSecret, time.Unix(59, 0))
	b, _ := Generator{}.Generate(testSecret, time.Unix(1111111109, 0))
	if a == b {
		t.Errorf("codes from distant windows must differ, both %s", a)
	}
}

func TestNormalizeSecret(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"JBSWY3DPEHPK3PXP", "JBSWY3DPEHPK3PXP"},
		{"jbsw y3dp ehpk 3pxp", "JBSWY3DPEHPK3PXP"},
		{"jbsw-y3dp-ehpk-3pxp", "JBSWY3DPEHPK3PXP"},
		{"  JBSWY3DPEHPK3PXP  ", "JBSWY3DPEHPK3PXP"},
		{"JBSWY3DPEHPK3PXPGE", "JBSWY3DPEHPK3PXPGE======"},
	}
	for _, tt := range tests {
		if got := NormalizeSecret(tt.raw); got != tt.want {
			t.Errorf("NormalizeSecret(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestGenerateNormalizesEnrollmentFormat(t *testing.T) {
	clean, err := Generator{}.Generate(testSecret, time.Unix(59, 0))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	spaced, err := Generator{}.Generate("gezd gnbv gy3t qojq gezd gnbv gy3t qojq", time.Unix(59, 0))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if clean != spaced {
		t.Errorf("enrollment-formatted secret must yield the same code: %s != %s", clean, spaced)
	}
}
