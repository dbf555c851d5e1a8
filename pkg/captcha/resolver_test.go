package captcha

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/renewd/renewd/pkg/renew"
)

type fakeClassifier struct {
	calls      int
	text       string
	confidence float64
	err        error
}

func (f *fakeClassifier) Classify(ctx context.Context, image []byte) (string, float64, error) {
	f.calls++
	return f.text, f.confidence, f.err
}

type fakeRemote struct {
	calls int
	text  string
	err   error
}

func (f *fakeRemote) Solve(ctx context.Context, image []byte) (string, error) {
	f.calls++
	return f.text, f.err
}

func testChallenge() *renew.Challenge {
	return &renew.Challenge{Image: []byte("png"), MIME: "image/png", FetchedAt: time.Now()}
}

func TestResolveConfidentLocalAnswerWins(t *testing.T) {
	local := &fakeClassifier{text: "7+5", confidence: 0.97}
	remote := &fakeRemote{text: "never"}
	r := NewResolver(local, remote, 0.85, nil)

	answer, err := r.Resolve(context.Background(), testChallenge())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if answer != "12" {
		t.Errorf("expected the normalized local answer 12, got %q", answer)
	}
	if remote.calls != 0 {
		t.Errorf("remote tier must not be consulted, got %d calls", remote.calls)
	}
}

func TestResolveUnsureLocalFallsBack(t *testing.T) {
	local := &fakeClassifier{text: "7+5", confidence: 0.40}
	remote := &fakeRemote{text: "3*4=12"}
	r := NewResolver(local, remote, 0.85, nil)

	answer, err := r.Resolve(context.Background(), testChallenge())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if answer != "12" {
		t.Errorf("expected the remote answer, got %q", answer)
	}
	if local.calls != 1 || remote.calls != 1 {
		t.Errorf("expected both tiers consulted once, got %d/%d", local.calls, remote.calls)
	}
}

func TestResolveLocalErrorFallsBack(t *testing.T) {
	local := &fakeClassifier{err: fmt.Errorf("module trap")}
	remote := &fakeRemote{text: "XK7Q"}
	r := NewResolver(local, remote, 0.85, nil)

	answer, err := r.Resolve(context.Background(), testChallenge())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if answer != "XK7Q" {
		t.Errorf("expected the remote answer, got %q", answer)
	}
}

func TestResolveRemoteFailureIsCaptchaError(t *testing.T) {
	remote := &fakeRemote{err: fmt.Errorf("quota exceeded")}
	r := NewResolver(nil, remote, 0.85, nil)

	_, err := r.Resolve(context.Background(), testChallenge())
	if !renew.IsClass(err, renew.ClassCaptcha) {
		t.Fatalf("expected a captcha-class error, got %v", err)
	}
}

func TestResolveWithoutTiersFails(t *testing.T) {
	r := NewResolver(nil, nil, 0.85, nil)

	_, err := r.Resolve(context.Background(), testChallenge())
	if !renew.IsClass(err, renew.ClassCaptcha) {
		t.Fatalf("expected a captcha-class error, got %v", err)
	}
}
