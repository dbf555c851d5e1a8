// Package captcha resolves login challenges with a two-tier strategy: a
// local WASM image classifier first (fast, free), then a remote solving API
// as the safety net. The split exists to keep paid API calls rare while the
// provider's captcha style stays within the local model's reach.
package captcha

import (
	"context"

	"github.com/renewd/renewd/pkg/renew"
	"github.com/renewd/renewd/pkg/telemetry"
)

// Classifier is the local tier: classifies an image with a confidence.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (text string, confidence float64, err error)
}

// RemoteAPI is the fallback tier.
type RemoteAPI interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Resolver implements renew.ChallengeSolver over the two tiers. Either tier
// may be nil; with both nil every challenge is unresolvable.
type Resolver struct {
	local     Classifier
	remote    RemoteAPI
	threshold float64
	metrics   *telemetry.Metrics
}

// NewResolver builds a resolver. threshold is the minimum local confidence;
// below it the local answer is discarded and the remote tier consulted.
func NewResolver(local Classifier, remote RemoteAPI, threshold float64, metrics *telemetry.Metrics) *Resolver {
	return &Resolver{
		local:     local,
		remote:    remote,
		threshold: threshold,
		metrics:   metrics,
	}
}

// Resolve answers a challenge. Each Challenge is consumed exactly once; a
// rejected answer requires a fresh challenge, never a re-resolve.
func (r *Resolver) Resolve(ctx context.Context, ch *renew.Challenge) (string, error) {
	log := telemetry.FromContext(ctx).NewComponentLogger("captcha")

	if r.local != nil {
		text, confidence, err := r.local.Classify(ctx, ch.Image)
		if err == nil && confidence >= r.threshold {
			if answer, aerr := NormalizeAnswer(text); aerr == nil {
				r.metrics.CaptchaSolve("local", true)
				log.WithField("confidence", confidence).Debug("local classifier answered")
				return answer, nil
			}
		}
		r.metrics.CaptchaSolve("local", false)
		if err != nil {
			log.WithError(err).Debug("local classifier failed, falling back")
		} else {
			log.WithField("confidence", confidence).Debug("local classifier unsure, falling back")
		}
	}

	if r.remote != nil {
		text, err := r.remote.Solve(ctx, ch.Image)
		if err != nil {
			r.metrics.CaptchaSolve("remote", false)
			return "", renew.NewCaptchaError("remote solving failed", err)
		}
		answer, err := NormalizeAnswer(text)
		if err != nil {
			r.metrics.CaptchaSolve("remote", false)
			return "", renew.NewCaptchaError("remote answer not usable", err)
		}
		r.metrics.CaptchaSolve("remote", true)
		return answer, nil
	}

	return "", renew.NewCaptchaError("challenge unresolved: no solver tier available", nil)
}
