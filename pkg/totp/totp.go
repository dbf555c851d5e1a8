// Package totp generates the provider's optional second factor: a
// time-based one-time code over a base32 shared secret with the standard
// 30-second step. Pure computation, no network or state.
package totp

import (
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// Generator implements renew.CodeGenerator.
type Generator struct{}

// Generate produces the 6-digit code for the 30-second window containing
// at. Same secret and window always yield the same code.
func (Generator) Generate(secret string, at time.Time) (string, error) {
	return totp.GenerateCode(NormalizeSecret(secret), at)
}

// NormalizeSecret cleans up a shared secret the way enrollment UIs tend to
// hand them out: lowercase, space-grouped, unpadded.
func NormalizeSecret(secret string) string {
	s := strings.ToUpper(strings.TrimSpace(secret))
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	if n := len(s) % 8; n != 0 {
		s += strings.Repeat("=", 8-n)
	}
	return s
}
