package mailbox

import (
	"regexp"

	"github.com/renewd/renewd/pkg/renew"
)

// digitRun matches maximal contiguous digit runs; only exact 6-digit runs
// qualify as PIN candidates.
var digitRun = regexp.MustCompile(`\d+`)

// ExtractPin pulls the 6-digit PIN out of a message body. The provider's
// marker pattern is tried first; without a marker match the body must
// contain exactly one distinct 6-digit run, anything else means the email
// format changed and guessing is not safe.
func ExtractPin(body string, marker *regexp.Regexp) (string, error) {
	if marker != nil {
		if m := marker.FindStringSubmatch(body); len(m) > 1 {
			return m[1], nil
		}
	}

	seen := map[string]bool{}
	var candidates []string
	for _, run := range digitRun.FindAllString(body, -1) {
		if len(run) == 6 && !seen[run] {
			seen[run] = true
			candidates = append(candidates, run)
		}
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", renew.NewAmbiguousPinError("message contains no 6-digit candidate")
	default:
		return "", renew.NewAmbiguousPinError("message contains several 6-digit candidates")
	}
}
