package renew

import "time"

// Policy is the retry and reschedule policy applied to run outcomes. The
// orchestrator never sleeps across day boundaries; it only proposes the next
// invocation time for the external scheduler.
type Policy struct {
	// MaxSameDayRetries bounds re-attempts within one calendar day.
	MaxSameDayRetries int

	// RetryInterval is the delay between same-day attempts.
	RetryInterval time.Duration

	// CadenceDays is the check interval after a successful run.
	CadenceDays int
}

// DefaultPolicy returns the policy described in the design: three same-day
// retries 30 minutes apart, then deferral to the next day; a daily check
// cadence after success.
func DefaultPolicy() Policy {
	return Policy{
		MaxSameDayRetries: 3,
		RetryInterval:     30 * time.Minute,
		CadenceDays:       1,
	}
}

// Propose computes the next-attempt proposal for a finished run.
// retryCount is the same-day counter as persisted before this run.
//
// Failures below the retry bound schedule another attempt RetryInterval
// from now and increment the counter. Once the bound is exhausted the next
// attempt moves to the start of the next calendar day and the counter
// resets. Terminal successes reset the counter and schedule the next check
// per the renewal cadence.
func (p Policy) Propose(now time.Time, final State, retryCount int) Proposal {
	if final.Success() {
		return Proposal{
			NextRun:    now.AddDate(0, 0, p.CadenceDays),
			RetryCount: 0,
		}
	}

	if retryCount < p.MaxSameDayRetries {
		return Proposal{
			NextRun:    now.Add(p.RetryInterval),
			RetryCount: retryCount + 1,
		}
	}

	return Proposal{
		NextRun:    startOfNextDay(now),
		RetryCount: 0,
		Deferred:   true,
	}
}

// startOfNextDay returns local midnight of the following calendar day.
func startOfNextDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
