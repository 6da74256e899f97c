package job

import (
	"strings"
	"time"

	"content_digest/internal/model"
)

// DefaultDelays is the backoff ladder indexed by attempt, 1-based.
var DefaultDelays = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
}

// rateLimitBailout is the retry count at which a rate-limited job stops retrying.
const rateLimitBailout = 2

// Policy decides whether and when a failed job runs again.
type Policy struct {
	Delays []time.Duration
}

// DefaultPolicy returns the standard retry ladder.
func DefaultPolicy() Policy {
	return Policy{Delays: DefaultDelays}
}

// ShouldRetry reports whether j has attempts left.
func (p Policy) ShouldRetry(j *model.Job) bool {
	return j.RetryCount < j.MaxRetries
}

// Delay returns the wait before the given 1-based attempt. Attempts past the
// ladder reuse its last step.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Delays) {
		attempt = len(p.Delays)
	}
	return p.Delays[attempt-1]
}

// FastFail reports whether a rate-limited job should give up early.
// The rule matches "rate limit" in the error message once two retries
// have been spent.
func (p Policy) FastFail(j *model.Job, msg string) bool {
	return j.RetryCount >= rateLimitBailout && strings.Contains(strings.ToLower(msg), "rate limit")
}
