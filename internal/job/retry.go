package job

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffKind selects how the retry delay grows between attempts.
type BackoffKind int

const (
	BackoffConstant BackoffKind = iota
	BackoffExponential
)

// RetryPolicy controls automatic re-execution of a failed step.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Delay is the initial wait before a retry.
	Delay   time.Duration
	Backoff BackoffKind
}

// NewBackOff builds the backoff schedule for one step execution. A nil
// policy yields a single attempt.
func (p *RetryPolicy) NewBackOff() backoff.BackOff {
	if p == nil || p.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	var b backoff.BackOff
	switch p.Backoff {
	case BackoffExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.RandomizationFactor = 0
		b = eb
	default:
		b = backoff.NewConstantBackOff(p.Delay)
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}
