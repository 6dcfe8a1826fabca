package delivery

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the retry policy of outcome wrappers.
type Policy struct {
	// MaxRetries is the number of failed attempts after which a wrapper
	// is given up.
	MaxRetries int

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// PendingTimeout is how long an async delivery waits for its result
	// report before the event is sent again.
	PendingTimeout time.Duration

	// JobInterval is the period of the retry job.
	JobInterval time.Duration

	// BatchSize bounds the wrappers picked by one pass of the retry job.
	BatchSize int
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      5,
		InitialInterval: 30 * time.Second,
		MaxInterval:     time.Hour,
		Multiplier:      4,
		PendingTimeout:  10 * time.Minute,
		JobInterval:     time.Minute,
		BatchSize:       100,
	}
}

// Backoff determines the time after which a failed delivery is retried.
// Unlike other backoffs, it does not generate a delay but a target time.
type Backoff struct {
	*backoff.ExponentialBackOff
}

// NewBackoff creates the backoff of p. There is no randomization, so the
// schedule of a wrapper is reproducible.
func NewBackoff(p Policy) Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // don't stop
	b.Reset()
	return Backoff{ExponentialBackOff: b}
}

// RetryAt returns the time of the attempt following failed attempt number
// attempt, counted from 1.
func (b Backoff) RetryAt(failedAt time.Time, attempt int) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	interval := time.Duration(
		math.Min(
			float64(b.InitialInterval)*math.Pow(b.Multiplier, float64(attempt-1)),
			float64(b.MaxInterval),
		),
	)
	return failedAt.Add(interval)
}
