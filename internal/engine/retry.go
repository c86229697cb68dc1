package engine

import (
	"math/rand/v2"
	"time"

	"github.com/docuflow/docuflow/internal/extraction"
)

// decision is the retry machine's verdict on a failed attempt.
type decision int

const (
	decisionRetry decision = iota
	decisionDeadLetter
)

// retryPolicy owns the retry budget and backoff computation for one engine.
// It is the sole authority over retry counting; persistence only stores the
// snapshot it is handed.
type retryPolicy struct {
	maxRetries int
	base       time.Duration
	cap        time.Duration
	// jitter returns a value in [0, 1); injectable for deterministic tests.
	jitter func() float64
}

func newRetryPolicy(cfg Config) retryPolicy {
	return retryPolicy{
		maxRetries: cfg.MaxRetries,
		base:       cfg.RetryBaseDuration(),
		cap:        cfg.RetryCapDuration(),
		jitter:     rand.Float64,
	}
}

// decide routes a classified failure: retryable failures retry until the
// budget is spent, everything else dead-letters.
func (p retryPolicy) decide(failure *extraction.Failure, retryCount int) decision {
	if !failure.Retryable() {
		return decisionDeadLetter
	}
	if retryCount >= p.maxRetries {
		return decisionDeadLetter
	}
	return decisionRetry
}

// delay computes the wait before re-dispatch. A server-suggested delay takes
// precedence; otherwise exponential backoff capped at p.cap, scaled by a
// uniform jitter multiplier in [0.5, 1.0) to break up retry storms.
func (p retryPolicy) delay(retryCount int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}

	d := p.cap
	if retryCount < 62 {
		if shifted := p.base << retryCount; shifted > 0 && shifted < p.cap {
			d = shifted
		}
	}

	return time.Duration(float64(d) * (0.5 + 0.5*p.jitter()))
}
