package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lojahub/waconnect/adapter"
)

// ReconnectionPolicy decides, from a close reason, whether to retry, with
// what delay, and when to give up permanently.
type ReconnectionPolicy struct {
	// MaxAttempts is the ceiling on consecutive transient failures. Each
	// retry spawns a fresh instance of the heavyweight chat-protocol engine,
	// so retries must be bounded or a flapping network accumulates engine
	// processes without end. Hitting the ceiling disconnects the session but
	// retains credentials: a manual start resumes without re-pairing.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth of retry delays.
	MaxDelay time.Duration
}

func DefaultReconnectionPolicy() *ReconnectionPolicy {
	return &ReconnectionPolicy{
		MaxAttempts:  8,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
	}
}

// Decision is the outcome of applying the policy to one close event.
type Decision struct {
	// Terminal means the remote rejected the session: disconnect and delete
	// credentials, no retry.
	Terminal bool
	// Retry means a new adapter should be scheduled after Delay.
	Retry bool
	Delay time.Duration
}

// NewSchedule returns the per-session backoff schedule. One schedule lives
// per session and is Reset() on every successful connection.
func (p *ReconnectionPolicy) NewSchedule() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.MaxInterval = p.MaxDelay
	// Retries are bounded by MaxAttempts, not elapsed time.
	bo.MaxElapsedTime = 0
	// Deterministic delays; there is no thundering-herd concern with a
	// handful of per-store sessions.
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// Decide applies the policy. attempts is the attempt number this close would
// become (the previous count plus one); schedule is the session's backoff
// schedule.
func (p *ReconnectionPolicy) Decide(reason adapter.CloseReason, attempts int, schedule backoff.BackOff) Decision {
	if reason.Terminal() {
		return Decision{Terminal: true}
	}
	if attempts > p.MaxAttempts {
		return Decision{}
	}
	return Decision{
		Retry: true,
		Delay: schedule.NextBackOff(),
	}
}
