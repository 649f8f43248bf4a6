package flows

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"flowcore"
)

// RetryPolicy bounds how often a node's exec phase is attempted.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt; values below 1 mean 1 (no retry).
	MaxAttempts int
	// Wait is the constant pause between attempts. Ignored when Backoff is set.
	Wait time.Duration
	// Backoff builds a fresh wait strategy for each exec (and each batch item).
	Backoff func() backoff.BackOff
	// RetryIf limits which errors are retried. Permanent errors never are.
	RetryIf func(error) bool
}

// Retry returns a policy with a constant wait.
func Retry(maxAttempts int, wait time.Duration) RetryPolicy {
	return RetryPolicy{MaxAttempts: maxAttempts, Wait: wait}
}

// Attempts is the clamped attempt budget.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// WithExponentialBackoff switches the wait strategy to exponential growth
// from initial up to max, without jitter.
func (p RetryPolicy) WithExponentialBackoff(initial, max time.Duration) RetryPolicy {
	p.Backoff = ExponentialBackoff(initial, max)
	return p
}

// ExponentialBackoff returns a Backoff factory doubling from initial to max.
func ExponentialBackoff(initial, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.Reset()
		return b
	}
}

func (p RetryPolicy) waits() backoff.BackOff {
	if p.Backoff != nil {
		return p.Backoff()
	}
	return backoff.NewConstantBackOff(p.Wait)
}

func (p RetryPolicy) retryable(err error) bool {
	if flowcore.IsPermanent(err) {
		return false
	}
	if p.RetryIf != nil {
		return p.RetryIf(err)
	}
	return true
}

type nodeSettings struct {
	name        string
	retry       RetryPolicy
	concurrency int
}

// NodeOption configures the base structs returned by the New* constructors.
type NodeOption func(*nodeSettings)

func WithName(name string) NodeOption {
	return func(s *nodeSettings) { s.name = name }
}

// WithMaxRetries sets the total attempt budget of the exec phase.
func WithMaxRetries(n int) NodeOption {
	return func(s *nodeSettings) { s.retry.MaxAttempts = n }
}

func WithWait(d time.Duration) NodeOption {
	return func(s *nodeSettings) { s.retry.Wait = d }
}

func WithBackoff(factory func() backoff.BackOff) NodeOption {
	return func(s *nodeSettings) { s.retry.Backoff = factory }
}

func WithRetryIf(fn func(error) bool) NodeOption {
	return func(s *nodeSettings) { s.retry.RetryIf = fn }
}

// WithRetryPolicy replaces the whole policy.
func WithRetryPolicy(p RetryPolicy) NodeOption {
	return func(s *nodeSettings) { s.retry = p }
}

// WithConcurrency caps in-flight items of a parallel batch. Zero starts every
// item at once. Other unit kinds ignore it.
func WithConcurrency(n int) NodeOption {
	return func(s *nodeSettings) { s.concurrency = n }
}

func applyOptions(opts []NodeOption) nodeSettings {
	var s nodeSettings
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}
