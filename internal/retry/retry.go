// Package retry decides whether a failed sync operation is retried and
// when.
//
// Delays grow exponentially from BaseDelay, doubling per attempt and capped
// at MaxDelay. After MaxAttempts transient failures, or after a single
// permanent one, the document is given up on and marked as errored until
// the user resets it.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/proscan/docsync/internal/syncerr"
)

// Policy holds the backoff parameters.
type Policy struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 5,
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	// Retry is false once the document must be marked as errored.
	Retry bool
	// Attempt is the number of failed attempts including this one.
	Attempt int
	// Delay until the next attempt; zero when Retry is false.
	Delay time.Duration
	// NextAt is now+Delay, zero when Retry is false.
	NextAt   time.Time
	Category syncerr.Category
}

// Controller applies a Policy.
type Controller struct {
	policy Policy
	now    func() time.Time
}

// NewController creates a Controller. Zero fields in p fall back to the
// defaults.
func NewController(p Policy) *Controller {
	def := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return &Controller{policy: p, now: time.Now}
}

// Policy returns the effective policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// SetClock replaces the time source. Intended for tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Delay returns the wait before retry number attempt (1-based).
func (c *Controller) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := c.newBackOff()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Decide classifies err after previousAttempts earlier failures of the same
// operation.
func (c *Controller) Decide(previousAttempts int, err error) Decision {
	attempt := previousAttempts + 1
	category := syncerr.Classify(err)

	d := Decision{Attempt: attempt, Category: category}
	if category != syncerr.Transient || attempt >= c.policy.MaxAttempts {
		return d
	}

	d.Retry = true
	d.Delay = c.Delay(attempt)
	d.NextAt = c.now().Add(d.Delay).UTC()
	return d
}

// NewBackOff returns a fresh backoff.BackOff following the policy, for
// in-process retry loops such as backoff.Retry.
func (c *Controller) NewBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(c.newBackOff(), uint64(c.policy.MaxAttempts-1))
}

func (c *Controller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.BaseDelay
	b.MaxInterval = c.policy.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
