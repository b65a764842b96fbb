package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"echo-forge-go/internal/types"
)

// Policy is the retry behaviour shared by every provider adapter.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	AttemptTimeout time.Duration

	// Retryable decides whether a failed attempt may be repeated.
	// Defaults to types.IsRetryable.
	Retryable func(error) bool

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)

	timer backoff.Timer
}

func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Jitter:         0.2,
		AttemptTimeout: 30 * time.Second,
	}
}

// WithAttempts returns a copy with a different attempt budget.
func (p Policy) WithAttempts(n int) Policy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

// WithTimer swaps the wait timer, letting tests skip the sleeps.
func (p Policy) WithTimer(t backoff.Timer) Policy {
	p.timer = t
	return p
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts or ctx is done. Each attempt gets its own AttemptTimeout; an
// attempt that hits it counts as a transient failure. The returned error is
// the last attempt's error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = types.IsRetryable
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.MaxInterval = max(p.MaxDelay, p.BaseDelay)
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = &nonDecreasing{BackOff: exp, ceiling: exp.MaxInterval}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	var lastErr error
	operation := func() error {
		attempt++
		err := p.run(ctx, attempt, op)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}

	if err := backoff.RetryNotifyWithTimer(operation, b, notify, p.timer); err != nil {
		if lastErr == nil {
			return err
		}
		if ctx.Err() != nil && !errors.Is(lastErr, ctx.Err()) {
			return errors.Join(lastErr, ctx.Err())
		}
		return lastErr
	}
	return nil
}

func (p Policy) run(ctx context.Context, attempt int, op func(ctx context.Context, attempt int) error) error {
	actx := ctx
	if p.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
	}
	err := op(actx, attempt)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && types.ClassOf(err) != types.ClassFatal {
		return types.NewTransientError("attempt timeout", err)
	}
	return err
}

// nonDecreasing keeps jitter from producing a shorter wait than the
// previous one, or a longer one than ceiling.
type nonDecreasing struct {
	backoff.BackOff
	ceiling time.Duration
	last    time.Duration
}

func (n *nonDecreasing) NextBackOff() time.Duration {
	d := n.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if n.ceiling > 0 && d > n.ceiling {
		d = n.ceiling
	}
	if d < n.last {
		d = n.last
	}
	n.last = d
	return d
}

func (n *nonDecreasing) Reset() {
	n.last = 0
	n.BackOff.Reset()
}
