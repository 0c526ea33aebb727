package util

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
)

// Policy describes an exponential retry schedule.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// NewBackOff builds the backoff for p. Jitter is off so the schedule is
// initial, 2*initial, 4*initial ... capped at Max.
func (p Policy) NewBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// RetryTransient runs op until it succeeds, returns a non-transient error, or
// the attempts are spent. notify is called before each wait.
func RetryTransient(ctx context.Context, p Policy, op func() error, notify func(err error, wait time.Duration)) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !fault.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(wrapped, p.NewBackOff(ctx), notify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
