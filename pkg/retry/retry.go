package retry

import (
	"context"
	"flag"
	"math"
	"time"

	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Policy is the single retry/backoff rule of the pipeline. Each stage
// carries its own parameters.
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

func (p *Policy) RegisterFlags(flagPrefix string, f *flag.FlagSet, defaultAttempts int) {
	f.IntVar(&p.MaxAttempts, flagPrefix+"retry.max-attempts", defaultAttempts, "Attempts before an item is dead-lettered.")
	f.DurationVar(&p.InitialDelay, flagPrefix+"retry.initial-delay", time.Second, "Delay before the first retry.")
	f.Float64Var(&p.Multiplier, flagPrefix+"retry.multiplier", 2, "Backoff multiplier.")
	f.DurationVar(&p.MaxDelay, flagPrefix+"retry.max-delay", time.Minute, "Upper bound of a single backoff delay.")
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry: max attempts must be positive")
	}
	if p.Multiplier < 1 {
		return errors.New("retry: multiplier must be at least 1")
	}
	if p.InitialDelay < 0 || p.MaxDelay < p.InitialDelay {
		return errors.New("retry: max delay must not be less than initial delay")
	}
	return nil
}

// Delay returns how long to wait after the given failed attempt (1-based)
// before the next one.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempt is left after the given one.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are used up or ctx is done.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	return p.DoNotify(ctx, fn, nil)
}

func (p Policy) DoNotify(ctx context.Context, fn func() error, notify func(err error, next time.Duration)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	op := func() error {
		err := fn()
		if err != nil && !failure.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx), notify)
}
