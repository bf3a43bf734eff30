package replica

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"serialkv/internal/log"
)

// ErrRetryable marks an error the Retryer should try again after.
var ErrRetryable = errors.New("retryable replication error")

// Retryer runs retryFunc until it succeeds, returns an error that does not
// wrap ErrRetryable, or ctx is canceled.
type Retryer struct {
	retryFunc    func(ctx context.Context) error
	interval     time.Duration
	maxInterval  time.Duration
	backoffCoeff int
	logger       *log.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewRetryer(retryFunc func(ctx context.Context) error, interval, maxInterval time.Duration, backoffCoeff int) *Retryer {
	return &Retryer{
		retryFunc:    retryFunc,
		interval:     interval,
		maxInterval:  maxInterval,
		backoffCoeff: backoffCoeff,
		logger:       log.Default().Named("retry"),
		sleep:        sleepContext,
	}
}

func (r *Retryer) Run(ctx context.Context) error {
	for cnt := 0; ; cnt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "retry aborted")
		}
		err := r.retryFunc(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRetryable) {
			r.logger.Warn("caught a non-retryable error: %v", err)
			return err
		}
		interval := retryInterval(r.interval, r.maxInterval, r.backoffCoeff, cnt)
		r.logger.Warn("caught a retryable error, retrying in %s: %v", interval, err)
		if err := r.sleep(ctx, interval); err != nil {
			return errors.Wrap(err, "retry aborted")
		}
	}
}

// retryInterval is interval * backoffCoeff^retryCount, capped at maxInterval
// when maxInterval is positive.
func retryInterval(interval, maxInterval time.Duration, backoffCoeff, retryCount int) time.Duration {
	d := float64(interval) * math.Pow(float64(backoffCoeff), float64(retryCount))
	if maxInterval > 0 && d > float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryable wraps err so a Retryer tries again.
type retryable struct {
	err error
}

func (r retryable) Error() string { return r.err.Error() }

func (r retryable) Is(target error) bool { return target == ErrRetryable }

func (r retryable) Unwrap() error { return r.err }
