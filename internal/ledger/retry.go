package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how often a VersionConflict is retried.
type RetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
	Jitter     time.Duration
}

// DefaultRetryPolicy retries five times starting at 5ms.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 5, Base: 5 * time.Millisecond, Jitter: 3 * time.Millisecond}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.Base)
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// OnConflict runs fn, re-running it while it fails with ErrVersionConflict.
// Any other error is returned immediately. When retries run out the last
// conflict is returned.
func OnConflict(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrVersionConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
}
