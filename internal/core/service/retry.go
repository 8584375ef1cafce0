package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rl1809/purchase-engine/internal/core/domain"
)

// withRetry runs fn until it succeeds, fails with a non-retryable error or the
// attempt budget is spent. Only concurrency conflicts are retried.
func (s *PurchaseService) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxAttempts-1)), ctx)

	attempt := 1
	err := backoff.RetryNotify(func() error {
		err := fn(ctx)
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.metrics.ConflictRetried(op)
		s.logger.WarnContext(ctx, "retrying after concurrency conflict",
			"op", op, "attempt", attempt, "wait", wait, "error", err)
		attempt++
	})

	// A cancelled caller surfaces as the context error, which carries no kind.
	var de *domain.Error
	if err != nil && !errors.As(err, &de) && ctx.Err() != nil {
		return domain.WrapError(domain.ErrConcurrencyConflict, "operation aborted", err)
	}
	return err
}
