package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds retries of throttled calls. The n-th retry waits
// n*Step.
type RetryPolicy struct {
	MaxAttempts uint
	Step        time.Duration
}

// DefaultRetryPolicy is used when a policy field is zero.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Step: time.Second}

type linearBackOff struct {
	step time.Duration
	n    int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

type retrying struct {
	next   Client
	policy RetryPolicy
	logger *slog.Logger
}

// WithRetry returns a Client that retries calls failing with ErrThrottled
// under policy. Other errors are returned at once.
func WithRetry(next Client, policy RetryPolicy, logger *slog.Logger) Client {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.Step <= 0 {
		policy.Step = DefaultRetryPolicy.Step
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: next, policy: policy, logger: logger}
}

func retry[T any](ctx context.Context, r *retrying, op string, fn func() (T, error)) (T, error) {
	attempts := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && !errors.Is(err, ErrThrottled) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(&linearBackOff{step: r.policy.Step}),
		backoff.WithMaxTries(r.policy.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("cluster call throttled, retrying", "op", op, "attempt", attempts, "wait", wait, "error", err)
		}),
	)
	if err != nil && errors.Is(err, ErrThrottled) {
		return res, fmt.Errorf("%s: gave up after %d attempts: %w", op, attempts, err)
	}
	return res, err
}

func retryErr(ctx context.Context, r *retrying, op string, fn func() error) error {
	_, err := retry(ctx, r, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (r *retrying) Capacity(ctx context.Context) (Capacity, error) {
	return retry(ctx, r, "capacity", func() (Capacity, error) { return r.next.Capacity(ctx) })
}

func (r *retrying) CurrentCursor(ctx context.Context, database string) (string, error) {
	return retry(ctx, r, "current cursor", func() (string, error) { return r.next.CurrentCursor(ctx, database) })
}

func (r *retrying) StartExport(ctx context.Context, req ExportRequest) (string, error) {
	return retry(ctx, r, "start export", func() (string, error) { return r.next.StartExport(ctx, req) })
}

func (r *retrying) ExportResults(ctx context.Context, operationID string) ([]ExportedUrl, error) {
	return retry(ctx, r, "export results", func() ([]ExportedUrl, error) {
		return r.next.ExportResults(ctx, operationID)
	})
}

func (r *retrying) CreateTempTable(ctx context.Context, database, name, likeTable string) error {
	return retryErr(ctx, r, "create temp table", func() error {
		return r.next.CreateTempTable(ctx, database, name, likeTable)
	})
}

func (r *retrying) DropTable(ctx context.Context, database, name string) error {
	return retryErr(ctx, r, "drop table", func() error { return r.next.DropTable(ctx, database, name) })
}

func (r *retrying) DropExtentsByTag(ctx context.Context, database, table, tag string) error {
	return retryErr(ctx, r, "drop extents", func() error {
		return r.next.DropExtentsByTag(ctx, database, table, tag)
	})
}

func (r *retrying) QueueIngestion(ctx context.Context, req IngestRequest) (string, error) {
	return retry(ctx, r, "queue ingestion", func() (string, error) { return r.next.QueueIngestion(ctx, req) })
}

func (r *retrying) IngestionStatus(ctx context.Context, queuedResult string) (IngestionStatus, error) {
	return retry(ctx, r, "ingestion status", func() (IngestionStatus, error) {
		return r.next.IngestionStatus(ctx, queuedResult)
	})
}

func (r *retrying) ExtentsByTag(ctx context.Context, database, table, tag string) ([]Extent, error) {
	return retry(ctx, r, "extents by tag", func() ([]Extent, error) {
		return r.next.ExtentsByTag(ctx, database, table, tag)
	})
}

func (r *retrying) MoveExtents(ctx context.Context, req MoveRequest) (string, error) {
	return retry(ctx, r, "move extents", func() (string, error) { return r.next.MoveExtents(ctx, req) })
}

func (r *retrying) OperationStatus(ctx context.Context, operationID string) (OperationStatus, error) {
	return retry(ctx, r, "operation status", func() (OperationStatus, error) {
		return r.next.OperationStatus(ctx, operationID)
	})
}
