package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultPollInterval is how often WaitForOperation polls.
const DefaultPollInterval = time.Second

// OperationError is an asynchronous operation that ended Failed or
// Throttled.
type OperationError struct {
	ID        string
	State     OperationState
	Message   string
	retryable bool
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s %s: %s", e.ID, e.State, e.Message)
}

// Retryable reports whether redoing the unit of work may succeed.
func (e *OperationError) Retryable() bool { return e.retryable }

// IsRetryable reports whether err is an OperationError worth retrying.
func IsRetryable(err error) bool {
	var opErr *OperationError
	return errors.As(err, &opErr) && opErr.Retryable()
}

// WaitForOperation polls the operation every interval until it reaches a
// terminal state. It returns an *OperationError for Failed and Throttled.
func WaitForOperation(ctx context.Context, client Client, operationID string, interval time.Duration) (OperationStatus, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := client.OperationStatus(ctx, operationID)
		if err != nil {
			return OperationStatus{}, fmt.Errorf("poll operation %s: %w", operationID, err)
		}
		switch status.State {
		case OperationSucceeded:
			return status, nil
		case OperationFailed:
			return status, &OperationError{ID: operationID, State: status.State, Message: status.Message, retryable: status.ShouldRetry}
		case OperationThrottled:
			return status, &OperationError{ID: operationID, State: status.State, Message: status.Message, retryable: true}
		}

		select {
		case <-ctx.Done():
			return OperationStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
