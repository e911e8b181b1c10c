package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"carequeue/internal/domain"
)

type scheduleOptions struct {
	maxRetries int
}

type Option func(*scheduleOptions)

// WithMaxRetries overrides the default retry ceiling of 3.
func WithMaxRetries(n int) Option {
	return func(o *scheduleOptions) { o.maxRetries = n }
}

// Schedule enqueues a task of type typ to run no earlier than at. data is
// encoded as JSON and must produce a non-empty object.
func Schedule(ctx context.Context, repo Repository, typ domain.TaskType, data any, at time.Time, opts ...Option) (string, error) {
	o := scheduleOptions{maxRetries: domain.DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRetries < 0 {
		return "", domain.Invalid("maxRetries", "must not be negative")
	}
	if o.maxRetries == 0 {
		return "", domain.Invalid("maxRetries", "must be at least 1")
	}

	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", domain.Invalid("data", fmt.Sprintf("cannot be encoded: %v", err))
		}
		raw = b
	}
	return repo.Insert(ctx, domain.Task{
		Type:         typ,
		Data:         raw,
		ScheduledFor: at.UTC(),
		MaxRetries:   o.maxRetries,
	})
}

// Requeue returns a failed task to pending with a fresh retry budget, due at at.
// It returns ErrStatusConflict when the task is not failed.
func Requeue(ctx context.Context, repo Repository, id string, at time.Time) error {
	pending, zero := domain.StatusPending, 0
	at = at.UTC()
	return repo.UpdateStatus(ctx, id, StatusUpdate{
		Status:       &pending,
		RetryCount:   &zero,
		ClearError:   true,
		ScheduledFor: &at,
		ExpectStatus: domain.StatusFailed,
	})
}
