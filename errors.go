package syncgroup

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates that the requested key holds no synced value.
	ErrNotFound = errors.New("syncgroup: key not found")
	// ErrClosed indicates that the coordinator has been closed.
	ErrClosed = errors.New("syncgroup: coordinator is closed")
	// ErrTimeout indicates that the context deadline expired.
	ErrTimeout = errors.New("syncgroup: operation timed out")
	// ErrCanceled indicates that the context was canceled.
	ErrCanceled = errors.New("syncgroup: operation canceled")
)

func mapContextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return ErrCanceled
		}
		return err
	}
	return nil
}
