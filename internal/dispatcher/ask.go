package dispatcher

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a request got no reply before its deadline
	ErrTimeout = errors.New("no reply before deadline")
	// ErrStopped is returned when the addressed processor stopped before replying
	ErrStopped = errors.New("processor stopped")
)

// ask sends the message built around a fresh reply channel and waits for the reply.
// The reply channel is buffered so the processor never blocks on an abandoned request.
func ask[M any, T any](
	ctx context.Context,
	mailbox chan M,
	done <-chan struct{},
	build func(reply chan<- T) M,
) (T, error) {
	var zero T
	reply := make(chan T, 1)

	select {
	case mailbox <- build(reply):
	case <-done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, contextError(ctx)
	}

	select {
	case r := <-reply:
		return r, nil
	case <-done:
		// The processor may have replied right before stopping
		select {
		case r := <-reply:
			return r, nil
		default:
			return zero, ErrStopped
		}
	case <-ctx.Done():
		return zero, contextError(ctx)
	}
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}
