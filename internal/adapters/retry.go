package adapters

import (
	"context"
	"time"
)

// backoff doubles the wait after every failure, up to max
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &backoff{initial: initial, max: max}
}

func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
		return b.current
	}
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return b.current
}

func (b *backoff) reset() {
	b.current = 0
}

// attempt runs fn with a bounded wait
func attempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// retry runs fn until it succeeds, ctx is done or maxAttempts is reached.
// maxAttempts <= 0 retries until ctx is done. onFailure is called after each
// failed attempt.
func retry[T any](
	ctx context.Context, timeout time.Duration, b *backoff, maxAttempts int,
	onFailure func(err error, attempt int),
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	for n := 1; ; n++ {
		res, err := attempt(ctx, timeout, fn)
		if err == nil {
			b.reset()
			return res, nil
		}
		if onFailure != nil {
			onFailure(err, n)
		}
		if maxAttempts > 0 && n >= maxAttempts {
			return zero, err
		}

		timer := time.NewTimer(b.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
