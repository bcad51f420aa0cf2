package kvstore

import (
	"context"
	"time"
)

const (
	connectAttempts = 4
	connectBase     = 250 * time.Millisecond
	connectCap      = 2 * time.Second
)

// backoff doubles base per attempt, capped at limit.
func backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

// retryConnect runs fn until it succeeds, attempts run out or ctx ends. A
// database that is still starting up refuses the first connections.
func retryConnect(ctx context.Context, attempts int, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		t := time.NewTimer(backoff(attempt, connectBase, connectCap))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
