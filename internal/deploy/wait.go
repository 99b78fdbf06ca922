package deploy

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/minienv/internal/domain"
)

// waitUntil polls done every interval until it reports true, ctx ends or
// timeout elapses. A timeout yields ErrTeardownTimeout. Probe errors are
// treated as "not yet".
func waitUntil(ctx context.Context, interval, timeout time.Duration, done func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ok, err := done(ctx); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return domain.ErrTeardownTimeout
		case <-ticker.C:
		}
	}
}
