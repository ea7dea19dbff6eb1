package settler

import (
	"context"
	"time"

	"github.com/0gfoundation/0g-inference-settlement/internal/settlement"
)

// Retry calls fn up to MaxRetries times, sleeping Delay(n) between tries.
// It stops early on errors that cannot succeed later.
func (b Backoff) Retry(ctx context.Context, fn func(context.Context) error) error {
	b = b.withDefaults()
	var err error
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !settlement.Retryable(err) || attempt == b.MaxRetries {
			return err
		}
		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
