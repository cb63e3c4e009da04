package embedding

import (
	"context"
	"time"
)

const (
	retryMax         = 3
	retryBackoffBase = 250 * time.Millisecond
	retryBackoffCap  = 4 * time.Second
)

// withRetry runs fn up to retryMax+1 times with exponential backoff, honoring
// context cancellation between attempts. All provider errors are treated as
// transient; persistent failure is handled one level up by the fallback
// vector.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= retryMax; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			if backoff > retryBackoffCap {
				backoff = retryBackoffCap
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
