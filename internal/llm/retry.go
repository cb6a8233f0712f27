package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
)

// backoffSchedule are the waits between model call attempts. The
// schedule length fixes the retry count: one initial try plus one per
// entry.
var backoffSchedule = []time.Duration{250 * time.Millisecond, 1 * time.Second, 4 * time.Second}

// withRetry runs fn under the backoff schedule. Context cancellation
// and schema-level failures pass through untouched; transport errors
// that exhaust the schedule come back as *ModelCallFailedError.
func withRetry(ctx context.Context, log *logger.Logger, op string, fn func() error) error {
	var lastErr error
	attempts := 0
	for {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, ErrModelOutputInvalid) {
			return err
		}
		lastErr = err

		if attempts > len(backoffSchedule) {
			return &ModelCallFailedError{Attempts: attempts, Cause: lastErr}
		}
		wait := backoffSchedule[attempts-1]
		log.Warn("Model call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
