// pkg/retry/retry.go - retrying transport actions with exponential backoff.

package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/macadmins/cortado/pkg/logging"
)

// Config defines the backoff schedule for retry attempts.
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	Multiplier      float64
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks an error so Retry fails immediately instead of
// burning the remaining attempts (404s, integrity failures).
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err carries the NonRetryable marker.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// Retry runs action until it succeeds or the attempts are exhausted.
func Retry(cfg Config, action func() error) error {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	interval := cfg.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = action()
		if lastErr == nil {
			return nil
		}
		if IsNonRetryable(lastErr) {
			logging.Debug("Not retrying", "error", lastErr)
			return lastErr
		}
		if attempt < cfg.MaxRetries {
			logging.Warn("Attempt failed, retrying",
				"attempt", attempt,
				"max_attempts", cfg.MaxRetries,
				"delay", interval.String(),
				"error", lastErr)
			time.Sleep(interval)
			interval = time.Duration(float64(interval) * cfg.Multiplier)
		}
	}
	return fmt.Errorf("action failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}
