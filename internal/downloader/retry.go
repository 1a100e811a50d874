package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"mediafetch/internal/domain"
)

// RetryPolicy is an explicit bounded-retry policy: transient failures
// are retried with capped exponential backoff, terminal failures fail
// the attempt loop immediately.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// Do runs fn up to MaxAttempts times, sleeping the backoff between
// transient failures. Terminal errors and context cancellation stop the
// loop at once.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var err error
	attempts := 0
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		attempts = attempt
		err = fn()
		if err == nil {
			return nil
		}
		if IsTerminal(err) || attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// terminalError wraps a failure that must not be retried.
type terminalError struct {
	err error
}

func (e terminalError) Error() string { return e.err.Error() }
func (e terminalError) Unwrap() error { return e.err }

// Terminal marks err as non-retryable.
func Terminal(err error) error {
	return terminalError{err: err}
}

// IsTerminal reports whether err was marked non-retryable or is one of
// the item-terminal domain errors.
func IsTerminal(err error) bool {
	var t terminalError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, domain.ErrTooLarge) ||
		errors.Is(err, domain.ErrStorageFull) ||
		errors.Is(err, context.Canceled)
}

// isTransientNetErr classifies low-level transport failures: timeouts
// and connection resets are worth another attempt.
func isTransientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// isStorageErr reports a full local disk.
func isStorageErr(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
