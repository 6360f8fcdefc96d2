package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// nonRetryableCodes are structured error codes that retrying cannot fix.
var nonRetryableCodes = map[string]struct{}{
	schema.ErrCodeValidation:        {},
	schema.ErrCodeSyntax:            {},
	schema.ErrCodeSecurity:          {},
	schema.ErrCodeEvaluation:        {},
	schema.ErrCodeCancelled:         {},
	schema.ErrCodeLoopLimit:         {},
	schema.ErrCodeCycleDetected:     {},
	schema.ErrCodeNotFound:          {},
	schema.ErrCodeInvalidTransition: {},
}

// IsRetryableError classifies whether a node failure should be retried.
// Retryable by default: network errors, timeouts, transient transport
// failures. Non-retryable: cancellation, validation-class errors, and any
// structured error whose code marks a deterministic failure.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Node-level deadline is retryable; run-level cancellation is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var serr *schema.Error
	if errors.As(err, &serr) {
		_, deterministic := nonRetryableCodes[serr.Code]
		return !deterministic
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient patterns from runners that
	// return plain errors.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The retry policy limits attempts.
	return true
}

// ComputeBackoff returns the delay before the next retry attempt:
// 2^retryCount seconds, capped at maxBackoff.
func ComputeBackoff(retryCount int) time.Duration {
	const maxBackoff = 60 * time.Second

	delay := time.Second
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled. Returns the context error on early return.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
