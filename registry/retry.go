package registry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"oras.land/oras-go/v2/registry/remote/retry"
)

// RetryPredicate extends retry.DefaultPredicate with connection resets and
// truncated responses, and treats ErrTransient as retryable. Context
// cancellation is never retried.
var RetryPredicate retry.Predicate = func(resp *http.Response, err error) (bool, error) {
	if err != nil {
		return isTransientError(err), nil
	}
	return retry.DefaultPredicate(resp, nil)
}

// DefaultRetryPolicy returns the policy used when WithRetryPolicy is not
// given: RetryPredicate with oras' default exponential backoff, at most five
// retries.
func DefaultRetryPolicy() retry.Policy {
	return &retry.GenericPolicy{
		Retryable: RetryPredicate,
		Backoff:   retry.DefaultBackoff,
		MinWait:   200 * time.Millisecond,
		MaxWait:   3 * time.Second,
		MaxRetry:  5,
	}
}

func isTransientError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}
