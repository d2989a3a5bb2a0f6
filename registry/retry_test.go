package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPredicate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		err    error
		want   bool
	}{
		{name: "408 request timeout", status: http.StatusRequestTimeout, want: true},
		{name: "429 too many requests", status: http.StatusTooManyRequests, want: true},
		{name: "500 internal error", status: http.StatusInternalServerError, want: true},
		{name: "502 bad gateway", status: http.StatusBadGateway, want: true},
		{name: "503 unavailable", status: http.StatusServiceUnavailable, want: true},
		{name: "504 gateway timeout", status: http.StatusGatewayTimeout, want: true},
		{name: "200 ok", status: http.StatusOK, want: false},
		{name: "400 bad request", status: http.StatusBadRequest, want: false},
		{name: "401 unauthorized", status: http.StatusUnauthorized, want: false},
		{name: "403 forbidden", status: http.StatusForbidden, want: false},
		{name: "404 not found", status: http.StatusNotFound, want: false},
		{name: "416 range not satisfiable", status: http.StatusRequestedRangeNotSatisfiable, want: false},
		{name: "transient sentinel", err: fmt.Errorf("%w: upstream", ErrTransient), want: true},
		{name: "truncated body", err: io.ErrUnexpectedEOF, want: true},
		{name: "connection reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		{name: "broken pipe", err: syscall.EPIPE, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: false},
		{name: "canceled transient", err: fmt.Errorf("%w: %w", ErrTransient, context.Canceled), want: false},
		{name: "other error", err: errors.New("certificate signed by unknown authority"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var resp *http.Response
			if tt.err == nil {
				resp = &http.Response{StatusCode: tt.status, Header: http.Header{}}
			}
			got, err := RetryPredicate(resp, tt.err)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()

	tests := []struct {
		name    string
		attempt int
		status  int
		retry   bool
	}{
		{name: "first 503", attempt: 0, status: http.StatusServiceUnavailable, retry: true},
		{name: "fifth 502", attempt: 4, status: http.StatusBadGateway, retry: true},
		{name: "retries exhausted", attempt: 5, status: http.StatusServiceUnavailable, retry: false},
		{name: "404 is final", attempt: 0, status: http.StatusNotFound, retry: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wait, err := p.Retry(tt.attempt, &http.Response{StatusCode: tt.status, Header: http.Header{}}, nil)
			require.NoError(t, err)
			if !tt.retry {
				assert.Negative(t, wait)
				return
			}
			assert.GreaterOrEqual(t, wait, 200*time.Millisecond)
			assert.LessOrEqual(t, wait, 3*time.Second)
		})
	}
}

func TestFastRetryPolicy(t *testing.T) {
	t.Parallel()

	p := fastRetry()
	for attempt := range 3 {
		wait, err := p.Retry(attempt, nil, ErrTransient)
		require.NoError(t, err)
		assert.Equal(t, time.Millisecond, wait)
	}
	wait, err := p.Retry(3, nil, ErrTransient)
	require.NoError(t, err)
	assert.Negative(t, wait)
}
