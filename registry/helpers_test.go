package registry

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ggcr "github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/ocipkg/reference"
)

// newFixtureRegistry starts an in-memory distribution registry.
func newFixtureRegistry(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(ggcr.New(ggcr.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)
	return srv
}

// fastRetry keeps retry tests quick.
func fastRetry() retry.Policy {
	return &retry.GenericPolicy{
		Retryable: RetryPredicate,
		Backoff: func(int, *http.Response) time.Duration {
			return time.Millisecond
		},
		MinWait:   time.Millisecond,
		MaxWait:   5 * time.Millisecond,
		MaxRetry:  3,
	}
}

func newTestClient(opts ...Option) *Client {
	base := []Option{WithPlainHTTP(true), WithRetryPolicy(fastRetry())}
	return New(append(base, opts...)...)
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func testRef(t *testing.T, srv *httptest.Server, repo string) reference.Reference {
	t.Helper()
	ref, err := reference.Parse(hostOf(srv) + "/" + repo)
	require.NoError(t, err)
	return ref
}
