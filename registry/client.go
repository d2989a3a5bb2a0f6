package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/ocipkg/reference"
)

const (
	// DefaultChunkSize is the PATCH size used for chunked uploads.
	DefaultChunkSize int64 = 8 << 20

	// DefaultMonolithicThreshold is the largest blob uploaded with a single PUT.
	DefaultMonolithicThreshold int64 = 32 << 20

	// DefaultTagPageSize is the page size requested from the tags list endpoint.
	DefaultTagPageSize = 100

	defaultUserAgent = "ocipkg/1.0"

	// maxManifestBytes bounds manifest and tag list bodies.
	maxManifestBytes = 4 << 20
)

// Client speaks the OCI Distribution API.
//
// A Client is safe for concurrent use. Create one per session with New.
type Client struct {
	httpClient          *http.Client
	plainHTTP           *bool
	userAgent           string
	anonymous           bool
	credStore           credentials.Store
	retryPolicy         retry.Policy
	chunkSize           int64
	monolithicThreshold int64
	tagPageSize         int
	logger              *slog.Logger

	tokens     *tokenCache
	tokenGroup singleflight.Group

	mu       sync.Mutex
	hosts    map[string]*hostAuth
	discover singleflight.Group
}

// New creates a Client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient:          &http.Client{},
		userAgent:           defaultUserAgent,
		retryPolicy:         DefaultRetryPolicy(),
		chunkSize:           DefaultChunkSize,
		monolithicThreshold: DefaultMonolithicThreshold,
		tagPageSize:         DefaultTagPageSize,
		tokens:              newTokenCache(defaultTokenCacheMaxSize),
		hosts:               make(map[string]*hostAuth),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// endpoint returns the base URL of host.
func (c *Client) endpoint(host string) *url.URL {
	scheme := "https"
	plain := reference.PlainHTTPDefault(host)
	if c.plainHTTP != nil {
		plain = *c.plainHTTP
	}
	if plain {
		scheme = "http"
	}
	return &url.URL{Scheme: scheme, Host: host}
}

// repoURL returns the URL of /v2/<repository>/<parts...> for ref.
func (c *Client) repoURL(ref reference.Reference, parts ...string) *url.URL {
	u := c.endpoint(ref.Host())
	u.Path = "/v2/" + ref.Repository + "/" + strings.Join(parts, "/")
	return u
}

// request describes one registry call against a repository.
type request struct {
	method string
	url    *url.URL
	header http.Header
	body   []byte
	ref    reference.Reference
	push   bool
}

func (r request) scope() string {
	if r.push {
		return auth.ScopeRepository(r.ref.Repository, auth.ActionPull, auth.ActionPush)
	}
	return auth.ScopeRepository(r.ref.Repository, auth.ActionPull)
}

// do performs r with authentication. A 401 on an unauthenticated request
// records the challenge and retries once with credentials; a 401 after
// credentials were presented fails with ErrAuthorizationDenied.
//
// The caller must close the response body.
func (c *Client) do(ctx context.Context, r request) (*http.Response, error) {
	host := r.ref.Host()
	h, err := c.session(ctx, host)
	if err != nil {
		return nil, err
	}
	scope := r.scope()

	challenged := false
	for {
		var presented bool
		resp, err := c.send(ctx, r.method, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, r.method, r.url.String(), bodyReader(r.body))
			if err != nil {
				return nil, err
			}
			for k, v := range r.header {
				req.Header[k] = v
			}
			req.Header.Set("User-Agent", c.userAgent)
			if req.URL.Host != host {
				presented = false
				return req, nil
			}
			presented, err = c.authorize(ctx, req, h, r.ref, scope)
			return req, err
		})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			if presented {
				h.transition(StateAuthenticated)
			}
			return resp, nil
		}

		if presented || challenged {
			c.tokens.invalidate(tokenKey(host, r.ref.Repository, scope))
			h.transition(StateFailed)
			err := responseError(resp)
			resp.Body.Close()
			c.log().Warn("authorization denied", "host", host, "repository", r.ref.Repository, "scope", scope)
			return nil, err
		}

		ch, perr := parseChallenges(resp.Header.Values("WWW-Authenticate"))
		drainAndClose(resp)
		if perr != nil {
			h.transition(StateFailed)
			return nil, fmt.Errorf("%s %s: %w", r.method, r.url.Redacted(), perr)
		}
		h.setChallenge(ch)
		challenged = true
	}
}

// send issues a request built by newReq. GET and HEAD are retried
// according to the retry policy; other methods are sent once.
func (c *Client) send(ctx context.Context, method string, newReq func() (*http.Request, error)) (*http.Response, error) {
	idempotent := method == http.MethodGet || method == http.MethodHead
	for attempt := 0; ; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if !idempotent {
			return resp, wrapRequestError(req, err)
		}

		wait, perr := c.retryPolicy.Retry(attempt, resp, err)
		if perr != nil || wait < 0 {
			return resp, wrapRequestError(req, err)
		}
		if resp != nil {
			drainAndClose(resp)
		}
		c.log().Debug("retrying request", "method", method, "url", req.URL.Redacted(), "attempt", attempt+1, "wait", wait)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func wrapRequestError(req *http.Request, err error) error {
	if err == nil {
		return nil
	}
	if isTransientError(err) {
		return fmt.Errorf("%w: %s %s: %w", ErrTransient, req.Method, req.URL.Redacted(), err)
	}
	return fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
}

func bodyReader(b []byte) io.Reader {
	if b == nil {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

// drainAndClose discards a bounded amount of the body so the connection can
// be reused.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBytes))
	resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// resolveLocation resolves a Location header against the request URL.
func resolveLocation(resp *http.Response) (*url.URL, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, errors.New("missing Location header")
	}
	u, err := resp.Request.URL.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("parse Location %q: %w", loc, err)
	}
	return u, nil
}
