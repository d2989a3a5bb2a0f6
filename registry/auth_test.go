package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/ocipkg/reference"
)

func TestParseChallenge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    Challenge
		wantErr bool
	}{
		{
			name:   "bearer",
			header: `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/alpine:pull"`,
			want: Challenge{
				Scheme:  SchemeBearer,
				Realm:   "https://auth.docker.io/token",
				Service: "registry.docker.io",
				Scope:   "repository:library/alpine:pull",
			},
		},
		{
			name:   "scope with comma",
			header: `Bearer realm="https://ghcr.io/token",scope="repository:foo/bar:pull,push"`,
			want:   Challenge{Scheme: SchemeBearer, Realm: "https://ghcr.io/token", Scope: "repository:foo/bar:pull,push"},
		},
		{
			name:   "case insensitive scheme and spacing",
			header: `bearer  realm="https://r/token", service="r"`,
			want:   Challenge{Scheme: SchemeBearer, Realm: "https://r/token", Service: "r"},
		},
		{
			name:   "escaped quote",
			header: `Bearer realm="https://r/token",service="a\"b"`,
			want:   Challenge{Scheme: SchemeBearer, Realm: "https://r/token", Service: `a"b`},
		},
		{
			name:   "basic",
			header: `Basic realm="Registry Realm"`,
			want:   Challenge{Scheme: SchemeBasic, Realm: "Registry Realm"},
		},
		{name: "bearer without realm", header: `Bearer service="r"`, wantErr: true},
		{name: "unknown scheme", header: `Negotiate abc`, wantErr: true},
		{name: "unterminated", header: `Bearer realm="https://r/token`, wantErr: true},
		{name: "empty", header: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseChallenge(tt.header)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedChallenge)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseChallenges_PrefersBearer(t *testing.T) {
	t.Parallel()

	ch, err := parseChallenges([]string{`Basic realm="x"`, `Bearer realm="https://r/token"`})
	require.NoError(t, err)
	assert.Equal(t, SchemeBearer, ch.Scheme)

	_, err = parseChallenges(nil)
	require.ErrorIs(t, err, ErrUnsupportedChallenge)
}

func TestRequestScope(t *testing.T) {
	t.Parallel()

	ref := reference.MustParse("localhost:5000/team/pkg:v1")
	assert.Equal(t, "repository:team/pkg:pull", request{ref: ref}.scope())
	assert.Equal(t, "repository:team/pkg:pull,push", request{ref: ref, push: true}.scope())
}

// tokenServer issues tokens named after the requested scope.
type tokenServer struct {
	*httptest.Server
	fetches atomic.Int32
	user    string
	pass    string
	reject  bool
}

func newTokenServer(t *testing.T, user, pass string) *tokenServer {
	t.Helper()
	ts := &tokenServer{user: user, pass: pass}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.fetches.Add(1)
		if ts.reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if ts.user != "" {
			u, p, ok := r.BasicAuth()
			if !ok || u != ts.user || p != ts.pass {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "tok-" + r.URL.Query().Get("scope"),
			"expires_in": 300,
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

// bearerRegistry requires the bearer token issued for the pull scope of
// test/repo. It counts requests to the tags endpoint.
func bearerRegistry(t *testing.T, realm string, accept func(authz string) bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/" {
			calls.Add(1)
		}
		if !accept(r.Header.Get("Authorization")) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+realm+`",service="test-registry"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "test/repo", "tags": []string{"v1"}})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestBearerFlow(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, "alice", "secret")
	reg, _ := bearerRegistry(t, ts.URL+"/token", func(authz string) bool {
		return authz == "Bearer tok-repository:test/repo:pull"
	})
	host := hostOf(reg)
	c := newTestClient(WithStaticCredentials(host, "alice", "secret"))
	ref := testRef(t, reg, "test/repo")
	ctx := context.Background()

	assert.Equal(t, StateUnauthenticated, c.AuthState(host))
	require.NoError(t, c.Ping(ctx, host))
	assert.Equal(t, StateAuthenticating, c.AuthState(host))

	tags, err := c.Tags(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, tags)
	assert.Equal(t, StateAuthenticated, c.AuthState(host))

	_, err = c.Tags(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ts.fetches.Load(), "token should be cached per scope")
}

func TestBearerFlow_AnonymousToken(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, "", "")
	reg, _ := bearerRegistry(t, ts.URL, func(authz string) bool {
		return authz == "Bearer tok-repository:test/repo:pull"
	})

	tags, err := newTestClient(WithAnonymous()).Tags(context.Background(), testRef(t, reg, "test/repo"))
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, tags)
}

func TestBearerFlow_RejectedToken(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, "", "")
	reg, calls := bearerRegistry(t, ts.URL, func(string) bool { return false })
	host := hostOf(reg)
	c := newTestClient()

	_, err := c.Tags(context.Background(), testRef(t, reg, "test/repo"))
	require.ErrorIs(t, err, ErrAuthorizationDenied)
	assert.Equal(t, StateFailed, c.AuthState(host))
	assert.Equal(t, int32(1), calls.Load(), "a rejected token must not be retried")
	assert.Zero(t, c.tokens.len(), "rejected token must be evicted")
}

func TestBearerFlow_TokenServerDenies(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, "alice", "secret")
	reg, calls := bearerRegistry(t, ts.URL, func(string) bool { return false })
	host := hostOf(reg)
	c := newTestClient(WithStaticCredentials(host, "alice", "wrong"))

	_, err := c.Tags(context.Background(), testRef(t, reg, "test/repo"))
	require.ErrorIs(t, err, ErrAuthorizationDenied)
	assert.Equal(t, StateFailed, c.AuthState(host))
	assert.Zero(t, calls.Load())
}

func TestBearerFlow_StaticToken(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, "", "")
	reg, _ := bearerRegistry(t, ts.URL, func(authz string) bool {
		return authz == "Bearer static-token"
	})

	c := newTestClient(WithStaticToken(hostOf(reg), "static-token"))
	_, err := c.Tags(context.Background(), testRef(t, reg, "test/repo"))
	require.NoError(t, err)
	assert.Zero(t, ts.fetches.Load())
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	reg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != "bob" || p != "hunter2" {
			w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tags": []string{"v1"}})
	}))
	t.Cleanup(reg.Close)
	host := hostOf(reg)

	c := newTestClient(WithStaticCredentials(host, "bob", "hunter2"))
	_, err := c.Tags(context.Background(), testRef(t, reg, "test/repo"))
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, c.AuthState(host))

	denied := newTestClient(WithStaticCredentials(host, "bob", "wrong"))
	_, err = denied.Tags(context.Background(), testRef(t, reg, "test/repo"))
	require.ErrorIs(t, err, ErrAuthorizationDenied)
	assert.Equal(t, StateFailed, denied.AuthState(host))
}

func TestAnonymousRegistry(t *testing.T) {
	t.Parallel()

	srv := newFixtureRegistry(t)
	host := hostOf(srv)
	c := newTestClient()

	require.NoError(t, c.Ping(context.Background(), host))
	assert.Equal(t, StateAuthenticated, c.AuthState(host))
}

func TestUnsupportedChallenge(t *testing.T) {
	t.Parallel()

	reg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("WWW-Authenticate", `Negotiate`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(reg.Close)

	c := newTestClient()
	_, err := c.Tags(context.Background(), testRef(t, reg, "test/repo"))
	require.ErrorIs(t, err, ErrUnsupportedChallenge)
	assert.Equal(t, StateFailed, c.AuthState(hostOf(reg)))
}

func TestChallengeAfterAnonymousPing(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, "", "")
	reg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/" {
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-repository:test/repo:pull" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+ts.URL+`"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tags": []string{"v1"}})
	}))
	t.Cleanup(reg.Close)

	c := newTestClient()
	tags, err := c.Tags(context.Background(), testRef(t, reg, "test/repo"))
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, tags)
	assert.Equal(t, StateAuthenticated, c.AuthState(hostOf(reg)))
}
