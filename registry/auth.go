package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/meigma/ocipkg/reference"
)

// AuthState is the authentication state of one registry host.
type AuthState int

const (
	// StateUnauthenticated means the host has not been contacted yet.
	StateUnauthenticated AuthState = iota
	// StateAuthenticating means a challenge is known but no request has been
	// accepted with credentials yet.
	StateAuthenticating
	// StateAuthenticated means requests to the host are accepted, either
	// anonymously or with credentials.
	StateAuthenticated
	// StateFailed means the host or its token service rejected the
	// credentials. The next request starts a new attempt.
	StateFailed
)

func (s AuthState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Authentication schemes understood by the client.
const (
	SchemeBasic  = "basic"
	SchemeBearer = "bearer"
)

// Challenge is a parsed WWW-Authenticate challenge. The zero value means
// the host accepts anonymous requests.
type Challenge struct {
	Scheme  string
	Realm   string
	Service string
	Scope   string
}

// ParseChallenge parses a single WWW-Authenticate header value such as
//
//	Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:foo:pull"
func ParseChallenge(header string) (Challenge, error) {
	header = strings.TrimSpace(header)
	scheme, rest, _ := strings.Cut(header, " ")
	ch := Challenge{Scheme: strings.ToLower(scheme)}

	params, err := parseAuthParams(rest)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %q: %v", ErrUnsupportedChallenge, header, err)
	}
	ch.Realm = params["realm"]
	ch.Service = params["service"]
	ch.Scope = params["scope"]

	switch ch.Scheme {
	case SchemeBasic:
		return ch, nil
	case SchemeBearer:
		if ch.Realm == "" {
			return Challenge{}, fmt.Errorf("%w: %q: bearer challenge without realm", ErrUnsupportedChallenge, header)
		}
		return ch, nil
	default:
		return Challenge{}, fmt.Errorf("%w: scheme %q", ErrUnsupportedChallenge, scheme)
	}
}

// parseChallenges picks the first supported challenge, preferring Bearer.
func parseChallenges(values []string) (Challenge, error) {
	if len(values) == 0 {
		return Challenge{}, fmt.Errorf("%w: 401 without WWW-Authenticate", ErrUnsupportedChallenge)
	}
	var (
		basic    *Challenge
		firstErr error
	)
	for _, v := range values {
		ch, err := ParseChallenge(v)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ch.Scheme == SchemeBearer {
			return ch, nil
		}
		basic = &ch
	}
	if basic != nil {
		return *basic, nil
	}
	return Challenge{}, firstErr
}

// parseAuthParams parses comma separated key=value pairs where values may be
// quoted strings containing commas and backslash escapes.
func parseAuthParams(s string) (map[string]string, error) {
	params := make(map[string]string)
	for {
		s = strings.TrimLeft(s, " \t,")
		if s == "" {
			return params, nil
		}
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed parameter %q", s)
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimLeft(s[eq+1:], " \t")

		var value string
		if strings.HasPrefix(s, `"`) {
			var b strings.Builder
			i, closed := 1, false
			for i < len(s) && !closed {
				switch ch := s[i]; ch {
				case '\\':
					if i+1 < len(s) {
						b.WriteByte(s[i+1])
					}
					i += 2
				case '"':
					closed = true
					i++
				default:
					b.WriteByte(ch)
					i++
				}
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted value for %q", key)
			}
			value = b.String()
			s = s[i:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		params[key] = value
	}
}

// hostAuth tracks the authentication state machine of one host.
type hostAuth struct {
	mu         sync.Mutex
	state      AuthState
	discovered bool
	challenge  Challenge
}

func (h *hostAuth) transition(s AuthState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

func (h *hostAuth) setChallenge(ch Challenge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discovered = true
	h.challenge = ch
	if ch.Scheme == "" {
		h.state = StateAuthenticated
	} else {
		h.state = StateAuthenticating
	}
}

func (h *hostAuth) snapshot() (Challenge, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.challenge, h.discovered
}

func (c *Client) hostAuth(host string) *hostAuth {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hosts[host]
	if !ok {
		h = &hostAuth{}
		c.hosts[host] = h
	}
	return h
}

// AuthState reports the authentication state of host.
func (c *Client) AuthState(host string) AuthState {
	h := c.hostAuth(host)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// session returns the auth state of host, discovering its challenge with
// GET /v2/ on first use.
func (c *Client) session(ctx context.Context, host string) (*hostAuth, error) {
	h := c.hostAuth(host)
	if _, ok := h.snapshot(); ok {
		return h, nil
	}
	_, err, _ := c.discover.Do(host, func() (any, error) {
		if _, ok := h.snapshot(); ok {
			return nil, nil
		}
		return nil, c.ping(ctx, host, h)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Ping checks that host speaks the distribution API and records its
// authentication challenge.
func (c *Client) Ping(ctx context.Context, host string) error {
	return c.ping(ctx, host, c.hostAuth(host))
}

func (c *Client) ping(ctx context.Context, host string, h *hostAuth) error {
	u := c.endpoint(host)
	u.Path = "/v2/"

	resp, err := c.send(ctx, http.MethodGet, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("ping %s: %w", host, err)
	}
	defer drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		h.setChallenge(Challenge{})
		c.log().Debug("registry allows anonymous access", "host", host)
		return nil
	case http.StatusUnauthorized:
		ch, err := parseChallenges(resp.Header.Values("WWW-Authenticate"))
		if err != nil {
			h.transition(StateFailed)
			return fmt.Errorf("ping %s: %w", host, err)
		}
		h.setChallenge(ch)
		c.log().Debug("registry requires authentication", "host", host, "scheme", ch.Scheme, "realm", ch.Realm)
		return nil
	default:
		return fmt.Errorf("ping %s: %w", host, responseError(resp))
	}
}

// authorize adds credentials for the host's challenge to req and reports
// whether any were added.
func (c *Client) authorize(ctx context.Context, req *http.Request, h *hostAuth, ref reference.Reference, scope string) (bool, error) {
	ch, _ := h.snapshot()
	host := ref.Host()

	switch ch.Scheme {
	case "":
		return false, nil
	case SchemeBasic:
		cred, err := c.credential(ctx, host)
		if err != nil {
			return false, err
		}
		if cred.Username == "" && cred.Password == "" {
			return false, nil
		}
		req.SetBasicAuth(cred.Username, cred.Password)
		return true, nil
	case SchemeBearer:
		token, err := c.token(ctx, h, ch, host, ref.Repository, scope)
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return true, nil
	default:
		return false, fmt.Errorf("%w: scheme %q", ErrUnsupportedChallenge, ch.Scheme)
	}
}

func (c *Client) credential(ctx context.Context, host string) (auth.Credential, error) {
	if c.anonymous || c.credStore == nil {
		return auth.EmptyCredential, nil
	}
	cred, err := lookupCredential(ctx, c.credStore, host)
	if err != nil {
		return auth.EmptyCredential, fmt.Errorf("get credentials for %s: %w", host, err)
	}
	return cred, nil
}

// token returns a bearer token for (host, repository, scope), fetching one
// from the challenge realm on a cache miss.
func (c *Client) token(ctx context.Context, h *hostAuth, ch Challenge, host, repository, scope string) (string, error) {
	key := tokenKey(host, repository, scope)
	if tok, ok := c.tokens.get(key); ok {
		return tok, nil
	}

	v, err, _ := c.tokenGroup.Do(key, func() (any, error) {
		if tok, ok := c.tokens.get(key); ok {
			return tok, nil
		}
		cred, err := c.credential(ctx, host)
		if err != nil {
			return "", err
		}
		if cred.AccessToken != "" {
			c.tokens.set(key, cred.AccessToken, defaultTokenTTL)
			return cred.AccessToken, nil
		}
		tok, ttl, err := c.fetchToken(ctx, ch, scope, cred)
		if err != nil {
			h.transition(StateFailed)
			return "", err
		}
		c.tokens.set(key, tok, ttl)
		c.log().Debug("obtained registry token", "host", host, "scope", scope, "ttl", ttl)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil //nolint:errcheck // type is guaranteed by Do
}

// tokenResponse is the token endpoint reply. Registries return the token in
// either field.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// fetchToken requests a token from the challenge realm. Refresh tokens use
// the OAuth2 refresh_token grant; other credentials use the GET flow with
// optional basic auth.
func (c *Client) fetchToken(ctx context.Context, ch Challenge, scope string, cred auth.Credential) (string, time.Duration, error) {
	realm, err := url.Parse(ch.Realm)
	if err != nil {
		return "", 0, fmt.Errorf("%w: realm %q: %v", ErrUnsupportedChallenge, ch.Realm, err)
	}

	method := http.MethodGet
	var form url.Values
	if cred.RefreshToken != "" {
		method = http.MethodPost
		form = url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {cred.RefreshToken},
			"service":       {ch.Service},
			"scope":         {scope},
			"client_id":     {"ocipkg"},
		}
	} else {
		q := realm.Query()
		if ch.Service != "" {
			q.Set("service", ch.Service)
		}
		q.Set("scope", scope)
		realm.RawQuery = q.Encode()
	}

	resp, err := c.send(ctx, method, func() (*http.Request, error) {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, realm.String(), body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		} else if cred.Username != "" || cred.Password != "" {
			req.SetBasicAuth(cred.Username, cred.Password)
		}
		return req, nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("fetch token: %w", err)
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("fetch token: %w", responseError(resp))
	}
	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBytes)).Decode(&tr); err != nil {
		return "", 0, fmt.Errorf("fetch token: decode response: %w", err)
	}
	tok := tr.Token
	if tok == "" {
		tok = tr.AccessToken
	}
	if tok == "" {
		return "", 0, fmt.Errorf("%w: token endpoint returned no token", ErrAuthorizationDenied)
	}
	ttl := defaultTokenTTL
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	return tok, ttl, nil
}
