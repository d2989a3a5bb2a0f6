package registry

import (
	"log/slog"
	"net/http"

	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// Option configures a Client.
type Option func(*Client)

// WithCredentialStore sets the credential store for authentication.
func WithCredentialStore(store credentials.Store) Option {
	return func(c *Client) {
		c.credStore = store
	}
}

// WithStaticCredentials sets static username/password credentials for a registry.
func WithStaticCredentials(registry, username, password string) Option {
	return func(c *Client) {
		c.credStore = StaticCredentials(registry, username, password)
	}
}

// WithStaticToken sets a bearer token for a registry.
func WithStaticToken(registry, token string) Option {
	return func(c *Client) {
		c.credStore = StaticToken(registry, token)
	}
}

// WithDockerConfig reads credentials from ocipkg's, Docker's and Podman's
// configuration. If none can be loaded the client keeps its current
// credential store.
func WithDockerConfig() Option {
	return func(c *Client) {
		store, err := DefaultCredentialStore()
		if err != nil {
			return
		}
		c.credStore = store
	}
}

// WithPlainHTTP forces plain HTTP (enabled) or HTTPS (disabled) for every
// host. Without this option loopback hosts use plain HTTP and all others
// use HTTPS.
func WithPlainHTTP(enabled bool) Option {
	return func(c *Client) {
		c.plainHTTP = &enabled
	}
}

// WithAnonymous disables all credential lookups. Anonymous bearer tokens
// are still requested when a registry demands them.
func WithAnonymous() Option {
	return func(c *Client) {
		c.anonymous = true
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetryPolicy sets the retry policy for idempotent requests and upload
// restarts.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		if p != nil {
			c.retryPolicy = p
		}
	}
}

// WithChunkSize sets the PATCH size for chunked uploads. A larger
// OCI-Chunk-Min-Length advertised by the registry takes precedence.
func WithChunkSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithMonolithicThreshold sets the largest blob uploaded with a single PUT.
// Larger blobs use chunked uploads.
func WithMonolithicThreshold(n int64) Option {
	return func(c *Client) {
		if n >= 0 {
			c.monolithicThreshold = n
		}
	}
}

// WithTagPageSize sets the n parameter of tag list requests.
func WithTagPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.tagPageSize = n
		}
	}
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}
