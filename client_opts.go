package ocipkg

import (
	"errors"
	"log/slog"
	"os"

	"github.com/meigma/ocipkg/registry"
)

// Option configures a Client.
type Option func(*Client) error

// --- Authentication Options ---

// WithDockerConfig enables reading credentials from ocipkg's own config,
// ~/.docker/config.json with its credential helpers, and Podman's auth.json.
func WithDockerConfig() Option {
	return func(c *Client) error {
		c.regOpts = append(c.regOpts, registry.WithDockerConfig())
		return nil
	}
}

// WithStaticCredentials sets static username/password credentials for a registry.
// The registry parameter should be the registry host (e.g., "ghcr.io").
func WithStaticCredentials(registryHost, username, password string) Option {
	return func(c *Client) error {
		c.regOpts = append(c.regOpts, registry.WithStaticCredentials(registryHost, username, password))
		return nil
	}
}

// WithStaticToken sets a static bearer token for a registry.
func WithStaticToken(registryHost, token string) Option {
	return func(c *Client) error {
		c.regOpts = append(c.regOpts, registry.WithStaticToken(registryHost, token))
		return nil
	}
}

// WithAnonymous forces anonymous access, ignoring any configured credentials.
func WithAnonymous() Option {
	return func(c *Client) error {
		c.regOpts = append(c.regOpts, registry.WithAnonymous())
		return nil
	}
}

// --- Transport Options ---

// WithPlainHTTP enables plain HTTP (no TLS) for all registries. Without
// it, localhost and loopback registries use HTTP and everything else HTTPS.
func WithPlainHTTP(enabled bool) Option {
	return func(c *Client) error {
		c.regOpts = append(c.regOpts, registry.WithPlainHTTP(enabled))
		return nil
	}
}

// WithUserAgent sets the User-Agent header for registry requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.regOpts = append(c.regOpts, registry.WithUserAgent(ua))
		return nil
	}
}

// WithChunkSize sets the PATCH size for chunked blob uploads.
func WithChunkSize(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return errors.New("chunk size must be positive")
		}
		c.regOpts = append(c.regOpts, registry.WithChunkSize(n))
		return nil
	}
}

// WithMonolithicThreshold sets the largest blob uploaded with a single
// request. Larger blobs are uploaded in chunks.
func WithMonolithicThreshold(n int64) Option {
	return func(c *Client) error {
		if n < 0 {
			return errors.New("monolithic threshold must be non-negative")
		}
		c.regOpts = append(c.regOpts, registry.WithMonolithicThreshold(n))
		return nil
	}
}

// WithRegistryClient uses rc instead of building a registry client. Other
// registry options are ignored when it is set.
func WithRegistryClient(rc *registry.Client) Option {
	return func(c *Client) error {
		if rc == nil {
			return errors.New("registry client must not be nil")
		}
		c.registry = rc
		return nil
	}
}

// --- Transfer Options ---

// WithConcurrency sets how many blobs are transferred at once.
func WithConcurrency(n int) Option {
	return func(c *Client) error {
		if n < 1 {
			return errors.New("concurrency must be at least 1")
		}
		c.concurrency = n
		return nil
	}
}

// WithProgress sets a callback receiving per-blob progress for Push, Pull
// and Get.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Client) error {
		c.progress = fn
		return nil
	}
}

// --- Store Options ---

// WithStoreDir sets the root of the local package store. Defaults to
// [store.DefaultDir].
func WithStoreDir(dir string) Option {
	return func(c *Client) error {
		if dir == "" {
			return errors.New("store directory must not be empty")
		}
		c.storeDir = dir
		return nil
	}
}

// WithDirPerm sets the permissions of directories created in the store.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Client) error {
		c.dirPerm = mode
		return nil
	}
}

// --- Logging ---

// WithLogger sets the logger for the client and the components it builds.
// A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}
