package ocipkg

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/ocipkg/layout"
	"github.com/meigma/ocipkg/reference"
	"github.com/meigma/ocipkg/registry"
	"github.com/meigma/ocipkg/store"
	"github.com/meigma/ocipkg/transfer"
)

// Client packs, distributes and stores ocipkg packages.
//
// Client wires a registry client, the local package store and the
// push/pull orchestrator together. It is safe for concurrent use.
type Client struct {
	// regOpts are options for the registry client built by NewClient.
	regOpts  []registry.Option
	registry *registry.Client

	storeDir string
	dirPerm  os.FileMode
	store    *store.Store

	concurrency int
	progress    ProgressFunc
	logger      *slog.Logger
}

// NewClient creates a client with the given options.
//
// If no authentication is configured, anonymous access is used.
// Use [WithDockerConfig] to read credentials from ~/.docker/config.json.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{concurrency: transfer.DefaultConcurrency}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.registry == nil {
		regOpts := append([]registry.Option{registry.WithLogger(c.logger)}, c.regOpts...)
		c.registry = registry.New(regOpts...)
	}

	dir := c.storeDir
	if dir == "" {
		var err error
		if dir, err = store.DefaultDir(); err != nil {
			return nil, fmt.Errorf("store directory: %w", err)
		}
	}
	storeOpts := []store.Option{store.WithLogger(c.logger)}
	if c.dirPerm != 0 {
		storeOpts = append(storeOpts, store.WithDirPerm(c.dirPerm))
	}
	s, err := store.New(dir, storeOpts...)
	if err != nil {
		return nil, err
	}
	c.store = s
	return c, nil
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Registry returns the underlying registry client.
func (c *Client) Registry() *registry.Client {
	return c.registry
}

// Store returns the local package store.
func (c *Client) Store() *store.Store {
	return c.store
}

func (c *Client) transferOpts() []transfer.Option {
	return []transfer.Option{
		transfer.WithConcurrency(c.concurrency),
		transfer.WithProgress(c.progress),
		transfer.WithLogger(c.logger),
	}
}

func (c *Client) puller() *transfer.Puller {
	return transfer.NewPuller(c.registry, c.transferOpts()...)
}

// Pack builds a single-image layout from files. The image is unnamed
// unless a name is given with [WithName].
func (c *Client) Pack(files []FileEntry, opts ...PackOption) (*Layout, error) {
	return layout.Pack(files, opts...)
}

// Compose builds a single-image layout from files named ref.
func (c *Client) Compose(files []FileEntry, ref string, opts ...PackOption) (*Layout, error) {
	return layout.Compose(files, ref, opts...)
}

// Load publishes every image of the oci-archive read from r into the store
// and returns the directory of the first one.
func (c *Client) Load(ctx context.Context, r io.Reader) (string, error) {
	return c.store.Load(ctx, r)
}

// List yields the tagged packages in the store.
func (c *Client) List() iter.Seq2[Entry, error] {
	return c.store.List()
}

// ImageDirectory returns the local directory of ref without network
// access. It fails with [ErrNotInStore] when ref has not been fetched.
func (c *Client) ImageDirectory(ref string) (string, error) {
	r, err := reference.Parse(ref)
	if err != nil {
		return "", err
	}
	p, ok := c.store.Resolve(r)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotInStore, r)
	}
	return p, nil
}

// Resolve returns the descriptor of the manifest ref points at in the
// registry.
func (c *Client) Resolve(ctx context.Context, ref string) (ocispec.Descriptor, error) {
	r, err := reference.Parse(ref)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	return c.registry.ResolveManifest(ctx, r)
}

// Tags lists the tags of repo.
func (c *Client) Tags(ctx context.Context, repo string) ([]string, error) {
	r, err := reference.Parse(repo)
	if err != nil {
		return nil, err
	}
	return c.registry.Tags(ctx, r)
}
