// Package transfer moves image layouts between memory and a registry. Blobs
// are transferred in parallel; a manifest is pushed only after all of its
// blobs are in place.
package transfer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/ocipkg/reference"
)

// DefaultConcurrency is the number of blobs transferred at once.
const DefaultConcurrency = 4

// ErrNoTarget is returned when an image has neither an explicit target nor
// a reference name.
var ErrNoTarget = errors.New("transfer: no target reference")

// Remote is the registry surface used by Pusher and Puller.
// *registry.Client implements it.
type Remote interface {
	BlobExists(ctx context.Context, ref reference.Reference, d digest.Digest) (bool, error)
	PushBlob(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor, data []byte) error
	FetchBlob(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor) ([]byte, error)
	PushManifest(ctx context.Context, ref reference.Reference, tag, mediaType string, body []byte) (ocispec.Descriptor, error)
	FetchManifest(ctx context.Context, ref reference.Reference) (ocispec.Descriptor, []byte, error)
	ResolveManifest(ctx context.Context, ref reference.Reference) (ocispec.Descriptor, error)
}

// EventKind identifies what happened to a blob.
type EventKind int

const (
	// EventSkipped means the registry already had the blob.
	EventSkipped EventKind = iota
	// EventUploaded means the blob was pushed.
	EventUploaded
	// EventDownloaded means the blob was fetched from the registry.
	EventDownloaded
	// EventCached means the blob was read from the local cache.
	EventCached
	// EventManifest means the manifest was pushed or fetched.
	EventManifest
)

func (k EventKind) String() string {
	switch k {
	case EventSkipped:
		return "skipped"
	case EventUploaded:
		return "uploaded"
	case EventDownloaded:
		return "downloaded"
	case EventCached:
		return "cached"
	case EventManifest:
		return "manifest"
	default:
		return "unknown"
	}
}

// Event reports progress for one blob.
type Event struct {
	Kind       EventKind
	Ref        reference.Reference
	Descriptor ocispec.Descriptor
}

// ProgressFunc receives progress events. It may be called concurrently.
type ProgressFunc func(Event)

// Option configures a Pusher or Puller.
type Option func(*config)

type config struct {
	concurrency int
	progress    ProgressFunc
	logger      *slog.Logger
}

// WithConcurrency sets how many blobs are transferred at once.
func WithConcurrency(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithProgress sets a callback for per-blob progress events.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) {
		c.progress = fn
	}
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts []Option) config {
	cfg := config{concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c *config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *config) report(kind EventKind, ref reference.Reference, desc ocispec.Descriptor) {
	if c.progress != nil {
		c.progress(Event{Kind: kind, Ref: ref, Descriptor: desc})
	}
}

// uniqueBlobs returns the config and layers of m without duplicates.
func uniqueBlobs(m ocispec.Manifest) []ocispec.Descriptor {
	seen := make(map[digest.Digest]bool, len(m.Layers)+1)
	var out []ocispec.Descriptor
	for _, desc := range append([]ocispec.Descriptor{m.Config}, m.Layers...) {
		if seen[desc.Digest] {
			continue
		}
		seen[desc.Digest] = true
		out = append(out, desc)
	}
	return out
}
