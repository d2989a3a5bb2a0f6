package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/ocipkg/codec"
	"github.com/meigma/ocipkg/layout"
	"github.com/meigma/ocipkg/reference"
)

// Puller downloads images from a registry.
type Puller struct {
	remote Remote
	cfg    config
}

// NewPuller returns a Puller using remote.
func NewPuller(remote Remote, opts ...Option) *Puller {
	return &Puller{remote: remote, cfg: newConfig(opts)}
}

// Resolve returns the descriptor of the manifest ref points at.
func (p *Puller) Resolve(ctx context.Context, ref reference.Reference) (ocispec.Descriptor, error) {
	return p.remote.ResolveManifest(ctx, ref)
}

// Pull downloads the image ref points at into a new layout whose index
// entry is named ref.String(). Blobs readable from cache are not
// downloaded; cache may be nil.
func (p *Puller) Pull(ctx context.Context, ref reference.Reference, cache layout.BlobReader) (*layout.Layout, error) {
	log := p.cfg.log()
	log.Info("pulling image", "ref", ref.String())

	desc, raw, err := p.remote.FetchManifest(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}
	p.cfg.report(EventManifest, ref, desc)

	m, err := layout.ParseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}
	blobs := uniqueBlobs(m)
	for _, b := range blobs {
		if err := codec.ValidateDigest(b.Digest); err != nil {
			return nil, fmt.Errorf("pull %s: %w", ref, err)
		}
	}

	var (
		mu   sync.Mutex
		data = make(map[digest.Digest][]byte, len(blobs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.concurrency)
	for _, b := range blobs {
		g.Go(func() error {
			content, kind, err := p.fetch(gctx, ref, b, cache)
			if err != nil {
				return err
			}
			mu.Lock()
			data[b.Digest] = content
			mu.Unlock()
			p.cfg.report(kind, ref, b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}

	l := layout.New()
	for _, b := range blobs {
		if err := l.PutBlob(b.Digest, data[b.Digest]); err != nil {
			return nil, fmt.Errorf("pull %s: %w", ref, err)
		}
	}
	if _, err := l.AddManifest(desc, raw, ref.String()); err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}
	log.Info("pulled image", "ref", ref.String(), "digest", desc.Digest)
	return l, nil
}

func (p *Puller) fetch(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor, cache layout.BlobReader) ([]byte, EventKind, error) {
	if cache != nil {
		b, err := cache.ReadBlob(desc.Digest)
		switch {
		case err == nil:
			p.cfg.log().Debug("blob read from cache", "digest", desc.Digest)
			return b, EventCached, nil
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, codec.ErrDigestMismatch):
		default:
			return nil, 0, err
		}
	}
	b, err := p.remote.FetchBlob(ctx, ref, desc)
	if err != nil {
		return nil, 0, err
	}
	return b, EventDownloaded, nil
}
