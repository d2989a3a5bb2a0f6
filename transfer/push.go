package transfer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/ocipkg/layout"
	"github.com/meigma/ocipkg/reference"
)

// Pusher uploads layouts to a registry.
type Pusher struct {
	remote Remote
	cfg    config
}

// NewPusher returns a Pusher using remote.
func NewPusher(remote Remote, opts ...Option) *Pusher {
	return &Pusher{remote: remote, cfg: newConfig(opts)}
}

// Push uploads every image of l. With a non-zero target the layout must
// hold exactly one image, which is pushed to target; otherwise each image
// is pushed to its reference name.
//
// Blobs the registry already has are skipped. If any blob fails the
// manifest is not pushed.
func (p *Pusher) Push(ctx context.Context, l *layout.Layout, target reference.Reference) error {
	imgs, err := l.Images()
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if len(imgs) == 0 {
		return fmt.Errorf("push: %w: layout contains no images", layout.ErrInvalidInput)
	}
	if target.Repository != "" && len(imgs) != 1 {
		return fmt.Errorf("push: %w: explicit target needs a single image, layout has %d", layout.ErrInvalidInput, len(imgs))
	}

	for _, img := range imgs {
		ref := target
		if ref.Repository == "" {
			if img.RefName == "" {
				return fmt.Errorf("push manifest %s: %w", img.Descriptor.Digest, ErrNoTarget)
			}
			if ref, err = reference.Parse(img.RefName); err != nil {
				return fmt.Errorf("push manifest %s: %w", img.Descriptor.Digest, err)
			}
		}
		if err := p.pushImage(ctx, l, img, ref); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) pushImage(ctx context.Context, l *layout.Layout, img layout.Image, ref reference.Reference) error {
	log := p.cfg.log()
	log.Info("pushing image", "ref", ref.String(), "digest", img.Descriptor.Digest)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.concurrency)
	for _, desc := range uniqueBlobs(img.Manifest) {
		g.Go(func() error {
			exists, err := p.remote.BlobExists(gctx, ref, desc.Digest)
			if err != nil {
				return err
			}
			if exists {
				log.Debug("blob already present", "digest", desc.Digest)
				p.cfg.report(EventSkipped, ref, desc)
				return nil
			}
			data, err := l.Blob(desc.Digest)
			if err != nil {
				return err
			}
			if err := p.remote.PushBlob(gctx, ref, desc, data); err != nil {
				return err
			}
			log.Debug("blob uploaded", "digest", desc.Digest, "size", desc.Size)
			p.cfg.report(EventUploaded, ref, desc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}

	raw, err := l.Blob(img.Descriptor.Digest)
	if err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}
	desc, err := p.remote.PushManifest(ctx, ref, ref.Tag, img.Descriptor.MediaType, raw)
	if err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}
	p.cfg.report(EventManifest, ref, desc)
	log.Info("pushed image", "ref", ref.String(), "digest", desc.Digest)
	return nil
}
