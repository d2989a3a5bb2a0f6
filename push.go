package ocipkg

import (
	"context"
	"io"

	"github.com/meigma/ocipkg/layout"
	"github.com/meigma/ocipkg/reference"
	"github.com/meigma/ocipkg/transfer"
)

// Push uploads l to the registry. When target is empty every image is
// pushed to its own reference name; otherwise l must hold a single image,
// which is pushed to target.
func (c *Client) Push(ctx context.Context, l *Layout, target string) error {
	var ref reference.Reference
	if target != "" {
		var err error
		if ref, err = reference.Parse(target); err != nil {
			return err
		}
	}
	return transfer.NewPusher(c.registry, c.transferOpts()...).Push(ctx, l, ref)
}

// PushArchive reads an oci-archive from r and pushes it like Push.
func (c *Client) PushArchive(ctx context.Context, r io.Reader, target string) error {
	l, err := layout.ReadArchive(r)
	if err != nil {
		return err
	}
	return c.Push(ctx, l, target)
}
