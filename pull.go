package ocipkg

import (
	"context"

	"github.com/meigma/ocipkg/reference"
)

// Pull downloads ref and publishes it into the store. Blobs already in the
// store are not downloaded again. The returned layout holds the image
// named ref.
func (c *Client) Pull(ctx context.Context, ref string) (*Layout, error) {
	r, err := reference.Parse(ref)
	if err != nil {
		return nil, err
	}
	l, err := c.puller().Pull(ctx, r, c.store)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.Import(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns the local package directory of ref, downloading the package
// when it is not in the store. Use [WithUpdate] to re-resolve tags.
func (c *Client) Get(ctx context.Context, ref string, opts ...GetOption) (string, error) {
	r, err := reference.Parse(ref)
	if err != nil {
		return "", err
	}
	return c.store.Get(ctx, r, c.puller(), opts...)
}
