package ocipkg

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/ocipkg/layout"
	"github.com/meigma/ocipkg/reference"
)

// InspectResult describes a package in a registry without its layers.
//
// It provides access to the manifest and the file list recorded in the
// ocipkg config, enabling inspection of package contents without
// downloading layer data.
type InspectResult struct {
	descriptor ocispec.Descriptor
	manifest   ocispec.Manifest
	config     layout.Config

	filesOnce sync.Once
	files     []string
}

// Descriptor returns the manifest descriptor.
func (r *InspectResult) Descriptor() ocispec.Descriptor {
	return r.descriptor
}

// Digest returns the manifest digest.
func (r *InspectResult) Digest() digest.Digest {
	return r.descriptor.Digest
}

// Manifest returns the image manifest.
func (r *InspectResult) Manifest() ocispec.Manifest {
	return r.manifest
}

// Annotations returns the manifest annotations.
func (r *InspectResult) Annotations() map[string]string {
	return r.manifest.Annotations
}

// Created returns the org.opencontainers.image.created annotation, or the
// zero time when it is absent or malformed.
func (r *InspectResult) Created() time.Time {
	t, err := time.Parse(time.RFC3339, r.manifest.Annotations[ocispec.AnnotationCreated])
	if err != nil {
		return time.Time{}
	}
	return t
}

// LayerCount returns the number of layers.
func (r *InspectResult) LayerCount() int {
	return len(r.manifest.Layers)
}

// LayerSize returns the total size of all layer blobs as stored in the
// registry.
func (r *InspectResult) LayerSize() int64 {
	var n int64
	for _, l := range r.manifest.Layers {
		n += l.Size
	}
	return n
}

// Files returns the sorted names recorded for all layers. Images that were
// not built by ocipkg have no file list.
func (r *InspectResult) Files() []string {
	r.filesOnce.Do(func() {
		for _, l := range r.manifest.Layers {
			r.files = append(r.files, r.config.Layers[l.Digest]...)
		}
		slices.Sort(r.files)
		r.files = slices.Compact(r.files)
	})
	return r.files
}

// LayerFiles returns the names recorded for the layer with digest d.
func (r *InspectResult) LayerFiles(d digest.Digest) []string {
	return r.config.Layers[d]
}

// Inspect retrieves package metadata without downloading layer data.
//
// This fetches the manifest and, for ocipkg artifacts, the config blob
// listing the files of each layer. Use [Client.Get] to unpack the files.
func (c *Client) Inspect(ctx context.Context, ref string) (*InspectResult, error) {
	r, err := reference.Parse(ref)
	if err != nil {
		return nil, err
	}

	desc, raw, err := c.registry.FetchManifest(ctx, r)
	if err != nil {
		return nil, err
	}
	m, err := layout.ParseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", r, err)
	}

	result := &InspectResult{descriptor: desc, manifest: m}
	if m.Config.MediaType != layout.MediaTypeConfig {
		return result, nil
	}
	b, err := c.registry.FetchBlob(ctx, r, m.Config)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", r, err)
	}
	if result.config, err = layout.ParseConfig(b); err != nil {
		return nil, fmt.Errorf("inspect %s: %w", r, err)
	}
	return result, nil
}
