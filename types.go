package ocipkg

import (
	"github.com/meigma/ocipkg/codec"
	"github.com/meigma/ocipkg/layout"
	"github.com/meigma/ocipkg/store"
)

// Re-export types from subpackages.
type (
	// Layout is an in-memory OCI image layout.
	Layout = layout.Layout

	// FileEntry is one input file for Pack and Compose.
	FileEntry = layout.FileEntry

	// PackOption configures Pack and Compose.
	PackOption = layout.Option

	// Entry is a package published in the local store.
	Entry = store.Entry

	// GetOption configures Get.
	GetOption = store.GetOption

	// Compression identifies a layer compression algorithm.
	Compression = codec.Compression
)

// Compression algorithms.
const (
	CompressionNone = codec.CompressionNone
	CompressionGzip = codec.CompressionGzip
	CompressionZstd = codec.CompressionZstd
)

// WithCompression sets the layer compression for Pack and Compose.
func WithCompression(c Compression) PackOption {
	return layout.WithCompression(c)
}

// WithName records ref as the reference name of the packed image.
func WithName(ref string) PackOption {
	return layout.WithName(ref)
}

// WithAnnotations adds manifest annotations for Pack and Compose.
func WithAnnotations(annotations map[string]string) PackOption {
	return layout.WithAnnotations(annotations)
}

// WithUpdate makes Get re-resolve tags against the registry even when a
// local entry exists.
func WithUpdate() GetOption {
	return store.WithUpdate()
}
