package layout

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/ocipkg/codec"
)

// Media types written by ocipkg.
const (
	MediaTypeArtifact  = "application/vnd.ocipkg.v1.artifact"
	MediaTypeConfig    = "application/vnd.ocipkg.v1.config+json"
	MediaTypeLayerTar  = "application/vnd.ocipkg.v1.layer.tar"
	MediaTypeLayerGzip = "application/vnd.ocipkg.v1.layer.tar+gzip"
	MediaTypeLayerZstd = "application/vnd.ocipkg.v1.layer.tar+zstd"
)

// Docker schema 2 media types accepted on read.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// ManifestMediaTypes lists the image manifest types ocipkg can read.
var ManifestMediaTypes = []string{
	ocispec.MediaTypeImageManifest,
	MediaTypeDockerManifest,
}

// IsManifestMediaType reports whether mt is a readable image manifest type.
func IsManifestMediaType(mt string) bool {
	return slices.Contains(ManifestMediaTypes, mt)
}

func isIndexMediaType(mt string) bool {
	return mt == ocispec.MediaTypeImageIndex || mt == MediaTypeDockerManifestList
}

// LayerMediaType returns the ocipkg layer media type for c.
func LayerMediaType(c codec.Compression) string {
	switch c {
	case codec.CompressionGzip:
		return MediaTypeLayerGzip
	case codec.CompressionZstd:
		return MediaTypeLayerZstd
	default:
		return MediaTypeLayerTar
	}
}

// Config is the ocipkg artifact configuration. It records which files each
// layer contains, keyed by layer digest.
type Config struct {
	Layers map[digest.Digest][]string `json:"layers"`
}

// ParseConfig decodes an ocipkg config blob.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: config: %v", ErrFormat, err)
	}
	return cfg, nil
}

// ParseManifest decodes an image manifest.
func ParseManifest(b []byte) (ocispec.Manifest, error) {
	var m ocispec.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: manifest: %v", ErrFormat, err)
	}
	return m, nil
}
