// Package layout models OCI image layouts in memory: an index of named
// manifests plus the content-addressed blobs they reference.
//
// Layouts are built by Pack and Compose, read from and written to
// oci-archive tarballs, assembled by pulls and consumed by pushes and the
// local store.
package layout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/ocipkg/codec"
)

// BlobReader reads blobs by digest. Implementations return an error matching
// fs.ErrNotExist when the blob is absent.
type BlobReader interface {
	ReadBlob(d digest.Digest) ([]byte, error)
}

// Image is one manifest listed in a layout's index.
type Image struct {
	Descriptor ocispec.Descriptor
	Manifest   ocispec.Manifest
	// RefName is the org.opencontainers.image.ref.name annotation, if any.
	RefName string
}

// Layout is an in-memory OCI image layout.
//
// Blobs are immutable once added. The zero value is not usable; create
// layouts with New, Pack, Compose or ReadArchive.
type Layout struct {
	index ocispec.Index
	blobs map[digest.Digest][]byte
}

// New returns an empty layout.
func New() *Layout {
	return &Layout{
		index: ocispec.Index{
			Versioned: specs.Versioned{SchemaVersion: 2},
			MediaType: ocispec.MediaTypeImageIndex,
			Manifests: []ocispec.Descriptor{},
		},
		blobs: make(map[digest.Digest][]byte),
	}
}

// Index returns a copy of the layout's index.
func (l *Layout) Index() ocispec.Index {
	idx := l.index
	idx.Manifests = make([]ocispec.Descriptor, len(l.index.Manifests))
	for i, d := range l.index.Manifests {
		d.Annotations = maps.Clone(d.Annotations)
		idx.Manifests[i] = d
	}
	idx.Annotations = maps.Clone(l.index.Annotations)
	return idx
}

// Blob returns the content of d.
func (l *Layout) Blob(d digest.Digest) ([]byte, error) {
	b, ok := l.blobs[d]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s: %w", ErrNotFound, d, fs.ErrNotExist)
	}
	return b, nil
}

// ReadBlob implements BlobReader.
func (l *Layout) ReadBlob(d digest.Digest) ([]byte, error) {
	return l.Blob(d)
}

// HasBlob reports whether d is present.
func (l *Layout) HasBlob(d digest.Digest) bool {
	_, ok := l.blobs[d]
	return ok
}

// Blobs returns the digests of all blobs, sorted.
func (l *Layout) Blobs() []digest.Digest {
	return slices.Sorted(maps.Keys(l.blobs))
}

// AddBlob stores b under its sha256 digest. Adding an existing blob is a
// no-op.
func (l *Layout) AddBlob(b []byte) digest.Digest {
	d := codec.DigestOf(b)
	if _, ok := l.blobs[d]; !ok {
		l.blobs[d] = bytes.Clone(b)
	}
	return d
}

// PutBlob stores b under d after verifying that b matches d.
func (l *Layout) PutBlob(d digest.Digest, b []byte) error {
	if err := codec.Verify(b, d); err != nil {
		return fmt.Errorf("blob %s: %w", d, err)
	}
	if _, ok := l.blobs[d]; !ok {
		l.blobs[d] = bytes.Clone(b)
	}
	return nil
}

// AddImage serializes m, stores it and lists it in the index under refName.
// Config and layer blobs must already be present.
func (l *Layout) AddImage(m ocispec.Manifest, refName string) (ocispec.Descriptor, error) {
	if m.MediaType == "" {
		m.MediaType = ocispec.MediaTypeImageManifest
	}
	if m.SchemaVersion == 0 {
		m.SchemaVersion = 2
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("marshal manifest: %w", err)
	}
	desc := ocispec.Descriptor{
		MediaType: m.MediaType,
		Digest:    codec.DigestOf(raw),
		Size:      int64(len(raw)),
	}
	return l.AddManifest(desc, raw, refName)
}

// AddManifest stores raw manifest bytes described by desc and lists them in
// the index. raw is kept byte for byte so its digest is preserved. An
// existing index entry carrying refName is replaced.
func (l *Layout) AddManifest(desc ocispec.Descriptor, raw []byte, refName string) (ocispec.Descriptor, error) {
	if !IsManifestMediaType(desc.MediaType) {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %q", ErrUnsupportedManifestType, desc.MediaType)
	}
	if desc.Size != int64(len(raw)) {
		return ocispec.Descriptor{}, fmt.Errorf("%w: manifest %s: size %d, descriptor says %d", ErrFormat, desc.Digest, len(raw), desc.Size)
	}
	if err := codec.Verify(raw, desc.Digest); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("manifest: %w", err)
	}
	var m ocispec.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: manifest %s: %v", ErrFormat, desc.Digest, err)
	}
	for _, ref := range append([]ocispec.Descriptor{m.Config}, m.Layers...) {
		if !l.HasBlob(ref.Digest) {
			return ocispec.Descriptor{}, fmt.Errorf("%w: manifest %s references missing blob %s", ErrIncompleteLayout, desc.Digest, ref.Digest)
		}
	}
	l.blobs[desc.Digest] = bytes.Clone(raw)

	entry := ocispec.Descriptor{
		MediaType:    desc.MediaType,
		Digest:       desc.Digest,
		Size:         desc.Size,
		ArtifactType: m.ArtifactType,
	}
	if refName != "" {
		entry.Annotations = map[string]string{ocispec.AnnotationRefName: refName}
	}

	for i, existing := range l.index.Manifests {
		name := existing.Annotations[ocispec.AnnotationRefName]
		if name != refName {
			continue
		}
		if existing.Digest == entry.Digest || refName != "" {
			l.index.Manifests[i] = entry
			return entry, nil
		}
	}
	l.index.Manifests = append(l.index.Manifests, entry)
	return entry, nil
}

// SetRefName sets the reference name annotation on every index entry for d.
func (l *Layout) SetRefName(d digest.Digest, refName string) error {
	found := false
	for i := range l.index.Manifests {
		if l.index.Manifests[i].Digest != d {
			continue
		}
		found = true
		annotations := maps.Clone(l.index.Manifests[i].Annotations)
		if annotations == nil {
			annotations = make(map[string]string, 1)
		}
		annotations[ocispec.AnnotationRefName] = refName
		l.index.Manifests[i].Annotations = annotations
	}
	if !found {
		return fmt.Errorf("%w: index entry %s", ErrNotFound, d)
	}
	return nil
}

// Images returns the image manifests listed in the index, in index order.
func (l *Layout) Images() ([]Image, error) {
	images := make([]Image, 0, len(l.index.Manifests))
	for _, desc := range l.index.Manifests {
		if !IsManifestMediaType(desc.MediaType) {
			return nil, fmt.Errorf("%w: index entry %s has media type %q", ErrUnsupportedManifestType, desc.Digest, desc.MediaType)
		}
		raw, err := l.Blob(desc.Digest)
		if err != nil {
			return nil, fmt.Errorf("%w: manifest %s", ErrIncompleteLayout, desc.Digest)
		}
		m, err := ParseManifest(raw)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", desc.Digest, err)
		}
		images = append(images, Image{
			Descriptor: desc,
			Manifest:   m,
			RefName:    desc.Annotations[ocispec.AnnotationRefName],
		})
	}
	return images, nil
}

// Config decodes the ocipkg config of img. Images whose config is not an
// ocipkg config yield an empty Config.
func (l *Layout) Config(img Image) (Config, error) {
	if img.Manifest.Config.MediaType != MediaTypeConfig {
		return Config{}, nil
	}
	b, err := l.Blob(img.Manifest.Config.Digest)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// Validate reports dangling references: every digest reachable from the
// index must be present with the size its descriptor claims.
func (l *Layout) Validate() error {
	return walk(l.index.Manifests, func(desc ocispec.Descriptor) ([]byte, error) {
		b, ok := l.blobs[desc.Digest]
		if !ok {
			return nil, fmt.Errorf("%w: missing blob %s", ErrIncompleteLayout, desc.Digest)
		}
		return b, nil
	})
}

// Equal reports whether l and o have the same index and the same blob set.
func (l *Layout) Equal(o *Layout) bool {
	if l == nil || o == nil {
		return l == o
	}
	if !slices.Equal(l.Blobs(), o.Blobs()) {
		return false
	}
	a, errA := json.Marshal(l.index)
	b, errB := json.Marshal(o.index)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// walk visits every descriptor reachable from roots, loading each blob once.
func walk(roots []ocispec.Descriptor, load func(ocispec.Descriptor) ([]byte, error)) error {
	seen := make(map[digest.Digest]bool)
	stack := slices.Clone(roots)
	for len(stack) > 0 {
		desc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[desc.Digest] {
			continue
		}
		seen[desc.Digest] = true

		if err := codec.ValidateDigest(desc.Digest); err != nil {
			return fmt.Errorf("%w: %w", ErrFormat, err)
		}
		b, err := load(desc)
		if err != nil {
			return err
		}
		if int64(len(b)) != desc.Size {
			return fmt.Errorf("%w: blob %s: size %d, descriptor says %d", ErrFormat, desc.Digest, len(b), desc.Size)
		}
		kids, err := children(desc, b)
		if err != nil {
			return err
		}
		stack = append(stack, kids...)
	}
	return nil
}

// children returns the descriptors referenced by a manifest or index blob.
func children(desc ocispec.Descriptor, b []byte) ([]ocispec.Descriptor, error) {
	switch {
	case IsManifestMediaType(desc.MediaType):
		var m ocispec.Manifest
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: manifest %s: %v", ErrFormat, desc.Digest, err)
		}
		return append([]ocispec.Descriptor{m.Config}, m.Layers...), nil
	case isIndexMediaType(desc.MediaType):
		var idx ocispec.Index
		if err := json.Unmarshal(b, &idx); err != nil {
			return nil, fmt.Errorf("%w: index %s: %v", ErrFormat, desc.Digest, err)
		}
		return idx.Manifests, nil
	default:
		return nil, nil
	}
}
