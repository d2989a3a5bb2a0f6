package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/ocipkg/layout"
	"github.com/meigma/ocipkg/reference"
)

// Source fetches images that are missing from the store.
type Source interface {
	// Resolve returns the manifest descriptor ref currently points at.
	Resolve(ctx context.Context, ref reference.Reference) (ocispec.Descriptor, error)
	// Pull downloads the image ref points at. Blobs available from cache
	// need not be downloaded.
	Pull(ctx context.Context, ref reference.Reference, cache layout.BlobReader) (*layout.Layout, error)
}

// Entry is a published package.
type Entry struct {
	// Ref is the reference the entry was published under.
	Ref reference.Reference
	// Digest is the manifest digest.
	Digest digest.Digest
	// Path is the unpacked package directory.
	Path string
}

// Get returns the package directory of ref, fetching it from src when it
// is not in the store. Local entries are used without contacting src
// unless WithUpdate is given. src may be nil for offline lookups.
//
// Concurrent calls for the same reference share one fetch.
func (s *Store) Get(ctx context.Context, ref reference.Reference, src Source, opts ...GetOption) (string, error) {
	var cfg getConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if !cfg.update || ref.IsDigest() {
		if p, ok := s.Resolve(ref); ok {
			s.log().Debug("package found in store", "ref", ref.String(), "path", p)
			return p, nil
		}
	}
	if src == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	v, err, _ := s.group.Do(ref.String(), func() (any, error) {
		return s.fetch(ctx, ref, src)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil //nolint:errcheck // type is guaranteed by fetch
}

func (s *Store) fetch(ctx context.Context, ref reference.Reference, src Source) (string, error) {
	d := ref.Digest
	if d == "" {
		desc, err := src.Resolve(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", ref, err)
		}
		d = desc.Digest
	}

	if p, err := s.entryDir(ref, d); err == nil && isDir(p) {
		if ref.Tag != "" {
			if err := s.setTag(ref, d); err != nil {
				return "", err
			}
		}
		s.log().Debug("tag points at existing entry", "ref", ref.String(), "digest", d)
		return p, nil
	}

	s.log().Info("fetching package", "ref", ref.String(), "digest", d)
	l, err := src.Pull(ctx, ref.WithDigest(d), s)
	if err != nil {
		return "", fmt.Errorf("pull %s: %w", ref, err)
	}
	img, err := findImage(l, d)
	if err != nil {
		return "", fmt.Errorf("pull %s: %w", ref, err)
	}
	entry, err := s.install(ctx, l, img, ref)
	if err != nil {
		return "", err
	}
	return entry.Path, nil
}

func findImage(l *layout.Layout, d digest.Digest) (layout.Image, error) {
	imgs, err := l.Images()
	if err != nil {
		return layout.Image{}, err
	}
	for _, img := range imgs {
		if img.Descriptor.Digest == d {
			return img, nil
		}
	}
	return layout.Image{}, fmt.Errorf("%w: manifest %s not in pulled layout", ErrNotFound, d)
}

// Import publishes every image of l under its reference name annotation.
// Either all names are valid or nothing is published.
func (s *Store) Import(ctx context.Context, l *layout.Layout) ([]Entry, error) {
	imgs, err := l.Images()
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	if len(imgs) == 0 {
		return nil, fmt.Errorf("import: %w: layout contains no images", ErrNotFound)
	}

	refs := make([]reference.Reference, len(imgs))
	for i, img := range imgs {
		if img.RefName == "" {
			return nil, fmt.Errorf("import: manifest %s: %w", img.Descriptor.Digest, ErrMissingReferenceName)
		}
		ref, err := reference.Parse(img.RefName)
		if err != nil {
			return nil, fmt.Errorf("import: manifest %s: %w", img.Descriptor.Digest, err)
		}
		refs[i] = ref
	}

	entries := make([]Entry, 0, len(imgs))
	for i, img := range imgs {
		entry, err := s.install(ctx, l, img, refs[i])
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Load reads an oci-archive, imports its images and returns the directory
// of the first one.
func (s *Store) Load(ctx context.Context, r io.Reader) (string, error) {
	l, err := layout.ReadArchive(r)
	if err != nil {
		return "", fmt.Errorf("load: %w", err)
	}
	entries, err := s.Import(ctx, l)
	if err != nil {
		return "", fmt.Errorf("load: %w", err)
	}
	return entries[0].Path, nil
}

// install stores the blobs of img, unpacks its layers and publishes the
// entry under ref. Nothing is published unless every blob verifies.
func (s *Store) install(ctx context.Context, l *layout.Layout, img layout.Image, ref reference.Reference) (Entry, error) {
	d := img.Descriptor.Digest
	final, err := s.entryDir(ref, d)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{Ref: ref, Digest: d, Path: final}
	if ref.Tag != "" {
		entry.Ref.Digest = ""
	}

	blobs := []ocispec.Descriptor{img.Descriptor, img.Manifest.Config}
	blobs = append(blobs, img.Manifest.Layers...)
	layers := make([][]byte, len(img.Manifest.Layers))
	for i, desc := range blobs {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		data, err := l.Blob(desc.Digest)
		if err != nil {
			return Entry{}, fmt.Errorf("install %s: %w", ref, err)
		}
		if err := s.putBlob(desc.Digest, data); err != nil {
			return Entry{}, fmt.Errorf("install %s: %w", ref, err)
		}
		if i >= 2 {
			layers[i-2] = data
		}
	}

	if !isDir(final) {
		if err := s.publish(img, layers, final); err != nil {
			return Entry{}, fmt.Errorf("install %s: %w", ref, err)
		}
	}
	if ref.Tag != "" {
		if err := s.setTag(ref, d); err != nil {
			return Entry{}, fmt.Errorf("install %s: %w", ref, err)
		}
	}
	s.log().Info("package installed", "ref", ref.String(), "digest", d, "path", final)
	return entry, nil
}

// publish unpacks layers into a staging directory and renames it to final.
// If another writer published final first, its entry is adopted.
func (s *Store) publish(img layout.Image, layers [][]byte, final string) error {
	staging, err := os.MkdirTemp(s.tmpDir(), "entry-*")
	if err != nil {
		return err
	}
	cleanup := func() { _ = os.RemoveAll(staging) }

	root, err := os.OpenRoot(staging)
	if err != nil {
		cleanup()
		return err
	}
	for i, desc := range img.Manifest.Layers {
		if err := unpackLayer(root, desc, layers[i]); err != nil {
			root.Close()
			cleanup()
			return err
		}
	}
	root.Close()
	if err := os.Chmod(staging, s.dirPerm); err != nil {
		cleanup()
		return err
	}

	if err := os.MkdirAll(filepath.Dir(final), s.dirPerm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(staging, final); err != nil {
		cleanup()
		if isDir(final) {
			s.log().Warn("lost publish race, using existing entry", "path", final)
			return nil
		}
		return fmt.Errorf("publish %s: %w", final, err)
	}
	return nil
}

// setTag points ref's tag at manifest d.
func (s *Store) setTag(ref reference.Reference, d digest.Digest) error {
	if err := s.writeFileAtomic(s.tagPath(ref), []byte(d.String())); err != nil {
		return fmt.Errorf("set tag %s: %w", ref, err)
	}
	return nil
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// readTag returns the manifest digest ref's tag points at.
func (s *Store) readTag(ref reference.Reference) (digest.Digest, error) {
	b, err := os.ReadFile(s.tagPath(ref))
	if err != nil {
		return "", err
	}
	d := digest.Digest(strings.TrimSpace(string(b)))
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("tag %s: %w", ref, err)
	}
	return d, nil
}

// Resolve returns the package directory of ref if it is in the store. It
// never contacts a registry.
func (s *Store) Resolve(ref reference.Reference) (string, bool) {
	d := ref.Digest
	if d == "" {
		var err error
		if d, err = s.readTag(ref); err != nil {
			return "", false
		}
	}
	p, err := s.entryDir(ref, d)
	if err != nil || !isDir(p) {
		return "", false
	}
	return p, true
}

// Remove deletes the tag pointer of ref. Package directories are kept
// because consumers may still hold their paths.
func (s *Store) Remove(ref reference.Reference) error {
	if ref.Tag == "" {
		return fmt.Errorf("remove %s: only tags can be removed", ref)
	}
	if err := os.Remove(s.tagPath(ref)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", ref, ErrNotFound)
		}
		return fmt.Errorf("remove %s: %w", ref, err)
	}
	return nil
}
