package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"path/filepath"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/ocipkg/layout"
	"github.com/meigma/ocipkg/reference"
)

// List yields the tagged entries of the store. The walk happens lazily
// when the sequence is ranged over, so each iteration reflects the disk at
// that time. Tags whose entry is missing are skipped.
func (s *Store) List() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		refsRoot := filepath.Join(s.root, "refs")
		err := filepath.WalkDir(refsRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasPrefix(d.Name(), "__") {
				return nil
			}
			entry, ok, err := s.entryFromTag(refsRoot, p)
			if err != nil {
				if !yield(Entry{}, err) {
					return fs.SkipAll
				}
				return nil
			}
			if !ok {
				return nil
			}
			if !yield(entry, nil) {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			yield(Entry{}, fmt.Errorf("list: %w", err))
		}
	}
}

// entryFromTag decodes refs/<host>/<repo>/__<tag>.
func (s *Store) entryFromTag(refsRoot, p string) (Entry, bool, error) {
	rel, err := filepath.Rel(refsRoot, p)
	if err != nil {
		return Entry{}, false, err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return Entry{}, false, nil
	}
	ref := reference.Reference{
		Registry:   parseHostDir(parts[0]),
		Repository: strings.Join(parts[1:len(parts)-1], "/"),
		Tag:        strings.TrimPrefix(parts[len(parts)-1], "__"),
	}
	d, err := s.readTag(ref)
	if err != nil {
		return Entry{}, false, fmt.Errorf("list %s: %w", ref, err)
	}
	path, err := s.entryDir(ref, d)
	if err != nil {
		return Entry{}, false, fmt.Errorf("list %s: %w", ref, err)
	}
	if !isDir(path) {
		s.log().Debug("skipping tag without entry", "ref", ref.String(), "digest", d)
		return Entry{}, false, nil
	}
	return Entry{Ref: ref, Digest: d, Path: path}, true, nil
}

// Layout rebuilds an image layout for a stored entry from the blob cache,
// named ref. It is used to re-export or re-push packages.
func (s *Store) Layout(ctx context.Context, ref reference.Reference) (*layout.Layout, error) {
	d := ref.Digest
	if d == "" {
		var err error
		if d, err = s.readTag(ref); err != nil {
			return nil, fmt.Errorf("layout %s: %w", ref, ErrNotFound)
		}
	}
	raw, err := s.ReadBlob(d)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("layout %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("layout %s: %w", ref, err)
	}

	var m ocispec.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("layout %s: %w: %v", ref, layout.ErrFormat, err)
	}
	l := layout.New()
	for _, desc := range append([]ocispec.Descriptor{m.Config}, m.Layers...) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := s.ReadBlob(desc.Digest)
		if err != nil {
			return nil, fmt.Errorf("layout %s: %w", ref, err)
		}
		if err := l.PutBlob(desc.Digest, b); err != nil {
			return nil, fmt.Errorf("layout %s: %w", ref, err)
		}
	}

	mediaType := m.MediaType
	if mediaType == "" {
		mediaType = ocispec.MediaTypeImageManifest
	}
	desc := ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(raw))}
	if _, err := l.AddManifest(desc, raw, ref.String()); err != nil {
		return nil, fmt.Errorf("layout %s: %w", ref, err)
	}
	return l, nil
}
