package layout

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/ocipkg/codec"
	"github.com/meigma/ocipkg/internal/pathutil"
	"github.com/meigma/ocipkg/reference"
)

// FileEntry is one input file for Pack.
type FileEntry struct {
	// Name is the slash-separated path inside the layer. Defaults to the
	// base name of Path.
	Name string
	// Path is read when Data is nil.
	Path string
	// Data is the file content.
	Data []byte
	// Mode selects 0755 when any execute bit is set, 0644 otherwise. When
	// zero and Path is set, the mode of Path is used.
	Mode fs.FileMode
}

// packConfig holds configuration for Pack.
type packConfig struct {
	compression codec.Compression
	name        string
	annotations map[string]string
}

// Option configures Pack and Compose.
type Option func(*packConfig)

// WithCompression sets the layer compression. Defaults to gzip.
func WithCompression(c codec.Compression) Option {
	return func(cfg *packConfig) {
		cfg.compression = c
	}
}

// WithName records ref as the org.opencontainers.image.ref.name of the
// packed image.
func WithName(ref string) Option {
	return func(cfg *packConfig) {
		cfg.name = ref
	}
}

// WithAnnotations adds manifest annotations such as
// org.opencontainers.image.description or org.opencontainers.image.source.
func WithAnnotations(annotations map[string]string) Option {
	return func(cfg *packConfig) {
		if cfg.annotations == nil {
			cfg.annotations = make(map[string]string, len(annotations))
		}
		for k, v := range annotations {
			cfg.annotations[k] = v
		}
	}
}

// Pack builds a single-image layout holding files as one tar layer.
//
// Entries are sorted by name and written with uid/gid 0, a zero mtime and
// mode 0644 or 0755, so equal inputs always produce equal digests.
func Pack(files []FileEntry, opts ...Option) (*Layout, error) {
	cfg := packConfig{compression: codec.CompressionGzip}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.name != "" {
		if _, err := reference.Parse(cfg.name); err != nil {
			return nil, fmt.Errorf("%w: name: %w", ErrInvalidInput, err)
		}
	}

	entries, err := resolveFiles(files)
	if err != nil {
		return nil, err
	}
	tarball, err := buildTar(entries)
	if err != nil {
		return nil, err
	}
	layerBlob, err := codec.Compress(tarball, cfg.compression)
	if err != nil {
		return nil, fmt.Errorf("compress layer: %w", err)
	}

	l := New()
	layer := ocispec.Descriptor{
		MediaType: LayerMediaType(cfg.compression),
		Digest:    l.AddBlob(layerBlob),
		Size:      int64(len(layerBlob)),
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	configBlob, err := json.Marshal(Config{Layers: map[digest.Digest][]string{layer.Digest: names}})
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	config := ocispec.Descriptor{
		MediaType: MediaTypeConfig,
		Digest:    l.AddBlob(configBlob),
		Size:      int64(len(configBlob)),
	}

	m := ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: MediaTypeArtifact,
		Config:       config,
		Layers:       []ocispec.Descriptor{layer},
		Annotations:  cfg.annotations,
	}
	if _, err := l.AddImage(m, cfg.name); err != nil {
		return nil, err
	}
	return l, nil
}

// Compose is Pack with the index entry named ref. ref must parse as an image
// reference and is stored exactly as given.
func Compose(files []FileEntry, ref string, opts ...Option) (*Layout, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference name", ErrInvalidInput)
	}
	return Pack(files, append(opts, WithName(ref))...)
}

// FilesFromDir returns every regular file below dir, named relative to dir.
// Symbolic links are rejected.
func FilesFromDir(dir string) ([]FileEntry, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	var files []FileEntry
	err = fs.WalkDir(root.FS(), ".", func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := root.Lstat(filepath.FromSlash(p))
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			return fmt.Errorf("%w: %s is a symbolic link", ErrInvalidInput, p)
		case !info.Mode().IsRegular():
			return fmt.Errorf("%w: %s is not a regular file", ErrInvalidInput, p)
		}
		files = append(files, FileEntry{
			Name: p,
			Path: filepath.Join(dir, filepath.FromSlash(p)),
			Mode: info.Mode().Perm(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// packEntry is a FileEntry with its content loaded and name normalized.
type packEntry struct {
	Name string
	Data []byte
	Mode int64
}

func resolveFiles(files []FileEntry) ([]packEntry, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrInvalidInput)
	}

	entries := make([]packEntry, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		name, err := entryName(f)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidInput, name)
		}
		seen[name] = true

		data, mode := f.Data, f.Mode
		if data == nil {
			if f.Path == "" {
				return nil, fmt.Errorf("%w: %q has neither data nor path", ErrInvalidInput, name)
			}
			info, err := os.Stat(f.Path)
			if err != nil {
				return nil, err
			}
			if !info.Mode().IsRegular() {
				return nil, fmt.Errorf("%w: %s is not a regular file", ErrInvalidInput, f.Path)
			}
			if mode == 0 {
				mode = info.Mode()
			}
			if data, err = os.ReadFile(f.Path); err != nil {
				return nil, err
			}
		}

		perm := int64(0o644)
		if mode&0o111 != 0 {
			perm = 0o755
		}
		entries = append(entries, packEntry{Name: name, Data: data, Mode: perm})
	}

	slices.SortFunc(entries, func(a, b packEntry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return entries, nil
}

// entryName returns the archive path of f, rejecting absolute names and names
// that leave the layer root.
func entryName(f FileEntry) (string, error) {
	name := f.Name
	if name == "" {
		if f.Path == "" {
			return "", fmt.Errorf("%w: entry without name or path", ErrInvalidInput)
		}
		name = filepath.Base(f.Path)
	}
	name = filepath.ToSlash(name)
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute name %q", ErrInvalidInput, name)
	}
	clean, ok := pathutil.Clean(name)
	if !ok || clean == "." {
		return "", fmt.Errorf("%w: invalid name %q", ErrInvalidInput, name)
	}
	return clean, nil
}

// buildTar writes entries as a deterministic tar stream.
func buildTar(entries []packEntry) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.Name,
			Mode:     e.Mode,
			Size:     int64(len(e.Data)),
			ModTime:  time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar header %s: %w", e.Name, err)
		}
		if _, err := tw.Write(e.Data); err != nil {
			return nil, fmt.Errorf("tar write %s: %w", e.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return buf.Bytes(), nil
}
