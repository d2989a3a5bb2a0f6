package store

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/meigma/ocipkg/codec"
	"github.com/meigma/ocipkg/layout"
	"github.com/meigma/ocipkg/reference"
)

// fakeSource serves layouts from memory.
type fakeSource struct {
	mu      sync.Mutex
	tags    map[string]digest.Digest
	images  map[digest.Digest]*layout.Layout
	cached  []digest.Digest
	pullErr error

	resolves atomic.Int32
	pulls    atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tags:   make(map[string]digest.Digest),
		images: make(map[digest.Digest]*layout.Layout),
	}
}

// add registers l, which must hold one image, under ref.
func (f *fakeSource) add(t *testing.T, ref reference.Reference, l *layout.Layout) digest.Digest {
	t.Helper()
	imgs, err := l.Images()
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	d := imgs[0].Descriptor.Digest

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[ref.Repo()+":"+ref.Tag] = d
	f.images[d] = l
	return d
}

func (f *fakeSource) Resolve(_ context.Context, ref reference.Reference) (ocispec.Descriptor, error) {
	f.resolves.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.tags[ref.Repo()+":"+ref.Tag]
	if !ok {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return ocispec.Descriptor{MediaType: ocispec.MediaTypeImageManifest, Digest: d}, nil
}

func (f *fakeSource) Pull(_ context.Context, ref reference.Reference, cache layout.BlobReader) (*layout.Layout, error) {
	f.pulls.Add(1)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.mu.Lock()
	l, ok := f.images[ref.Digest]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	for _, d := range l.Blobs() {
		if _, err := cache.ReadBlob(d); err == nil {
			f.mu.Lock()
			f.cached = append(f.cached, d)
			f.mu.Unlock()
		}
	}
	return l, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func composeFiles(t *testing.T, name string, files map[string]string, opts ...layout.Option) *layout.Layout {
	t.Helper()
	entries := make([]layout.FileEntry, 0, len(files))
	for n, content := range files {
		entries = append(entries, layout.FileEntry{Name: n, Data: []byte(content)})
	}
	l, err := layout.Compose(entries, name, opts...)
	require.NoError(t, err)
	return l
}

// tarEntry describes one entry of a hand-built layer.
type tarEntry struct {
	name     string
	typ      byte
	body     string
	linkname string
	mode     int64
}

func buildLayer(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
			if e.typ == tar.TypeDir {
				mode = 0o755
			}
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typ,
			Linkname: e.linkname,
			Mode:     mode,
			Size:     int64(len(e.body)),
		}
		if e.typ != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typ == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	gz, err := codec.Compress(buf.Bytes(), codec.CompressionGzip)
	require.NoError(t, err)
	return gz
}

// imageLayout wraps hand-built gzip layers into a named OCI image.
func imageLayout(t *testing.T, refName string, layers ...[]byte) *layout.Layout {
	t.Helper()
	l := layout.New()
	config := []byte(`{"architecture":"amd64","os":"linux","rootfs":{"type":"layers","diff_ids":[]}}`)
	m := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    l.AddBlob(config),
			Size:      int64(len(config)),
		},
	}
	m.SchemaVersion = 2
	for _, layer := range layers {
		m.Layers = append(m.Layers, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    l.AddBlob(layer),
			Size:      int64(len(layer)),
		})
	}
	_, err := l.AddImage(m, refName)
	require.NoError(t, err)
	return l
}
