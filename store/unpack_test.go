package store

import (
	"archive/tar"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/ocipkg/codec"
)

func applyLayers(t *testing.T, layers ...[]byte) (string, error) {
	t.Helper()
	dir := t.TempDir()
	root, err := os.OpenRoot(dir)
	require.NoError(t, err)
	defer root.Close()

	for _, layer := range layers {
		desc := ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    codec.DigestOf(layer),
			Size:      int64(len(layer)),
		}
		if err := unpackLayer(root, desc, layer); err != nil {
			return dir, err
		}
	}
	return dir, nil
}

func TestUnpackLayer_UnsafePaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry tarEntry
	}{
		{name: "parent traversal", entry: tarEntry{name: "../evil", typ: tar.TypeReg, body: "x"}},
		{name: "nested traversal", entry: tarEntry{name: "a/../../evil", typ: tar.TypeReg, body: "x"}},
		{name: "absolute path", entry: tarEntry{name: "/etc/passwd", typ: tar.TypeReg, body: "x"}},
		{name: "absolute symlink", entry: tarEntry{name: "link", typ: tar.TypeSymlink, linkname: "/etc/passwd"}},
		{name: "escaping symlink", entry: tarEntry{name: "a/link", typ: tar.TypeSymlink, linkname: "../../outside"}},
		{name: "escaping hardlink", entry: tarEntry{name: "hard", typ: tar.TypeLink, linkname: "../outside"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := applyLayers(t, buildLayer(t, tt.entry))
			require.ErrorIs(t, err, ErrUnsafePath)
		})
	}
}

func TestUnpackLayer_Entries(t *testing.T) {
	t.Parallel()

	dir, err := applyLayers(t, buildLayer(t,
		tarEntry{name: "./lib/", typ: tar.TypeDir},
		tarEntry{name: "./lib/libfoo.so.1", typ: tar.TypeReg, body: "so"},
		tarEntry{name: "./lib/libfoo.so", typ: tar.TypeSymlink, linkname: "libfoo.so.1"},
		tarEntry{name: "./lib/libfoo-copy.so", typ: tar.TypeLink, linkname: "lib/libfoo.so.1"},
		tarEntry{name: "./bin/run", typ: tar.TypeReg, body: "#!", mode: 0o755},
		tarEntry{name: "./dev/null", typ: tar.TypeChar},
	))
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "lib", "libfoo.so"))
	require.NoError(t, err)
	assert.Equal(t, "so", string(got))

	got, err = os.ReadFile(filepath.Join(dir, "lib", "libfoo-copy.so"))
	require.NoError(t, err)
	assert.Equal(t, "so", string(got))

	fi, err := os.Stat(filepath.Join(dir, "bin", "run"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())

	_, err = os.Lstat(filepath.Join(dir, "dev", "null"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestUnpackLayer_Whiteouts(t *testing.T) {
	t.Parallel()

	base := buildLayer(t,
		tarEntry{name: "keep.txt", typ: tar.TypeReg, body: "keep"},
		tarEntry{name: "gone.txt", typ: tar.TypeReg, body: "gone"},
		tarEntry{name: "opaque/", typ: tar.TypeDir},
		tarEntry{name: "opaque/old", typ: tar.TypeReg, body: "old"},
		tarEntry{name: "replaced", typ: tar.TypeReg, body: "v1"},
	)
	top := buildLayer(t,
		tarEntry{name: ".wh.gone.txt", typ: tar.TypeReg},
		tarEntry{name: "opaque/.wh..wh..opq", typ: tar.TypeReg},
		tarEntry{name: "opaque/new", typ: tar.TypeReg, body: "new"},
		tarEntry{name: "replaced", typ: tar.TypeReg, body: "v2"},
	)

	dir, err := applyLayers(t, base, top)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "keep.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "gone.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "opaque", "old"))
	assert.FileExists(t, filepath.Join(dir, "opaque", "new"))
	assert.NoFileExists(t, filepath.Join(dir, ".wh.gone.txt"))

	got, err := os.ReadFile(filepath.Join(dir, "replaced"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestUnpackLayer_UnsupportedMediaType(t *testing.T) {
	t.Parallel()

	root, err := os.OpenRoot(t.TempDir())
	require.NoError(t, err)
	defer root.Close()

	err = unpackLayer(root, ocispec.Descriptor{MediaType: "application/json"}, []byte("{}"))
	require.ErrorIs(t, err, codec.ErrUnsupportedMediaType)
}
