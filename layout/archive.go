package layout

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/nlepage/go-tarfs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/ocipkg/codec"
)

// BlobPath returns the slash-separated path of d inside an image layout.
func BlobPath(d ocispec.Descriptor) (string, error) {
	if err := codec.ValidateDigest(d.Digest); err != nil {
		return "", err
	}
	return path.Join(ocispec.ImageBlobsDir, d.Digest.Algorithm().String(), d.Digest.Encoded()), nil
}

// ReadArchive reads an oci-archive tarball, optionally gzip compressed.
// Every blob reachable from the index is loaded and verified.
func ReadArchive(r io.Reader) (*Layout, error) {
	br := bufio.NewReader(r)
	const gzipMagic1, gzipMagic2 = 0x1F, 0x8B
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == gzipMagic1 && magic[1] == gzipMagic2 {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrFormat, err)
		}
		defer zr.Close()
		src = zr
	}

	tfs, err := tarfs.New(src)
	if err != nil {
		return nil, fmt.Errorf("%w: tar: %v", ErrFormat, err)
	}
	return readLayoutFS(tfs)
}

// readLayoutFS loads a layout from an fs.FS rooted at the layout directory.
func readLayoutFS(fsys fs.FS) (*Layout, error) {
	layoutJSON, err := fs.ReadFile(fsys, ocispec.ImageLayoutFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFormat, ocispec.ImageLayoutFile, err)
	}
	var marker ocispec.ImageLayout
	if err := json.Unmarshal(layoutJSON, &marker); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, ocispec.ImageLayoutFile, err)
	}
	if marker.Version != ocispec.ImageLayoutVersion {
		return nil, fmt.Errorf("%w: unsupported image layout version %q", ErrFormat, marker.Version)
	}

	indexJSON, err := fs.ReadFile(fsys, ocispec.ImageIndexFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFormat, ocispec.ImageIndexFile, err)
	}
	var idx ocispec.Index
	if err := json.Unmarshal(indexJSON, &idx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, ocispec.ImageIndexFile, err)
	}
	if idx.Manifests == nil {
		idx.Manifests = []ocispec.Descriptor{}
	}

	l := New()
	l.index = idx
	err = walk(idx.Manifests, func(desc ocispec.Descriptor) ([]byte, error) {
		p, err := BlobPath(desc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}
		b, err := fs.ReadFile(fsys, p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: missing blob %s", ErrIncompleteLayout, desc.Digest)
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if err := l.PutBlob(desc.Digest, b); err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// WriteArchive writes l as an oci-archive tarball. Blobs are written in
// digest order with fixed headers, so equal layouts produce identical bytes.
func (l *Layout) WriteArchive(w io.Writer) error {
	if err := l.Validate(); err != nil {
		return err
	}

	layoutJSON, err := json.Marshal(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ocispec.ImageLayoutFile, err)
	}
	indexJSON, err := json.Marshal(l.index)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ocispec.ImageIndexFile, err)
	}

	tw := tar.NewWriter(w)
	if err := writeTarFile(tw, ocispec.ImageLayoutFile, layoutJSON); err != nil {
		return err
	}
	if err := writeTarFile(tw, ocispec.ImageIndexFile, indexJSON); err != nil {
		return err
	}
	for _, d := range l.Blobs() {
		p, err := BlobPath(ocispec.Descriptor{Digest: d})
		if err != nil {
			return err
		}
		if err := writeTarFile(tw, p, l.blobs[d]); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
