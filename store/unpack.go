package store

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/ocipkg/codec"
	"github.com/meigma/ocipkg/internal/pathutil"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// unpackLayer applies one layer to the directory opened as root. OCI
// whiteouts remove entries of earlier layers.
func unpackLayer(root *os.Root, desc ocispec.Descriptor, data []byte) error {
	compression, err := codec.CompressionFromMediaType(desc.MediaType)
	if err != nil {
		return fmt.Errorf("layer %s: %w", desc.Digest, err)
	}
	rc, err := codec.NewDecompressReader(bytes.NewReader(data), compression)
	if err != nil {
		return fmt.Errorf("layer %s: %w", desc.Digest, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("layer %s: read tar: %w", desc.Digest, err)
		}
		if err := applyEntry(root, hdr, tr); err != nil {
			return fmt.Errorf("layer %s: %w", desc.Digest, err)
		}
	}
}

// cleanName turns a tar entry name into a root-relative path, rejecting
// names that leave the root.
func cleanName(name string) (string, error) {
	n, ok := pathutil.Clean(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return n, nil
}

func applyEntry(root *os.Root, hdr *tar.Header, r io.Reader) error {
	name, err := cleanName(hdr.Name)
	if err != nil {
		return err
	}
	if name == "." {
		return nil
	}
	dir, base := pathutil.Split(name)

	if base == whiteoutOpaque {
		return clearDir(root, dir)
	}
	if strings.HasPrefix(base, whiteoutPrefix) {
		target := path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix))
		if err := root.RemoveAll(target); err != nil {
			return fmt.Errorf("whiteout %s: %w", target, err)
		}
		return nil
	}

	if dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	mode := hdr.FileInfo().Mode().Perm()

	switch hdr.Typeflag {
	case tar.TypeDir:
		if fi, err := root.Lstat(name); err == nil && !fi.IsDir() {
			if err := root.Remove(name); err != nil {
				return err
			}
		}
		if err := root.MkdirAll(name, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		return root.Chmod(name, mode|0o700)
	case tar.TypeReg:
		if err := replace(root, name); err != nil {
			return err
		}
		f, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", name, err)
		}
		return f.Close()
	case tar.TypeSymlink:
		if err := checkLinkTarget(name, hdr.Linkname); err != nil {
			return err
		}
		if err := replace(root, name); err != nil {
			return err
		}
		return root.Symlink(hdr.Linkname, name)
	case tar.TypeLink:
		target, err := cleanName(hdr.Linkname)
		if err != nil || target == "." {
			return fmt.Errorf("%w: hardlink %q -> %q", ErrUnsafePath, hdr.Name, hdr.Linkname)
		}
		if err := replace(root, name); err != nil {
			return err
		}
		return root.Link(target, name)
	default:
		// Device nodes, fifos and the like have no meaning for packages.
		return nil
	}
}

// checkLinkTarget rejects symlinks whose target resolves outside the root.
func checkLinkTarget(name, target string) error {
	if pathutil.Escapes(name, target) {
		return fmt.Errorf("%w: symlink %q -> %q", ErrUnsafePath, name, target)
	}
	return nil
}

// replace removes a non-directory entry at name so it can be rewritten.
func replace(root *os.Root, name string) error {
	fi, err := root.Lstat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return root.RemoveAll(name)
	}
	return root.Remove(name)
}

// clearDir removes the children of dir, keeping dir itself.
func clearDir(root *os.Root, dir string) error {
	entries, err := fs.ReadDir(root.FS(), dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := root.RemoveAll(path.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
