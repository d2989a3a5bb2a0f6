package store

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/ocipkg/codec"
	"github.com/meigma/ocipkg/reference"
)

const defaultDirPerm = 0o755

// Store is a local package store rooted at a directory. It is safe for
// concurrent use, also by several processes sharing the same root.
type Store struct {
	root    string
	dirPerm os.FileMode
	logger  *slog.Logger
	group   singleflight.Group
}

// New opens the store rooted at dir, creating its directories if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store: root directory is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s := &Store{
		root:    abs,
		dirPerm: defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sub := range []string{"blobs", "packages", "refs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(abs, sub), s.dirPerm); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", sub, err)
		}
	}
	return s, nil
}

// DefaultDir returns the store root used when none is configured:
// $OCIPKG_HOME, else $XDG_DATA_HOME/ocipkg, else the platform data
// directory.
func DefaultDir() (string, error) {
	if dir := os.Getenv("OCIPKG_HOME"); dir != "" {
		return dir, nil
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "ocipkg"), nil
	}
	switch runtime.GOOS {
	case "windows":
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return filepath.Join(dir, "ocipkg"), nil
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("store: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", "ocipkg"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: %w", err)
	}
	return filepath.Join(home, ".local", "share", "ocipkg"), nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

func (s *Store) tmpDir() string {
	return filepath.Join(s.root, "tmp")
}

// blobPath returns blobs/<alg>/<hex>. The digest is validated first so
// it is safe as a path component.
func (s *Store) blobPath(d digest.Digest) (string, error) {
	if err := codec.ValidateDigest(d); err != nil {
		return "", err
	}
	return filepath.Join(s.root, "blobs", d.Algorithm().String(), d.Encoded()), nil
}

// repoDir returns <host>[__port]/<repo> below base.
func repoDir(base string, ref reference.Reference) string {
	parts := append([]string{base, hostDir(ref.Registry)}, strings.Split(ref.Repository, "/")...)
	return filepath.Join(parts...)
}

// entryDir returns the package directory of manifest d in ref's repository.
func (s *Store) entryDir(ref reference.Reference, d digest.Digest) (string, error) {
	if err := codec.ValidateDigest(d); err != nil {
		return "", err
	}
	name := "__" + d.Algorithm().String() + "_" + d.Encoded()
	return filepath.Join(repoDir(filepath.Join(s.root, "packages"), ref), name), nil
}

// tagPath returns the tag pointer file of ref.
func (s *Store) tagPath(ref reference.Reference) string {
	return filepath.Join(repoDir(filepath.Join(s.root, "refs"), ref), "__"+ref.Tag)
}

// hostDir encodes a registry host as a single path component, replacing the
// port separator with "__".
func hostDir(host string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	h = strings.ReplaceAll(h, ":", "_")
	return h + "__" + port
}

// parseHostDir reverses hostDir.
func parseHostDir(dir string) string {
	i := strings.LastIndex(dir, "__")
	if i < 0 {
		return dir
	}
	h, port := dir[:i], dir[i+2:]
	if strings.Contains(h, "_") && !strings.Contains(h, ".") {
		return "[" + strings.ReplaceAll(h, "_", ":") + "]:" + port
	}
	return h + ":" + port
}

// writeFileAtomic writes data to a temp file in the staging directory and
// renames it onto target.
func (s *Store) writeFileAtomic(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), s.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tmpDir(), "file-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
