package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/ocipkg/codec"
)

// ReadBlob returns the cached blob d after verifying it. A missing blob
// yields an error matching fs.ErrNotExist. A corrupt blob is deleted and
// reported as ErrDigestMismatch so that callers fetch it again.
func (s *Store) ReadBlob(d digest.Digest) ([]byte, error) {
	path, err := s.blobPath(d)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a validated digest
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", d, err)
	}
	if err := codec.Verify(data, d); err != nil {
		s.log().Warn("removing corrupt cached blob", "digest", d, "path", path)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return nil, errors.Join(fmt.Errorf("read blob %s: %w", d, err), rmErr)
		}
		return nil, fmt.Errorf("read blob %s: %w", d, err)
	}
	return data, nil
}

// HasBlob reports whether blob d is present in the cache. The content is
// not verified.
func (s *Store) HasBlob(d digest.Digest) bool {
	path, err := s.blobPath(d)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// putBlob verifies data against d and stores it. Existing blobs are kept.
func (s *Store) putBlob(d digest.Digest, data []byte) error {
	if err := codec.Verify(data, d); err != nil {
		return fmt.Errorf("store blob: %w", err)
	}
	path, err := s.blobPath(d)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := s.writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("store blob %s: %w", d, err)
	}
	return nil
}
