// Package codec computes and verifies content digests and encodes the
// compressed payloads stored in ocipkg layers.
package codec

import (
	_ "crypto/sha256" // register digest algorithms
	_ "crypto/sha512"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Sentinel errors for codec operations.
var (
	// ErrDigestMismatch is returned when content does not match its expected digest.
	ErrDigestMismatch = errors.New("codec: digest mismatch")

	// ErrInvalidDigest is returned when a digest string is malformed or uses
	// an algorithm outside the allowlist.
	ErrInvalidDigest = errors.New("codec: invalid digest")

	// ErrDecompression is returned when compressed content cannot be decoded.
	ErrDecompression = errors.New("codec: decompression failed")

	// ErrUnsupportedMediaType is returned when a media type has no known codec.
	ErrUnsupportedMediaType = errors.New("codec: unsupported media type")
)

// allowedAlgorithms maps the digest algorithms accepted for on-disk paths to
// the length of their hex encoding.
var allowedAlgorithms = map[digest.Algorithm]int{
	digest.SHA256: 64,
	digest.SHA512: 128,
}

// DigestOf returns the sha256 digest of b.
func DigestOf(b []byte) digest.Digest {
	return digest.SHA256.FromBytes(b)
}

// Verify recomputes the digest of b with the algorithm of expected and
// compares the two.
func Verify(b []byte, expected digest.Digest) error {
	if err := ValidateDigest(expected); err != nil {
		return err
	}
	if computed := expected.Algorithm().FromBytes(b); computed != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, expected, computed)
	}
	return nil
}

// ValidateDigest checks that d is well formed and uses an allowed algorithm.
// Digests that pass are safe to use as filesystem path components.
func ValidateDigest(d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidDigest, d, err)
	}
	hexLen, ok := allowedAlgorithms[d.Algorithm()]
	if !ok {
		return fmt.Errorf("%w: algorithm %q not in allowlist", ErrInvalidDigest, d.Algorithm())
	}
	if len(d.Encoded()) != hexLen {
		return fmt.Errorf("%w: %q has wrong length", ErrInvalidDigest, d)
	}
	return nil
}
