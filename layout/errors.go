package layout

import (
	"errors"

	"github.com/meigma/ocipkg/codec"
)

// Sentinel errors for layout operations.
var (
	// ErrInvalidInput is returned when files handed to Pack are unusable:
	// empty input, duplicate names, absolute or escaping names, symlinks.
	ErrInvalidInput = errors.New("layout: invalid input")

	// ErrIncompleteLayout is returned when a digest referenced by the index or
	// a manifest has no blob in the layout.
	ErrIncompleteLayout = errors.New("layout: incomplete layout")

	// ErrFormat is returned for malformed archives, JSON documents or
	// descriptors.
	ErrFormat = errors.New("layout: malformed layout")

	// ErrNotFound is returned when a blob or index entry does not exist.
	ErrNotFound = errors.New("layout: not found")

	// ErrUnsupportedManifestType is returned for manifest media types ocipkg
	// cannot interpret as an image.
	ErrUnsupportedManifestType = errors.New("layout: unsupported manifest type")

	// ErrDigestMismatch is returned when a blob does not match its digest.
	ErrDigestMismatch = codec.ErrDigestMismatch
)
