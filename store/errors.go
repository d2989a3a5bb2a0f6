package store

import (
	"errors"

	"github.com/meigma/ocipkg/codec"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when a reference has no local entry and no
	// source was given to fetch it.
	ErrNotFound = errors.New("store: not found")

	// ErrMissingReferenceName is returned when an image to be imported
	// carries no org.opencontainers.image.ref.name annotation.
	ErrMissingReferenceName = errors.New("store: image has no reference name")

	// ErrUnsafePath is returned when a layer entry would be written outside
	// the package directory.
	ErrUnsafePath = errors.New("store: unsafe path in layer")

	// ErrDigestMismatch is returned when stored or received content does
	// not match its digest.
	ErrDigestMismatch = codec.ErrDigestMismatch
)
