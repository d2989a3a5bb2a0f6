package ocipkg

import (
	"github.com/meigma/ocipkg/codec"
	"github.com/meigma/ocipkg/layout"
	"github.com/meigma/ocipkg/reference"
	"github.com/meigma/ocipkg/registry"
	"github.com/meigma/ocipkg/store"
	"github.com/meigma/ocipkg/transfer"
)

// Errors re-exported from codec and reference.
var (
	// ErrDigestMismatch is returned when content does not match its expected digest.
	ErrDigestMismatch = codec.ErrDigestMismatch

	// ErrInvalidDigest is returned when a digest is malformed or uses an
	// unsupported algorithm.
	ErrInvalidDigest = codec.ErrInvalidDigest

	// ErrDecompression is returned when a layer cannot be decoded.
	ErrDecompression = codec.ErrDecompression

	// ErrInvalidReference is returned when a reference string is malformed.
	ErrInvalidReference = reference.ErrInvalidReference
)

// Errors re-exported from layout.
var (
	// ErrInvalidInput is returned when files handed to Pack are unusable.
	ErrInvalidInput = layout.ErrInvalidInput

	// ErrFormat is returned for malformed archives and manifests.
	ErrFormat = layout.ErrFormat

	// ErrIncompleteLayout is returned when a layout misses referenced blobs.
	ErrIncompleteLayout = layout.ErrIncompleteLayout
)

// Errors re-exported from registry.
var (
	// ErrNotFound is returned when a repository, manifest or blob does not exist.
	ErrNotFound = registry.ErrNotFound

	// ErrAuthorizationDenied is returned when credentials are rejected.
	ErrAuthorizationDenied = registry.ErrAuthorizationDenied

	// ErrUnsupportedChallenge is returned for authentication schemes ocipkg
	// does not speak.
	ErrUnsupportedChallenge = registry.ErrUnsupportedChallenge

	// ErrUnsupportedManifestType is returned when a registry serves a
	// manifest that is not an image manifest.
	ErrUnsupportedManifestType = registry.ErrUnsupportedManifestType

	// ErrUploadOffsetMismatch is returned when a chunked upload cannot be
	// reconciled with the registry's view.
	ErrUploadOffsetMismatch = registry.ErrUploadOffsetMismatch

	// ErrTransient is returned when retryable failures outlast the retry budget.
	ErrTransient = registry.ErrTransient
)

// Errors re-exported from store and transfer.
var (
	// ErrNotInStore is returned when a reference has no local entry.
	ErrNotInStore = store.ErrNotFound

	// ErrMissingReferenceName is returned when an archive image has no
	// reference name to be stored under.
	ErrMissingReferenceName = store.ErrMissingReferenceName

	// ErrUnsafePath is returned when a layer entry escapes its package directory.
	ErrUnsafePath = store.ErrUnsafePath

	// ErrNoTarget is returned when a pushed image has no destination.
	ErrNoTarget = transfer.ErrNoTarget
)
