package ocipkg

import "github.com/meigma/ocipkg/transfer"

// Re-export progress types from the transfer package.
type (
	// ProgressEvent reports what happened to one blob during Push, Pull or Get.
	ProgressEvent = transfer.Event

	// ProgressKind identifies what happened to a blob.
	ProgressKind = transfer.EventKind

	// ProgressFunc receives progress updates during operations.
	// Implementations must be safe for concurrent calls.
	ProgressFunc = transfer.ProgressFunc
)

// Re-export progress event kinds.
const (
	// EventSkipped indicates the registry already had the blob.
	EventSkipped = transfer.EventSkipped

	// EventUploaded indicates the blob was pushed.
	EventUploaded = transfer.EventUploaded

	// EventDownloaded indicates the blob was fetched from the registry.
	EventDownloaded = transfer.EventDownloaded

	// EventCached indicates the blob was read from the local store.
	EventCached = transfer.EventCached

	// EventManifest indicates the manifest was pushed or fetched.
	EventManifest = transfer.EventManifest
)
