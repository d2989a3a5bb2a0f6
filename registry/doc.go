// Package registry implements the subset of the OCI Distribution API that
// ocipkg needs to push and pull images.
//
// A Client is a session: it owns the per-host authentication state, the
// bearer token cache and the HTTP connection pool. Nothing is shared between
// Clients.
//
// Idempotent requests (HEAD, GET) are retried according to a retry.Policy.
// Blob uploads are never resumed at an uncertain offset: chunked uploads
// re-query the upload status before re-sending a chunk and monolithic
// uploads restart from a fresh upload session.
package registry
