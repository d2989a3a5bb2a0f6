// Package store is the local package store: a content-addressed blob cache
// plus unpacked package directories keyed by manifest digest.
//
// Layout under the store root:
//
//	blobs/<alg>/<hex>                              verified blobs
//	packages/<host>[__port]/<repo>/__<alg>_<hex>/  unpacked entries
//	refs/<host>[__port]/<repo>/__<tag>             tag pointers
//	tmp/                                           staging
//
// Entries are published by renaming a fully unpacked staging directory into
// place and are never modified afterwards. Tags are pointers to manifest
// digests and may be re-pointed when the remote tag moves. Several
// processes may share one root; the loser of a publish race adopts the
// winner's entry.
package store
