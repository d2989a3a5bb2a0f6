// Package ocipkg distributes packages of plain files as OCI artifacts.
//
// A package is an OCI image whose layers are tar archives of files. This
// package provides a high-level API through [Client] for packing files into
// image layouts, pushing and pulling them, and keeping unpacked copies in a
// local content-addressed store. Lower-level building blocks live in the
// [layout], [registry], [store] and [transfer] subpackages.
//
// # Quick Start
//
// Pack files and push them:
//
//	c, err := ocipkg.NewClient(ocipkg.WithDockerConfig())
//	if err != nil {
//	    return err
//	}
//	l, err := c.Compose([]ocipkg.FileEntry{{Path: "lib/libfoo.a"}}, "ghcr.io/myorg/libfoo:1.0")
//	if err != nil {
//	    return err
//	}
//	err = c.Push(ctx, l, "")
//
// Get a package directory, downloading it on first use:
//
//	dir, err := c.Get(ctx, "ghcr.io/myorg/libfoo:1.0")
//
// # Local store
//
// Packages are unpacked below [store.DefaultDir] unless [WithStoreDir] is
// given. Entries are keyed by manifest digest and never modified once
// published; tags are pointers that [WithUpdate] re-resolves against the
// registry.
package ocipkg
