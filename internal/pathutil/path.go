// Package pathutil provides path manipulation for slash-separated archive paths.
package pathutil

import (
	"io/fs"
	"path"
	"strings"
)

// Clean normalizes an archive entry name. A leading "./" and trailing
// slashes are dropped and the empty name becomes ".". ok is false for
// absolute names and names with "..", "." or empty elements.
func Clean(name string) (clean string, ok bool) {
	n := strings.TrimPrefix(name, "./")
	n = strings.TrimRight(n, "/")
	if n == "" || n == "." {
		return ".", !strings.HasPrefix(name, "/")
	}
	if !fs.ValidPath(n) {
		return "", false
	}
	return n, true
}

// Split returns the parent directory and last element of a cleaned name.
// The parent of a top-level name is ".".
func Split(name string) (dir, base string) {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return ".", name
	}
	return name[:i], name[i+1:]
}

// Escapes reports whether a symlink at name pointing to target resolves
// outside the root.
func Escapes(name, target string) bool {
	if path.IsAbs(target) {
		return true
	}
	dir, _ := Split(name)
	resolved := path.Join(dir, target)
	return resolved == ".." || strings.HasPrefix(resolved, "../")
}
