// Package reference parses and normalizes image references of the form
// {registry-host[:port]}/{repository}[:tag][@digest].
package reference

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/opencontainers/go-digest"
	orasregistry "oras.land/oras-go/v2/registry"
)

// ErrInvalidReference is returned when a reference cannot be parsed.
var ErrInvalidReference = errors.New("reference: invalid reference")

const (
	// DefaultRegistry is used when a reference names no registry host.
	DefaultRegistry = "docker.io"

	// DefaultTag is used when a reference carries neither tag nor digest.
	DefaultTag = "latest"

	dockerHubEndpoint = "registry-1.docker.io"
	dockerHubIndex    = "index.docker.io"
)

// Reference is a normalized image reference.
type Reference struct {
	// Registry is the registry host, optionally with a port.
	Registry string
	// Repository is the repository path within the registry.
	Repository string
	// Tag is empty only for pure digest references.
	Tag string
	// Digest pins the manifest when set.
	Digest digest.Digest
}

// Parse parses s into a normalized Reference.
//
// A missing registry defaults to docker.io, single component Docker Hub
// repositories gain the library/ prefix and a reference without tag or
// digest gets the latest tag.
func Parse(s string) (Reference, error) {
	if s == "" {
		return Reference{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	name := s
	var dgst digest.Digest
	if i := strings.IndexByte(name, '@'); i >= 0 {
		dgst = digest.Digest(name[i+1:])
		name = name[:i]
	}

	var tag string
	if i := strings.LastIndexByte(name, ':'); i > strings.LastIndexByte(name, '/') {
		tag = name[i+1:]
		name = name[:i]
		if tag == "" {
			return Reference{}, fmt.Errorf("%w: %q: empty tag", ErrInvalidReference, s)
		}
	}

	host, repo := DefaultRegistry, name
	if i := strings.IndexByte(name, '/'); i >= 0 && looksLikeHost(name[:i]) {
		host, repo = name[:i], name[i+1:]
	}
	if host == dockerHubIndex || host == dockerHubEndpoint {
		host = DefaultRegistry
	}
	if host == DefaultRegistry && !strings.Contains(repo, "/") {
		repo = "library/" + repo
	}
	if tag == "" && dgst == "" {
		tag = DefaultTag
	}

	ref := Reference{Registry: host, Repository: repo, Tag: tag, Digest: dgst}
	if err := ref.validate(); err != nil {
		return Reference{}, fmt.Errorf("%w: %q: %v", ErrInvalidReference, s, err)
	}
	return ref, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package level variables.
func MustParse(s string) Reference {
	ref, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ref
}

func (r Reference) validate() error {
	or := orasregistry.Reference{Registry: r.Registry, Repository: r.Repository}
	if err := or.ValidateRegistry(); err != nil {
		return err
	}
	if err := or.ValidateRepository(); err != nil {
		return err
	}
	if r.Tag != "" {
		or.Reference = r.Tag
		if err := or.ValidateReferenceAsTag(); err != nil {
			return err
		}
	}
	if r.Digest != "" {
		or.Reference = r.Digest.String()
		if err := or.ValidateReferenceAsDigest(); err != nil {
			return err
		}
	}
	return nil
}

// looksLikeHost reports whether the first path component of a reference
// names a registry rather than a Docker Hub namespace.
func looksLikeHost(s string) bool {
	return s == "localhost" || strings.ContainsAny(s, ".:")
}

// String returns the fully qualified form of r.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Repo())
	if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest.String())
	}
	return b.String()
}

// Repo returns registry/repository.
func (r Reference) Repo() string {
	return r.Registry + "/" + r.Repository
}

// DockerHubHosts returns the hostnames that name Docker Hub, DefaultRegistry
// first.
func DockerHubHosts() []string {
	return []string{DefaultRegistry, dockerHubIndex, dockerHubEndpoint}
}

// IsDockerHub reports whether host, with or without a port, names Docker Hub.
func IsDockerHub(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	switch host {
	case DefaultRegistry, dockerHubIndex, dockerHubEndpoint:
		return true
	}
	return false
}

// Host returns the network endpoint of the registry.
func (r Reference) Host() string {
	if r.Registry == DefaultRegistry {
		return dockerHubEndpoint
	}
	return r.Registry
}

// Identifier returns the digest if set, otherwise the tag. This is the value
// placed in /v2/<name>/manifests/<identifier>.
func (r Reference) Identifier() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

// IsDigest reports whether r is pinned to a manifest digest.
func (r Reference) IsDigest() bool {
	return r.Digest != ""
}

// WithDigest returns a copy of r pinned to d.
func (r Reference) WithDigest(d digest.Digest) Reference {
	r.Digest = d
	return r
}

// WithTag returns a copy of r with the tag replaced and the digest cleared.
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	r.Digest = ""
	return r
}

// PlainHTTPDefault reports whether host should be contacted over plain HTTP
// when no explicit setting exists. Only loopback hosts qualify.
func PlainHTTPDefault(host string) bool {
	h := host
	if split, _, err := net.SplitHostPort(host); err == nil {
		h = split
	}
	switch h {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
