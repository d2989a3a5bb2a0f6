package registry

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/ocipkg/codec"
	"github.com/meigma/ocipkg/layout"
	"github.com/meigma/ocipkg/reference"
)

// acceptManifests is the Accept header sent for manifest requests.
var acceptManifests = strings.Join(layout.ManifestMediaTypes, ", ")

// PushManifest uploads body as the manifest for tag, or by digest when tag
// is empty. The digest reported by the registry must match the digest of
// body.
func (c *Client) PushManifest(ctx context.Context, ref reference.Reference, tag, mediaType string, body []byte) (ocispec.Descriptor, error) {
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    codec.DigestOf(body),
		Size:      int64(len(body)),
	}
	identifier := tag
	if identifier == "" {
		identifier = desc.Digest.String()
	}

	header := http.Header{}
	header.Set("Content-Type", mediaType)
	resp, err := c.do(ctx, request{
		method: http.MethodPut,
		url:    c.repoURL(ref, "manifests", identifier),
		header: header,
		body:   body,
		ref:    ref,
		push:   true,
	})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push manifest %s: %w", identifier, err)
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return ocispec.Descriptor{}, fmt.Errorf("push manifest %s: %w", identifier, responseError(resp))
	}
	if err := checkDigestHeader(resp, desc.Digest); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push manifest %s: %w", identifier, err)
	}
	return desc, nil
}

// FetchManifest downloads the manifest ref points at. The body is verified
// against the digest in ref, if any, and against Docker-Content-Digest.
func (c *Client) FetchManifest(ctx context.Context, ref reference.Reference) (ocispec.Descriptor, []byte, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodGet,
		url:    c.repoURL(ref, "manifests", ref.Identifier()),
		header: http.Header{"Accept": {acceptManifests}},
		ref:    ref,
	})
	if err != nil {
		return ocispec.Descriptor{}, nil, fmt.Errorf("fetch manifest %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ocispec.Descriptor{}, nil, fmt.Errorf("fetch manifest %s: %w", ref, responseError(resp))
	}
	mediaType, err := manifestMediaType(resp)
	if err != nil {
		return ocispec.Descriptor{}, nil, fmt.Errorf("fetch manifest %s: %w", ref, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return ocispec.Descriptor{}, nil, wrapBodyError(fmt.Sprintf("fetch manifest %s", ref), err)
	}
	if len(body) > maxManifestBytes {
		return ocispec.Descriptor{}, nil, fmt.Errorf("fetch manifest %s: body exceeds %d bytes", ref, maxManifestBytes)
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    codec.DigestOf(body),
		Size:      int64(len(body)),
	}
	if ref.IsDigest() {
		if err := codec.Verify(body, ref.Digest); err != nil {
			return ocispec.Descriptor{}, nil, fmt.Errorf("fetch manifest %s: %w", ref, err)
		}
		desc.Digest = ref.Digest
	}
	if h := resp.Header.Get("Docker-Content-Digest"); h != "" {
		if err := codec.Verify(body, digest.Digest(h)); err != nil {
			return ocispec.Descriptor{}, nil, fmt.Errorf("fetch manifest %s: registry digest: %w", ref, err)
		}
	}
	return desc, body, nil
}

// ResolveManifest returns the descriptor of the manifest ref points at
// without downloading it. Registries that omit Docker-Content-Digest on
// HEAD are resolved with a GET.
func (c *Client) ResolveManifest(ctx context.Context, ref reference.Reference) (ocispec.Descriptor, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodHead,
		url:    c.repoURL(ref, "manifests", ref.Identifier()),
		header: http.Header{"Accept": {acceptManifests}},
		ref:    ref,
	})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("resolve %s: %w", ref, err)
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return ocispec.Descriptor{}, fmt.Errorf("resolve %s: %w", ref, responseError(resp))
	}
	mediaType, err := manifestMediaType(resp)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("resolve %s: %w", ref, err)
	}

	h := resp.Header.Get("Docker-Content-Digest")
	size, serr := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if h == "" || serr != nil || size < 0 {
		desc, _, err := c.FetchManifest(ctx, ref)
		return desc, err
	}
	d := digest.Digest(h)
	if err := codec.ValidateDigest(d); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("resolve %s: %w", ref, err)
	}
	if ref.IsDigest() && d != ref.Digest {
		return ocispec.Descriptor{}, fmt.Errorf("resolve %s: %w: registry reports %s", ref, ErrDigestMismatch, d)
	}
	return ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: size}, nil
}

// manifestMediaType returns the Content-Type of a manifest response, which
// must be one of layout.ManifestMediaTypes.
func manifestMediaType(resp *http.Response) (string, error) {
	ct := resp.Header.Get("Content-Type")
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedManifestType, ct)
	}
	if !layout.IsManifestMediaType(mt) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedManifestType, mt)
	}
	return mt, nil
}

// wrapBodyError marks interrupted body reads as transient.
func wrapBodyError(op string, err error) error {
	if isTransientError(err) {
		return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
