package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"

	"github.com/meigma/ocipkg/codec"
	"github.com/meigma/ocipkg/reference"
)

// BlobExists reports whether the repository holds blob d.
func (c *Client) BlobExists(ctx context.Context, ref reference.Reference, d digest.Digest) (bool, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodHead,
		url:    c.repoURL(ref, "blobs", d.String()),
		ref:    ref,
	})
	if err != nil {
		return false, fmt.Errorf("check blob %s: %w", d, err)
	}
	defer drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check blob %s: %w", d, responseError(resp))
	}
}

// FetchBlob downloads the blob described by desc and verifies it. A
// mismatch fails with ErrDigestMismatch and is not retried. The request
// itself is retried by the client's retry policy; a body cut off mid-read
// restarts the download under the same policy.
func (c *Client) FetchBlob(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor) ([]byte, error) {
	if err := codec.ValidateDigest(desc.Digest); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}

	for attempt := 0; ; attempt++ {
		data, interrupted, err := c.fetchBlob(ctx, ref, desc)
		if err == nil || !interrupted {
			return data, err
		}
		wait, perr := c.retryPolicy.Retry(attempt, nil, err)
		if perr != nil || wait < 0 {
			return nil, err
		}
		c.log().Debug("retrying blob download", "digest", desc.Digest, "attempt", attempt+1, "error", err)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// fetchBlob makes one download attempt. interrupted reports a transient
// failure while reading the body, after the request itself succeeded.
func (c *Client) fetchBlob(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor) (data []byte, interrupted bool, err error) {
	resp, err := c.do(ctx, request{
		method: http.MethodGet,
		url:    c.repoURL(ref, "blobs", desc.Digest.String()),
		ref:    ref,
	})
	if err != nil {
		return nil, false, fmt.Errorf("fetch blob %s: %w", desc.Digest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("fetch blob %s: %w", desc.Digest, responseError(resp))
	}

	vr := content.NewVerifyReader(resp.Body, desc)
	data, err = io.ReadAll(vr)
	if err != nil {
		if isTransientError(err) {
			return nil, true, fmt.Errorf("%w: fetch blob %s: %w", ErrTransient, desc.Digest, err)
		}
		return nil, false, fmt.Errorf("fetch blob %s: %w", desc.Digest, err)
	}
	if err := vr.Verify(); err != nil {
		return nil, false, fmt.Errorf("%w: fetch blob %s from %s: %v", ErrDigestMismatch, desc.Digest, ref.Repo(), err)
	}
	return data, false, nil
}

// PushBlob uploads data as the blob described by desc. Blobs up to the
// monolithic threshold are sent with a single PUT, larger ones in PATCH
// chunks.
func (c *Client) PushBlob(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor, data []byte) error {
	if int64(len(data)) != desc.Size {
		return fmt.Errorf("%w: blob %s: size %d, descriptor says %d", ErrInvalidDescriptor, desc.Digest, len(data), desc.Size)
	}
	if err := codec.Verify(data, desc.Digest); err != nil {
		return fmt.Errorf("push blob %s: %w", desc.Digest, err)
	}

	if desc.Size <= c.monolithicThreshold {
		return c.pushMonolithic(ctx, ref, desc, data)
	}
	return c.pushChunked(ctx, ref, desc, data)
}

// pushMonolithic uploads data with POST then PUT. Transient failures
// restart the upload from a fresh session.
func (c *Client) pushMonolithic(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor, data []byte) error {
	for attempt := 0; ; attempt++ {
		err := c.pushMonolithicOnce(ctx, ref, desc, data)
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		wait, perr := c.retryPolicy.Retry(attempt, nil, err)
		if perr != nil || wait < 0 {
			return err
		}
		c.log().Warn("restarting blob upload", "digest", desc.Digest, "attempt", attempt+1, "error", err)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) pushMonolithicOnce(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor, data []byte) error {
	loc, _, err := c.startUpload(ctx, ref)
	if err != nil {
		return err
	}
	return c.finishUpload(ctx, ref, desc, loc, data)
}

// pushChunked uploads data in PATCH chunks. After a transient chunk failure
// the upload status is queried and the chunk is re-sent only if the
// registry did not store it.
func (c *Client) pushChunked(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor, data []byte) error {
	loc, minChunk, err := c.startUpload(ctx, ref)
	if err != nil {
		return err
	}
	chunk := max(c.chunkSize, minChunk)
	size := int64(len(data))

	var offset int64
	for attempt := 0; offset < size; {
		end := min(offset+chunk, size)
		next, err := c.patchChunk(ctx, ref, loc, data[offset:end], offset)
		if err == nil {
			loc, offset, attempt = next, end, 0
			continue
		}
		if !errors.Is(err, ErrTransient) {
			return fmt.Errorf("push blob %s: %w", desc.Digest, err)
		}
		wait, perr := c.retryPolicy.Retry(attempt, nil, err)
		attempt++
		if perr != nil || wait < 0 {
			return fmt.Errorf("push blob %s: %w", desc.Digest, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}

		committed, statusLoc, qerr := c.uploadStatus(ctx, ref, loc, offset)
		if qerr != nil {
			return fmt.Errorf("push blob %s: query upload status: %w", desc.Digest, qerr)
		}
		loc = statusLoc
		switch committed {
		case offset:
			c.log().Warn("re-sending blob chunk", "digest", desc.Digest, "offset", offset, "error", err)
		case end:
			c.log().Debug("chunk stored despite failure", "digest", desc.Digest, "offset", offset)
			offset, attempt = end, 0
		default:
			return fmt.Errorf("%w: blob %s: registry holds %d bytes, expected %d or %d",
				ErrUploadOffsetMismatch, desc.Digest, committed, offset, end)
		}
	}

	return c.finishUpload(ctx, ref, desc, loc, nil)
}

// startUpload opens an upload session and returns its location and the
// minimum chunk size advertised by the registry.
func (c *Client) startUpload(ctx context.Context, ref reference.Reference) (*url.URL, int64, error) {
	u := c.repoURL(ref, "blobs", "uploads")
	u.Path += "/"
	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		url:    u,
		ref:    ref,
		push:   true,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("start upload: %w", err)
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusAccepted {
		return nil, 0, fmt.Errorf("start upload: %w", responseError(resp))
	}
	loc, err := resolveLocation(resp)
	if err != nil {
		return nil, 0, fmt.Errorf("start upload: %w", err)
	}
	var minChunk int64
	if v := resp.Header.Get("OCI-Chunk-Min-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			minChunk = n
		}
	}
	return loc, minChunk, nil
}

// patchChunk sends one chunk starting at offset and returns the next upload
// location.
func (c *Client) patchChunk(ctx context.Context, ref reference.Reference, loc *url.URL, chunk []byte, offset int64) (*url.URL, error) {
	end := offset + int64(len(chunk))
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, end-1))

	resp, err := c.do(ctx, request{
		method: http.MethodPatch,
		url:    loc,
		header: header,
		body:   chunk,
		ref:    ref,
		push:   true,
	})
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return nil, responseError(resp)
	}
	if r := resp.Header.Get("Range"); r != "" {
		committed, err := parseRange(r, end)
		if err != nil {
			return nil, err
		}
		if committed != end {
			return nil, fmt.Errorf("%w: registry reports %d bytes after sending %d", ErrUploadOffsetMismatch, committed, end)
		}
	}
	if resp.Header.Get("Location") == "" {
		return loc, nil
	}
	return resolveLocation(resp)
}

// uploadStatus queries how many bytes the registry holds for an upload.
// acked is the byte count the registry has already confirmed.
func (c *Client) uploadStatus(ctx context.Context, ref reference.Reference, loc *url.URL, acked int64) (int64, *url.URL, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodGet,
		url:    loc,
		ref:    ref,
		push:   true,
	})
	if err != nil {
		return 0, nil, err
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return 0, nil, responseError(resp)
	}
	var committed int64
	if r := resp.Header.Get("Range"); r != "" {
		if committed, err = parseRange(r, acked); err != nil {
			return 0, nil, err
		}
	}
	next := loc
	if resp.Header.Get("Location") != "" {
		if next, err = resolveLocation(resp); err != nil {
			return 0, nil, err
		}
	}
	return committed, next, nil
}

// finishUpload closes an upload session with PUT ?digest=, sending body as
// the final (or only) piece of content.
func (c *Client) finishUpload(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor, loc *url.URL, body []byte) error {
	u := *loc
	q := u.Query()
	q.Set("digest", desc.Digest.String())
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	if body == nil {
		body = []byte{}
	}

	resp, err := c.do(ctx, request{
		method: http.MethodPut,
		url:    &u,
		header: header,
		body:   body,
		ref:    ref,
		push:   true,
	})
	if err != nil {
		return fmt.Errorf("push blob %s: %w", desc.Digest, err)
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push blob %s: %w", desc.Digest, responseError(resp))
	}
	if err := checkDigestHeader(resp, desc.Digest); err != nil {
		return fmt.Errorf("push blob: %w", err)
	}
	return nil
}

// parseRange parses a Range header of the form "0-<last>" and returns the
// number of bytes it covers. Registries report both an empty upload and a
// single stored byte as "0-0"; sent, the byte count the client expects the
// registry to hold, decides between the two.
func parseRange(s string, sent int64) (int64, error) {
	s = strings.TrimPrefix(s, "bytes=")
	start, last, ok := strings.Cut(s, "-")
	if !ok {
		return 0, fmt.Errorf("%w: malformed Range %q", ErrUploadOffsetMismatch, s)
	}
	a, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed Range %q", ErrUploadOffsetMismatch, s)
	}
	b, err := strconv.ParseInt(last, 10, 64)
	if err != nil || a != 0 || b < a {
		return 0, fmt.Errorf("%w: malformed Range %q", ErrUploadOffsetMismatch, s)
	}
	if b == 0 && sent == 0 {
		return 0, nil
	}
	return b + 1, nil
}

// checkDigestHeader compares Docker-Content-Digest, when present, with
// expected.
func checkDigestHeader(resp *http.Response, expected digest.Digest) error {
	h := resp.Header.Get("Docker-Content-Digest")
	if h == "" || digest.Digest(h) == expected {
		return nil
	}
	return fmt.Errorf("%w: registry reports %s, expected %s", ErrDigestMismatch, h, expected)
}
