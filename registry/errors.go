package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/ocipkg/codec"
)

// Sentinel errors for registry operations.
var (
	// ErrNotFound is returned when a blob, manifest or repository does not exist.
	ErrNotFound = errors.New("registry: not found")

	// ErrAuthorizationDenied is returned when the registry or its token
	// service rejects the presented credentials.
	ErrAuthorizationDenied = errors.New("registry: authorization denied")

	// ErrUnsupportedChallenge is returned for WWW-Authenticate challenges
	// that are neither Basic nor Bearer, or that lack required parameters.
	ErrUnsupportedChallenge = errors.New("registry: unsupported auth challenge")

	// ErrUploadOffsetMismatch is returned when the registry reports an upload
	// offset different from the bytes sent so far.
	ErrUploadOffsetMismatch = errors.New("registry: upload offset mismatch")

	// ErrUnsupportedManifestType is returned when the registry serves a
	// manifest media type ocipkg cannot read.
	ErrUnsupportedManifestType = errors.New("registry: unsupported manifest type")

	// ErrTransient is returned when a retryable failure persists after the
	// retry budget is spent.
	ErrTransient = errors.New("registry: transient failure")

	// ErrInvalidDescriptor is returned when a descriptor does not describe
	// the content handed to an operation.
	ErrInvalidDescriptor = errors.New("registry: invalid descriptor")

	// ErrDigestMismatch is returned when content or a digest reported by the
	// registry does not match the expected digest.
	ErrDigestMismatch = codec.ErrDigestMismatch
)

// maxErrorBytes bounds how much of an error body is decoded.
const maxErrorBytes = 64 * 1024

// responseError decodes a registry error body into an errcode.ErrorResponse
// and wraps the sentinel matching the status code. The returned message
// names the method, URL and status.
func responseError(resp *http.Response) error {
	errResp := &errcode.ErrorResponse{
		StatusCode: resp.StatusCode,
	}
	if resp.Request != nil {
		errResp.Method = resp.Request.Method
		errResp.URL = resp.Request.URL
	}

	var body struct {
		Errors errcode.Errors `json:"errors"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBytes)).Decode(&body); err == nil {
		errResp.Errors = body.Errors
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, errResp)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuthorizationDenied, errResp)
	case http.StatusRequestedRangeNotSatisfiable:
		return fmt.Errorf("%w: %w", ErrUploadOffsetMismatch, errResp)
	default:
		if isTransientStatus(resp.StatusCode) {
			return fmt.Errorf("%w: %w", ErrTransient, errResp)
		}
		return errResp
	}
}

func isTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
