package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/meigma/ocipkg/reference"
)

// errNoLink is returned by parseLink when the Link header is absent.
var errNoLink = errors.New("no Link header")

// Tags lists the tags of ref's repository in registry order, following
// Link pagination until the last page.
func (c *Client) Tags(ctx context.Context, ref reference.Reference) ([]string, error) {
	u := c.repoURL(ref, "tags", "list")
	u.RawQuery = url.Values{"n": {strconv.Itoa(c.tagPageSize)}}.Encode()

	var tags []string
	for u != nil {
		page, next, err := c.tagsPage(ctx, ref, u)
		if err != nil {
			return nil, fmt.Errorf("list tags of %s: %w", ref.Repo(), err)
		}
		tags = append(tags, page...)
		u = next
	}
	return tags, nil
}

func (c *Client) tagsPage(ctx context.Context, ref reference.Reference, u *url.URL) ([]string, *url.URL, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodGet,
		url:    u,
		ref:    ref,
	})
	if err != nil {
		return nil, nil, err
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, nil, responseError(resp)
	}
	var page struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestBytes)).Decode(&page); err != nil {
		return nil, nil, fmt.Errorf("decode tag list: %w", err)
	}

	next, err := parseLink(resp)
	if errors.Is(err, errNoLink) {
		return page.Tags, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return page.Tags, next, nil
}

// parseLink returns the rel="next" target of the Link header resolved
// against the request URL.
func parseLink(resp *http.Response) (*url.URL, error) {
	link := resp.Header.Get("Link")
	if link == "" {
		return nil, errNoLink
	}
	for _, part := range strings.Split(link, ",") {
		target, params, ok := strings.Cut(strings.TrimSpace(part), ";")
		if !ok || !strings.Contains(params, `rel="next"`) && !strings.Contains(params, "rel=next") {
			continue
		}
		target = strings.TrimSpace(target)
		if len(target) < 2 || target[0] != '<' || target[len(target)-1] != '>' {
			return nil, fmt.Errorf("invalid Link header %q", link)
		}
		next, err := resp.Request.URL.Parse(target[1 : len(target)-1])
		if err != nil {
			return nil, fmt.Errorf("invalid Link header %q: %w", link, err)
		}
		return next, nil
	}
	return nil, errNoLink
}
