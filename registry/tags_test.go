package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTags_Fixture(t *testing.T) {
	t.Parallel()

	srv := newFixtureRegistry(t)
	c := newTestClient()
	pushTestImage(t, c, srv, "test/tags", "tag1")

	tags, err := c.Tags(context.Background(), testRef(t, srv, "test/tags"))
	require.NoError(t, err)
	assert.Equal(t, []string{"tag1"}, tags)
}

func TestTags_Pagination(t *testing.T) {
	t.Parallel()

	pages := map[string][]string{
		"":  {"a", "b"},
		"b": {"c", "d"},
		"d": {"e"},
	}
	var (
		mu    sync.Mutex
		sizes []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/" {
			return
		}
		q := r.URL.Query()
		mu.Lock()
		sizes = append(sizes, q.Get("n"))
		mu.Unlock()
		last := q.Get("last")
		page := pages[last]
		if len(page) > 0 && page[len(page)-1] != "e" {
			next := url.Values{"n": {"2"}, "last": {page[len(page)-1]}}
			w.Header().Set("Link", `<`+r.URL.Path+"?"+next.Encode()+`>; rel="next"`)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "test/paged", "tags": page})
	}))
	t.Cleanup(srv.Close)

	tags, err := newTestClient(WithTagPageSize(2)).Tags(context.Background(), testRef(t, srv, "test/paged"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, tags)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"2", "2", "2"}, sizes)
}

func TestTags_RepositoryNotFound(t *testing.T) {
	t.Parallel()

	srv := newFixtureRegistry(t)
	_, err := newTestClient().Tags(context.Background(), testRef(t, srv, "test/none"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParseLink(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://registry.example.com/v2/foo/tags/list?n=2")
	require.NoError(t, err)

	tests := []struct {
		name    string
		link    string
		want    string
		noLink  bool
		wantErr bool
	}{
		{name: "relative", link: `</v2/foo/tags/list?n=2&last=b>; rel="next"`, want: "https://registry.example.com/v2/foo/tags/list?n=2&last=b"},
		{name: "absolute", link: `<https://other.example.com/v2/foo/tags/list?last=b>; rel="next"`, want: "https://other.example.com/v2/foo/tags/list?last=b"},
		{name: "unquoted rel", link: `</next>; rel=next`, want: "https://registry.example.com/next"},
		{name: "other rel only", link: `</prev>; rel="prev"`, noLink: true},
		{name: "absent", link: "", noLink: true},
		{name: "malformed", link: `/next; rel="next"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := &http.Response{
				Header:  http.Header{},
				Request: &http.Request{URL: base},
			}
			if tt.link != "" {
				resp.Header.Set("Link", tt.link)
			}
			got, err := parseLink(resp)
			switch {
			case tt.noLink:
				require.ErrorIs(t, err, errNoLink)
			case tt.wantErr:
				require.Error(t, err)
				require.NotErrorIs(t, err, errNoLink)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got.String())
			}
		})
	}
}
