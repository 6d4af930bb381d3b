package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

func newTestServer(t *testing.T, status int) (*httptest.Server, *[]seen) {
	t.Helper()
	var mu sync.Mutex
	var calls []seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		calls = append(calls, seen{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			body:   body,
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(srv *httptest.Server) *Client {
	tokens := NewTokenManager(srv.URL, "store1")
	tokens.SetToken("tok-123")
	return NewClient(srv.URL, "store1", tokens)
}

func TestPatchUpsert(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK)
	c := newTestClient(srv)

	payload := map[string]any{"externalId": "B1"}
	require.NoError(t, c.Patch(context.Background(), payload, ParamDefault))

	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "/stores/store1/reservation/crawl", got.path)
	assert.Equal(t, "Bearer tok-123", got.auth)
	assert.Equal(t, "B1", got.body["externalId"])
}

func TestURLVariants(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK)
	c := newTestClient(srv)
	ctx := context.Background()

	require.NoError(t, c.Patch(ctx, nil, ParamFields))
	require.NoError(t, c.Delete(ctx, nil, ParamGroup))
	require.NoError(t, c.Post(ctx, nil, ParamBulk, "260301"))

	require.Len(t, *calls, 3)
	assert.Equal(t, "/stores/store1/reservation/crawl/fields", (*calls)[0].path)
	assert.Equal(t, "/stores/store1/reservation/crawl/group", (*calls)[1].path)
	assert.Equal(t, http.MethodDelete, (*calls)[1].method)
	assert.Equal(t, "/stores/store1/reservation/crawl", (*calls)[2].path)
	assert.Equal(t, "date=260301", (*calls)[2].query)
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusUnprocessableEntity)
	c := newTestClient(srv)

	err := c.Patch(context.Background(), map[string]any{}, ParamDefault)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestMissingTokenFailsFast(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK)
	tokens := NewTokenManager(srv.URL, "store1")
	c := NewClient(srv.URL, "store1", tokens)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Patch(ctx, nil, ParamDefault)
	require.Error(t, err)
	assert.Empty(t, *calls)
}

func TestTokenManagerRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/token/stores/store1/role/singleCrawler", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "fresh-token"})
	}))
	t.Cleanup(srv.Close)

	m := NewTokenManager(srv.URL, "store1")
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)
}

func TestTokenManagerEmptyTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": ""})
	}))
	t.Cleanup(srv.Close)

	m := NewTokenManager(srv.URL, "store1")
	assert.ErrorIs(t, m.Start(context.Background()), ErrNoToken)
}
