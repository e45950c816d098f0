package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bahalabs/offgate/pkg/reqctx"
	"github.com/bahalabs/offgate/pkg/snapshot"
	"github.com/bahalabs/offgate/pkg/store"
	"github.com/bahalabs/offgate/pkg/store/mem_store"
)

type fakeFetcher struct {
	fn      func(method, requestURI string) (*snapshot.Snapshot, error)
	fetched int
}

func (f *fakeFetcher) Fetch(_ context.Context, method, requestURI string, _ http.Header, _ io.Reader) (*snapshot.Snapshot, error) {
	f.fetched++
	return f.fn(method, requestURI)
}

func okSnapshot(body string) *snapshot.Snapshot {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &snapshot.Snapshot{Status: 200, Header: h, Body: []byte(body), StoredTime: time.Now()}
}

func newRequest(t *testing.T, method, rawURL string, navigation bool) *reqctx.Context {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return reqctx.NewContext(method, u, make(http.Header), navigation, nil)
}

func newTestDispatcher(t *testing.T, s store.Store, f Fetcher, rules []RuleConfig) *Dispatcher {
	t.Helper()
	c, err := NewClassifier(ClassifierOpts{
		APIPrefixes:    []string{"/api/"},
		StaticPrefixes: []string{"/static/"},
		Rules:          rules,
	})
	require.NoError(t, err)
	d, err := NewDispatcher(DispatcherOpts{
		Classifier:       c,
		Store:            s,
		Fetcher:          f,
		StaticGeneration: func() string { return "v1-static" },
	})
	require.NoError(t, err)
	return d
}

func Test_classify_order(t *testing.T) {
	c, err := NewClassifier(ClassifierOpts{
		APIPrefixes:    []string{"/api/"},
		StaticPrefixes: []string{"/static/"},
	})
	require.NoError(t, err)

	tests := []struct {
		url        string
		navigation bool
		want       Strategy
	}{
		{"/api/items", false, NetworkFirst},
		{"/static/app.js", false, CacheFirst},
		{"/dashboard", true, NetworkFirst},
		{"/favicon.ico", false, CacheFirst},
	}
	for _, tt := range tests {
		got := c.Classify(newRequest(t, http.MethodGet, tt.url, tt.navigation))
		require.Equal(t, tt.want, got, tt.url)
	}
}

func Test_classify_customRules(t *testing.T) {
	c, err := NewClassifier(ClassifierOpts{
		APIPrefixes: []string{"/api/"},
		Rules: []RuleConfig{
			{If: "api && navigation", Strategy: "cache_first"},
		},
	})
	require.NoError(t, err)

	// Rule fires before the built-in API classification.
	got := c.Classify(newRequest(t, http.MethodGet, "/api/report", true))
	require.Equal(t, CacheFirst, got)

	// Rule does not match, built-in order decides.
	got = c.Classify(newRequest(t, http.MethodGet, "/api/report", false))
	require.Equal(t, NetworkFirst, got)
}

func Test_classifier_rejectsBadRules(t *testing.T) {
	_, err := NewClassifier(ClassifierOpts{Rules: []RuleConfig{{If: "bogus_attr", Strategy: "cache_first"}}})
	require.Error(t, err)

	_, err = NewClassifier(ClassifierOpts{Rules: []RuleConfig{{If: "api", Strategy: "bogus"}}})
	require.Error(t, err)

	_, err = NewClassifier(ClassifierOpts{Rules: []RuleConfig{{If: "api ++", Strategy: "cache_first"}}})
	require.Error(t, err)
}

func Test_cacheFirst_hit(t *testing.T) {
	ctx := context.Background()
	ms := mem_store.NewMemStore(64)
	defer ms.Close()

	key := store.Key(http.MethodGet, "/static/app.js")
	require.NoError(t, ms.Put(ctx, "v1-static", key, okSnapshot("cached")))

	f := &fakeFetcher{fn: func(_, _ string) (*snapshot.Snapshot, error) {
		return okSnapshot("fresh"), nil
	}}
	d := newTestDispatcher(t, ms, f, nil)

	rctx := newRequest(t, http.MethodGet, "/static/app.js", false)
	d.Resolve(ctx, rctx)

	require.Equal(t, reqctx.ServedByCache, rctx.ServedBy())
	require.Equal(t, "cached", string(rctx.R().Body))
	require.Zero(t, f.fetched, "cache hit must not reach the network")
}

func Test_cacheFirst_missFillsCache(t *testing.T) {
	ctx := context.Background()
	ms := mem_store.NewMemStore(64)
	defer ms.Close()

	f := &fakeFetcher{fn: func(_, _ string) (*snapshot.Snapshot, error) {
		return okSnapshot("fresh"), nil
	}}
	d := newTestDispatcher(t, ms, f, nil)

	rctx := newRequest(t, http.MethodGet, "/static/app.js", false)
	d.Resolve(ctx, rctx)

	require.Equal(t, reqctx.ServedByNetwork, rctx.ServedBy())
	require.Equal(t, "fresh", string(rctx.R().Body))
	require.Equal(t, 1, f.fetched)

	// The miss was filled, a second request is a hit.
	cached, ok, err := ms.Get(ctx, "v1-static", rctx.Key())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", string(cached.Body))

	// A second resolution for the same key never touches the network.
	rctx2 := newRequest(t, http.MethodGet, "/static/app.js", false)
	d.Resolve(ctx, rctx2)
	require.Equal(t, reqctx.ServedByCache, rctx2.ServedBy())
	require.Equal(t, "fresh", string(rctx2.R().Body))
	require.Equal(t, 1, f.fetched)
}

func Test_cacheFirst_offlineFallback(t *testing.T) {
	ctx := context.Background()
	ms := mem_store.NewMemStore(64)
	defer ms.Close()

	offline := okSnapshot("<html>offline</html>")
	require.NoError(t, ms.Put(ctx, "v1-static", store.Key(http.MethodGet, "/offline.html"), offline))

	f := &fakeFetcher{fn: func(_, _ string) (*snapshot.Snapshot, error) {
		return nil, errors.New("connection refused")
	}}
	d := newTestDispatcher(t, ms, f, nil)

	rctx := newRequest(t, http.MethodGet, "/static/missing.js", false)
	d.Resolve(ctx, rctx)

	require.Equal(t, reqctx.ServedByOfflinePage, rctx.ServedBy())
	require.Equal(t, "<html>offline</html>", string(rctx.R().Body))
}

func Test_cacheFirst_synthesizedFallback(t *testing.T) {
	ctx := context.Background()
	ms := mem_store.NewMemStore(64)
	defer ms.Close()

	f := &fakeFetcher{fn: func(_, _ string) (*snapshot.Snapshot, error) {
		return nil, errors.New("connection refused")
	}}
	d := newTestDispatcher(t, ms, f, nil)

	rctx := newRequest(t, http.MethodGet, "/static/missing.js", false)
	d.Resolve(ctx, rctx)

	require.Equal(t, reqctx.ServedBySynthesized, rctx.ServedBy())
	require.Equal(t, http.StatusServiceUnavailable, rctx.R().Status)
	require.Equal(t, "text/plain; charset=utf-8", rctx.R().Header.Get("Content-Type"))
}

func Test_networkFirst_freshCached(t *testing.T) {
	ctx := context.Background()
	ms := mem_store.NewMemStore(64)
	defer ms.Close()

	f := &fakeFetcher{fn: func(_, _ string) (*snapshot.Snapshot, error) {
		return okSnapshot(`{"items":[]}`), nil
	}}
	d := newTestDispatcher(t, ms, f, nil)

	rctx := newRequest(t, http.MethodGet, "/api/items", false)
	d.Resolve(ctx, rctx)

	require.Equal(t, reqctx.ServedByNetwork, rctx.ServedBy())
	_, ok, err := ms.Get(ctx, "runtime", rctx.Key())
	require.NoError(t, err)
	require.True(t, ok, "2xx response must land in the runtime generation")
}

func Test_networkFirst_non2xxNotCached(t *testing.T) {
	ctx := context.Background()
	ms := mem_store.NewMemStore(64)
	defer ms.Close()

	f := &fakeFetcher{fn: func(_, _ string) (*snapshot.Snapshot, error) {
		return &snapshot.Snapshot{Status: 404, Header: make(http.Header), StoredTime: time.Now()}, nil
	}}
	d := newTestDispatcher(t, ms, f, nil)

	rctx := newRequest(t, http.MethodGet, "/api/items", false)
	d.Resolve(ctx, rctx)

	// The origin's error is the response, untouched.
	require.Equal(t, reqctx.ServedByNetwork, rctx.ServedBy())
	require.Equal(t, 404, rctx.R().Status)
	_, ok, err := ms.Get(ctx, "runtime", rctx.Key())
	require.NoError(t, err)
	require.False(t, ok, "non-2xx response must not be cached")
}

func Test_networkFirst_offlineFallback(t *testing.T) {
	ctx := context.Background()
	ms := mem_store.NewMemStore(64)
	defer ms.Close()

	key := store.Key(http.MethodGet, "/api/items")
	require.NoError(t, ms.Put(ctx, "runtime", key, okSnapshot(`{"items":[1]}`)))

	f := &fakeFetcher{fn: func(_, _ string) (*snapshot.Snapshot, error) {
		return nil, errors.New("connection refused")
	}}
	d := newTestDispatcher(t, ms, f, nil)

	rctx := newRequest(t, http.MethodGet, "/api/items", false)
	d.Resolve(ctx, rctx)

	require.Equal(t, reqctx.ServedByCache, rctx.ServedBy())
	require.Equal(t, `{"items":[1]}`, string(rctx.R().Body))
}

func Test_networkFirst_synthesizedFallback(t *testing.T) {
	ctx := context.Background()
	ms := mem_store.NewMemStore(64)
	defer ms.Close()

	f := &fakeFetcher{fn: func(_, _ string) (*snapshot.Snapshot, error) {
		return nil, errors.New("connection refused")
	}}
	d := newTestDispatcher(t, ms, f, nil)

	rctx := newRequest(t, http.MethodGet, "/api/items", false)
	d.Resolve(ctx, rctx)

	require.Equal(t, reqctx.ServedBySynthesized, rctx.ServedBy())
	require.Equal(t, http.StatusServiceUnavailable, rctx.R().Status)
	require.Equal(t, "application/json", rctx.R().Header.Get("Content-Type"))
}
