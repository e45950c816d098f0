package gateway_handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bahalabs/offgate/pkg/control"
	"github.com/bahalabs/offgate/pkg/generation"
	"github.com/bahalabs/offgate/pkg/notify"
	"github.com/bahalabs/offgate/pkg/origin"
	"github.com/bahalabs/offgate/pkg/store/mem_store"
	"github.com/bahalabs/offgate/pkg/strategy"
	"github.com/bahalabs/offgate/pkg/syncqueue"
)

// testEnv is a fully wired gateway in front of an httptest origin.
type testEnv struct {
	handler    *Handler
	origin     *httptest.Server
	originDown atomic.Bool
	manager    *generation.Manager
	queue      *syncqueue.Engine
	mutations  []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := new(testEnv)

	env.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if env.originDown.Load() {
			// The client sees a connection reset, i.e. a transport failure.
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		switch {
		case r.Method != http.MethodGet:
			env.mutations = append(env.mutations, r.Method+" "+r.URL.RequestURI())
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"ok":true}`))
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"items":[1,2,3]}`))
		case r.URL.Path == "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>" + r.URL.Path + "</html>"))
		}
	}))
	t.Cleanup(env.origin.Close)

	fetcher, err := origin.NewClient(origin.ClientOpts{BaseURL: env.origin.URL})
	require.NoError(t, err)

	ms := mem_store.NewMemStore(256)
	t.Cleanup(func() { ms.Close() })

	env.manager, err = generation.NewManager(generation.ManagerOpts{Store: ms, Fetcher: fetcher})
	require.NoError(t, err)
	manifest := &generation.Manifest{Version: "v1", Assets: []string{"/", "/app.js", "/offline.html"}}
	require.NoError(t, env.manager.Bootstrap(context.Background(), manifest))

	classifier, err := strategy.NewClassifier(strategy.ClassifierOpts{
		APIPrefixes:    []string{"/api/"},
		StaticPrefixes: []string{"/static/"},
	})
	require.NoError(t, err)
	dispatcher, err := strategy.NewDispatcher(strategy.DispatcherOpts{
		Classifier:       classifier,
		Store:            ms,
		Fetcher:          fetcher,
		StaticGeneration: env.manager.StaticGeneration,
	})
	require.NoError(t, err)

	env.queue, err = syncqueue.NewEngine(syncqueue.EngineOpts{Storage: syncqueue.NewMemStorage(), Fetcher: fetcher})
	require.NoError(t, err)

	notifier, err := notify.NewDispatcher(notify.DispatcherOpts{Sink: notify.NopSink{}})
	require.NoError(t, err)
	controlHandler, err := control.NewHandler(control.HandlerOpts{Generations: env.manager})
	require.NoError(t, err)

	u, _ := url.Parse(env.origin.URL)
	env.handler, err = NewHandler(HandlerOpts{
		Dispatcher:  dispatcher,
		Fetcher:     fetcher,
		Queue:       env.queue,
		Notifier:    notifier,
		Control:     controlHandler,
		Generations: env.manager,
		OriginHost:  u.Host,
	})
	require.NoError(t, err)
	return env
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func Test_interception_cacheFirst(t *testing.T) {
	env := newTestEnv(t)

	// Precached asset is served from the store even with the origin down.
	env.originDown.Store(true)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<html>/app.js</html>", rec.Body.String())
}

func Test_interception_offlinePage(t *testing.T) {
	env := newTestEnv(t)
	env.originDown.Store(true)

	// Uncached asset with the origin down falls back to the offline page.
	rec := env.do(httptest.NewRequest(http.MethodGet, "/static/uncached.css", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<html>/offline.html</html>", rec.Body.String())
}

func Test_interception_networkFirst(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/items", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"items":[1,2,3]}`, rec.Body.String())

	// The successful response now serves as offline fallback.
	env.originDown.Store(true)
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/items", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"items":[1,2,3]}`, rec.Body.String())
}

func Test_interception_non2xxPassedThrough(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func Test_mutation_forwardedOnline(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(`{"name":"x"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, env.mutations, "POST /api/items")
}

func Test_mutation_offline(t *testing.T) {
	env := newTestEnv(t)
	env.originDown.Store(true)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(`{"name":"x"}`)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "offline", body["error"])
}

func Test_queueEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/-/queue",
		strings.NewReader(`{"method":"POST","target":"/api/items","payload":{"name":"x"}}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["id"])

	n, err := env.queue.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func Test_queueEndpoint_badBody(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/-/queue", strings.NewReader(`{`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_syncEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/-/queue",
		strings.NewReader(`{"target":"/api/items","payload":{"n":1}}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Unknown tag.
	rec = env.do(httptest.NewRequest(http.MethodPost, "/-/sync/bogus", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Known tag drains the queue against the origin.
	rec = env.do(httptest.NewRequest(http.MethodPost, "/-/sync/"+syncqueue.DefaultTag, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body["applied"])
	require.Contains(t, env.mutations, "POST /api/items")
}

func Test_controlEndpoint(t *testing.T) {
	env := newTestEnv(t)

	// Stage v2, then promote it through the control channel.
	manifest := &generation.Manifest{Version: "v2", Assets: []string{"/", "/offline.html"}}
	require.NoError(t, env.manager.Update(context.Background(), manifest))
	require.Equal(t, "v1-static", env.manager.StaticGeneration())

	rec := env.do(httptest.NewRequest(http.MethodPost, "/-/control", strings.NewReader(`{"action":"skipWaiting"}`)))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "v2-static", env.manager.StaticGeneration())

	// Unknown actions are accepted and ignored.
	rec = env.do(httptest.NewRequest(http.MethodPost, "/-/control", strings.NewReader(`{"action":"nope"}`)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Malformed messages are rejected.
	rec = env.do(httptest.NewRequest(http.MethodPost, "/-/control", strings.NewReader(`{"action":`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_pushEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/-/push", strings.NewReader("2 new messages")))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/-/push", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func Test_actionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/-/notification/action", strings.NewReader(`{"action":"open"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "/mobile", body["open"])

	rec = env.do(httptest.NewRequest(http.MethodPost, "/-/notification/action", strings.NewReader(`{"action":"close"}`)))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func Test_healthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/-/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "active", body["state"])
	require.Equal(t, "v1", body["version"])
}

func Test_crossOrigin_passthrough(t *testing.T) {
	env := newTestEnv(t)

	third := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Third", "yes")
		w.Write([]byte("third-party"))
	}))
	defer third.Close()

	req := httptest.NewRequest(http.MethodGet, third.URL+"/cdn/lib.js", nil)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "third-party", rec.Body.String())
	require.Equal(t, "yes", rec.Header().Get("X-Third"))
	// Hop-by-hop headers belong to the upstream connection, not ours.
	require.Empty(t, rec.Header().Get("Keep-Alive"))
}
