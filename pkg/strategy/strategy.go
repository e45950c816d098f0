// Package strategy implements the request dispatcher: every intercepted
// request is classified and resolved through one of two retrieval
// strategies, with a fallback chain that guarantees some response is
// always produced.
package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bahalabs/offgate/pkg/reqctx"
	"github.com/bahalabs/offgate/pkg/snapshot"
	"github.com/bahalabs/offgate/pkg/store"
)

const defaultOfflinePath = "/offline.html"

var nopLogger = zap.NewNop()

// Fetcher fetches one resource from the origin. A returned error is a
// transport-level failure only.
type Fetcher interface {
	Fetch(ctx context.Context, method, requestURI string, header http.Header, body io.Reader) (*snapshot.Snapshot, error)
}

type DispatcherOpts struct {
	// Classifier cannot be nil.
	Classifier *Classifier

	// Store cannot be nil.
	Store store.Store

	// Fetcher cannot be nil.
	Fetcher Fetcher

	// StaticGeneration returns the name of the currently active static
	// generation. Cannot be nil.
	StaticGeneration func() string

	// RuntimeGeneration is the runtime generation name.
	// Default is "runtime".
	RuntimeGeneration string

	// OfflinePath is the reserved offline-page path served as
	// cache-first's terminal fallback. Default is "/offline.html".
	OfflinePath string

	// Logger is the *zap.Logger for this Dispatcher.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsReg is optional.
	MetricsReg prometheus.Registerer
}

func (opts *DispatcherOpts) Init() error {
	if opts.Classifier == nil {
		return errors.New("nil classifier")
	}
	if opts.Store == nil {
		return errors.New("nil store")
	}
	if opts.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	if opts.StaticGeneration == nil {
		return errors.New("nil static generation func")
	}
	if len(opts.RuntimeGeneration) == 0 {
		opts.RuntimeGeneration = "runtime"
	}
	if len(opts.OfflinePath) == 0 {
		opts.OfflinePath = defaultOfflinePath
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Dispatcher struct {
	opts   DispatcherOpts
	fillSF singleflight.Group

	requestsTotal *prometheus.CounterVec
}

func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		opts: opts,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_requests_total",
			Help: "Intercepted requests by strategy and response source.",
		}, []string{"strategy", "served_by"}),
	}
	if opts.MetricsReg != nil {
		if err := opts.MetricsReg.Register(d.requestsTotal); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Resolve classifies rctx and resolves it. The response is stored on
// rctx; a failed load always yields some response, never an unresolved
// request.
func (d *Dispatcher) Resolve(ctx context.Context, rctx *reqctx.Context) {
	s := d.opts.Classifier.Classify(rctx)
	switch s {
	case NetworkFirst:
		d.networkFirst(ctx, rctx)
	default:
		d.cacheFirst(ctx, rctx)
	}
	d.requestsTotal.WithLabelValues(s.String(), rctx.ServedBy()).Inc()
}

// cacheFirst serves static assets: the cache is authoritative, the
// network only fills misses, and the offline page is the terminal
// fallback.
func (d *Dispatcher) cacheFirst(ctx context.Context, rctx *reqctx.Context) {
	gen := d.opts.StaticGeneration()
	key := rctx.Key()

	cached, ok, err := d.opts.Store.Get(ctx, gen, key)
	if err != nil {
		d.opts.Logger.Warn("cache lookup failed", rctx.InfoField(), zap.Error(err))
	}
	if ok {
		rctx.SetResponse(cached, reqctx.ServedByCache)
		return
	}

	// Miss. Concurrent misses for the same key share one fetch.
	v, fetchErr, _ := d.fillSF.Do(key, func() (interface{}, error) {
		s, err := d.opts.Fetcher.Fetch(ctx, rctx.Method(), rctx.URL().RequestURI(), rctx.Header(), nil)
		if err != nil {
			return nil, err
		}
		if s.Ok() {
			if err := d.opts.Store.Put(ctx, gen, key, s); err != nil {
				d.opts.Logger.Warn("cache fill failed", rctx.InfoField(), zap.Error(err))
			}
		}
		return s, nil
	})
	if fetchErr == nil {
		rctx.SetResponse(v.(*snapshot.Snapshot), reqctx.ServedByNetwork)
		return
	}
	d.opts.Logger.Debug("cache-first fetch failed", rctx.InfoField(), zap.Error(fetchErr))

	offline, ok, err := d.opts.Store.Get(ctx, gen, store.Key(http.MethodGet, d.opts.OfflinePath))
	if err != nil {
		d.opts.Logger.Warn("offline page lookup failed", rctx.InfoField(), zap.Error(err))
	}
	if ok {
		rctx.SetResponse(offline, reqctx.ServedByOfflinePage)
		return
	}
	rctx.SetResponse(synthUnavailableText(), reqctx.ServedBySynthesized)
}

// networkFirst serves dynamic data: fresh whenever the origin is
// reachable, cached data purely as a degradation path. Only
// transport-level failure triggers the fallback; a non-2xx response is
// returned as-is (and never cached).
func (d *Dispatcher) networkFirst(ctx context.Context, rctx *reqctx.Context) {
	gen := d.opts.RuntimeGeneration
	key := rctx.Key()

	fresh, err := d.opts.Fetcher.Fetch(ctx, rctx.Method(), rctx.URL().RequestURI(), rctx.Header(), nil)
	if err == nil {
		if fresh.Ok() {
			if err := d.opts.Store.Put(ctx, gen, key, fresh); err != nil {
				d.opts.Logger.Warn("runtime cache write failed", rctx.InfoField(), zap.Error(err))
			}
		}
		rctx.SetResponse(fresh, reqctx.ServedByNetwork)
		return
	}
	d.opts.Logger.Debug("network-first fetch failed", rctx.InfoField(), zap.Error(err))

	cached, ok, gerr := d.opts.Store.Get(ctx, gen, key)
	if gerr != nil {
		d.opts.Logger.Warn("runtime cache lookup failed", rctx.InfoField(), zap.Error(gerr))
	}
	if ok {
		rctx.SetResponse(cached, reqctx.ServedByCache)
		return
	}
	rctx.SetResponse(synthUnavailableJSON(), reqctx.ServedBySynthesized)
}

func synthUnavailableText() *snapshot.Snapshot {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &snapshot.Snapshot{
		Status:     http.StatusServiceUnavailable,
		Header:     h,
		Body:       []byte("resource unavailable offline\n"),
		StoredTime: time.Now(),
	}
}

func synthUnavailableJSON() *snapshot.Snapshot {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &snapshot.Snapshot{
		Status:     http.StatusServiceUnavailable,
		Header:     h,
		Body:       []byte(`{"error":"offline","message":"no cached data available"}`),
		StoredTime: time.Now(),
	}
}
