// Package syncqueue durably records mutation intents created while the
// application cannot reach the network, and flushes them in strict
// insertion order when a drain trigger fires.
package syncqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bahalabs/offgate/pkg/snapshot"
	"github.com/bahalabs/offgate/pkg/utils"
)

// DefaultTag is the drain trigger tag delivered by the host
// environment when connectivity permits.
const DefaultTag = "sync-offline-data"

var (
	nopLogger = zap.NewNop()

	// ErrDrainInProgress is returned when a drain is started while a
	// previous one has not finished.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrUnknownTag is returned for triggers whose tag is not the
	// configured drain tag.
	ErrUnknownTag = errors.New("unknown sync tag")
)

// Intent is a single recorded offline mutation awaiting remote
// application. ID doubles as an idempotency token: drains deliver
// at-least-once, the remote side deduplicates on it.
type Intent struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	Target    string    `json:"target"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Storage is the durable queue backing. Append must be atomic; Remove
// only happens after confirmed remote application.
type Storage interface {
	Append(ctx context.Context, intent Intent) error
	// Oldest returns up to limit entries in insertion order.
	Oldest(ctx context.Context, limit int) ([]Intent, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	io.Closer
}

// Fetcher performs the remote application of one intent.
type Fetcher interface {
	Fetch(ctx context.Context, method, requestURI string, header http.Header, body io.Reader) (*snapshot.Snapshot, error)
}

type EngineOpts struct {
	// Storage cannot be nil.
	Storage Storage

	// Fetcher cannot be nil.
	Fetcher Fetcher

	// Tag is the accepted drain trigger tag.
	// Default is DefaultTag.
	Tag string

	// Logger is the *zap.Logger for this Engine.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsReg is optional.
	MetricsReg prometheus.Registerer
}

func (opts *EngineOpts) Init() error {
	if opts.Storage == nil {
		return errors.New("nil storage")
	}
	if opts.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	utils.SetDefaultString(&opts.Tag, DefaultTag)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Engine owns the queue exclusively; no other component mutates it.
type Engine struct {
	opts     EngineOpts
	draining uint32

	queueDepth   prometheus.Gauge
	drainedTotal prometheus.Counter
}

func NewEngine(opts EngineOpts) (*Engine, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	e := &Engine{
		opts: opts,
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncqueue_depth",
			Help: "Number of queued offline mutation intents.",
		}),
		drainedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncqueue_drained_total",
			Help: "Intents successfully applied to the remote side.",
		}),
	}
	if opts.MetricsReg != nil {
		if err := opts.MetricsReg.Register(e.queueDepth); err != nil {
			return nil, err
		}
		if err := opts.MetricsReg.Register(e.drainedTotal); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Enqueue appends an intent atomically. A storage failure is returned
// so the caller can retry; the intent is not recorded in that case.
func (e *Engine) Enqueue(ctx context.Context, intent Intent) (Intent, error) {
	if len(intent.ID) == 0 {
		intent.ID = uuid.NewString()
	}
	if len(intent.Method) == 0 {
		intent.Method = http.MethodPost
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	if len(intent.Target) == 0 {
		return Intent{}, errors.New("intent has no target")
	}

	if err := e.opts.Storage.Append(ctx, intent); err != nil {
		return Intent{}, fmt.Errorf("failed to enqueue intent: %w", err)
	}
	e.updateDepth(ctx)
	e.opts.Logger.Debug("intent enqueued", zap.String("id", intent.ID), zap.String("target", intent.Target))
	return intent, nil
}

// Trigger runs a drain for a named tag.
func (e *Engine) Trigger(ctx context.Context, tag string) (int, error) {
	if tag != e.opts.Tag {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return e.Drain(ctx)
}

// Drain applies queued intents in insertion order, removing each after
// confirmed application. The first failure stops the drain and leaves
// the unprocessed suffix intact for the next trigger. Only one drain
// runs at a time.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapUint32(&e.draining, 0, 1) {
		return 0, ErrDrainInProgress
	}
	defer atomic.StoreUint32(&e.draining, 0)
	defer e.updateDepth(ctx)

	const batchSize = 32
	applied := 0
	for {
		entries, err := e.opts.Storage.Oldest(ctx, batchSize)
		if err != nil {
			return applied, fmt.Errorf("failed to read queue: %w", err)
		}
		if len(entries) == 0 {
			return applied, nil
		}

		for i := range entries {
			if err := e.apply(ctx, &entries[i]); err != nil {
				e.opts.Logger.Warn("drain halted",
					zap.String("id", entries[i].ID),
					zap.String("target", entries[i].Target),
					zap.Int("applied", applied),
					zap.Error(err),
				)
				return applied, nil
			}
			if err := e.opts.Storage.Remove(ctx, entries[i].ID); err != nil {
				// The intent was applied but not removed; it will be
				// re-applied on the next drain. At-least-once holds,
				// remote deduplication absorbs the duplicate.
				return applied, fmt.Errorf("failed to remove applied intent: %w", err)
			}
			applied++
			e.drainedTotal.Inc()
		}
		if len(entries) < batchSize {
			return applied, nil
		}
	}
}

func (e *Engine) apply(ctx context.Context, intent *Intent) error {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("X-Idempotency-Key", intent.ID)

	s, err := e.opts.Fetcher.Fetch(ctx, intent.Method, intent.Target, header, bytes.NewReader(intent.Payload))
	if err != nil {
		return err
	}
	if !s.Ok() {
		return fmt.Errorf("remote rejected intent with status %d", s.Status)
	}
	return nil
}

// Len returns the number of queued intents.
func (e *Engine) Len(ctx context.Context) (int, error) {
	return e.opts.Storage.Len(ctx)
}

func (e *Engine) updateDepth(ctx context.Context) {
	if n, err := e.opts.Storage.Len(ctx); err == nil {
		e.queueDepth.Set(float64(n))
	}
}
