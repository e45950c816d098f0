// Package generation owns the generation lifecycle: it brings exactly
// the intended set of generations into existence and retires all
// others. In steady state at most two generations are live, the static
// generation of the active version and the unversioned runtime
// generation.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bahalabs/offgate/pkg/snapshot"
	"github.com/bahalabs/offgate/pkg/store"
)

const (
	defaultRuntimeGeneration = "runtime"
	installConcurrency       = 8
)

var (
	nopLogger = zap.NewNop()

	// ErrNothingPending is returned by Activate when no successful
	// install precedes it. An incomplete install must never be promoted.
	ErrNothingPending = errors.New("no pending installed version")
)

// State of the lifecycle: cold → installing → waiting → active.
// A new install while active moves back through installing/waiting
// until the new version takes over.
type State uint32

const (
	StateCold State = iota
	StateInstalling
	StateWaiting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	default:
		return "invalid"
	}
}

// Fetcher fetches one asset from the origin.
type Fetcher interface {
	Fetch(ctx context.Context, method, requestURI string, header http.Header, body io.Reader) (*snapshot.Snapshot, error)
}

type ManagerOpts struct {
	// Store cannot be nil.
	Store store.Store

	// Fetcher cannot be nil.
	Fetcher Fetcher

	// RuntimeGeneration is the runtime generation name.
	// Default is "runtime".
	RuntimeGeneration string

	// SkipWaiting activates a freshly installed version immediately
	// instead of waiting for an explicit activation.
	SkipWaiting bool

	// Logger is the *zap.Logger for this Manager.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsReg is optional.
	MetricsReg prometheus.Registerer
}

func (opts *ManagerOpts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	if opts.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	if len(opts.RuntimeGeneration) == 0 {
		opts.RuntimeGeneration = defaultRuntimeGeneration
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Manager is the only component that creates and deletes generations.
type Manager struct {
	opts ManagerOpts

	mu             sync.Mutex
	state          State
	currentVersion string // active static version, "" when cold
	pendingVersion string // installed but not yet activated

	installsTotal *prometheus.CounterVec
}

func NewManager(opts ManagerOpts) (*Manager, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	m := &Manager{
		opts: opts,
		installsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "generation_installs_total",
			Help: "Static generation installs by result.",
		}, []string{"result"}),
	}
	if opts.MetricsReg != nil {
		if err := opts.MetricsReg.Register(m.installsTotal); err != nil {
			return nil, err
		}
	}
	return m, nil
}

const staticSuffix = "-static"

// StaticName returns the static generation name for a version.
func StaticName(version string) string {
	return version + staticSuffix
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StaticGeneration returns the active static generation name. Before
// the first activation it returns the pending one so cache-first has a
// target during the install/activate window.
func (m *Manager) StaticGeneration() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.currentVersion) > 0 {
		return StaticName(m.currentVersion)
	}
	return StaticName(m.pendingVersion)
}

// RuntimeGeneration returns the runtime generation name.
func (m *Manager) RuntimeGeneration() string {
	return m.opts.RuntimeGeneration
}

// Version returns the active static version, "" when cold.
func (m *Manager) Version() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentVersion
}

// Install durably writes every listed asset into the static generation
// for version. All assets are fetched before anything is written: if
// any required asset cannot be fetched, no generation is produced and
// the previous one (if any) stays active. Retryable by the caller.
func (m *Manager) Install(ctx context.Context, version string, assets []string) error {
	m.mu.Lock()
	if m.state == StateInstalling {
		m.mu.Unlock()
		return errors.New("install already in progress")
	}
	prev := m.state
	m.state = StateInstalling
	m.mu.Unlock()

	err := m.install(ctx, version, assets)

	m.mu.Lock()
	if err != nil {
		m.state = prev
		m.mu.Unlock()
		m.installsTotal.WithLabelValues("error").Inc()
		return err
	}
	m.pendingVersion = version
	m.state = StateWaiting
	m.mu.Unlock()
	m.installsTotal.WithLabelValues("ok").Inc()

	m.opts.Logger.Info("static generation installed",
		zap.String("version", version),
		zap.Int("assets", len(assets)),
	)
	return nil
}

func (m *Manager) install(ctx context.Context, version string, assets []string) error {
	fetched := make([]*snapshot.Snapshot, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, asset := range assets {
		i, asset := i, asset
		g.Go(func() error {
			s, err := m.opts.Fetcher.Fetch(gctx, http.MethodGet, asset, nil, nil)
			if err != nil {
				return fmt.Errorf("failed to fetch asset %s: %w", asset, err)
			}
			if !s.Ok() {
				return fmt.Errorf("asset %s returned status %d", asset, s.Status)
			}
			fetched[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	gen := StaticName(version)
	for i, asset := range assets {
		if err := m.opts.Store.Put(ctx, gen, store.Key(http.MethodGet, asset), fetched[i]); err != nil {
			// A partially populated generation must not survive as
			// complete. Drop the staged entries and report failure.
			if derr := m.opts.Store.DropGeneration(ctx, gen); derr != nil {
				m.opts.Logger.Error("failed to drop partial generation", zap.String("generation", gen), zap.Error(derr))
			}
			return fmt.Errorf("failed to store asset %s: %w", asset, err)
		}
	}
	return nil
}

// Activate promotes the pending installed version: it enumerates all
// existing generation names and deletes every name not equal to the
// target static generation or the runtime generation. This is the only
// deletion path for superseded generations.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	version := m.pendingVersion
	if len(version) == 0 {
		m.mu.Unlock()
		return ErrNothingPending
	}
	m.mu.Unlock()

	keep := map[string]struct{}{
		StaticName(version):      {},
		m.opts.RuntimeGeneration: {},
	}
	names, err := m.opts.Store.Generations(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate generations: %w", err)
	}
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := m.opts.Store.DropGeneration(ctx, name); err != nil {
			return fmt.Errorf("failed to drop generation %s: %w", name, err)
		}
		m.opts.Logger.Info("generation retired", zap.String("generation", name))
	}

	m.mu.Lock()
	m.currentVersion = version
	m.pendingVersion = ""
	m.state = StateActive
	m.mu.Unlock()

	m.opts.Logger.Info("version activated", zap.String("version", version))
	return nil
}

// PurgeAll deletes every generation, returning the gateway to a cold
// state. Idempotent.
func (m *Manager) PurgeAll(ctx context.Context) error {
	names, err := m.opts.Store.Generations(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate generations: %w", err)
	}
	for _, name := range names {
		if err := m.opts.Store.DropGeneration(ctx, name); err != nil {
			return fmt.Errorf("failed to drop generation %s: %w", name, err)
		}
	}

	m.mu.Lock()
	m.currentVersion = ""
	m.pendingVersion = ""
	m.state = StateCold
	m.mu.Unlock()

	m.opts.Logger.Info("all generations purged")
	return nil
}

// Recover adopts the newest static generation already present in the
// store. Called when an install fails at startup: the previous
// generation (if any) stays active and the install is retried on the
// next attempt.
func (m *Manager) Recover(ctx context.Context) (bool, error) {
	names, err := m.opts.Store.Generations(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to enumerate generations: %w", err)
	}

	version := ""
	for _, name := range names {
		if v, ok := strings.CutSuffix(name, staticSuffix); ok && (len(version) == 0 || versionLess(version, v)) {
			version = v
		}
	}
	if len(version) == 0 {
		return false, nil
	}

	m.mu.Lock()
	m.currentVersion = version
	m.state = StateActive
	m.mu.Unlock()

	m.opts.Logger.Info("recovered previous static generation", zap.String("version", version))
	return true, nil
}

// Bootstrap installs the manifest version and activates it. Used at
// startup, and on manifest change when SkipWaiting is set.
func (m *Manager) Bootstrap(ctx context.Context, manifest *Manifest) error {
	if err := m.Install(ctx, manifest.Version, manifest.Assets); err != nil {
		return err
	}
	return m.Activate(ctx)
}

// Update installs a new manifest version. When SkipWaiting is set the
// new version takes over immediately; otherwise the old version keeps
// serving until an explicit activation (the control channel's
// force-activate) promotes the new one.
func (m *Manager) Update(ctx context.Context, manifest *Manifest) error {
	m.mu.Lock()
	current := m.currentVersion
	pending := m.pendingVersion
	m.mu.Unlock()
	if manifest.Version == current || manifest.Version == pending {
		return nil
	}

	if err := m.Install(ctx, manifest.Version, manifest.Assets); err != nil {
		return err
	}
	if m.opts.SkipWaiting {
		return m.Activate(ctx)
	}
	m.opts.Logger.Info("new version installed, waiting for activation",
		zap.String("version", manifest.Version),
		zap.String("active", current),
	)
	return nil
}

// versionLess compares two version strings chunk-wise, comparing runs
// of digits numerically so that e.g. "v10" orders after "v9".
func versionLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		ca, ra := cutChunk(a)
		cb, rb := cutChunk(b)
		if ca != cb {
			na, erra := strconv.Atoi(ca)
			nb, errb := strconv.Atoi(cb)
			if erra == nil && errb == nil {
				return na < nb
			}
			return ca < cb
		}
		a, b = ra, rb
	}
	return len(a) < len(b)
}

// cutChunk splits off the leading run of digits or non-digits.
func cutChunk(s string) (chunk, rest string) {
	isDigit := s[0] >= '0' && s[0] <= '9'
	for i := 1; i < len(s); i++ {
		if (s[i] >= '0' && s[i] <= '9') != isDigit {
			return s[:i], s[i:]
		}
	}
	return s, ""
}
