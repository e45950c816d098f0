package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bahalabs/offgate/mlog"
	"github.com/bahalabs/offgate/pkg/control"
	"github.com/bahalabs/offgate/pkg/generation"
	"github.com/bahalabs/offgate/pkg/notify"
	"github.com/bahalabs/offgate/pkg/origin"
	"github.com/bahalabs/offgate/pkg/safe_close"
	"github.com/bahalabs/offgate/pkg/server"
	"github.com/bahalabs/offgate/pkg/server/gateway_handler"
	"github.com/bahalabs/offgate/pkg/store"
	"github.com/bahalabs/offgate/pkg/store/mem_store"
	"github.com/bahalabs/offgate/pkg/store/redis_store"
	"github.com/bahalabs/offgate/pkg/store/sqlite_store"
	"github.com/bahalabs/offgate/pkg/strategy"
	"github.com/bahalabs/offgate/pkg/syncqueue"
)

const defaultSqlitePath = "offgate.db"

type Offgate struct {
	logger *zap.Logger

	store       store.Store
	origin      *origin.Client
	generations *generation.Manager
	dispatcher  *strategy.Dispatcher
	queue       *syncqueue.Engine
	notifier    *notify.Dispatcher
	control     *control.Handler

	httpAPIMux    *http.ServeMux
	metricsReg    *prometheus.Registry

	sc *safe_close.SafeClose
}

func RunOffgate(cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetLogger(lg)

	o := &Offgate{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	metricsReg := prometheus.WrapRegistererWithPrefix("offgate_", o.metricsReg)

	o.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(o.metricsReg, promhttp.HandlerOpts{}))
	o.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	o.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	o.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	o.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	o.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Origin client
	o.origin, err = origin.NewClient(origin.ClientOpts{
		BaseURL:     cfg.Origin.BaseURL,
		Timeout:     time.Duration(cfg.Origin.Timeout) * time.Second,
		MaxBodySize: cfg.Origin.MaxBodySize,
		Logger:      lg.Named("origin"),
	})
	if err != nil {
		return fmt.Errorf("failed to init origin client: %w", err)
	}

	// Durable store
	o.store, err = o.initStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}
	defer o.store.Close()

	// Generation manager
	o.generations, err = generation.NewManager(generation.ManagerOpts{
		Store:       o.store,
		Fetcher:     o.origin,
		SkipWaiting: cfg.Manifest.SkipWaiting,
		Logger:      lg.Named("generation"),
		MetricsReg:  metricsReg,
	})
	if err != nil {
		return fmt.Errorf("failed to init generation manager: %w", err)
	}
	if err := o.bootstrap(cfg); err != nil {
		return err
	}

	// Strategy dispatcher
	classifier, err := strategy.NewClassifier(strategy.ClassifierOpts{
		APIPrefixes:    cfg.Routes.APIPrefixes,
		StaticPrefixes: cfg.Routes.StaticPrefixes,
		Rules:          cfg.Routes.Rules,
		Logger:         lg.Named("classifier"),
	})
	if err != nil {
		return fmt.Errorf("failed to init classifier: %w", err)
	}
	o.dispatcher, err = strategy.NewDispatcher(strategy.DispatcherOpts{
		Classifier:        classifier,
		Store:             o.store,
		Fetcher:           o.origin,
		StaticGeneration:  o.generations.StaticGeneration,
		RuntimeGeneration: o.generations.RuntimeGeneration(),
		OfflinePath:       cfg.Routes.OfflinePath,
		Logger:            lg.Named("strategy"),
		MetricsReg:        metricsReg,
	})
	if err != nil {
		return fmt.Errorf("failed to init dispatcher: %w", err)
	}

	// Sync queue
	queueStorage, err := o.initQueueStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to init queue storage: %w", err)
	}
	o.queue, err = syncqueue.NewEngine(syncqueue.EngineOpts{
		Storage:    queueStorage,
		Fetcher:    o.origin,
		Tag:        cfg.Sync.Tag,
		Logger:     lg.Named("syncqueue"),
		MetricsReg: metricsReg,
	})
	if err != nil {
		return fmt.Errorf("failed to init sync queue: %w", err)
	}
	if interval := cfg.Sync.Interval; interval > 0 {
		o.startPeriodicDrain(time.Duration(interval) * time.Second)
	}

	// Notification dispatcher
	var sink notify.Sink = notify.NopSink{}
	if len(cfg.Notify.WebhookURL) > 0 {
		sink, err = notify.NewWebhookSink(notify.WebhookSinkOpts{
			URL:    cfg.Notify.WebhookURL,
			Logger: lg.Named("notify"),
		})
		if err != nil {
			return fmt.Errorf("failed to init webhook sink: %w", err)
		}
	}
	o.notifier, err = notify.NewDispatcher(notify.DispatcherOpts{
		Sink:        sink,
		Title:       cfg.Notify.Title,
		DefaultBody: cfg.Notify.DefaultBody,
		Icon:        cfg.Notify.Icon,
		Badge:       cfg.Notify.Badge,
		OpenTarget:  cfg.Notify.OpenTarget,
		Logger:      lg.Named("notify"),
	})
	if err != nil {
		return fmt.Errorf("failed to init notifier: %w", err)
	}

	// Control channel
	o.control, err = control.NewHandler(control.HandlerOpts{
		Generations: o.generations,
		Logger:      lg.Named("control"),
	})
	if err != nil {
		return fmt.Errorf("failed to init control handler: %w", err)
	}

	handler, err := gateway_handler.NewHandler(gateway_handler.HandlerOpts{
		Dispatcher:  o.dispatcher,
		Fetcher:     o.origin,
		Queue:       o.queue,
		Notifier:    o.notifier,
		Control:     o.control,
		Generations: o.generations,
		OriginHost:  o.origin.Host(),
		Logger:      lg.Named("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to init gateway handler: %w", err)
	}

	if len(cfg.Servers) == 0 {
		return errors.New("no server is configured")
	}
	for i, serverCfg := range cfg.Servers {
		if err := o.startServer(&serverCfg, handler); err != nil {
			return fmt.Errorf("failed to start server #%d, %w", i, err)
		}
	}

	// Manifest watch
	if cfg.Manifest.Watch {
		path := cfg.Manifest.Path
		o.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			o.generations.WatchManifest(path, done, closeSignal)
		})
	}

	// Start http api server
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: o.httpAPIMux,
		}
		o.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				o.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				o.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	<-o.sc.ReceiveCloseSignal()
	o.sc.Done()
	o.sc.CloseWait()
	return o.sc.Err()
}

// bootstrap runs install + activate for the manifest version. If the
// install cannot complete (origin unreachable at startup), the
// previous generation is adopted and the install retried by the
// manifest watcher or the next restart.
func (o *Offgate) bootstrap(cfg *Config) error {
	manifest, err := generation.LoadManifest(cfg.Manifest.Path)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	// Make sure the offline page is always part of the precached set.
	offline := cfg.Routes.OfflinePath
	if len(offline) == 0 {
		offline = "/offline.html"
	}
	if !containsAsset(manifest.Assets, offline) {
		manifest.Assets = append(manifest.Assets, offline)
	}

	ctx := context.Background()
	if err := o.generations.Bootstrap(ctx, manifest); err != nil {
		o.logger.Warn("install failed, trying to recover previous generation", zap.Error(err))
		ok, rerr := o.generations.Recover(ctx)
		if rerr != nil {
			return fmt.Errorf("failed to recover: %w", rerr)
		}
		if !ok {
			return fmt.Errorf("install failed with no previous generation to fall back to: %w", err)
		}
	}
	return nil
}

func containsAsset(assets []string, asset string) bool {
	for _, a := range assets {
		if a == asset {
			return true
		}
	}
	return false
}

func (o *Offgate) initStore(cfg *Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "", "sqlite":
		path := cfg.Storage.Path
		if len(path) == 0 {
			path = defaultSqlitePath
		}
		return sqlite_store.NewSqliteStore(sqlite_store.SqliteStoreOpts{
			Path:   path,
			Logger: o.logger.Named("sqlite"),
		})
	case "redis":
		opt := &redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		}
		client := redis.NewClient(opt)
		return redis_store.NewRedisStore(redis_store.RedisStoreOpts{
			Client:        client,
			ClientCloser:  client,
			ClientTimeout: time.Duration(cfg.Storage.Redis.Timeout) * time.Second,
			Logger:        o.logger.Named("redis"),
		})
	case "memory":
		size := cfg.Storage.MemSize
		if size <= 0 {
			size = 4096
		}
		return mem_store.NewMemStore(size), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// initQueueStorage places the queue next to the cache: in the same
// sqlite file when the sqlite backend is used, in memory otherwise.
func (o *Offgate) initQueueStorage(cfg *Config) (syncqueue.Storage, error) {
	if s, ok := o.store.(*sqlite_store.SqliteStore); ok {
		return syncqueue.NewSqliteStorage(s.DB())
	}
	o.logger.Warn("sync queue is not durable with this storage backend",
		zap.String("backend", cfg.Storage.Backend))
	return syncqueue.NewMemStorage(), nil
}

func (o *Offgate) startPeriodicDrain(interval time.Duration) {
	o.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-closeSignal:
				return
			case <-ticker.C:
				n, err := o.queue.Drain(context.Background())
				if err != nil && !errors.Is(err, syncqueue.ErrDrainInProgress) {
					o.logger.Warn("periodic drain failed", zap.Error(err))
				} else if n > 0 {
					o.logger.Info("periodic drain applied intents", zap.Int("applied", n))
				}
			}
		}
	})
}

func (o *Offgate) startServer(cfg *ServerConfig, handler http.Handler) error {
	if len(cfg.Addr) == 0 {
		return errors.New("empty server addr")
	}

	s := server.NewServer(server.ServerOpts{
		Logger:        o.logger.Named("server"),
		Handler:       handler,
		Cert:          cfg.Cert,
		Key:           cfg.Key,
		IdleTimeout:   time.Duration(cfg.IdleTimeout) * time.Second,
		ProxyProtocol: cfg.ProxyProtocol,
	})

	var serve func(net.Listener) error
	switch strings.ToLower(cfg.Protocol) {
	case "", "http":
		serve = s.ServeHTTP
	case "https", "tls":
		serve = s.ServeTLS
	default:
		return fmt.Errorf("unknown server protocol %q", cfg.Protocol)
	}

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}
	o.logger.Info("gateway server started", zap.String("addr", cfg.Addr), zap.String("protocol", cfg.Protocol))

	o.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			errChan <- serve(l)
		}()
		select {
		case err := <-errChan:
			if err != nil && !errors.Is(err, server.ErrServerClosed) {
				o.sc.SendCloseSignal(err)
			}
		case <-closeSignal:
			s.Close()
		}
	})
	return nil
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
