package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/w200024212/pebbleos-sub001/internal/api/http"
	"github.com/w200024212/pebbleos-sub001/internal/api/middleware"
	"github.com/w200024212/pebbleos-sub001/internal/domain/app"
	"github.com/w200024212/pebbleos-sub001/internal/domain/crash"
	"github.com/w200024212/pebbleos-sub001/internal/domain/loader"
	"github.com/w200024212/pebbleos-sub001/internal/domain/memory"
	"github.com/w200024212/pebbleos-sub001/internal/domain/prefs"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/domain/sysapp"
	"github.com/w200024212/pebbleos-sub001/internal/domain/worker"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/config"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/logging"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/monitoring"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/resilience"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/tracing"
	"github.com/w200024212/pebbleos-sub001/internal/kernel"
	"github.com/w200024212/pebbleos-sub001/internal/sysapps"
	"github.com/w200024212/pebbleos-sub001/internal/ws"
)

const (
	appArenaBase    = 0x20000000
	workerArenaBase = 0x20100000
	shutdownTimeout = 5 * time.Second
)

// Options override pieces of the daemon, mainly for tests
type Options struct {
	// Registerer receives the Prometheus collectors. Nil uses the default
	// registry, which /metrics then serves.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Halter replaces the fatal halt for unrecoverable launch failures
	Halter process.Halter
}

// Server wires kernel main, both process slots and the control API
type Server struct {
	router   *gin.Engine
	http     *http.Server
	kernel   *kernel.Kernel
	registry *registry.Manager
	hub      *ws.Hub
	crashes  *crash.Store
	tracer   *tracing.Tracer
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *logging.Logger, opts Options) (*Server, error) {
	logger.Info("Initializing watchd",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("registry_dir", cfg.Storage.RegistryDir),
		zap.String("prefs_file", cfg.Storage.PrefsFile),
	)

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	metrics := monitoring.NewMetricsWith(reg)
	tracer := tracing.New("watchd", logger.Component("tracing"))

	layouts := memory.DefaultAppLayouts()
	if cfg.Memory.LayoutFile != "" {
		loaded, err := memory.LoadLayouts(cfg.Memory.LayoutFile, layouts)
		if err != nil {
			return nil, err
		}
		layouts = loaded
	}
	workerLayout := memory.DefaultWorkerLayout()
	guard := uintptr(cfg.Memory.GuardSize)
	for gen, l := range layouts {
		if err := l.Validate(guard); err != nil {
			return nil, fmt.Errorf("layout %s: %w", gen, err)
		}
	}
	if err := workerLayout.Validate(guard); err != nil {
		return nil, fmt.Errorf("worker layout: %w", err)
	}

	store, err := prefs.Open(cfg.Storage.PrefsFile, logger.Component("prefs"))
	if err != nil {
		return nil, err
	}

	apps := registry.NewManager(store, logger.Component("registry")).
		WithStorage(cfg.Storage.RegistryDir).
		WithMetrics(metrics)
	entries := loader.NewEntryTable()
	if err := sysapps.Register(apps, entries, store, logger.Component("sysapps")); err != nil {
		return nil, err
	}
	if _, err := registry.NewSeeder(apps, cfg.Storage.RegistryDir, logger.Component("seeder")).SeedApps(context.Background()); err != nil {
		logger.Warn("Failed to seed installs", zap.Error(err))
	}

	crashes, err := crash.NewStore(cfg.Crash.ReportDir, cfg.Crash.MaxReports, logger.Component("crash"))
	if err != nil {
		return nil, err
	}

	breakerLog := logger.Component("breaker")
	breakers := resilience.NewGroup(resilience.Settings{
		Interval: cfg.Crash.BreakerWindow,
		Timeout:  cfg.Crash.BreakerCooldown,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Crash.BreakerThreshold
		},
		OnStateChange: func(name string, from, to resilience.State) {
			breakerLog.Warn("watchface breaker changed state",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})

	k := kernel.New(kernel.Config{
		QueueSize:   cfg.Kernel.QueueSize,
		PostTimeout: cfg.Kernel.PostTimeout,
		TickPeriod:  cfg.Kernel.TickPeriod,
	}, logger.Component("kernel")).WithMetrics(metrics)

	halter := opts.Halter
	if halter == nil {
		halter = process.LogHalter(logger.Component("halt"))
	}
	core := process.NewManager(process.Config{
		GracefulTimeout: cfg.Process.GracefulTimeout,
		ForceTimeout:    cfg.Process.ForceTimeout,
		EventTimeout:    cfg.Process.EventTimeout,
		QueueSize:       cfg.Process.QueueSize,
		GuardSize:       guard,
		FuzzHeap:        cfg.Process.FuzzHeap,
	}, k, loader.New(entries, layouts, logger.Component("loader")), logger.Component("process")).
		WithHalter(halter).
		WithResources(loader.NewResources(logger.Component("resources"))).
		WithMetrics(metrics)
	k.WithSubscriptions(core.Subscriptions())

	hub := ws.NewHub(k, logger.Component("ws")).WithMetrics(metrics)

	power := &sysapp.Power{}
	machine := sysapp.New(apps, logger.Component("sysapp")).
		WithPower(power).
		WithPanics(store)

	appRAM := uintptr(cfg.Memory.AppRAM)
	if appRAM == 0 {
		appRAM = layouts.MaxTotal()
	}
	workerRAM := uintptr(cfg.Memory.WorkerRAM)
	if workerRAM == 0 {
		workerRAM = workerLayout.TotalRAM
	}

	appCfg := app.DefaultConfig()
	appCfg.Layouts = layouts
	appCfg.Priority = cfg.Process.AppPriority
	appCfg.BackHoldDuration = cfg.Process.BackHoldDuration
	appCfg.CrashDialogWindow = cfg.Crash.DialogWindow
	appManager := app.NewManager(core, memory.NewArena("app", appArenaBase, appRAM), apps, machine, k, appCfg, logger.Component("app_manager")).
		WithCodeBank(store).
		WithCrashStore(crashes).
		WithBreakers(breakers).
		WithTracer(tracer).
		WithNotifier(hub).
		WithMetrics(metrics)

	workerManager := worker.NewManager(core, memory.NewArena("worker", workerArenaBase, workerRAM), apps, worker.Config{
		Layout:   workerLayout,
		Priority: cfg.Process.WorkerPriority,
	}, logger.Component("worker_manager")).
		WithCrashStore(crashes).
		WithNotifier(hub).
		WithMetrics(metrics)

	k.Attach(appManager, workerManager)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	handlers := apihttp.NewHandlers(k, apps, crashes, power, breakers, metrics, tracer, logger.Component("api"))
	handlers.Register(router)

	router.GET("/stream", hub.HandleConnection)
	router.GET("/loglevel", gin.WrapH(logger.LevelHandler()))
	router.PUT("/loglevel", gin.WrapH(logger.LevelHandler()))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/metrics/snapshot", apihttp.NewMetricsAggregator(metrics, k, apps, breakers).GetAggregatedMetrics)

	logger.Info("Server initialized successfully", zap.Int("installs", apps.Stats().Total))

	return &Server{
		router:   router,
		http:     &http.Server{Addr: cfg.Server.Addr(), Handler: router, ReadHeaderTimeout: 10 * time.Second},
		kernel:   k,
		registry: apps,
		hub:      hub,
		crashes:  crashes,
		tracer:   tracer,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}, nil
}

// Router returns the control API handler
func (s *Server) Router() http.Handler { return s.router }

// Kernel returns kernel main
func (s *Server) Kernel() *kernel.Kernel { return s.kernel }

// RunKernel runs kernel main until ctx is done
func (s *Server) RunKernel(ctx context.Context) error {
	return s.kernel.Run(ctx)
}

// Run starts kernel main and the HTTP server and blocks until ctx is done or
// either fails
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.RunKernel(gctx)
	})

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close releases resources held outside the run loop
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	s.tracer.Close()
	s.crashes.Close()

	// Sync logger before exit
	_ = s.logger.Sync()

	return nil
}
