package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Skufu/CardioTriage/internal/config"
	"github.com/Skufu/CardioTriage/internal/ledger"
	"github.com/Skufu/CardioTriage/internal/logging"
	"github.com/Skufu/CardioTriage/internal/model"
	"github.com/Skufu/CardioTriage/internal/registry"
	"github.com/Skufu/CardioTriage/internal/risk"
	"github.com/Skufu/CardioTriage/internal/storage/badgerdb"
	"github.com/Skufu/CardioTriage/internal/storage/postgres"
	"github.com/Skufu/CardioTriage/internal/telemetry"
	"github.com/Skufu/CardioTriage/internal/triage"
	"github.com/Skufu/CardioTriage/internal/visual"
	"github.com/gin-gonic/gin"
)

var version = "dev"

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// App holds everything the HTTP handlers need.
type App struct {
	Service     *triage.Service
	Ledger      *ledger.Ledger
	Policy      *config.PolicyHolder
	ModelLoaded bool
	Logger      *slog.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	gin.SetMode(cfg.GinMode)
	logger := logging.Init(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	var traceOut io.Writer
	if cfg.TraceStdout {
		traceOut = os.Stdout
	}
	shutdownTracing, err := telemetry.Setup(traceOut, version)
	if err != nil {
		log.Fatalf("tracing setup failed: %v", err)
	}
	defer shutdownTracing(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, db, cleanup, err := buildApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer cleanup()

	router := setupRouter(db, app)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	logger.Info("server listening", "port", cfg.Port, "model_loaded", app.ModelLoaded, "version", version)
	waitForShutdown(server)
}

// buildApp wires storage, registry, model and policy from cfg. The returned
// HealthChecker is nil unless Postgres is enabled.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, HealthChecker, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*App, HealthChecker, func(), error) {
		cleanup()
		return nil, nil, func() {}, err
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return fail(err)
	}
	holder := config.NewPolicyHolder(policy)
	if cfg.WatchPolicy {
		w, err := config.NewPolicyWatcher(cfg.PolicyFile, holder, logger)
		if err != nil {
			return fail(fmt.Errorf("watch policy: %w", err))
		}
		go w.Run(ctx)
		closers = append(closers, func() { w.Close() })
	}

	var (
		db       HealthChecker
		store    ledger.Store
		patients triage.Registry
	)
	switch {
	case cfg.EnableDB:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("database connection failed: %w", err))
		}
		closers = append(closers, pool.Close)
		if err := postgres.Migrate(ctx, pool); err != nil {
			return fail(err)
		}
		db = pool
		store = postgres.NewAssessmentStore(pool)
		patients = postgres.NewPatientRegistry(pool)
	case cfg.LedgerDir != "":
		bcfg := badgerdb.DefaultConfig(cfg.LedgerDir)
		bcfg.Logger = logger.With("component", "badger")
		bdb, err := badgerdb.Open(bcfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { bdb.Close() })
		store = badgerdb.NewStore(bdb)
	default:
		logger.Warn("no LEDGER_DIR or database configured, assessments are kept in memory")
		store = ledger.NewMemoryStore()
	}

	if patients == nil && cfg.PatientsCSV != "" {
		reg, err := registry.LoadCSV(cfg.PatientsCSV)
		if err != nil {
			return fail(err)
		}
		patients = reg
	}

	m, err := model.Open(cfg.ModelURL, cfg.ModelFile, cfg.ModelTimeout)
	if err != nil {
		return fail(fmt.Errorf("load model: %w", err))
	}
	if m == nil {
		logger.Warn("no model configured, classification requests will fail with 503")
	} else {
		logger.Info("model loaded", "labels", m.Labels())
	}

	led := ledger.New(store, patients, ledger.WithLogger(logger))
	classifier := risk.NewClassifier(m, risk.WithThresholdFunc(holder.Thresholds))
	mapper := visual.NewMapper(visual.WithPaletteFunc(holder.Palette))

	opts := []triage.Option{
		triage.WithRecorder(led),
		triage.WithDefaultAge(holder.DefaultAge),
		triage.WithLogger(logger),
	}
	if patients != nil {
		opts = append(opts, triage.WithRegistry(patients))
	}

	return &App{
		Service:     triage.NewService(classifier, mapper, opts...),
		Ledger:      led,
		Policy:      holder,
		ModelLoaded: m != nil,
		Logger:      logger,
	}, db, cleanup, nil
}

func waitForShutdown(server *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}

func limitBodySize(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
