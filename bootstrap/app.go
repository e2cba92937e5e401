package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"argus/api"
	"argus/config"
	"argus/export"
	"argus/service"
	"argus/soar"
	"argus/storage"

	"go.uber.org/zap"
)

const (
	apiShutdownTimeout    = 5 * time.Second
	engineShutdownTimeout = 10 * time.Second
	exportFlushTimeout    = 5 * time.Second
)

// App represents the Argus application with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Engine    *service.Engine
	Hub       *api.Hub
	APIServer *api.API
	Exporter  *export.Exporter

	closers    []io.Closer
	hubRunning bool

	serviceWg    sync.WaitGroup
	shutdownOnce sync.Once
}

// NewApp creates a new application instance and initializes all components.
// configPath may be empty to search the default locations.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	app := &App{}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Argus threat detection engine starting...")

	cfg, err := InitConfig(configPath, sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	sugar.Info("Running pre-flight checks...")
	if err := EnsureDataDirectories(DataDirectories(cfg), sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	if err := app.initExport(); err != nil {
		return nil, err
	}
	// everything below logs through the exporting logger when export is on
	sugar = app.Sugar

	var deps service.Dependencies

	archive, err := InitArchive(cfg, sugar)
	if herr := handleInitError(cfg, "event archive", err, sugar); herr != nil {
		return nil, herr
	}
	if archive != nil {
		deps.Archive = archive
	}

	if deps.Catalog, err = InitCatalog(cfg, sugar); err != nil {
		app.closeArchive(archive)
		return nil, err
	}

	intel, closers, err := InitThreatIntel(cfg, sugar)
	app.closers = append(app.closers, closers...)
	if err != nil {
		app.closeArchive(archive)
		app.closeAll()
		return nil, err
	}
	deps.Intel = intel

	deps.Collaborators = InitCollaborators(cfg, sugar)
	deps.Audit = soar.NewZapAuditLogger(sugar.Named("audit"))

	app.Hub = api.NewHub(sugar.Named("stream"), ctx)
	deps.Broadcaster = app.Hub

	app.Engine = service.NewEngine(cfg, deps, sugar.Named("engine"))

	restored, err := app.Engine.WarmStart()
	if err != nil {
		sugar.Warnw("Failed to warm start from archive", "error", err)
	} else if restored > 0 {
		sugar.Infow("Restored archived events", "count", restored)
	}

	app.APIServer = api.NewAPI(app.Engine, app.Hub, cfg, sugar.Named("api"))
	return app, nil
}

// initExport tees the logger into the remote exporter when export is enabled.
// The exporter reports a degraded link to the engine once it exists.
func (a *App) initExport() error {
	ec := a.Config.Export
	if !ec.Enabled {
		return nil
	}

	cfg := export.DefaultConfig()
	cfg.Endpoint = ec.Endpoint
	cfg.SessionID = ec.SessionID
	cfg.Interval = ec.Interval
	cfg.BatchSize = ec.BatchSize
	cfg.BufferSize = ec.BufferSize
	cfg.FailureThreshold = ec.FailureThreshold

	// the exporter keeps the console-only logger so it never feeds itself
	a.Exporter = export.NewExporter(cfg, func(failures int, lastErr error) {
		if a.Engine != nil {
			a.Engine.ExportHealth(failures, lastErr)
		}
	}, a.Sugar.Named("export"))

	logger, err := TeeExport(a.Logger, a.Exporter, ec.Level)
	if err != nil {
		return err
	}
	a.Logger = logger
	a.Sugar = logger.Sugar()
	a.Sugar.Infow("Remote log export enabled", "endpoint", ec.Endpoint, "level", ec.Level)
	return nil
}

// Start starts all application services.
func (a *App) Start(ctx context.Context) error {
	go a.Hub.Start()
	a.hubRunning = true

	if err := a.Engine.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if a.Exporter != nil {
		a.Exporter.Start()
	}

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		addr := fmt.Sprintf("%s:%d", a.Config.API.Host, a.Config.API.Port)
		a.Sugar.Infof("API server started on %s", addr)

		if err := a.APIServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	<-c
}

// Shutdown stops every component in dependency order. Safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	a.Sugar.Info("Shutting down...")

	a.Sugar.Info("Phase 1: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(apiShutdownTimeout + 5*time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.Sugar.Info("Phase 2: Closing stream subscribers...")
	if a.Hub != nil && a.hubRunning {
		a.Hub.Stop()
	}

	a.Sugar.Info("Phase 3: Stopping engine...")
	if a.Engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), engineShutdownTimeout)
		if err := a.Engine.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("Engine shutdown incomplete", "error", err)
		}
		cancel()
	}

	a.Sugar.Info("Phase 4: Closing threat intel connections...")
	a.closeAll()

	a.Sugar.Info("Shutdown complete")

	if a.Exporter != nil {
		a.Exporter.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), exportFlushTimeout)
		if err := a.Exporter.Flush(ctx); err != nil && !errors.Is(err, export.ErrBufferEmpty) {
			fmt.Fprintf(os.Stderr, "final log export failed: %v\n", err)
		}
		cancel()
	}
	_ = a.Logger.Sync()
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.Sugar.Warnw("Failed to close connection", "error", err)
		}
	}
	a.closers = nil
}

func (a *App) closeArchive(archive *storage.SQLiteArchive) {
	if archive == nil {
		return
	}
	if err := archive.Close(); err != nil {
		a.Sugar.Warnw("Failed to close event archive", "error", err)
	}
}
