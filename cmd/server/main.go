package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/lucasbenitezc/servidor-scraping/internal/api"
	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
	"github.com/lucasbenitezc/servidor-scraping/internal/config"
	"github.com/lucasbenitezc/servidor-scraping/internal/journal"
	mcpserver "github.com/lucasbenitezc/servidor-scraping/internal/mcp"
	"github.com/lucasbenitezc/servidor-scraping/internal/observability"
	"github.com/lucasbenitezc/servidor-scraping/internal/portal"
	"github.com/lucasbenitezc/servidor-scraping/internal/recorder"
	"github.com/lucasbenitezc/servidor-scraping/internal/scraper"
	"github.com/lucasbenitezc/servidor-scraping/internal/session"
	"github.com/lucasbenitezc/servidor-scraping/internal/storage"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML or TOML config file (optional)")
	port := flag.Int("port", 0, "HTTP port override (falls back to config)")
	stdio := flag.Bool("stdio", false, "Serve MCP over stdio instead of HTTP")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, closeLog := observability.InitLogger(cfg.Server.Name, observability.LogOptions{
		Level:  cfg.Server.LogLevel,
		Format: cfg.Server.LogFormat,
		File:   cfg.Server.LogFile,
		Quiet:  *stdio,
	})
	defer func() { _ = closeLog() }()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Server.Name, cfg.Tracing.Endpoint)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	} else {
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(tctx)
		}()
	}

	launcher, err := browser.NewLauncher(cfg.Browser, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize browser launcher")
	}

	a, err := newApp(cfg, launcher, clockwork.NewRealClock(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize server")
	}

	if *stdio {
		err = a.serveStdio(ctx)
	} else {
		err = a.serveHTTP(ctx)
	}
	if cerr := a.close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("shutdown left errors")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

// app holds the wired components for one process.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	launcher browser.Launcher
	pool     *session.Pool
	orch     *scraper.Orchestrator
	journal  *journal.Journal
	janitor  *storage.Janitor
	api      *api.Server
	mcp      *mcpserver.Server
}

func newApp(cfg config.Config, launcher browser.Launcher, clock clockwork.Clock, logger zerolog.Logger) (*app, error) {
	layout := storage.NewLayout(cfg.Storage, clock)
	if err := layout.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("prepare storage: %w", err)
	}

	rec, err := recorder.New(layout.ScreenshotsDir, cfg.Storage.MaxScreenshots, logger, recorder.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("init recorder: %w", err)
	}

	j, err := journal.New(cfg.Journal, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("init journal: %w", err)
	}

	observability.RegisterMetrics()
	poolObservers := []session.Observer{observability.PoolMetrics{}}
	opObservers := []scraper.Observer{observability.OperationMetrics{}}
	if j.Enabled() {
		poolObservers = append(poolObservers, j)
		opObservers = append(opObservers, j)
	}

	pool := session.NewPool(launcher, session.Options{
		Capacity:    cfg.Pool.MaxSessions,
		IdleTimeout: cfg.Pool.GetIdleTimeout(),
		Clock:       clock,
		Logger:      logger,
		Observers:   poolObservers,
	})

	settings := portal.SettingsFromConfig(cfg.Portals)
	settings.Snapshots = rec
	settings.Logger = logger

	orch := scraper.New(scraper.Options{
		Pool:        pool,
		Registry:    portal.DefaultRegistry(settings),
		Documents:   layout,
		Diagnostics: rec,
		Observers:   opObservers,
		Clock:       clock,
		Logger:      logger,
	})

	a := &app{
		cfg:      cfg,
		logger:   logger,
		launcher: launcher,
		pool:     pool,
		orch:     orch,
		journal:  j,
		janitor:  storage.NewJanitor(layout, cfg.Storage, logger),
		api:      api.New(cfg.Server, orch, j, logger),
		mcp:      mcpserver.NewServer(cfg, orch, j, logger),
	}
	if cfg.MCP.Enabled {
		a.mcp.Mount(a.api.Router(), "http://localhost:"+strconv.Itoa(cfg.Server.Port))
	}
	return a, nil
}

// serveHTTP runs the API until ctx ends, then drains in-flight requests.
func (a *app) serveHTTP(ctx context.Context) error {
	go a.janitor.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().
			Int("port", a.cfg.Server.Port).
			Strs("services", a.orch.Services()).
			Int("max_sessions", a.pool.Capacity()).
			Msg("scraper server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errCh:
		return err
	}
}

func (a *app) serveStdio(ctx context.Context) error {
	go a.janitor.Run(ctx)
	a.logger.Info().Msg("starting MCP stdio server")
	return a.mcp.Start(ctx)
}

// close evicts every session and releases the browser engine.
func (a *app) close() error {
	return multierr.Combine(a.orch.Cleanup(), a.launcher.Close())
}
