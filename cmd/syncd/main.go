// Command syncd launches the fieldsync workstation daemon: the local
// replica, the sync engine, and the API consumed by the UI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/wrapshop/fieldsync/config"
	"github.com/wrapshop/fieldsync/internal/cache"
	"github.com/wrapshop/fieldsync/internal/domain/gateway"
	httpgw "github.com/wrapshop/fieldsync/internal/infra/gateway/httpapi"
	pggw "github.com/wrapshop/fieldsync/internal/infra/gateway/postgres"
	"github.com/wrapshop/fieldsync/internal/infra/persistence/sqlite"
	httpserver "github.com/wrapshop/fieldsync/internal/infra/server/http"
	"github.com/wrapshop/fieldsync/internal/observability"
	"github.com/wrapshop/fieldsync/internal/sync/coordinator"
	"github.com/wrapshop/fieldsync/internal/sync/recorder"
	"github.com/wrapshop/fieldsync/internal/sync/status"
	"github.com/wrapshop/fieldsync/lib/telemetry"
)

const (
	defaultConfigPath        = "config/syncd.yaml"
	syncdLoggerPrefix        = "syncd "
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, syncdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(stdLogger{logger})

	cfg, loadedFromFile, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults and environment")
	}
	logger.Printf("configuration initialised: env=%s, backend=%s, db=%s",
		cfg.Environment, cfg.Backend.Kind, cfg.DatabasePath)

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		logger.Fatalf("initialize sync metrics: %v", err)
	}

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatalf("open replica: %v", err)
	}

	// A crash mid-cycle can leave entries in flight; put them back before
	// anything else reads the queue.
	if reverted, err := store.RevertInFlight(ctx); err != nil {
		logger.Fatalf("recover interrupted deliveries: %v", err)
	} else if reverted > 0 {
		logger.Printf("recovered %d interrupted deliveries", reverted)
	}

	gw, closeGateway, err := buildGateway(ctx, cfg)
	if err != nil {
		logger.Fatalf("initialise backend gateway: %v", err)
	}

	coord := coordinator.New(store, gw, cfg.Sync, cfg.Backend.RequestTimeout, metrics)
	viewCache := cache.New(cfg.Cache.MaxBytes, cfg.Cache.DefaultTTL)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		coord.Run(ctx)
	})
	if cfg.Backend.Kind == config.BackendHTTP && cfg.Backend.NotifyURL != "" {
		notifier := httpgw.NewNotifier(cfg.Backend.NotifyURL, cfg.Backend.APIToken,
			func() { coord.Request(coordinator.TriggerNotified) },
			coord.SetOnline)
		lifecycle.Go(func() {
			notifier.Run(ctx)
		})
		logger.Printf("change feed notifier enabled: %s", cfg.Backend.NotifyURL)
	}

	handler := httpserver.NewHandler(cfg.Environment, store, recorder.New(store), status.New(store), coord, viewCache)
	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("local api server: %v", err)
		}
	})
	logger.Printf("local API listening on %s", apiServer.Addr)

	logger.Print("syncd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:            apiServer,
		mainCancel:        cancel,
		lifecycle:         &lifecycle,
		cache:             viewCache,
		store:             store,
		closeGateway:      closeGateway,
		telemetryShutdown: telemetryShutdown,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to daemon configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	return filepath.Clean(defaultConfigPath)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func buildGateway(ctx context.Context, cfg config.Settings) (gateway.Gateway, func(), error) {
	switch cfg.Backend.Kind {
	case config.BackendHTTP:
		client, err := httpgw.New(cfg.Backend, cfg.Sync.PullBatchLimit)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	case config.BackendPostgres:
		direct, err := pggw.Connect(ctx, cfg.Backend.PostgresDSN, cfg.Sync.PullBatchLimit)
		if err != nil {
			return nil, nil, err
		}
		return direct, direct.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

// stdLogger adapts the daemon's log.Logger to the engine's structured
// logging interface.
type stdLogger struct {
	logger *log.Logger
}

func (l stdLogger) Debug(msg string, fields ...observability.Field) { l.print("DEBUG", msg, fields) }
func (l stdLogger) Info(msg string, fields ...observability.Field)  { l.print("INFO", msg, fields) }
func (l stdLogger) Error(msg string, fields ...observability.Field) { l.print("ERROR", msg, fields) }

func (l stdLogger) print(level, msg string, fields []observability.Field) {
	if len(fields) == 0 {
		l.logger.Printf("%s %s", level, msg)
		return
	}
	line := fmt.Sprintf("%s %s", level, msg)
	for _, field := range fields {
		line += fmt.Sprintf(" %s=%v", field.Key, field.Value)
	}
	l.logger.Print(line)
}

type gracefulShutdownConfig struct {
	server            *http.Server
	mainCancel        context.CancelFunc
	lifecycle         *conc.WaitGroup
	cache             *cache.Cache
	store             *sqlite.Store
	closeGateway      func()
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping local api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.cache != nil {
		cfg.cache.Close()
	}
	if cfg.closeGateway != nil {
		cfg.closeGateway()
	}
	if cfg.store != nil {
		if err := cfg.store.Close(); err != nil {
			logger.Printf("shutdown: close replica failed: %v", err)
		}
	}
	if cfg.telemetryShutdown != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetryShutdown)
	}
}
