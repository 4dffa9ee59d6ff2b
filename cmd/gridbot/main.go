// Command gridbot runs the grid reconciliation engine with its operator API
// and websocket feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/engine"
	"gridbot/internal/exchange"
	"gridbot/internal/exchange/sim"
	"gridbot/internal/infrastructure/server"
	"gridbot/internal/infrastructure/stream"
	"gridbot/internal/orchestrator"
	"gridbot/internal/state"
	"gridbot/internal/storage"
	"gridbot/internal/validator"
	"gridbot/pkg/concurrency"
	"gridbot/pkg/liveserver"
	"gridbot/pkg/logging"
	"gridbot/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	autoStart := flag.Bool("start", false, "start the engine immediately instead of waiting for the operator")
	flag.Parse()

	if err := run(*configPath, *autoStart); err != nil {
		fmt.Fprintf(os.Stderr, "gridbot: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, autoStart bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.Setup("gridbot")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return fmt.Errorf("logger setup: %w", err)
	}
	logger.Info("configuration loaded", "venue", cfg.App.Venue, "symbol", cfg.App.Symbol, "mode", cfg.App.Mode)
	logger.Debug("effective configuration", "config", cfg.String())

	db, err := storage.NewSQLiteStore(cfg.Storage.DBPath, cfg.App.Symbol, cfg.App.Venue, cfg.App.Mode, logger)
	if err != nil {
		return fmt.Errorf("storage setup: %w", err)
	}
	defer db.Close()

	manual := storage.NewManualSyncFile(cfg.Storage.ManualSyncPath)
	store := state.NewStore()
	v := validator.New()

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "orders",
		MaxWorkers:  cfg.Concurrency.OrderPoolSize,
		MaxCapacity: cfg.Concurrency.OrderPoolBuffer,
	}, logger)
	defer pool.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buildEngine := func(gc *core.GridConfig) (*engine.Engine, core.Exchange, error) {
		ex, err := exchange.NewExchange(gc.Venue, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		eng, err := engine.NewEngine(gc, ex, v, store, logger,
			engine.WithInterval(time.Duration(cfg.Engine.ReconcileIntervalSec)*time.Second),
			engine.WithJournal(db),
			engine.WithManualSync(manual),
			engine.WithPool(pool),
		)
		if err != nil {
			_ = ex.Close()
			return nil, nil, err
		}
		return eng, ex, nil
	}

	gc := cfg.ToGridConfig()
	eng, ex, err := buildEngine(&gc)
	if err != nil {
		return err
	}
	if err := eng.Init(ctx); err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	if simEx, ok := ex.(*sim.SimExchange); ok {
		simEx.StartTicker(ctx)
	}

	factory := func(ctx context.Context, next *core.GridConfig) (*engine.Engine, error) {
		eng, ex, err := buildEngine(next)
		if err != nil {
			return nil, err
		}
		if err := eng.Init(ctx); err != nil {
			_ = ex.Close()
			return nil, err
		}
		if simEx, ok := ex.(*sim.SimExchange); ok {
			simEx.StartTicker(ctx)
		}
		return eng, nil
	}

	orch := orchestrator.New(eng, store, v, logger,
		orchestrator.WithActionLog(db),
		orchestrator.WithFactory(factory),
	)

	hub := liveserver.NewHub(logger)
	ws := liveserver.NewServer(hub, logger, []string{"*"})
	bridge := stream.NewBridge(store, ws, logger)

	api := server.NewAPIServer(fmt.Sprintf(":%d", cfg.System.HTTPPort), orch, store, logger)
	api.Mount("/ws", ws.Handler())

	var metricsSrv *http.Server
	if cfg.Telemetry.EnableMetrics && cfg.Telemetry.MetricsPort != cfg.System.HTTPPort {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort), Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		bridge.Run(gctx)
		return nil
	})
	api.Start()

	if autoStart {
		if res := orch.Start(ctx, "system", true); !res.Success {
			logger.Error("auto-start failed", "message", res.Message)
		}
	}

	<-gctx.Done()
	logger.Info("shutting down")
	_ = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	current := orch.Engine()
	if cfg.Engine.CancelOnExit {
		if err := current.Close(shutdownCtx); err != nil {
			logger.Warn("engine close failed", "error", err)
		}
	} else {
		logger.Info("cancel_on_exit disabled, leaving resting orders on the venue")
		if err := current.Exchange().Close(); err != nil {
			logger.Warn("adapter close failed", "error", err)
		}
	}

	if err := api.Stop(shutdownCtx); err != nil {
		logger.Warn("api shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}
	return nil
}
