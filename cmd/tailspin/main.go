// tailspin ingests decoded spans into a hot ring buffer and an embedded
// DuckDB store, keeps live session and trace aggregates, streams updates
// to dashboards over SSE and periodically materializes markdown insights.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tailspin/internal/aggregate"
	"tailspin/internal/auth"
	"tailspin/internal/clock"
	"tailspin/internal/config"
	"tailspin/internal/ingest"
	"tailspin/internal/insights"
	"tailspin/internal/logging"
	"tailspin/internal/metrics"
	"tailspin/internal/ringbuf"
	"tailspin/internal/server"
	"tailspin/internal/storage"
	"tailspin/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, addr, dbPath string

	flagSet := pflag.NewFlagSet("tailspin", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides config)")
	flagSet.StringVar(&dbPath, "db", "", "DuckDB file path (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("addr") {
		cfg.Server.Addr = addr
	}
	if flagSet.Changed("db") {
		cfg.Storage.Path = dbPath
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	clk := clock.Real()

	store, err := storage.Open(cfg.Storage, logger, m)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("error closing storage", zap.Error(err))
		}
	}()
	logger.Info("connected to DuckDB", zap.String("path", cfg.Storage.Path))

	buf, err := ringbuf.New(cfg.Buffer.Capacity)
	if err != nil {
		return err
	}
	m.RegisterBufferEvictions(buf.Evicted)

	sessions := aggregate.NewSessionAggregator(cfg.Sessions, clk, logger)
	traces := aggregate.NewTraceAggregator(cfg.Traces, clk, logger, m)
	broadcaster := stream.New(cfg.Stream, clk, logger, m)
	materializer := insights.New(store, store, broadcaster, clk, cfg.Insights, logger, m)
	ingestor := ingest.New(ingest.Deps{
		Buffer:    buf,
		Writer:    store,
		Sessions:  sessions,
		Traces:    traces,
		Publisher: broadcaster,
		Clock:     clk,
		Logger:    logger,
		Metrics:   m,
	}, cfg.Ingest)

	if _, err := sessions.Bootstrap(ctx, store); err != nil {
		logger.Warn("session bootstrap failed, starting empty", zap.Error(err))
	}

	var authProvider *auth.Auth
	if cfg.Server.Auth.Enabled() {
		authProvider, err = auth.New(ctx, cfg.Server.Auth, clk, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize auth: %w", err)
		}
		defer authProvider.Close()
		if err := authProvider.Bootstrap(ctx, cfg.Server.Auth.BootstrapKey); err != nil {
			return fmt.Errorf("failed to bootstrap auth: %w", err)
		}
		logger.Info("API key auth enabled", zap.String("db", cfg.Server.Auth.DBPath))
	} else {
		logger.Warn("API key auth disabled, every route is open")
	}

	srv := server.New(cfg.Server, server.Deps{
		Store:        store,
		Buffer:       buf,
		Ingestor:     ingestor,
		Sessions:     sessions,
		Traces:       traces,
		Broadcaster:  broadcaster,
		Materializer: materializer,
		Metrics:      m,
		Archive:      cfg.Archive,
		Clock:        clk,
		Logger:       logger,
		Auth:         authProvider,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		// Open streams would otherwise hold Shutdown until its deadline.
		broadcaster.Close()

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server forced to shutdown", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		store.StartArchiveWorker(gctx, cfg.Archive, clk)
		return nil
	})
	g.Go(func() error {
		traces.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return materializer.Run(gctx)
	})
	g.Go(func() error {
		broadcaster.RunHeartbeat(gctx)
		return nil
	})

	err = g.Wait()
	logger.Info("server exited", zap.Duration("uptime", time.Since(startedAt)))
	return err
}

var startedAt = time.Now()

func init() {
	fmt.Println(`
  _        _ _           _
 | |_ __ _(_) |___ _ __ (_)_ _
 |  _/ _' | | (_-< '_ \| | ' \
  \__\__,_|_|_/__/ .__/|_|_||_|
                 |_|`)
}
