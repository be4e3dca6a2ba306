package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pollmesh/pollmesh/internal/config"
	"github.com/pollmesh/pollmesh/internal/httpserver"
	"github.com/pollmesh/pollmesh/internal/metrics"
	"github.com/pollmesh/pollmesh/internal/ratelimit"
	"github.com/pollmesh/pollmesh/internal/relay"
	"github.com/pollmesh/pollmesh/internal/store"
	"github.com/pollmesh/pollmesh/internal/store/dynamostore"
	"github.com/pollmesh/pollmesh/internal/store/memstore"
	"github.com/pollmesh/pollmesh/internal/store/redisstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve [flags]",
	Short: "Run the signaling relay",
	// Flags are parsed by config.Load so env-var defaults and flag
	// overrides share one code path.
	DisableFlagParsing: true,
	RunE:               runServe,
}

func runServe(_ *cobra.Command, args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting pollmesh relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"store", cfg.StoreBackend,
		"max_signals_per_second", cfg.MaxSignalsPerSecond,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "backend", cfg.StoreBackend, "err", err)
		return err
	}
	defer closeStore()

	m := metrics.New()
	var limiter *ratelimit.ParticipantLimiter
	if cfg.MaxSignalsPerSecond > 0 {
		limiter = ratelimit.NewParticipantLimiter(ratelimit.RealClock{}, int64(cfg.MaxSignalsPerSecond), int64(cfg.SignalBurst), 0)
	}
	svc := relay.NewService(relay.Config{
		Store:   st,
		Limiter: limiter,
		Metrics: m,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m)
	if err != nil {
		return err
	}
	srv.Mux().Handle("/api/signaling", srv.OriginMiddleware()(relay.NewServer(svc).Handler()))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.ListenAddr, "err", err)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreBackendRedis:
		rs, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	case config.StoreBackendDynamoDB:
		ds, err := dynamostore.Open(ctx, cfg.DynamoTable)
		if err != nil {
			return nil, nil, err
		}
		return ds, func() {}, nil
	default:
		return memstore.New(), func() {}, nil
	}
}
