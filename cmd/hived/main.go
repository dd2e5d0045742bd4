package main

import (
	"context"
	"errors"
	"fmt"
	"hive-chat/contract"
	"hive-chat/infrastructure/realtime"
	"hive-chat/infrastructure/storage"
	"hive-chat/infrastructure/websocket"
	"hive-chat/internal"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/database"
	"github.com/mama165/sdk-go/logs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpc3 "github.com/mama165/sdk-go/grpc"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const (
	realtimePath    = "/realtime"
	inspectPath     = "/inspect"
	shutdownTimeout = 10 * time.Second
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hived terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires every component and blocks until a signal or a server failure.
// Deferred cleanups run before the exit code is returned.
func run() (int, error) {
	config, err := internal.LoadServerConfig()
	if err != nil {
		return exitConfig, err
	}
	logger := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, config, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer closeStore()

	if config.SeedChannels {
		if err = storage.Seed(ctx, logger, store, storage.DefaultChannels); err != nil {
			return exitRuntime, err
		}
	}

	broker := realtime.NewBroker(logger, store, config.DeliveryTimeout)
	wsServer := websocket.NewServer(logger, broker)

	mux := http.NewServeMux()
	mux.Handle(realtimePath, wsServer)
	httpServer := &http.Server{
		Addr:              config.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	healthListener, err := net.Listen("tcp", config.HealthAddress())
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to listen on %s: %w", config.HealthAddress(), err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpc3.UnaryLoggingInterceptor(logger)))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	errChan := make(chan error, 2)

	go func() {
		logger.Info("Starting realtime server", "address", config.Address(), "path", realtimePath, "store", config.Store)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	go func() {
		logger.Info("Starting health server", "address", config.HealthAddress())
		if err := grpcServer.Serve(healthListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		return exitRuntime, err
	}

	logger.Info("Shutting down gracefully...")
	healthServer.Shutdown()
	wsServer.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	grpcServer.GracefulStop()
	logger.Info("Program stopped cleanly")
	return exitOK, nil
}

// openStore returns the configured row store and its cleanup.
func openStore(ctx context.Context, config internal.ServerConfig, logger *slog.Logger) (contract.Store, func(), error) {
	if config.Store == internal.StorePostgres {
		pool, err := storage.NewPool(ctx, logger, config.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database opening failed: %w", err)
		}
		store := storage.NewPostgresStore(pool, logger)
		if err = store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() {
			logger.Info("Closing Postgres pool...")
			pool.Close()
		}, nil
	}

	db, err := badger.Open(buildBadgerOpts(ctx, config, logger))
	if err != nil {
		return nil, nil, fmt.Errorf("database opening failed: %w", err)
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		logger.Info("Debug Badger inspector available",
			"url", fmt.Sprintf("http://localhost:%d%s", config.DebugPort, inspectPath))
		database.StartDebugServer(db, config.DebugPort, inspectPath, internal.RowMapper)
	}
	store := storage.NewBadgerStore(db, logger)
	return store, func() {
		logger.Info("Closing BadgerDB...")
		_ = store.Close()
		_ = db.Close()
	}, nil
}

func buildBadgerOpts(ctx context.Context, config internal.ServerConfig, logger *slog.Logger) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)
	if logger.Enabled(ctx, slog.LevelDebug) {
		return options.WithLoggingLevel(badger.DEBUG)
	}
	return options.WithLoggingLevel(badger.WARNING)
}
