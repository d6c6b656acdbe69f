package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/sharegrid/internal/config"
	"github.com/tunnelmesh/sharegrid/internal/hashutil"
	"github.com/tunnelmesh/sharegrid/internal/rpc"
	"github.com/tunnelmesh/sharegrid/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a storage server",
		Long: `Run a storage server that holds shares for the grid.

The server speaks the slot protocol over HTTP and exposes Prometheus
metrics on /metrics. Shares live in memory unless storage.backend is
"pebble", in which case they persist under storage.data_dir.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Storage.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, nil)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides storage.listen)")
	return cmd
}

// runServe serves until ctx is done. ready, if non-nil, receives the bound address.
func runServe(ctx context.Context, cfg *config.GridConfig, ready chan<- string) error {
	nodeID, err := config.LoadNodeID(cfg.Storage.NodeKey)
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}
	logger := log.Logger.With().Str("node", hashutil.ShortID(nodeID)).Logger()

	var backend storage.Backend
	switch cfg.Storage.Backend {
	case config.BackendPebble:
		backend, err = storage.NewPebbleBackend(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("open pebble backend: %w", err)
		}
	default:
		backend = storage.NewMemoryBackend()
	}
	server := storage.NewServer(storage.ServerConfig{
		NodeID:  nodeID,
		Backend: backend,
		Logger:  logger,
		Metrics: storage.InitMetrics(prometheus.DefaultRegisterer),
	})
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close storage backend")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/v1/", rpc.NewHandler(rpc.HandlerConfig{
		Server:    server,
		RateLimit: cfg.Storage.RateLimit,
		RateBurst: cfg.Storage.RateBurst,
		Logger:    logger,
	}))

	ln, err := net.Listen("tcp", cfg.Storage.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Storage.Listen, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info().
		Str("listen", ln.Addr().String()).
		Str("backend", cfg.Storage.Backend).
		Str("node_id", nodeID).
		Msg("storage server started")
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down storage server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errCh
	return nil
}
