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

	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stripestore/osd/internal/config"
	"github.com/stripestore/osd/internal/metrics"
	"github.com/stripestore/osd/internal/osd"
	"github.com/stripestore/osd/internal/peernet"
	"github.com/stripestore/osd/internal/storage"
)

const usageInterval = time.Minute

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout, err := openStorage(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	return serve(ctx, cfg, layout)
}

func serve(ctx context.Context, cfg *config.NodeConfig, layout storage.Layout) error {
	dir := peernet.StaticDirectory{}
	for id, ep := range cfg.Peers {
		dir[id] = peernet.Endpoint{HTTP: ep.HTTP, UDP: ep.UDP}
	}
	client, err := peernet.NewClient(peernet.ClientConfig{
		NodeID:    cfg.NodeID,
		Directory: dir,
		Compress:  cfg.PeerCompression,
		Logger:    log.Logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	opMetrics := osd.InitMetrics(metrics.Registry)
	exec, err := osd.NewExecutor(osd.Config{
		NodeID:        cfg.NodeID,
		Layout:        layout,
		Peers:         client,
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		PeerTimeout:   cfg.PeerTimeoutDuration(),
		MaxObjectSize: cfg.Storage.MaxObjectSizeBytes(),
		Metrics:       opMetrics,
		Logger:        log.Logger,
	})
	if err != nil {
		return err
	}
	exec.Start()
	defer exec.Stop()

	listener, err := peernet.ListenGmax(peernet.ListenerConfig{
		Addr:      cfg.GmaxListen,
		RateLimit: cfg.Gmax.RateLimit,
		RateBurst: cfg.Gmax.RateBurst,
		Dropped:   opMetrics.GmaxDropped,
		Logger:    log.Logger,
	}, exec)
	if err != nil {
		return err
	}

	peerServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           peernet.NewServer(cfg.NodeID, exec, log.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() { errCh <- listener.Serve(ctx) }()
	go func() {
		if err := peerServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("peer server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		node := metrics.InitNodeMetrics(cfg.NodeID, layout.Name(), Version)
		collector := metrics.NewCollector(node, metrics.UsageFunc(func() (metrics.Usage, error) {
			st, err := storage.CollectStats(layout)
			return metrics.Usage{Bytes: st.Bytes, Files: st.Files, Objects: st.Objects}, err
		}), log.Logger)
		go collector.Run(ctx, usageInterval)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	maxObject := "unlimited"
	if n := cfg.Storage.MaxObjectSizeBytes(); n > 0 {
		maxObject = units.BytesSize(float64(n))
	}
	log.Info().
		Str("node_id", cfg.NodeID).
		Str("listen", cfg.Listen).
		Str("gmax_listen", cfg.GmaxListen).
		Str("layout", layout.Name()).
		Str("data_dir", cfg.DataDir).
		Str("max_object_size", maxObject).
		Int("workers", cfg.Workers).
		Int("peers", len(cfg.Peers)).
		Msg("osd started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = peerServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	_ = listener.Close()
	if err := exec.FlushCaches(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("flush on shutdown failed")
	}
	return runErr
}
