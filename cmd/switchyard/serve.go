// serve.go - broker startup and supervision.
// Two listeners run side by side: the client HTTP surface (MCP, health,
// metrics) on the configured port, and the extension websocket on either a
// fixed port or one allocated from the shared pool. Shutdown is graceful:
// acceptors stop, pending requests cancel via session teardown, locks
// release, connections close, and the pool entry is released.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/switchyard-mcp/switchyard/internal/broker"
	"github.com/switchyard-mcp/switchyard/internal/config"
	"github.com/switchyard-mcp/switchyard/internal/extension"
	"github.com/switchyard-mcp/switchyard/internal/logging"
	"github.com/switchyard-mcp/switchyard/internal/mcpfront"
	"github.com/switchyard-mcp/switchyard/internal/portreg"
	"github.com/switchyard-mcp/switchyard/internal/retry"
	"github.com/switchyard-mcp/switchyard/internal/state"
	"github.com/switchyard-mcp/switchyard/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

func runServe(parent context.Context, cfg config.Config) error {
	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resolve the extension endpoint: fixed port, or the lowest free one
	// from the host-wide pool. Pool exhaustion is fatal at startup.
	var ports *portreg.Registry
	var instanceID string
	extPort := cfg.ExtensionPort
	if extPort == 0 {
		regPath, err := state.PortRegistryFile()
		if err != nil {
			return err
		}
		ports = portreg.New(regPath)
		extPort, instanceID, err = ports.Allocate(ctx)
		if err != nil {
			return fmt.Errorf("allocating extension port: %w", err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ports.Release(releaseCtx)
		}()
	} else {
		instanceID = uuid.NewString()
	}

	brokerCfg := broker.Config{
		CommandTimeout:   cfg.CommandTimeout,
		LockTimeout:      cfg.LockTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		Retry:            retry.DefaultConfig(),
		AdoptForeignTabs: cfg.AdoptForeignTabs,
	}

	promReg := prometheus.NewRegistry()
	var b *broker.Broker
	metrics := telemetry.New(promReg,
		func() float64 {
			if b == nil {
				return 0
			}
			return float64(b.Sessions().Count())
		},
		func() float64 {
			if b == nil {
				return 0
			}
			return float64(openConnections(b.Connections()))
		},
	)
	b = broker.New(brokerCfg, instanceID, extPort, ports, metrics)
	b.Run(ctx)

	front := mcpfront.New(b, version)

	clientRouter := chi.NewRouter()
	clientRouter.Use(middleware.Recoverer)
	clientRouter.Mount("/mcp", front.Handler())
	clientRouter.Get("/healthz", healthHandler(b))
	clientRouter.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	extensionRouter := chi.NewRouter()
	extensionRouter.Use(middleware.Recoverer)
	extensionRouter.Get("/extension", b.Connections().HandleUpgrade)
	extensionRouter.Get("/healthz", healthHandler(b))

	clientSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort),
		Handler:           clientRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}
	extensionSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", extPort),
		Handler:           extensionRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Infow("switchyard serving",
		"instance", instanceID, "clientPort", cfg.HTTPPort, "extensionPort", extPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(clientSrv) })
	g.Go(func() error { return serveHTTP(extensionSrv) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = clientSrv.Shutdown(shutdownCtx)
		_ = extensionSrv.Shutdown(shutdownCtx)
		b.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}
	return nil
}

func healthHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b.HealthSnapshot(r.Context()))
	}
}

func openConnections(m *extension.Manager) int {
	n := 0
	for _, snap := range m.Snapshots() {
		if snap.State == extension.StateOpen {
			n++
		}
	}
	return n
}
