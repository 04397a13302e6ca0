// Package engine wires the service's components together and manages their
// lifecycle.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/expungio/expunge/internal/api"
	"github.com/expungio/expunge/internal/audit"
	"github.com/expungio/expunge/internal/config"
	"github.com/expungio/expunge/internal/hub"
	"github.com/expungio/expunge/internal/logging"
	"github.com/expungio/expunge/internal/metrics"
	"github.com/expungio/expunge/internal/resilience"
	"github.com/expungio/expunge/internal/telemetry"
	"github.com/expungio/expunge/internal/workflow"
)

// Engine is the main coordinator of all service components
type Engine struct {
	config       *config.Config
	hub          *hub.Hub
	transport    *hub.Transport
	orchestrator *workflow.Orchestrator
	resilience   *resilience.Layer
	audit        *audit.Store
	api          *api.API
	healthProbe  func(context.Context) error
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	telemetryFn  func(context.Context) error
}

// CreateEngine constructs every component from the configuration. The
// collaborators default to HTTP clients against the configured endpoints;
// pass non-nil collab to substitute them (tests do).
func CreateEngine(cfg *config.Config, collab *workflow.Collaborators) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	layer, err := resilience.NewLayer(resilience.Config{
		DataDir:          cfg.Resilience.DataDir,
		CacheSize:        cfg.Resilience.CacheSize,
		CacheTTL:         time.Duration(cfg.Resilience.CacheTTLSeconds) * time.Second,
		QueueMaxAttempts: cfg.Resilience.QueueMaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resilience layer: %w", err)
	}

	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditStore, err = audit.NewStore(audit.Config{DataDir: cfg.Audit.DataDir})
		if err != nil {
			layer.Close()
			return nil, fmt.Errorf("failed to initialize audit store: %w", err)
		}
	}

	h := hub.NewHub()
	transport := hub.NewTransport(hub.TransportConfig{
		MaxIdleTime:       time.Duration(cfg.Hub.MaxIdleTime) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Hub.HeartbeatInterval) * time.Second,
	}, h)

	remoteCfg := workflow.RemoteConfig{
		StorageURL: cfg.Workflow.Collaborators.StorageURL,
		ProverURL:  cfg.Workflow.Collaborators.ProverURL,
		LedgerURL:  cfg.Workflow.Collaborators.LedgerURL,
		IndexerURL: cfg.Workflow.Collaborators.IndexerURL,
		Timeout:    time.Duration(cfg.Workflow.Collaborators.TimeoutSeconds) * time.Second,
	}
	workflowCollab := workflow.RemoteCollaborators(remoteCfg)
	if collab != nil {
		workflowCollab = *collab
	}

	orchestrator := workflow.NewOrchestrator(workflow.Config{
		PollInterval:   time.Duration(cfg.Workflow.PollIntervalMs) * time.Millisecond,
		ConfirmTimeout: time.Duration(cfg.Workflow.ConfirmTimeoutSeconds) * time.Second,
	}, workflowCollab, h, layer, auditStoreOrNil(auditStore))

	apiServer := api.NewAPI(api.Config{Addr: cfg.Server.Addr}, h, transport, orchestrator, auditStore, layer)

	return &Engine{
		config:       cfg,
		hub:          h,
		transport:    transport,
		orchestrator: orchestrator,
		resilience:   layer,
		audit:        auditStore,
		api:          apiServer,
		healthProbe:  workflow.HealthProbe(remoteCfg),
		logger:       logging.Component("engine"),
		metrics:      metrics.GetMetrics(),
	}, nil
}

// auditStoreOrNil avoids handing the orchestrator a typed-nil interface
func auditStoreOrNil(store *audit.Store) workflow.AuditStore {
	if store == nil {
		return nil
	}
	return store
}

// Start initializes and runs all components, blocking until the context is
// canceled or a component fails.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting expunge engine")

	if err := logging.Setup(logging.Config{
		Level:         e.config.Logging.Level,
		Format:        logging.LogFormat(e.config.Logging.Format),
		IncludeCaller: e.config.Logging.IncludeCaller,
		GlobalFields:  e.config.Logging.GlobalFields,
	}); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	telShutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:       e.config.Telemetry.Enabled,
		ServiceName:   e.config.Telemetry.ServiceName,
		Endpoint:      e.config.Telemetry.Endpoint,
		SamplingRatio: e.config.Telemetry.SamplingRatio,
		Attributes:    e.config.Telemetry.Attributes,
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			e.logger.Info().Str("signal", sig.String()).Msg("Caught signal, initiating shutdown")
			cancel()
		}()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.transport.Start(ctx)
	})

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	g.Go(func() error {
		return e.drainLoop(ctx)
	})

	g.Go(func() error {
		interval := time.Duration(e.config.Resilience.HealthIntervalSeconds) * time.Second
		return e.resilience.Watch(ctx, interval, e.healthProbe)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Expunge engine shut down")
	return nil
}

// drainLoop periodically redelivers queued operations, giving timed-out
// anchor confirmations a second life.
func (e *Engine) drainLoop(ctx context.Context) error {
	interval := time.Duration(e.config.Resilience.DrainIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !e.resilience.Online() {
			continue
		}

		stats, err := e.resilience.Queue().Drain(ctx, e.orchestrator.HandleQueuedOperation)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error().Err(err).Msg("Queue drain failed")
			continue
		}
		if stats.Processed > 0 {
			e.logger.Info().
				Int("processed", stats.Processed).
				Int("delivered", stats.Delivered).
				Int("failed", stats.Failed).
				Int("dead_letter", stats.DeadLetter).
				Msg("Queue drain pass finished")
		}
	}
}

// Shutdown stops the engine's components in dependency order
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down expunge engine")

	// API first so no new work arrives.
	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
	}

	if err := e.transport.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down WebSocket transport")
	}

	// Resilience layer last among the stores the workflow writes to.
	if e.audit != nil {
		if err := e.audit.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to close audit store")
		}
	}

	if err := e.resilience.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close resilience layer")
		return err
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	return nil
}
