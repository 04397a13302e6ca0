// Package api exposes the HTTP and WebSocket surface: the event stream,
// deletion workflow control, and operational endpoints.
package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/expungio/expunge/internal/audit"
	"github.com/expungio/expunge/internal/hub"
	"github.com/expungio/expunge/internal/identity"
	"github.com/expungio/expunge/internal/logging"
	"github.com/expungio/expunge/internal/metrics"
	"github.com/expungio/expunge/internal/resilience"
	"github.com/expungio/expunge/internal/workflow"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr: ":8080",
	}
}

// API handles HTTP endpoints
type API struct {
	config       Config
	app          *fiber.App
	hub          *hub.Hub
	transport    *hub.Transport
	orchestrator *workflow.Orchestrator
	audit        *audit.Store
	resilience   *resilience.Layer
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// NewAPI creates a new API instance. The audit store may be nil.
func NewAPI(config Config, h *hub.Hub, transport *hub.Transport, orchestrator *workflow.Orchestrator, auditStore *audit.Store, layer *resilience.Layer) *API {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}

	return &API{
		config:       config,
		hub:          h,
		transport:    transport,
		orchestrator: orchestrator,
		audit:        auditStore,
		resilience:   layer,
		logger:       logging.Component("api"),
		metrics:      metrics.GetMetrics(),
	}
}

// buildApp assembles the Fiber app with middleware and routes
func (a *API) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    256 * 1024,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New())
	app.Use(a.instrument)

	a.registerRoutes(app)
	return app
}

// Start initializes and runs the API server
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")

	app := a.buildApp()
	a.app = app

	go func() {
		if err := app.Listen(a.config.Addr); err != nil {
			a.logger.Error().Err(err).Msg("API server error")
		}
	}()

	<-ctx.Done()
	return nil
}

// instrument records request counts and latency per route
func (a *API) instrument(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	route := c.Route().Path
	a.metrics.APIRequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(c.Response().StatusCode())).Inc()
	a.metrics.APIRequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
	return err
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(app *fiber.App) {
	// Health checks
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	app.Get("/readyz", a.handleReady)

	// Metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		handler(c.Context())
		return nil
	})

	// Subscription stream
	a.transport.RegisterRoutes(app)

	// Deletion workflow endpoints
	app.Post("/deletions", a.handleStartDeletion)
	app.Get("/deletions/:id", a.handleGetDeletion)
	app.Get("/subjects/:userDID/report", a.handleLatestReport)
	app.Get("/subjects/:userDID/reports", a.handleListReports)

	// Operational endpoints
	app.Get("/stats", a.handleStats)
}

// handleReady reports readiness; a deliberately offline resilience layer
// means we can serve cached reads but should not take new traffic.
func (a *API) handleReady(c *fiber.Ctx) error {
	if a.resilience != nil && !a.resilience.Online() {
		return c.Status(fiber.StatusServiceUnavailable).SendString("offline")
	}
	return c.SendString("OK")
}

// handleStartDeletion begins an asynchronous deletion workflow
func (a *API) handleStartDeletion(c *fiber.Ctx) error {
	var req struct {
		UserDID string `json:"userDID"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	requestID, err := a.orchestrator.StartDeletionAsync(req.UserDID)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidDID):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid userDID format",
			})
		case errors.Is(err, workflow.ErrAlreadyRunning):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Deletion already in progress for this subject",
			})
		default:
			a.logger.Error().Err(err).Msg("Failed to start deletion")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to start deletion",
			})
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"requestId": requestID,
		"userDID":   req.UserDID,
		"status":    "pending",
	})
}

// handleGetDeletion returns the current state of a deletion request
func (a *API) handleGetDeletion(c *fiber.Ctx) error {
	id := c.Params("id")
	snapshot, ok := a.orchestrator.Get(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Deletion request not found",
		})
	}

	return c.JSON(snapshot)
}

// handleLatestReport returns the most recent terminal report for a subject,
// served from cache when the audit store is unreachable.
func (a *API) handleLatestReport(c *fiber.Ctx) error {
	userDID := c.Params("userDID")
	if err := identity.Validate(userDID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid userDID format",
		})
	}

	report, err := a.orchestrator.LatestReport(c.Context(), userDID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) || errors.Is(err, resilience.ErrNoCachedData) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "No deletion report recorded for subject",
			})
		}
		a.logger.Error().Err(err).Str("user_did", userDID).Msg("Failed to load report")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load report",
		})
	}

	return c.JSON(fiber.Map{
		"report": report,
	})
}

// handleListReports returns every recorded report for a subject
func (a *API) handleListReports(c *fiber.Ctx) error {
	userDID := c.Params("userDID")
	if err := identity.Validate(userDID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid userDID format",
		})
	}

	if a.audit == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Audit log not enabled",
		})
	}

	reports, err := a.audit.List(c.Context(), userDID)
	if err != nil {
		a.logger.Error().Err(err).Str("user_did", userDID).Msg("Failed to list reports")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list reports",
		})
	}

	return c.JSON(fiber.Map{
		"reports": reports,
		"count":   len(reports),
	})
}

// handleStats returns subscription statistics
func (a *API) handleStats(c *fiber.Ctx) error {
	return c.JSON(a.hub.Stats())
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.app != nil {
		return a.app.ShutdownWithContext(ctx)
	}
	return nil
}
