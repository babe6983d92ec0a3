package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	analyticssvc "github.com/acme/call-orchestrator/internal/service/analytics"
	callsvc "github.com/acme/call-orchestrator/internal/service/call"
	campaignsvc "github.com/acme/call-orchestrator/internal/service/campaign"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// EventPublisher hands provider webhooks to the lifecycle pipeline.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.LifecycleEvent) error
}

// HealthCheck probes one backing store.
type HealthCheck func(ctx context.Context) error

// Services are the application services the handlers expose.
type Services struct {
	Calls     *callsvc.Service
	Campaigns *campaignsvc.Service
	Analytics *analyticssvc.Service
	Webhooks  EventPublisher
	Health    map[string]HealthCheck
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	calls     *callsvc.Service
	campaigns *campaignsvc.Service
	analytics *analyticssvc.Service
	webhooks  EventPublisher
	health    map[string]HealthCheck
	log       *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(services Services, log *logger.Logger) *HandlerSet {
	return &HandlerSet{
		calls:     services.Calls,
		campaigns: services.Campaigns,
		analytics: services.Analytics,
		webhooks:  services.Webhooks,
		health:    services.Health,
		log:       log,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.healthz)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Post("/webhooks/provider", h.providerWebhook)

	v1 := app.Group("/api/v1", tenantScope)

	calls := v1.Group("/calls")
	calls.Post("/", h.enqueueDirectCall)
	calls.Get("/queue/:id", h.getQueueEntry)
	calls.Delete("/queue/:id", h.cancelQueued)
	calls.Get("/:id", h.getCall)
	calls.Get("/:id/events", h.listCallEvents)

	v1.Get("/concurrency", h.concurrencyStatus)

	analytics := v1.Group("/analytics")
	analytics.Get("/calls", h.listCallAnalyses)
	analytics.Get("/contacts/:phone", h.contactProfile)

	campaigns := v1.Group("/campaigns")
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Get("/:id/window", h.campaignWindow)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.WithContext(ctx.UserContext()).Error("request failed", zap.Error(err),
			zap.String("path", ctx.Path()))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) healthz(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.health {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
