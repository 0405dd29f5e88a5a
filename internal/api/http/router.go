package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/approval-engine/internal/api/http/handlers"
	"github.com/spec-kit/approval-engine/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Approvals      *handlers.ApprovalsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	approvals := app.Group("/approvals", cfg.AuthMiddleware.Handle)
	approvals.Post("", cfg.Approvals.Create)
	approvals.Get("", cfg.Approvals.List)
	approvals.Get("/message/:ref", cfg.Approvals.GetByMessage)
	approvals.Get("/:id", cfg.Approvals.Get)
	approvals.Post("/:id/approve", cfg.Approvals.Approve)
	approvals.Post("/:id/disapprove", cfg.Approvals.Disapprove)
	approvals.Post("/:id/cancel", cfg.Approvals.Cancel)
	approvals.Post("/:id/resubmit", cfg.Approvals.Resubmit)
	approvals.Post("/:id/edit", cfg.Approvals.BeginEdit)
	approvals.Put("/:id/edit", cfg.Approvals.SaveEdit)
}
