package routes

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	handler "payment-orchestration-backend/internal/handlers"
	"payment-orchestration-backend/internal/middlewares"
)

type Handlers struct {
	Payments       *handler.PaymentHandler
	Reconciliation *handler.ReconciliationHandler
	Analytics      *handler.AnalyticsHandler
	// Ping backs the health check; nil means always healthy.
	Ping func(ctx context.Context) error
}

type Auth struct {
	Secret string
	// OpsRoles may run reconciliation and read analytics.
	OpsRoles []string
}

func RegisterRoutes(r *gin.Engine, h Handlers, auth Auth) {
	api := r.Group("/api")

	// Health check
	api.GET("/health", func(c *gin.Context) {
		if h.Ping != nil {
			if err := h.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authenticated := middlewares.Authenticate(auth.Secret)
	ops := middlewares.RequireRole(auth.OpsRoles...)

	// Providers call back without a user token; adapters check signatures.
	pay := api.Group("/payments")
	pay.POST("/callback/:provider", h.Payments.Callback)

	user := pay.Group("", authenticated)
	user.POST("/initiate", h.Payments.Initiate)
	user.GET("/verify/:provider/:reference", h.Payments.Verify)
	user.POST("/refund", h.Payments.Refund)
	user.GET("/:id", h.Payments.Get)

	recon := api.Group("/reconciliation", authenticated, ops)
	recon.POST("/run", h.Reconciliation.Run)
	recon.GET("/status", h.Reconciliation.Status)
	recon.POST("/jobs/:jobId/cancel", h.Reconciliation.Cancel)
	recon.GET("/reports/:id", h.Reconciliation.Report)
	recon.GET("/reports/:id/export", h.Reconciliation.Export)

	analytics := api.Group("/analytics", authenticated, ops)
	analytics.GET("/payments", h.Analytics.Payments)
}
