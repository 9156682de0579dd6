package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"payment-orchestration-backend/internal/app"
	"payment-orchestration-backend/internal/config"
	handler "payment-orchestration-backend/internal/handlers"
	"payment-orchestration-backend/internal/middlewares"
	"payment-orchestration-backend/internal/routes"
	"payment-orchestration-backend/internal/services/reconciliation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(cfg.LogLevel)
	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	if err := config.Migrate(a.DB); err != nil {
		logger.WithError(err).Fatal("migration failed")
	}

	if err := a.Runner.Start(ctx); err != nil {
		logger.WithError(err).Fatal("reconciliation runner failed to start")
	}
	defer a.Runner.Stop()
	go reconciliation.NewScheduler(a.Runner, cfg.Reconciliation, logger).Run(ctx)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middlewares.RequestLogger(logger))
	// CORS config
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	routes.RegisterRoutes(r, routes.Handlers{
		Payments:       handler.NewPaymentHandler(a.Payments, a.Registry, logger),
		Reconciliation: handler.NewReconciliationHandler(a.Runner, a.Reports, a.Registry, logger),
		Analytics:      handler.NewAnalyticsHandler(a.Analytics, logger),
		Ping:           a.Ping,
	}, routes.Auth{Secret: cfg.JWTSecret, OpsRoles: cfg.Payments.RefundRoles})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
}
