package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/cohort/cohort/internal/domain/cohort"
	"github.com/cohort/cohort/internal/platform/db"
	"github.com/cohort/cohort/internal/platform/middleware"
	"github.com/cohort/cohort/internal/platform/websocket"
)

const (
	version         = "0.1.0"
	bodyLimit       = "1M"
	shutdownTimeout = 10 * time.Second
)

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	hub := websocket.NewHub(logger)
	svc := cohort.NewService(a.resolver, a.qb, a.client, hub, logger)

	e := newEcho(a, svc, hub)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("fhir_base_url", cfg.FHIRBaseURL).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	svc.Close(shutdownTimeout / 2)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the HTTP surface: middleware, health checks, the cohort
// API and the event socket.
func newEcho(a *app, svc *cohort.Service, hub *websocket.Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(bodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": version,
			"fhir":    a.client.Stats(),
			"clients": hub.ClientCount(),
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}

	apiV1 := e.Group("/api/v1")
	cohort.NewHandler(svc).RegisterRoutes(apiV1)
	websocket.NewWebSocketHandler(hub, a.cfg.CORSOrigins).RegisterRoutes(apiV1)

	return e
}
