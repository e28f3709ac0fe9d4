// Package server exposes the question-answering pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/reviewqa/config"
	"github.com/mohammad-safakhou/reviewqa/internal/orchestrator"
	"github.com/mohammad-safakhou/reviewqa/internal/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New builds the echo instance with every route registered. metrics may be
// nil, in which case the default Prometheus registry is served. When
// answerer also implements Catalog, /readyz and /api/companies are served.
func New(answerer Answerer, turnTimeout time.Duration, metrics http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = errorHandler(log.New(log.Writer(), "[HTTP] ", log.LstdFlags))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	e.GET("/metrics", echo.WrapHandler(metrics))

	h := &AskHandler{Answerer: answerer, Timeout: turnTimeout}
	if cat, ok := answerer.(Catalog); ok {
		h.Catalog = cat
		e.GET("/readyz", func(c echo.Context) error {
			if err := cat.Ready(c.Request().Context()); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable").SetInternal(err)
			}
			return c.String(http.StatusOK, "ok")
		})
	}
	h.Register(e.Group("/api"))
	return e
}

func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
			if he.Internal != nil {
				err = he.Internal
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
}

// Run serves the API on cfg.Server.Address until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

	tele, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName: "reviewqa",
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tele.Shutdown(sctx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	if cfg.Server.MigrateOnStartup {
		if err := Migrate(cfg.Server.MigrationsDir, cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	orch, err := orchestrator.NewFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	e := New(orch, cfg.General.DefaultTimeout, tele.Handler())
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.Server.Address)
		errCh <- e.Start(cfg.Server.Address)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	}
}
