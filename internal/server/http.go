package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joshp123/gohome-ebeco/internal/core"
	"github.com/joshp123/gohome-ebeco/internal/logging"
)

// HTTPServer serves health, metrics, dashboards and plugin routes.
type HTTPServer struct {
	Server *http.Server
}

func NewHTTPServer(addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{Server: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Server.Shutdown(shutdownCtx)
	}
}

// NewRouter wires the core endpoints and every plugin's HTTP routes.
func NewRouter(logger *zap.Logger, registry *prometheus.Registry, plugins []core.Plugin) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logging.GinMiddleware(logger))

	router.GET("/healthz", HealthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/dashboards/:plugin/:file", DashboardsHandler(core.DashboardsMap(plugins)))

	api := router.Group("/api")
	for _, p := range plugins {
		if registrant, ok := p.(core.HTTPRegistrant); ok {
			registrant.RegisterHTTP(api.Group("/" + p.ID()))
		}
	}
	return router
}

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// DashboardsHandler serves dashboard JSON from an in-memory map.
func DashboardsHandler(dashboards map[core.DashboardKey][]byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, ok := dashboards[core.DashboardKey{PluginID: c.Param("plugin"), File: c.Param("file")}]
		if !ok {
			c.Status(http.StatusNotFound)
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	}
}
