// Package server exposes read-only diagnostics for a running session.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/labctl/internal/config"
	"github.com/danmuck/labctl/internal/observability"
	"github.com/danmuck/labctl/internal/protocol/session"
	"github.com/danmuck/labctl/internal/shim"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// StatusSource reports the current session state.
type StatusSource interface {
	Snapshot() session.Snapshot
}

// ShimChecker reports shim validity for an instrument.
type ShimChecker interface {
	Check(ctx context.Context, key string) (shim.Status, error)
}

type Server struct {
	addr     string
	router   *gin.Engine
	appeared time.Time
	source   StatusSource
	shim     ShimChecker
}

func New(cfg config.DiagConfig, source StatusSource, checker ShimChecker) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.Component("diag")))
	r.Use(observability.RequestMetricsMiddleware("labctl"))
	if len(cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CorsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		addr:     cfg.Addr,
		router:   r,
		appeared: time.Now(),
		source:   source,
		shim:     checker,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": "labctl",
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/status", func(c *gin.Context) {
		snap := s.source.Snapshot()
		body := gin.H{"session": snap}
		if s.shim != nil {
			st, err := s.shim.Check(c.Request.Context(), snap.Address)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"session": snap, "error": err.Error()})
				return
			}
			body["shim"] = st
		}
		c.JSON(http.StatusOK, body)
	})
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "diag").Str("addr", s.addr).Msg("diagnostics listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
