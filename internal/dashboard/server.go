// Package dashboard serves the admin HTTP API: conversation control, human
// replies, the escalation queue, the audit trail and a live notice stream.
// It also hosts the unauthenticated health, metrics and platform webhook
// endpoints.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/admin"
	"github.com/zulandar/switchyard/internal/store"
)

// ServerOpts holds configuration for the admin server.
type ServerOpts struct {
	Store    *store.Store
	Admin    *admin.Controller
	Broker   *Broker
	Gatherer prometheus.Gatherer // nil serves the default registry
	APIKey   string
	IsAdmin  func(userID string) bool
	// Webhooks mounts platform webhook handlers at /webhook/<name> for GET and POST.
	Webhooks map[string]gin.HandlerFunc
	Port     int
	Logger   zerolog.Logger
}

// Server is the admin HTTP API.
type Server struct {
	engine *gin.Engine
	port   int
	log    zerolog.Logger
}

// New validates opts and builds the router.
func New(opts ServerOpts) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dashboard: store is required")
	}
	if opts.Admin == nil {
		return nil, fmt.Errorf("dashboard: admin controller is required")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("dashboard: api key is required")
	}
	if opts.IsAdmin == nil {
		return nil, fmt.Errorf("dashboard: admin check is required")
	}
	if opts.Broker == nil {
		opts.Broker = NewBroker(BrokerOpts{})
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	log := opts.Logger.With().Str("component", "dashboard").Logger()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))
	registerRoutes(router, opts, log)

	return &Server{engine: router, port: opts.Port, log: log}, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves on the configured port. It blocks until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Int("port", s.port).Msg("admin_api_listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	}
}
