// Package httpserver exposes the grading service over HTTP with gin.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"github.com/isdmx/codegrader/config"
	"github.com/isdmx/codegrader/service"
)

// UserIDHeader carries the requester identity set by the upstream gateway.
const UserIDHeader = "X-User-Id"

// Server is the HTTP API.
type Server struct {
	logger   *zap.Logger
	cfg      config.ServerConfig
	svc      *service.Service
	gatherer prometheus.Gatherer
	engine   *gin.Engine
	srv      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func New(logger *zap.Logger, cfg config.ServerConfig, svc *service.Service, opts ...Option) *Server {
	s := &Server{
		logger:   logger,
		cfg:      cfg,
		svc:      svc,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.router()
	s.srv = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeout) * time.Second,
	}
	return s
}

// Handler returns the routed gin engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) router() *gin.Engine {
	switch s.cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(s.cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))

	if s.cfg.EnableMetrics {
		p := ginprometheus.NewWithConfig(ginprometheus.Config{
			Subsystem:          "gin",
			DisableBodyReading: true,
		})
		p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			return c.FullPath()
		}
		r.Use(p.HandlerFunc())
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/health", s.handleHealth)

	if s.cfg.AuthToken != "" {
		r.Use(tokenAuth(s.cfg.AuthToken))
		s.logger.Info("attached token auth")
	}

	r.POST("/grade", s.handleCreatePlain)
	r.POST("/grade/:problemId", s.handleCreateForProblem)
	r.GET("/grade", s.handleList)
	r.GET("/grade/:token", s.handleShow)
	r.DELETE("/grade/:token", s.handleDelete)
	r.GET("/grade/:token/progress", s.handleProgressSSE)
	r.GET("/grade/:token/ws", s.handleProgressWS)

	r.GET("/languages", s.handleLanguages)
	r.GET("/languages/:id", s.handleLanguage)
	r.GET("/statuses", s.handleStatuses)
	r.GET("/config_info", s.handleConfigInfo)
	r.GET("/queue", s.handleQueue)
	return r
}

func tokenAuth(token string) gin.HandlerFunc {
	const bearer = "Bearer "
	return func(c *gin.Context) {
		reqToken := c.GetHeader("Authorization")
		if strings.HasPrefix(reqToken, bearer) && reqToken[len(bearer):] == token {
			c.Next()
			return
		}
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.logger.Info("http server listening", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.ShutdownTimeout)*time.Second)
		defer cancel()
	}
	return s.srv.Shutdown(ctx)
}

// requester returns the caller identity, nil when anonymous.
func requester(c *gin.Context) *string {
	id := strings.TrimSpace(c.GetHeader(UserIDHeader))
	if id == "" {
		return nil
	}
	return &id
}
