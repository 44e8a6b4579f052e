// Package server is the HTTP surface: the signed webhook, the SSE push
// stream, pull reconciliation endpoints, bot control, analysis and metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comigor/botrelay/internal/analysis"
	"github.com/comigor/botrelay/internal/config"
	"github.com/comigor/botrelay/internal/history"
	"github.com/comigor/botrelay/internal/ingest"
	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/internal/session"
	"github.com/comigor/botrelay/internal/tracker"
)

const defaultKeepAlive = 15 * time.Second

// Analyzer produces a structured analysis of a conversation.
type Analyzer interface {
	Analyze(ctx context.Context, sessionID string, fragments []session.Fragment) (*analysis.Result, error)
}

// Deps are the collaborators the handlers call into. Analyzer and History
// are optional.
type Deps struct {
	Tracker  *tracker.Tracker
	Pipeline *ingest.Pipeline
	Analyzer Analyzer
	History  *history.Store
}

// Server is the relay's web server
type Server struct {
	cfg             config.ServerConfig
	signatureHeader string
	deps            Deps
	router          *gin.Engine

	srv      *http.Server
	baseCtx  context.Context
	cancel   context.CancelFunc
	maxBytes int64
}

// New creates the server and its routes.
func New(cfg config.ServerConfig, webhook config.WebhookConfig, deps Deps) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		cfg:             cfg,
		signatureHeader: webhook.Header,
		deps:            deps,
		router:          router,
		maxBytes:        cfg.MaxWebhookBytes,
	}
	if s.signatureHeader == "" {
		s.signatureHeader = "X-Webhook-Signature"
	}
	if s.maxBytes <= 0 {
		s.maxBytes = 1 << 20
	}
	if s.cfg.KeepAlive <= 0 {
		s.cfg.KeepAlive = defaultKeepAlive
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.srv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	router.POST("/webhook", s.handleWebhook)
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/stream", s.handleStream)

		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id/status", s.handleStatus)
		api.GET("/sessions/:id/transcripts", s.handleTranscripts)
		api.GET("/sessions/:id/reconcile", s.handleReconcile)
		api.GET("/sessions/:id/conversation", s.handleConversation)

		api.POST("/launch", s.handleLaunch)
		api.POST("/leave/:id", s.handleLeave)
		api.GET("/bots/:id", s.handleBotStatus)

		api.POST("/analyze/:id", s.handleAnalyze)
		api.GET("/analyses/:id", s.handleAnalyses)

		api.GET("/demo/list", s.handleDemoList)
		api.POST("/demo/load/:id", s.handleDemoLoad)
	}

	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	logger.L.Info("starting server", "address", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends open push streams (their request contexts derive from
// baseCtx) and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.srv.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Next()

		// streams log their own lifecycle
		if c.FullPath() == "/api/stream" {
			return
		}
		logger.L.Debug("http request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
