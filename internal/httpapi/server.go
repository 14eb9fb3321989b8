// Package httpapi serves conversations, messages and streaming exchanges
// over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/config"
	"github.com/dusk-indust/consensus/internal/exchange"
	"github.com/dusk-indust/consensus/internal/observability"
	"github.com/dusk-indust/consensus/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ctxUserKey = "user_id"

// Server is the HTTP surface of the exchange service.
type Server struct {
	svc    *exchange.Service
	store  store.Store
	cfg    config.ServerConfig
	logger *slog.Logger
	engine *gin.Engine
}

// New builds a Server and registers its routes.
func New(svc *exchange.Service, st store.Store, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	s := &Server{svc: svc, store: st, cfg: cfg, logger: logger, engine: engine}

	engine.Use(gin.Recovery(), s.requestID(), s.accessLog())
	s.registerRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}

// requestID tags each request with an id, taken from X-Request-ID when the
// caller sent one.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Request = c.Request.WithContext(observability.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		observability.FromContext(c.Request.Context(), s.logger).Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// auth resolves the bearer token to a user id. With no tokens configured
// every request runs as the anonymous user.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := s.cfg.AnonymousUser
		if len(s.cfg.Tokens) > 0 {
			token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
			user = ""
			if ok {
				user = s.cfg.Tokens[strings.TrimSpace(token)]
			}
		}
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "kind": chat.KindUnauthorized.String()})
			return
		}
		c.Set(ctxUserKey, user)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserKey)
}

// writeError maps err to its status and a JSON body.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := chat.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		observability.FromContext(c.Request.Context(), s.logger).Error("request failed",
			"path", c.FullPath(),
			"error_kind", kind.String(),
			"error", err,
		)
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind.String()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "kind": chat.KindInvalidRequest.String()})
}
