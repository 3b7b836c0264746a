// Package httpapi is the thin gin HTTP surface around the Runtime Binder.
// It never touches orchestrator state directly; every handler goes through
// runtime.Runtime.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/go-meeting-orchestrator/internal/config"
	"github.com/multi-agent/go-meeting-orchestrator/internal/runtime"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
)

// Server wraps a gin.Engine bound to a single Runtime.
type Server struct {
	router *gin.Engine
	rt     *runtime.Runtime
}

// NewServer builds the HTTP surface. gin's mode and trusted-proxy list
// come from cfg.
func NewServer(rt *runtime.Runtime, cfg *config.Config) *Server {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())

	var proxies []string
	for _, p := range strings.Split(cfg.TrustedProxies, ",") {
		if t := strings.TrimSpace(p); t != "" {
			proxies = append(proxies, t)
		}
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		logger.Warn("httpapi: set trusted proxies failed", logger.FieldError, err)
	}

	s := &Server{router: r, rt: rt}
	s.registerRoutes()
	return s
}

// Engine returns the underlying gin.Engine, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.router }

// ListenAndServe runs the HTTP surface until ctx is cancelled, then
// shuts down gracefully within a bounded window.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("httpapi: shutdown trigger")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("httpapi: shutdown error", logger.FieldError, err)
		}
	}()

	logger.Info("httpapi: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	meetings := s.router.Group("/meetings")
	meetings.POST("", s.createMeeting)
	meetings.GET("", s.listMeetings)
	meetings.GET("/:id", s.getMeeting)
	meetings.GET("/:id/messages", s.listMessages)
	meetings.GET("/:id/votes", s.listVotes)
	meetings.GET("/:id/events", s.streamEvents)
	meetings.POST("/:id/messages", s.postUserMessage)
	meetings.POST("/:id/abort", s.abortMeeting)
}
