// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package admin serves the local control API: health, stats, recovery
// history, and operator actions like session restart and provider switch.
// It binds to loopback by default and carries no auth of its own.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/relayforge/aibridge/internal/config"
	"github.com/relayforge/aibridge/internal/orchestrator"
	"github.com/relayforge/aibridge/internal/selfheal"
	"github.com/relayforge/aibridge/internal/session"
)

// runRequestTimeout bounds a prompt submitted through the admin API.
const runRequestTimeout = 10 * time.Minute

// Server is the admin HTTP surface.
type Server struct {
	cfg      *config.Config
	gateway  *orchestrator.Gateway
	watchdog *selfheal.Watchdog
	http     *http.Server
}

// New builds the admin server. watchdog may be nil when self-heal is
// disabled.
func New(cfg *config.Config, gw *orchestrator.Gateway, wd *selfheal.Watchdog) *Server {
	s := &Server{cfg: cfg, gateway: gw, watchdog: wd}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/stats", s.handleStats)
	v1.GET("/recovery", s.handleRecovery)
	v1.POST("/session/restart", s.handleRestart)
	v1.POST("/breaker/reset", s.handleBreakerReset)
	v1.POST("/provider", s.handleProviderSwitch)
	v1.POST("/model", s.handleSetModel)
	v1.POST("/run", s.handleRun)

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
		Handler: router,
	}
	return s
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	log.WithField("addr", s.http.Addr).Info("admin API listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	alive := s.gateway.IsSessionAlive()
	status := "ok"
	code := http.StatusOK
	if s.gateway.IsSessionStuck() {
		status = "stuck"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":        status,
		"session_alive": alive,
		"restarting":    s.gateway.IsSessionRestarting(),
		"breaker":       s.gateway.GetCircuitBreakerState(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.gateway.GetStats())
}

func (s *Server) handleRecovery(c *gin.Context) {
	if s.watchdog == nil {
		c.JSON(http.StatusOK, gin.H{"actions": []selfheal.Action{}, "patterns": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"actions":  s.watchdog.Actions(),
		"patterns": s.watchdog.PatternCounts(),
	})
}

func (s *Server) handleRestart(c *gin.Context) {
	if err := s.gateway.RestartSession(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": s.gateway.GetSessionID()})
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	s.gateway.ResetCircuitBreaker()
	c.JSON(http.StatusOK, gin.H{"breaker": s.gateway.GetCircuitBreakerState()})
}

type providerRequest struct {
	Provider string `json:"provider" binding:"required"`
	Model    string `json:"model"`
}

func (s *Server) handleProviderSwitch(c *gin.Context) {
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.gateway.SwitchProvider(c.Request.Context(), req.Provider, req.Model); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": req.Provider, "model": s.gateway.GetCurrentModel()})
}

type modelRequest struct {
	Model string `json:"model" binding:"required"`
}

func (s *Server) handleSetModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.gateway.SetModel(req.Model); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": req.Model})
}

type runRequest struct {
	Message string `json:"message" binding:"required"`
	Stream  bool   `json:"stream"`
}

func (s *Server) handleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), runRequestTimeout)
	defer cancel()

	if !req.Stream {
		c.JSON(http.StatusOK, s.gateway.RunAI(ctx, req.Message, nil))
		return
	}

	// Streaming mode forwards chunks as server-sent events, then a final
	// result event. Chunk callbacks arrive on the session's reader
	// goroutine, so they are funneled through a channel and written from
	// this handler only.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	flusher, _ := c.Writer.(http.Flusher)

	chunks := make(chan string, 64)
	done := make(chan orchestrator.Result, 1)
	var onChunk session.ChunkFunc = func(text string) {
		select {
		case chunks <- text:
		default: // a slow client drops chunks rather than stalling the session
		}
	}
	go func() { done <- s.gateway.RunAI(ctx, req.Message, onChunk) }()

	for {
		select {
		case text := <-chunks:
			c.SSEvent("chunk", text)
			if flusher != nil {
				flusher.Flush()
			}
		case result := <-done:
			for {
				select {
				case text := <-chunks:
					c.SSEvent("chunk", text)
				default:
					c.SSEvent("result", result)
					if flusher != nil {
						flusher.Flush()
					}
					return
				}
			}
		}
	}
}
