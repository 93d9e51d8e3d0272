// Package api exposes the engine entry points over HTTP: signal intake,
// session start/stop, scheduler ticks, and the settlement sweep, plus
// health and metrics for operators.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"options-core/internal/balance"
	"options-core/internal/monitor"
	"options-core/internal/pool"
	"options-core/internal/session"
	"options-core/internal/settlement"
	"options-core/internal/signal"
)

// Server wires the HTTP surface around the engine services.
type Server struct {
	Router     *gin.Engine
	Sessions   *session.Manager
	Dispatcher *signal.Dispatcher
	Settlement *settlement.Monitor
	Pool       *pool.Manager
	Balances   *balance.Cache
	Metrics    *monitor.SystemMetrics
	JWTSecret  string

	startedAt time.Time
}

// NewServer builds the router with the full middleware stack and routes.
func NewServer(sessions *session.Manager, dispatcher *signal.Dispatcher, settle *settlement.Monitor, connPool *pool.Manager, balances *balance.Cache, metrics *monitor.SystemMetrics, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())

	s := &Server{
		Router:     r,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Settlement: settle,
		Pool:       connPool,
		Balances:   balances,
		Metrics:    metrics,
		JWTSecret:  jwtSecret,
		startedAt:  time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.POST("/signals", s.receiveSignal)
		api.GET("/signals", s.signalHistory)
		api.GET("/signals/stats", s.signalStats)

		api.POST("/sessions/:userId/start", s.startSession)
		api.POST("/sessions/:userId/stop", s.stopSession)
		api.POST("/sessions/:userId/tick", s.tick)

		api.POST("/settlement/sweep", s.sweep)

		api.GET("/users/:userId/balance", s.userBalance)
		api.GET("/metrics", s.getMetrics)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// receiveSignal accepts an external directional signal and fans it out.
func (s *Server) receiveSignal(c *gin.Context) {
	var req struct {
		Type    string `json:"type"`
		Asset   string `json:"asset"`
		Source  string `json:"source"`
		RawText string `json:"raw_text"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	res, err := s.Dispatcher.Receive(c.Request.Context(), req.Type, req.Asset, req.Source, req.RawText)
	if err != nil {
		if errors.Is(err, signal.ErrInvalidDirection) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_DIRECTION",
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) signalHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	signals, err := s.Dispatcher.History(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "limit": limit, "offset": offset})
}

func (s *Server) signalStats(c *gin.Context) {
	to := time.Now()
	from := to.Add(-time.Duration(intQuery(c, "hours", 24)) * time.Hour)
	stats, err := s.Dispatcher.Stats(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// startSession activates trading for a user.
func (s *Server) startSession(c *gin.Context) {
	userID := c.Param("userId")
	sessionID, err := s.Sessions.Start(c.Request.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrSessionStarting):
			c.JSON(http.StatusConflict, gin.H{
				"code":  "SESSION_EXISTS",
				"error": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":  "INTERNAL_ERROR",
				"error": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
}

// stopSession stops the user's live session.
func (s *Server) stopSession(c *gin.Context) {
	userID := c.Param("userId")
	var req struct {
		Actor             string `json:"actor"`
		Reason            string `json:"reason"`
		DisableAutoResume bool   `json:"disable_auto_resume"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.Actor == "" {
		req.Actor = CurrentCallerID(c)
	}

	if err := s.Sessions.Stop(c.Request.Context(), userID, req.Actor, req.Reason, req.DisableAutoResume); err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":  "NO_ACTIVE_SESSION",
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// tick runs one scheduling step for a user.
func (s *Server) tick(c *gin.Context) {
	userID := c.Param("userId")
	err := s.Sessions.Tick(c.Request.Context(), userID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, session.ErrLimitReached):
		c.JSON(http.StatusOK, gin.H{"ok": true, "limit_reached": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
	}
}

// sweep reconciles a batch of pending contracts.
func (s *Server) sweep(c *gin.Context) {
	var req struct {
		BatchSize int `json:"batch_size"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 50
	}

	settled, err := s.Settlement.Sweep(c.Request.Context(), req.BatchSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settled": settled})
}

func (s *Server) userBalance(c *gin.Context) {
	userID := c.Param("userId")
	snap, err := s.Balances.Get(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "UPSTREAM_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Pool != nil {
		s.Metrics.SetPoolStats(s.Pool.Stats())
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// Start runs the HTTP server.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
