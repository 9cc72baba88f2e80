// Package httpapi exposes the message service over REST and streams sync
// state and live messages over a websocket.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/logging"
	"github.com/kimhsiao/medcord/backend/internal/messaging"
	"github.com/kimhsiao/medcord/backend/internal/models"
	syncpkg "github.com/kimhsiao/medcord/backend/internal/sync"
	"github.com/kimhsiao/medcord/backend/internal/sync/scheduler"
)

// Service is the part of the message service the API serves.
type Service interface {
	ActiveStore() string
	State() models.SyncState
	Subscribe(l syncpkg.Listener) (func(), error)
	SubscribeToCase(ctx context.Context, caseID string, fn func(*models.Message)) (func(), error)

	GetUserCases(ctx context.Context) ([]*models.Case, error)
	GetCase(ctx context.Context, caseID string) (*models.Case, error)
	CreateCase(ctx context.Context, in messaging.CreateCaseInput) (*models.Case, error)
	UpdateCaseStatus(ctx context.Context, caseID string, status models.CaseStatus) (*models.Case, error)

	GetMessages(ctx context.Context, caseID string) ([]*models.Message, error)
	SendMessage(ctx context.Context, caseID, content string) (*models.Message, error)

	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	RetryFailed(ctx context.Context) (int, error)
	SetOnline(online bool) error
	GetPendingCount(ctx context.Context) (int, error)
	GetStorageInfo(ctx context.Context) (models.StorageInfo, error)
	SchedulerStatus() (scheduler.SchedulerStatus, error)
}

var _ Service = (*messaging.Service)(nil)

// Server wires the REST routes and the websocket hub to a Service.
type Server struct {
	svc    Service
	hub    *Hub
	router *gin.Engine
	unsub  func()
}

// NewServer creates a Server. Sync-state changes are pushed to websocket
// clients until Close.
func NewServer(svc Service) (*Server, error) {
	hub := NewHub(svc.SubscribeToCase)
	unsub, err := svc.Subscribe(hub.BroadcastSyncState)
	if err != nil {
		hub.Close()
		return nil, err
	}

	s := &Server{svc: svc, hub: hub, unsub: unsub}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close stops state streaming and disconnects websocket clients.
func (s *Server) Close() {
	s.unsub()
	s.hub.Close()
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestLogger())

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, apperrors.ErrNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, apperrors.ErrInvalid, "method not allowed")
	})

	api := r.Group("/api")
	api.GET("/health", s.health)

	api.GET("/cases", s.listCases)
	api.POST("/cases", s.createCase)
	api.GET("/cases/:id", s.getCase)
	api.PATCH("/cases/:id/status", s.updateCaseStatus)
	api.GET("/cases/:id/messages", s.listMessages)
	api.POST("/cases/:id/messages", s.sendMessage)

	api.POST("/sync", s.syncNow)
	api.GET("/sync/status", s.syncStatus)
	api.POST("/sync/retry", s.retryFailed)
	api.POST("/connectivity", s.setConnectivity)

	r.GET("/ws", s.hub.Handler())
	return r
}

// requestLogger logs one line per request through the shared logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("HTTP request", map[string]interface{}{
			"component": "httpapi",
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"duration":  time.Since(start).String(),
		})
	}
}

func (s *Server) health(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{
		"status": "ok",
		"store":  s.svc.ActiveStore(),
		"sync":   s.svc.State(),
	})
}

// =====================================================
// Cases
// =====================================================

func (s *Server) listCases(c *gin.Context) {
	cases, err := s.svc.GetUserCases(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, cases)
}

func (s *Server) createCase(c *gin.Context) {
	var in messaging.CreateCaseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, apperrors.ErrInvalid, "invalid json")
		return
	}
	created, err := s.svc.CreateCase(c.Request.Context(), in)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, created)
}

func (s *Server) getCase(c *gin.Context) {
	found, err := s.svc.GetCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, found)
}

func (s *Server) updateCaseStatus(c *gin.Context) {
	var req struct {
		Status models.CaseStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, apperrors.ErrInvalid, "status is required")
		return
	}
	if !req.Status.Valid() {
		fail(c, http.StatusBadRequest, apperrors.ErrInvalid, "unknown status: "+string(req.Status))
		return
	}
	updated, err := s.svc.UpdateCaseStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, updated)
}

// =====================================================
// Messages
// =====================================================

func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.svc.GetMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	ok(c, http.StatusOK, msgs)
}

func (s *Server) sendMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, apperrors.ErrInvalid, "content is required")
		return
	}
	msg, err := s.svc.SendMessage(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, msg)
}

// =====================================================
// Sync
// =====================================================

func (s *Server) syncNow(c *gin.Context) {
	result, err := s.svc.SyncNow(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, result)
}

func (s *Server) syncStatus(c *gin.Context) {
	ctx := c.Request.Context()
	pending, err := s.svc.GetPendingCount(ctx)
	if err != nil {
		failErr(c, err)
		return
	}
	storage, err := s.svc.GetStorageInfo(ctx)
	if err != nil {
		failErr(c, err)
		return
	}
	sched, err := s.svc.SchedulerStatus()
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"state":         s.svc.State(),
		"pending_count": pending,
		"storage":       storage,
		"scheduler":     sched,
	})
}

func (s *Server) retryFailed(c *gin.Context) {
	n, err := s.svc.RetryFailed(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"reset": n})
}

func (s *Server) setConnectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, apperrors.ErrInvalid, "online is required")
		return
	}
	if err := s.svc.SetOnline(*req.Online); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, s.svc.State())
}
