package api

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/swiftshield-sync/internal/auth"
	"github.com/Martian-dev/swiftshield-sync/internal/events"
	"github.com/Martian-dev/swiftshield-sync/internal/store"
	"github.com/Martian-dev/swiftshield-sync/internal/sync"
)

// Monitor is the polling scheduler as seen by the control surface.
type Monitor interface {
	Start(ctx context.Context) bool
	Stop()
	TriggerNow() bool
	Status() sync.Status
}

// Linker stores, reads and clears the mailbox grant.
type Linker interface {
	Link(ctx context.Context, cred *auth.Credential) error
	Invalidate(ctx context.Context) error
	LoadCredential(ctx context.Context) (*auth.Credential, error)
	LoadCursor(ctx context.Context) (*big.Int, error)
}

// EventBus is the output channel.
type EventBus interface {
	events.Emitter
	Subscribe(buffer int) (<-chan events.Event, func())
}

// EventLog serves the detection history.
type EventLog interface {
	ListEvents(ctx context.Context, name string, limit int) ([]store.StoredEvent, error)
}

// SyncStatusReader reads the persisted outcome of the last cycle.
type SyncStatusReader interface {
	LoadSyncStatus(ctx context.Context, provider string) (*store.SyncStatus, error)
}

// Deps wires the server. Verifier, Log and Status may be nil.
type Deps struct {
	Monitor  Monitor
	Linker   Linker
	Tokens   interface{ Forget() }
	Bus      EventBus
	EventLog EventLog
	Status   SyncStatusReader
	Breaker  func() string
	Verifier Verifier
	Log      zerolog.Logger
}

// Server is the local control surface of the sync engine.
type Server struct {
	deps Deps
	// base outlives individual requests; monitoring started over HTTP runs under it.
	base context.Context
}

func NewServer(base context.Context, deps Deps) *Server {
	return &Server{deps: deps, base: base}
}

type linkRequest struct {
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token" binding:"required"`
	ExpiryTimestampMs int64  `json:"expiry_timestamp_ms"`
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	if s.deps.Verifier != nil {
		authorized.Use(authMiddleware(s.deps.Verifier))
	}

	authorized.POST("/monitoring/start", s.startMonitoring)
	authorized.POST("/monitoring/stop", s.stopMonitoring)
	authorized.POST("/monitoring/sync", s.syncNow)
	authorized.GET("/monitoring/status", s.status)

	authorized.POST("/gmail/link", s.link)
	authorized.POST("/gmail/unlink", s.unlink)

	authorized.POST("/events/threat", s.triggerThreat)
	authorized.GET("/events/history", s.history)
	authorized.GET("/events/stream", s.stream)

	return r
}

func (s *Server) startMonitoring(c *gin.Context) {
	started := s.deps.Monitor.Start(s.base)
	c.JSON(http.StatusOK, gin.H{"started": started, "state": s.deps.Monitor.Status().State})
}

func (s *Server) stopMonitoring(c *gin.Context) {
	s.deps.Monitor.Stop()
	c.JSON(http.StatusOK, gin.H{"state": s.deps.Monitor.Status().State})
}

func (s *Server) syncNow(c *gin.Context) {
	if !s.deps.Monitor.TriggerNow() {
		c.JSON(http.StatusConflict, gin.H{"error": "monitoring is not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	cred, err := s.deps.Linker.LoadCredential(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cursor, err := s.deps.Linker.LoadCursor(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"scheduler": s.deps.Monitor.Status(),
		"linked":    cred.Usable(),
		"cursor":    cursor.String(),
	}
	if s.deps.Status != nil {
		st, err := s.deps.Status.LoadSyncStatus(ctx, string(sync.ProviderGmail))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["sync"] = st
	}
	if s.deps.Breaker != nil {
		resp["scan_breaker"] = s.deps.Breaker()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) link(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cred := &auth.Credential{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiryMillis: req.ExpiryTimestampMs,
	}
	// a running cycle must not write the old account's tokens or cursor over the new link
	s.deps.Monitor.Stop()
	if err := s.deps.Linker.Link(c.Request.Context(), cred); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.deps.Tokens != nil {
		s.deps.Tokens.Forget()
	}

	started := s.deps.Monitor.Start(s.base)
	c.JSON(http.StatusOK, gin.H{"linked": true, "started": started})
}

func (s *Server) unlink(c *gin.Context) {
	s.deps.Monitor.Stop()
	if err := s.deps.Linker.Invalidate(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.deps.Tokens != nil {
		s.deps.Tokens.Forget()
	}
	c.JSON(http.StatusOK, gin.H{"linked": false})
}

// triggerThreat injects an arbitrary threat payload for debugging the host integration.
func (s *Server) triggerThreat(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.deps.Bus.Emit(events.NewThreatDetected, payload)
	c.JSON(http.StatusAccepted, gin.H{"emitted": events.NewThreatDetected})
}

func (s *Server) history(c *gin.Context) {
	if s.deps.EventLog == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event history requires a sqlite store"})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	evts, err := s.deps.EventLog.ListEvents(c.Request.Context(), c.Query("type"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, evts)
}

// stream attaches the caller as a listener and relays events as server-sent events.
func (s *Server) stream(c *gin.Context) {
	ch, cancel := s.deps.Bus.Subscribe(32)
	defer cancel()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(evt.Name, evt)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}

func authMiddleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := v.Verify(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("principal", p)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := s.deps.Log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			evt = s.deps.Log.Error()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

// ListenAndServe runs the server until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Log.Info().Str("addr", addr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
