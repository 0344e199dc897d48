// Package httpapi is the local JSON bridge the UI host talks to. It reads
// derived views from the session engine, forwards user actions to the
// mutation executor and relays focus and network changes.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydash/internal/badge"
	"github.com/agentworkforce/relaydash/internal/engine"
	"github.com/agentworkforce/relaydash/internal/invalidation"
	"github.com/agentworkforce/relaydash/internal/mutation"
	"github.com/agentworkforce/relaydash/internal/notify"
	"github.com/agentworkforce/relaydash/internal/records"
	"github.com/agentworkforce/relaydash/internal/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	// Token, when set, must be presented as a bearer token on /v1 routes.
	Token           string
	AllowedOrigins  []string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
}

type Server struct {
	engine      *engine.Engine
	cfg         ServerConfig
	logger      *zap.Logger
	rateLimiter *rateLimiter
	router      *gin.Engine
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(e *engine.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: e, cfg: cfg, logger: logger}
	if cfg.RateLimitMax > 0 {
		s.rateLimiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.correlation, s.accessLog)

	corsConfig := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.cfg.AllowedOrigins
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	corsConfig.AddAllowHeaders("Authorization", "Content-Type", correlationHeader)
	corsConfig.AddExposeHeaders(correlationHeader)
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1", s.authorize, s.rateLimit, s.limitBody)
	v1.GET("/session", s.handleSession)
	v1.GET("/stages", s.handleStages)
	v1.GET("/stages/:stage", s.handleStage)
	v1.GET("/recycle-bin", s.handleRecycleBin)
	v1.GET("/work-orders/:id", s.handleWorkOrder)
	v1.GET("/notifications", s.handleNotifications)
	v1.GET("/notifications/counts", s.handleNotificationCounts)
	v1.GET("/badges", s.handleBadges)
	v1.POST("/badges/ack", s.handleBadgeAck)
	v1.POST("/mutations", s.handleMutation)
	v1.POST("/refresh", s.handleRefresh)
	v1.PUT("/visibility", s.handleVisibility)
	v1.PUT("/connectivity", s.handleConnectivity)
	return r
}

func (s *Server) correlation(c *gin.Context) {
	cid := c.GetHeader(correlationHeader)
	if cid == "" {
		cid = uuid.NewString()
	}
	c.Set("correlationId", cid)
	c.Header(correlationHeader, cid)
	c.Next()
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("correlation_id", c.GetString("correlationId")),
	)
}

func (s *Server) rateLimit(c *gin.Context) {
	if s.rateLimiter == nil {
		c.Next()
		return
	}
	if !s.rateLimiter.allow(c.ClientIP(), time.Now()) {
		writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}
	c.Next()
}

func (s *Server) limitBody(c *gin.Context) {
	if c.Request.Body != nil {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	}
	c.Next()
}

type sessionView struct {
	User             string          `json:"user"`
	Email            string          `json:"email"`
	Role             string          `json:"role"`
	Stale            map[string]bool `json:"stale"`
	Visible          bool            `json:"visible"`
	Online           bool            `json:"online"`
	LastRefetchError string          `json:"lastRefetchError,omitempty"`
	Refetches        int             `json:"refetches"`
	Triggers         int             `json:"triggers"`
	Coalesced        int             `json:"coalesced"`
}

func (s *Server) handleSession(c *gin.Context) {
	who := s.engine.Identity()
	stats := s.engine.Stats()
	view := sessionView{
		User:      who.DisplayName(),
		Email:     who.Email,
		Role:      who.Role,
		Stale:     s.engine.Stale(),
		Visible:   s.engine.Visibility().Visible(),
		Online:    s.engine.Connectivity().Online(),
		Refetches: stats.Refetches,
		Triggers:  stats.Triggers,
		Coalesced: stats.Coalesced,
	}
	if err := s.engine.LastRefetchError(); err != nil {
		view.LastRefetchError = err.Error()
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleStages(c *gin.Context) {
	buckets := s.engine.StageBuckets()
	c.JSON(http.StatusOK, gin.H{
		"counts":  buckets.Counts(),
		"buckets": buckets,
	})
}

func (s *Server) handleStage(c *gin.Context) {
	stage := workflow.Stage(strings.ToUpper(c.Param("stage")))
	switch stage {
	case workflow.StageReportNeeded, workflow.StageReportSubmitted, workflow.StageHolding, workflow.StageFinalized, workflow.StageDeleted:
	default:
		writeError(c, http.StatusNotFound, "not_found", "unknown stage")
		return
	}
	entries := s.engine.StageBuckets().Stage(stage)
	if entries == nil {
		entries = []workflow.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"stage": stage, "entries": entries})
}

func (s *Server) handleRecycleBin(c *gin.Context) {
	entries := s.engine.RecycleBin()
	if entries == nil {
		entries = []workflow.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleWorkOrder(c *gin.Context) {
	rec, ok := s.engine.WorkOrder(records.ID(c.Param("id")))
	if !ok {
		writeError(c, http.StatusNotFound, "not_found", "work order not found")
		return
	}
	c.JSON(http.StatusOK, workflow.Entry{Record: rec, Classification: workflow.Classify(rec)})
}

func (s *Server) handleNotifications(c *gin.Context) {
	limit := parseBoundedInt(c.Query("limit"), notify.ListLimit, 0, 500)
	if c.Query("group") == "day" {
		c.JSON(http.StatusOK, gin.H{"groups": s.engine.FeedByDay(limit)})
		return
	}
	items := s.engine.Feed(limit)
	if items == nil {
		items = []notify.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleNotificationCounts(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.UnseenCounts())
}

func (s *Server) handleBadges(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"badges": s.engine.Badges().Badges()})
}

type badgeAckRequest struct {
	Path string `json:"path" binding:"required,startswith=/"`
}

// handleBadgeAck answers as soon as the badge is cleared; the mark-seen
// call settles in the background.
func (s *Server) handleBadgeAck(c *gin.Context) {
	var req badgeAckRequest
	if !bindJSON(c, &req) {
		return
	}
	ch, err := s.engine.Badges().Acknowledge(c.Request.Context(), req.Path)
	switch {
	case errors.Is(err, badge.ErrUnknownPath):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
		return
	case err != nil:
		writeMutationError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"path": req.Path, "badge": 0, "pending": ch != nil})
}

type mutationRequest struct {
	Kind   mutation.Kind `json:"kind" binding:"required"`
	IDs    []records.ID  `json:"ids" binding:"required,min=1"`
	Reason string        `json:"reason"`
	Notes  string        `json:"notes"`
}

// handleMutation applies the change locally and returns 202. With
// ?wait=true it blocks until the server confirms or the change is rolled
// back.
func (s *Server) handleMutation(c *gin.Context) {
	var req mutationRequest
	if !bindJSON(c, &req) {
		return
	}
	m := mutation.Mutation{Kind: req.Kind, IDs: req.IDs, Reason: req.Reason, Notes: req.Notes}
	ch, err := s.engine.Mutations().Submit(c.Request.Context(), m)
	if err != nil {
		writeMutationError(c, err)
		return
	}
	if !parseBool(c.Query("wait"), false) {
		c.JSON(http.StatusAccepted, gin.H{"kind": m.Kind, "ids": m.IDs, "status": "pending"})
		return
	}
	select {
	case outcome := <-ch:
		if outcome.Err != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"kind":          m.Kind,
				"status":        "rolled_back",
				"message":       outcome.Message,
				"correlationId": c.GetString("correlationId"),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": m.Kind, "status": "confirmed", "message": outcome.Message})
	case <-c.Request.Context().Done():
		writeError(c, http.StatusRequestTimeout, "timeout", "client went away before the mutation settled")
	}
}

func (s *Server) handleRefresh(c *gin.Context) {
	s.engine.Invalidate(invalidation.TriggerManual)
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

type visibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

func (s *Server) handleVisibility(c *gin.Context) {
	var req visibilityRequest
	if !bindJSON(c, &req) {
		return
	}
	s.engine.Visibility().SetVisible(*req.Visible)
	c.JSON(http.StatusOK, gin.H{"visible": *req.Visible})
}

type connectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (s *Server) handleConnectivity(c *gin.Context) {
	var req connectivityRequest
	if !bindJSON(c, &req) {
		return
	}
	s.engine.Connectivity().SetOnline(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": *req.Online})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	return true
}

func writeMutationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mutation.ErrMutationPending):
		writeError(c, http.StatusConflict, "mutation_pending", err.Error())
	case errors.Is(err, mutation.ErrNotInRecycleBin):
		writeError(c, http.StatusConflict, "not_in_recycle_bin", err.Error())
	case errors.Is(err, mutation.ErrUnknownRecord):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, mutation.ErrClosed):
		writeError(c, http.StatusServiceUnavailable, "closed", err.Error())
	default:
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":          code,
		"message":       message,
		"correlationId": c.GetString("correlationId"),
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, e := range r.entries {
		if now.After(e.resetAt) {
			delete(r.entries, k)
		}
	}
	entry, ok := r.entries[key]
	if !ok {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func parseBool(raw string, fallback bool) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}
