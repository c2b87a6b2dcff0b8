package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/dispenser"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	responseStatusSuccess    = "success"
	responseStatusError      = "error"
	defaultHeartbeatInterval = 15 * time.Second
	defaultRateLimitPerSec   = 1.0
	defaultRateLimitBurst    = 5
	historyCacheKeyPrefix    = "history"
)

var (
	errMissingDeviceService = errors.New("device service dependency required")
	errMissingDispatcher    = errors.New("status dispatcher dependency required")
)

// DeviceService is the dashboard-facing surface of the dispenser service.
type DeviceService interface {
	Status(ctx context.Context) (dispenser.Status, error)
	History(ctx context.Context) (dispenser.History, error)
	ApplySettings(ctx context.Context, phrase string, input dispenser.SettingsInput) (dispenser.Status, error)
	Reset(ctx context.Context, phrase string) (dispenser.Status, error)
}

// StatusSubscriber hands out dashboard streams.
type StatusSubscriber interface {
	Subscribe(ctx context.Context) (<-chan dispenser.Status, func())
}

// RateLimitConfig bounds state-changing requests per client address.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

type Dependencies struct {
	Service           DeviceService
	Dispatcher        StatusSubscriber
	Logger            *zap.Logger
	MetricsHandler    http.Handler
	RateLimit         RateLimitConfig
	HistoryCacheTTL   time.Duration
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the dashboard router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Service == nil {
		return nil, errMissingDeviceService
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	perSecond := deps.RateLimit.PerSecond
	if perSecond <= 0 {
		perSecond = defaultRateLimitPerSec
	}
	burst := deps.RateLimit.Burst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}

	handler := &httpHandler{
		service:           deps.Service,
		dispatcher:        deps.Dispatcher,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}
	if deps.HistoryCacheTTL > 0 {
		handler.historyCache = cache.New(deps.HistoryCacheTTL, 2*deps.HistoryCacheTTL)
		handler.historyTTL = deps.HistoryCacheTTL
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	api := router.Group("/api")
	api.GET("/status", handler.handleStatus)
	api.GET("/stream", handler.handleStatusStream)
	api.GET("/consumption_history", handler.handleHistory)

	mutating := api.Group("/")
	mutating.Use(rateLimitMiddleware(rate.Limit(perSecond), burst))
	mutating.POST("/settings", handler.handleSettings)
	mutating.POST("/reset", handler.handleReset)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Cache-Control", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	service           DeviceService
	dispatcher        StatusSubscriber
	logger            *zap.Logger
	heartbeatInterval time.Duration
	historyCache      *cache.Cache
	historyTTL        time.Duration
}

type successResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	ctx := c.Request.Context()

	cacheKey := ""
	if h.historyCache != nil {
		status, err := h.service.Status(ctx)
		if err != nil {
			h.respondError(c, err)
			return
		}
		cacheKey = historyCacheKey(status)
		if cached, found := h.historyCache.Get(cacheKey); found {
			c.JSON(http.StatusOK, cached.(dispenser.History))
			return
		}
	}

	history, err := h.service.History(ctx)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if h.historyCache != nil {
		h.historyCache.Set(cacheKey, history, h.historyTTL)
	}
	c.JSON(http.StatusOK, history)
}

// historyCacheKey changes whenever a cycle closes or the limit changes, the only
// events that alter the history payload.
func historyCacheKey(status dispenser.Status) string {
	return fmt.Sprintf("%s:%s:%d", historyCacheKeyPrefix, status.CycleStartTime, status.ConsumptionLimit)
}

type settingsRequestPayload map[string]any

func (p settingsRequestPayload) field(names ...string) string {
	for _, name := range names {
		value, ok := p[name]
		if !ok || value == nil {
			continue
		}
		switch typed := value.(type) {
		case string:
			return typed
		case float64:
			return strconv.FormatFloat(typed, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(typed)
		default:
			return fmt.Sprint(typed)
		}
	}
	return ""
}

func (h *httpHandler) handleSettings(c *gin.Context) {
	var request settingsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{
			Status:  responseStatusError,
			Message: "request body must be a JSON object",
			Code:    "invalid_request",
		})
		return
	}

	input := dispenser.SettingsInput{
		ConsumptionLimit:  request.field("consumption_limit", "consumption-limit"),
		CycleDuration:     request.field("cycle_duration", "cycle-duration"),
		PenaltyMultiplier: request.field("penalty_multiplier", "penalty-multiplier"),
	}
	phrase := request.field("confirmation_phrase", "confirmation-phrase")

	if _, err := h.service.ApplySettings(c.Request.Context(), phrase, input); err != nil {
		h.respondError(c, err)
		return
	}
	h.flushHistoryCache()
	c.JSON(http.StatusOK, successResponse{Status: responseStatusSuccess})
}

type resetRequestPayload struct {
	ConfirmationPhrase       string `json:"confirmation_phrase"`
	LegacyConfirmationPhrase string `json:"confirmation-phrase"`
}

func (h *httpHandler) handleReset(c *gin.Context) {
	var request resetRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{
			Status:  responseStatusError,
			Message: "request body must be a JSON object",
			Code:    "invalid_request",
		})
		return
	}
	phrase := request.ConfirmationPhrase
	if phrase == "" {
		phrase = request.LegacyConfirmationPhrase
	}

	if _, err := h.service.Reset(c.Request.Context(), phrase); err != nil {
		h.respondError(c, err)
		return
	}
	h.flushHistoryCache()
	c.JSON(http.StatusOK, successResponse{Status: responseStatusSuccess})
}

func (h *httpHandler) handleStatusStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx)
	defer cleanup()

	initial, err := h.service.Status(ctx)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(RealtimeEventStatusUpdate, initial)
	c.Writer.Flush()
	last := initial

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-stream:
			if !ok {
				return
			}
			if staleSnapshot(last, status) {
				continue
			}
			c.SSEvent(RealtimeEventStatusUpdate, status)
			c.Writer.Flush()
			last = status
		case <-ticker.C:
			if _, err := c.Writer.WriteString(": " + realtimeEventHeartbeat + "\n\n"); err != nil {
				h.logger.Debug("status stream closed", zap.Error(err))
				return
			}
			c.Writer.Flush()
		}
	}
}

// staleSnapshot reports whether next was taken before last. Snapshots queued
// between Subscribe and the initial Status read are older than the initial one.
func staleSnapshot(last, next dispenser.Status) bool {
	if last.Revision != 0 && next.Revision != 0 {
		return next.Revision <= last.Revision
	}
	if next == last {
		return true
	}
	return next.CycleStartTime == last.CycleStartTime && next.ConsumptionCount < last.ConsumptionCount
}

func (h *httpHandler) flushHistoryCache() {
	if h.historyCache != nil {
		h.historyCache.Flush()
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := "internal_error"
	var serviceErr *dispenser.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	switch {
	case errors.Is(err, dispenser.ErrAuthorization):
		c.JSON(http.StatusForbidden, errorResponse{
			Status:  responseStatusError,
			Message: "Incorrect confirmation phrase",
			Code:    code,
		})
	case errors.Is(err, dispenser.ErrValidation):
		c.JSON(http.StatusBadRequest, errorResponse{
			Status:  responseStatusError,
			Message: validationMessage(err),
			Code:    code,
		})
	default:
		h.logger.Error("dashboard request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{
			Status:  responseStatusError,
			Message: "internal error",
			Code:    code,
		})
	}
}

// validationMessage strips the sentinel prefix so the dashboard shows only the field problem.
func validationMessage(err error) string {
	message := err.Error()
	if index := strings.LastIndex(message, dispenser.ErrValidation.Error()+": "); index >= 0 {
		return message[index+len(dispenser.ErrValidation.Error())+2:]
	}
	return message
}
