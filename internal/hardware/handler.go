// Package hardware serves the websocket the dispenser controller talks to.
package hardware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/dispenser"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReplyTimeout = 2 * time.Second
	maxMessageBytes     = 4096
	tokenQueryParameter = "token"
)

var errMissingProcessor = errors.New("report processor dependency required")

// Processor applies device messages to the dispenser state machine.
type Processor interface {
	Ingest(ctx context.Context, report dispenser.Report) (dispenser.Action, error)
	Heartbeat(ctx context.Context) (dispenser.Action, error)
}

// TokenValidator verifies the token the controller presents when connecting.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// MalformedObserver counts messages that were not usable reports.
type MalformedObserver interface {
	ObserveMalformed()
}

// HandlerConfig describes the dependencies of the websocket handler.
// A nil Tokens disables device authentication.
type HandlerConfig struct {
	Processor    Processor
	Tokens       TokenValidator
	Metrics      MalformedObserver
	Logger       *zap.Logger
	ReplyTimeout time.Duration
}

// Handler upgrades controller connections and answers each message with one action.
type Handler struct {
	processor    Processor
	tokens       TokenValidator
	metrics      MalformedObserver
	logger       *zap.Logger
	replyTimeout time.Duration
	upgrader     websocket.Upgrader

	mu          sync.Mutex
	connections map[string]*websocket.Conn
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Processor == nil {
		return nil, errMissingProcessor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	replyTimeout := cfg.ReplyTimeout
	if replyTimeout <= 0 {
		replyTimeout = defaultReplyTimeout
	}
	return &Handler{
		processor:    cfg.Processor,
		tokens:       cfg.Tokens,
		metrics:      cfg.Metrics,
		logger:       logger,
		replyTimeout: replyTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		connections: make(map[string]*websocket.Conn),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := ""
	if h.tokens != nil {
		subject, err := h.tokens.Validate(requestToken(r))
		if err != nil {
			h.logger.Warn("device token rejected",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		deviceID = subject
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("device websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	connectionID := newConnectionID()
	logger := h.logger.With(
		zap.String("connection_id", connectionID),
		zap.String("device_id", deviceID),
		zap.String("remote_addr", r.RemoteAddr),
	)
	h.track(connectionID, conn)
	defer h.untrack(connectionID)

	logger.Info("device connected")
	h.serveConnection(r.Context(), conn, logger)
}

// CloseConnections drops every open controller connection. The controller reconnects on its own.
func (h *Handler) CloseConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connectionID, conn := range h.connections {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		delete(h.connections, connectionID)
	}
}

func (h *Handler) serveConnection(ctx context.Context, conn *websocket.Conn, logger *zap.Logger) {
	conn.SetReadLimit(maxMessageBytes)
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("device connection lost", zap.Error(err))
			} else {
				logger.Info("device disconnected")
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		action := h.handleMessage(ctx, payload, logger)

		if err := conn.SetWriteDeadline(time.Now().Add(h.replyTimeout)); err != nil {
			logger.Warn("device write deadline failed", zap.Error(err))
			return
		}
		if err := conn.WriteJSON(Reply{Action: action}); err != nil {
			logger.Warn("device reply failed", zap.Error(err))
			return
		}
	}
}

func (h *Handler) handleMessage(parent context.Context, payload []byte, logger *zap.Logger) dispenser.Action {
	ctx, cancel := context.WithTimeout(parent, h.replyTimeout)
	defer cancel()

	report, err := DecodeReport(payload)
	var action dispenser.Action
	switch {
	case errors.Is(err, ErrMalformedReport):
		h.observeMalformed()
		logger.Warn("device sent malformed report", zap.Error(err))
		return dispenser.ActionNone
	case errors.Is(err, ErrIncompleteReport):
		h.observeMalformed()
		logger.Debug("device sent heartbeat")
		action, err = h.processor.Heartbeat(ctx)
	default:
		action, err = h.processor.Ingest(ctx, report)
	}
	if err != nil {
		logger.Warn("device message not applied", zap.Error(err))
		return dispenser.ActionNone
	}
	return action
}

func (h *Handler) observeMalformed() {
	if h.metrics != nil {
		h.metrics.ObserveMalformed()
	}
}

func (h *Handler) track(connectionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[connectionID] = conn
}

func (h *Handler) untrack(connectionID string) {
	h.mu.Lock()
	conn, ok := h.connections[connectionID]
	delete(h.connections, connectionID)
	h.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func requestToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParameter))
}

func newConnectionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
