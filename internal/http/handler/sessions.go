package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"basegraph.app/parley/internal/http/dto"
	"basegraph.app/parley/internal/orchestrator"
	"basegraph.app/parley/internal/queue"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// SessionRegistry is the view of the turns in progress the API needs.
type SessionRegistry interface {
	List() []orchestrator.SessionInfo
	Abort(sessionID string) error
}

type SessionHandler struct {
	sessions    SessionRegistry
	producer    queue.Producer
	traceHeader string
}

func NewSessionHandler(sessions SessionRegistry, producer queue.Producer, traceHeader string) *SessionHandler {
	return &SessionHandler{
		sessions:    sessions,
		producer:    producer,
		traceHeader: traceHeader,
	}
}

// List returns the turns currently in progress.
func (h *SessionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.List()})
}

// Abort requests cooperative cancellation of a session's turn in progress.
func (h *SessionHandler) Abort(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")

	if err := h.sessions.Abort(sessionID); err != nil {
		if errors.Is(err, orchestrator.ErrSessionUnknown) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no turn in progress"})
			return
		}
		slog.ErrorContext(ctx, "failed to abort session", "error", err, "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to abort session"})
		return
	}

	slog.InfoContext(ctx, "session abort requested", "session_id", sessionID)
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "aborted": true})
}

// Enqueue queues a user message for the session.
func (h *SessionHandler) Enqueue(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")

	var req dto.EnqueueMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid enqueue request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	traceID := c.GetHeader(h.traceHeader)
	if traceID == "" {
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
			traceID = spanCtx.TraceID().String()
		}
	}

	msg := queue.InboundMessage{
		SessionID: sessionID,
		Text:      req.Text,
		Sender:    req.Sender,
		SenderID:  req.SenderID,
	}
	if traceID != "" {
		msg.TraceID = &traceID
	}

	streamID, err := h.producer.Enqueue(ctx, msg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to enqueue message", "error", err, "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue message"})
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueueMessageResponse{
		SessionID: sessionID,
		StreamID:  streamID,
	})
}
