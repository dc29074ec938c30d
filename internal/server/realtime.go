package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	realtimeEventSession   = "session"
	realtimeEventHeartbeat = "heartbeat"
)

type roomPayload struct {
	BoardID string `json:"board_id"`
}

// handleRealtimeStream opens a server-sent event stream for a new session.
// The first frame names the session; the client joins a board room with it.
func (h *httpHandler) handleRealtimeStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	sessionID, err := h.sessionIDs.NewID()
	if err != nil {
		h.logger.Error("failed to allocate realtime session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup, err := h.hub.Open(ctx, sessionID)
	if err != nil {
		h.logger.Error("failed to open realtime stream", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
		return
	}
	defer cleanup()
	if err := h.registry.Connect(ctx, sessionID, userID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}
	defer h.registry.Disconnect(sessionID)

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(realtimeEventSession, gin.H{"session_id": sessionID, "user_id": userID})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC()})
			c.Writer.Flush()
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.Event, message.Payload)
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	var request roomPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.BoardID == "" {
		badRequest(c)
		return
	}
	if !h.requireReadAccess(c, request.BoardID) {
		return
	}
	sessionID := c.Param("sessionId")
	if err := h.registry.Join(sessionID, c.GetString(userIDContextKey), request.BoardID); err != nil {
		h.respondRealtimeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "board_id": request.BoardID})
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	var request roomPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.BoardID == "" {
		badRequest(c)
		return
	}
	sessionID := c.Param("sessionId")
	owner, ok := h.registry.Owner(sessionID)
	if !ok {
		h.respondRealtimeError(c, realtime.ErrUnknownSession)
		return
	}
	if owner != c.GetString(userIDContextKey) {
		h.respondRealtimeError(c, realtime.ErrSessionOwner)
		return
	}
	h.registry.Leave(sessionID, request.BoardID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	boardID := c.Param("boardId")
	if !h.requireReadAccess(c, boardID) {
		return
	}
	c.JSON(http.StatusOK, realtime.PresenceSnapshot{
		BoardID:   boardID,
		Users:     h.registry.UsersInRoom(boardID),
		Timestamp: time.Now().UTC(),
	})
}

func (h *httpHandler) respondRealtimeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, realtime.ErrUnknownSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_session"})
	case errors.Is(err, realtime.ErrSessionOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, realtime.ErrInvalidSession):
		badRequest(c)
	case errors.Is(err, realtime.ErrRegistryClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
	default:
		h.logger.Error("realtime request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
	}
}
