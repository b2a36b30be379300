package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/common/apperr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Deployments front this with their own origin policy.
		return true
	},
}

const (
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

// streamSession pushes a session's journal over a WebSocket: replay from the
// requested sequence first, then live events as they are appended. A
// stream_gap message tells a slow consumer which range to re-fetch via
// GET /sessions/:id/events.
func (h *handler) streamSession(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.sessions.GetSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	fromSeq := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondError(c, h.logger, apperr.BadRequest("since must be a non-negative integer"))
			return
		}
		fromSeq = parsed
	}

	sub, err := h.eventlog.Subscribe(c.Request.Context(), sessionID, fromSeq)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		h.logger.Error("Failed to upgrade stream connection",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer func() {
		sub.Close()
		_ = conn.Close()
	}()

	h.logger.Debug("Stream opened",
		zap.String("session_id", sessionID),
		zap.Int64("from_seq", fromSeq))

	// Drain the client's read side so close frames and pongs are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("Stream write failed, closing",
					zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		}
	}
}
