package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/Canvas/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const healthTimeout = 2 * time.Second

type handlers struct {
	svc Services
}

type StrokeResponse struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	PrevX float64 `json:"prevX"`
	PrevY float64 `json:"prevY"`
}

func roomParam(c *gin.Context) (domain.RoomID, bool) {
	room, err := domain.ParseRoomID(c.Param("room_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return room, true
}

func (h *handlers) history(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	events, err := h.svc.History.History(c.Request.Context(), room)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", string(room)).Msg("load history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	out := make([]StrokeResponse, len(events))
	for i, e := range events {
		out[i] = StrokeResponse{X: e.X, Y: e.Y, PrevX: e.PrevX, PrevY: e.PrevY}
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) presence(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	info, err := h.svc.Orch.Presence(c.Request.Context(), room)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", string(room)).Msg("load presence")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room":           info.Room,
		"exists":         info.Exists,
		"count":          info.Count,
		"capacity":       info.Capacity,
		"members":        info.Members,
		"local_sessions": h.svc.Orch.LocalSessions(room),
	})
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.svc.Checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.svc.Orch.Registry.Len()})
}

func (h *handlers) kick(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	who, err := domain.NewParticipantID(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kicked": h.svc.Orch.Kick(room, who)})
}

func (h *handlers) evict(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"evicted": h.svc.Orch.EvictRoom(room)})
}
