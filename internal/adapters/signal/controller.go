package signal

import (
	"context"
	"net/http"

	"github.com/dkeye/Canvas/internal/app/orch"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type SignalWSController struct {
	Orch *orch.Orchestrator
	Opts ConnOptions
}

func NewSignalWSController(o *orch.Orchestrator, opts ConnOptions) *SignalWSController {
	return &SignalWSController{Orch: o, Opts: opts.withDefaults()}
}

// HandleDraw serves one participant's relay connection. The participant is
// the :user_id path segment when present, otherwise the guest bound to the
// client token cookie. It blocks until the session ends.
func (ctl *SignalWSController) HandleDraw(ctx context.Context, c *gin.Context) {
	room, err := domain.ParseRoomID(c.Param("room_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var who domain.ParticipantID
	if raw := c.Param("user_id"); raw != "" {
		who, err = domain.NewParticipantID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else {
		who = domain.GuestParticipantID(c.GetString("client_token"))
	}

	log.Info().Str("module", "signal").Str("room", string(room)).Str("participant", string(who)).Msg("new WS connection")

	conn := NewWsSignalConn(c.Writer, c.Request, ctl.Opts)
	// Serve logs the outcome.
	_ = ctl.Orch.Serve(ctx, room, who, conn)
}
