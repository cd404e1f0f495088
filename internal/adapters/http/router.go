package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dkeye/Canvas/internal/adapters/signal"
	"github.com/dkeye/Canvas/internal/app/orch"
	"github.com/dkeye/Canvas/internal/config"
	"github.com/dkeye/Canvas/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable token kept in the
// cookie session; guests are identified by it.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// AdminMiddleware accepts requests carrying "Authorization: Bearer <token>".
func AdminMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Services are the collaborators the HTTP surface serves from.
type Services struct {
	Orch    *orch.Orchestrator
	History core.HistoryReader
	// Checks are pinged by /healthz, keyed by a display name.
	Checks map[string]core.Pinger
}

func SetupRouter(ctx context.Context, cfg *config.Config, svc Services) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CanvasSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{svc: svc}
	ctrl := signal.NewSignalWSController(svc.Orch, signal.ConnOptions{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		WriteTimeout: cfg.Relay.WriteTimeout,
		SendBuffer:   cfg.Relay.SendBuffer,
	})
	ws := func(c *gin.Context) { ctrl.HandleDraw(ctx, c) }

	r.GET("/healthz", h.health)

	draw := r.Group("/draw")
	draw.GET("/:room_id", h.history)
	draw.GET("/:room_id/presence", h.presence)
	draw.GET("/:room_id/user/:user_id", ws)
	draw.GET("/:room_id/ws", ws)

	if cfg.AdminToken != "" {
		admin := r.Group("/admin", AdminMiddleware(cfg.AdminToken))
		admin.POST("/draw/:room_id/kick/:user_id", h.kick)
		admin.POST("/draw/:room_id/evict", h.evict)
	}

	log.Info().Str("module", "adapters.http").Bool("admin", cfg.AdminToken != "").Msg("router setup")
	return r
}
