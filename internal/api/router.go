// Package api exposes the engine over a REST interface built on gin. Every
// route under /api/v1 requires a bearer token; the WebSocket endpoint and
// the Prometheus scrape endpoint are mounted on the same router.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whisper/randomchat/internal/engine"
	"github.com/whisper/randomchat/internal/metrics"
	"github.com/whisper/randomchat/internal/ratelimit"
)

// TokenParser resolves a bearer token to a user id.
type TokenParser interface {
	ParseUserID(token string) (string, error)
}

// Limiter throttles client actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Deps are the router's collaborators. Limiter, WebSocket, Connections and
// Logger are optional.
type Deps struct {
	Engine      *engine.Engine
	Auth        TokenParser
	Limiter     Limiter
	WebSocket   http.Handler
	Connections func() int
	Logger      *zap.Logger
	Production  bool
}

// Handler holds the REST handlers.
type Handler struct {
	engine  *engine.Engine
	limiter Limiter
	conns   func() int
	log     *zap.Logger
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")

	h := &Handler{
		engine:  deps.Engine,
		limiter: deps.Limiter,
		conns:   deps.Connections,
		log:     log,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	if deps.WebSocket != nil {
		router.GET("/ws", gin.WrapH(deps.WebSocket))
	}

	v1 := router.Group("/api/v1")
	v1.Use(authRequired(deps.Auth))
	{
		queue := v1.Group("/queue")
		{
			queue.POST("", h.rateLimit(ratelimit.RuleJoin), h.JoinQueue)
			queue.GET("", h.QueuePosition)
			queue.DELETE("", h.LeaveQueue)
		}

		v1.GET("/session", h.GetSession)

		sessions := v1.Group("/sessions/:id")
		{
			sessions.GET("/messages", h.ListMessages)
			sessions.POST("/messages", h.rateLimit(ratelimit.RuleMessage), h.SendMessage)
			sessions.POST("/end", h.EndSession)
			sessions.POST("/reports", h.SubmitReport)
		}
	}

	return router
}

// Health reports liveness together with a few load figures.
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{
		"status":          "ok",
		"queue":           h.engine.QueueLen(),
		"active_sessions": h.engine.ActiveSessions(),
	}
	if h.conns != nil {
		resp["connections"] = h.conns()
	}
	c.JSON(http.StatusOK, resp)
}
