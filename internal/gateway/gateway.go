// Package gateway relays sessions over HTTP and WebSocket. It is a thin
// layer: every action goes straight to the orchestrator and every stream
// is a session subscription or a bus subscription.
package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
	"github.com/BoozeLee/conduit/internal/common/httpmw"
	"github.com/BoozeLee/conduit/internal/common/logger"
	"github.com/BoozeLee/conduit/internal/events/bus"
	"github.com/BoozeLee/conduit/internal/orchestrator"
)

var errNoBus = apperrors.NotSupported("gateway", "session notifications without an event bus")

// Gateway serves the HTTP relay.
type Gateway struct {
	orch   *orchestrator.Orchestrator
	bus    bus.EventBus
	logger *logger.Logger
	// ctx ends every open WebSocket stream when cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway. eventBus may be nil, in which case the
// notifications endpoint is unavailable.
func New(orch *orchestrator.Orchestrator, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		orch:   orch,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "gateway")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close ends every open WebSocket stream. http.Server.Shutdown does not
// wait for hijacked connections, so call it alongside.
func (g *Gateway) Close() {
	g.cancel()
}

// Router returns a gin engine with the gateway's middleware and routes.
func (g *Gateway) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.RequestLogger(g.logger, "conduit"))
	router.Use(corsMiddleware())
	g.SetupRoutes(router)
	return router
}

// SetupRoutes adds the relay routes to router.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/health", g.health)

	api := router.Group("/api/v1")
	api.GET("/sessions", g.listSessions)
	api.POST("/sessions", g.startSession)
	api.GET("/sessions/:id", g.getSession)
	api.PATCH("/sessions/:id", g.updateSession)
	api.POST("/sessions/:id/input", g.sendInput)
	api.POST("/sessions/:id/stop", g.stopSession)
	api.POST("/sessions/:id/control", g.respondToControl)
	api.GET("/sessions/:id/events", g.sessionEvents)
	api.GET("/sessions/:id/stream", g.streamSession)
	api.GET("/notifications", g.notifications)
}

func (g *Gateway) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "conduit",
		"read_only": g.orch.ReadOnly(),
		"sessions":  len(g.orch.List()),
	})
}

// corsMiddleware allows browser clients on any origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
