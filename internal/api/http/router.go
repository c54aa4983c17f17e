package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/musterhq/muster/internal/api/http/handler"
	"github.com/musterhq/muster/internal/api/http/middleware"
	"github.com/musterhq/muster/internal/hub"
	"github.com/musterhq/muster/internal/transport/ws"
)

type Services struct {
	Hub *hub.Hub
	// Metrics is the registry backing /metrics; nil disables the endpoint.
	Metrics *prometheus.Registry
}

func SetupRoute(engine *gin.Engine, cfg Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	// Agents dial in here. The socket carries its own identity handshake, so
	// it sits outside the admin API key.
	wsHandler := ws.NewHandler(srvs.Hub)
	engine.GET("/ws", wsHandler.Serve)

	if srvs.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(srvs.Metrics, promhttp.HandlerOpts{})))
	}

	api := engine.Group("/api", middleware.APIKeyAuth(cfg.AdminAPIKey))

	agentsHandler := handler.NewAgentsHandler(srvs.Hub)
	api.GET("/agents", agentsHandler.List)
	api.GET("/agents/:id", agentsHandler.Get)
	api.DELETE("/agents/:id", agentsHandler.Delete)
	api.GET("/agents/:id/queue", agentsHandler.Queue)
	api.GET("/agents/:id/connections", agentsHandler.Connections)

	commandHandler := handler.NewCommandHandler(srvs.Hub)
	api.POST("/agents/:id/commands", commandHandler.Send)

	pollHandler := handler.NewPollHandler(srvs.Hub)
	api.PUT("/agents/:id/poll", pollHandler.Set)

	pagesHandler := handler.NewPagesHandler(srvs.Hub)
	api.GET("/agents/:id/pages/:page", pagesHandler.Get)

	blobsHandler := handler.NewBlobsHandler(srvs.Hub)
	api.GET("/blobs/*path", blobsHandler.Download)
}
