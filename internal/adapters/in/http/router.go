package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/adapters/in/ws"
	"github.com/EthanQC/presence/internal/ports/in"
	"github.com/EthanQC/presence/pkg/zlog"
)

// Handler HTTP 入口：websocket 握手、调试和运维接口
type Handler struct {
	presence in.PresenceUseCase
	wsServer *ws.Server
	router   *ws.RoomRouter
	nodeID   string
	gatherer prometheus.Gatherer
}

func NewHandler(presence in.PresenceUseCase, wsServer *ws.Server, router *ws.RoomRouter, nodeID string, gatherer prometheus.Gatherer) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		presence: presence,
		wsServer: wsServer,
		router:   router,
		nodeID:   nodeID,
		gatherer: gatherer,
	}
}

// Engine 注册全部路由
func (h *Handler) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), zlog.GinLogger())

	engine.GET("/ws", h.handleWS)
	engine.GET("/status", h.handleStatus)
	engine.GET("/health", h.handleHealth)
	engine.GET("/stats", h.handleStats)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	engine.GET("/log/level", zlog.LevelHandler())
	engine.PUT("/log/level", zlog.LevelHandler())

	return engine
}

func (h *Handler) handleWS(c *gin.Context) {
	h.wsServer.HandleConnection(c.Writer, c.Request)
}

// handleStatus 全量状态，调试用
func (h *Handler) handleStatus(c *gin.Context) {
	statuses, err := h.presence.AllStatuses(c.Request.Context())
	if err != nil {
		zlog.C(c.Request.Context()).Warn("read all statuses failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, statuses)
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handleStats(c *gin.Context) {
	stats := gin.H{
		"node_id":            h.nodeID,
		"active_connections": h.wsServer.ActiveConnections(),
	}
	for k, v := range h.router.Stats() {
		stats[k] = v
	}
	c.JSON(http.StatusOK, stats)
}
