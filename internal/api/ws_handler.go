package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	"github.com/mredag/eformLockerRoom-sub004/internal/websocket"
	"go.uber.org/zap"
)

// WSHandler 实时推送与事件拉取
type WSHandler struct {
	hub      *websocket.Hub
	upgrader gorillaws.Upgrader
	log      *zap.Logger
}

// NewWSHandler 创建WebSocket处理器
func NewWSHandler(cfg *config.WebSocketConfig, hub *websocket.Hub, log *zap.Logger) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			// 运维面板与柜机前端来源不固定
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Serve 升级连接并交给Hub托管
func (h *WSHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("WebSocket升级失败",
			zap.String("remote", c.ClientIP()),
			zap.Error(err))
		return
	}

	client := websocket.NewClient(h.hub, conn, c.ClientIP())
	// 连接时可直接带柜机过滤，也可以连上后发subscribe消息
	client.KioskFilter = c.Query("kiosk_id")

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// Events 事件拉取接口
// 无长连接的客户端按序号增量拉取；请求的序号已被环形缓冲
// 覆盖时返回truncated，客户端应重新全量拉取快照
func (h *WSHandler) Events(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		respondInvalid(c, err)
		return
	}

	respondOK(c, gin.H{
		"events":    h.hub.EventsSince(after),
		"last_seq":  h.hub.LastSeq(),
		"truncated": h.hub.Truncated(after),
	})
}
