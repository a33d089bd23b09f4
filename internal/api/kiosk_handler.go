package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	"github.com/mredag/eformLockerRoom-sub004/internal/heartbeat"
	"github.com/mredag/eformLockerRoom-sub004/internal/repository"
	"go.uber.org/zap"
)

// KioskHandler 柜机心跳与状态查询
type KioskHandler struct {
	cfg         *config.HeartbeatConfig
	tracker     *heartbeat.Tracker
	kioskRepo   repository.KioskRepository
	commandRepo repository.CommandRepository
	log         *zap.Logger
}

// NewKioskHandler 创建柜机处理器
func NewKioskHandler(
	cfg *config.HeartbeatConfig,
	tracker *heartbeat.Tracker,
	kioskRepo repository.KioskRepository,
	commandRepo repository.CommandRepository,
	log *zap.Logger,
) *KioskHandler {
	return &KioskHandler{
		cfg:         cfg,
		tracker:     tracker,
		kioskRepo:   kioskRepo,
		commandRepo: commandRepo,
		log:         log,
	}
}

// Heartbeat 心跳上报入口
// 响应带待执行命令数，柜机据此决定是否提高轮询频率
func (h *KioskHandler) Heartbeat(c *gin.Context) {
	var hb heartbeat.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		respondInvalid(c, err)
		return
	}

	if err := h.tracker.HandleHeartbeat(c.Request.Context(), &hb); err != nil {
		h.log.Error("处理心跳失败",
			zap.String("kiosk_id", hb.KioskID),
			zap.Error(err))
		respondError(c, err)
		return
	}

	pending, err := h.commandRepo.CountPending(c.Request.Context(), hb.KioskID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, gin.H{
		"pending_commands":   pending,
		"heartbeat_interval": h.cfg.Interval.Seconds(),
		"server_time":        time.Now().Unix(),
	})
}

// ListKiosks 柜机存活快照
func (h *KioskHandler) ListKiosks(c *gin.Context) {
	kiosks, err := h.kioskRepo.FindAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, kiosks)
}
