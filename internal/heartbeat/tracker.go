package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	"github.com/mredag/eformLockerRoom-sub004/internal/logger"
	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"github.com/mredag/eformLockerRoom-sub004/internal/repository"
	"github.com/mredag/eformLockerRoom-sub004/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Heartbeat 柜机心跳上报数据
type Heartbeat struct {
	KioskID     string  `json:"kiosk_id" binding:"required"`
	Zone        string  `json:"zone"`
	Version     string  `json:"version"`
	CPU         float64 `json:"cpu"`
	Memory      float64 `json:"memory"`
	Disk        float64 `json:"disk"`
	Temperature float64 `json:"temperature"`
}

// Tracker 柜机存活跟踪器
// 心跳刷新LastSeenAt，后台扫描把超阈值的柜机判离线；
// 在线状态只基于心跳推断，离线不影响队列接收新命令
type Tracker struct {
	cfg       *config.HeartbeatConfig
	kioskRepo repository.KioskRepository
	auditRepo repository.AuditLogRepository
	hub       *websocket.Hub
	logger    *zap.Logger

	// 柜机恢复在线时的回调，用于唤醒命令分发
	onOnline func(kioskID string)

	stopChan chan struct{}
}

// NewTracker 创建存活跟踪器
func NewTracker(
	cfg *config.HeartbeatConfig,
	kioskRepo repository.KioskRepository,
	auditRepo repository.AuditLogRepository,
	hub *websocket.Hub,
) *Tracker {
	return &Tracker{
		cfg:       cfg,
		kioskRepo: kioskRepo,
		auditRepo: auditRepo,
		hub:       hub,
		logger:    logger.GetLogger(),
		stopChan:  make(chan struct{}),
	}
}

// HandleHeartbeat 处理一次心跳上报
// 遥测值超出合理范围只告警不拒收，存活判断不依赖遥测质量
func (t *Tracker) HandleHeartbeat(ctx context.Context, hb *Heartbeat) error {
	t.validateTelemetry(hb)

	wasOffline := false
	existing, err := t.kioskRepo.FindByKioskID(ctx, hb.KioskID)
	switch {
	case err == nil:
		wasOffline = existing.Status == models.KioskStatusOffline
	case errors.Is(err, gorm.ErrRecordNotFound):
		// 首次心跳即注册
		wasOffline = true
	default:
		return err
	}

	kiosk := &models.Kiosk{
		KioskID:     hb.KioskID,
		Zone:        hb.Zone,
		Version:     hb.Version,
		Status:      models.KioskStatusOnline,
		LastSeenAt:  time.Now(),
		CPU:         hb.CPU,
		Memory:      hb.Memory,
		Disk:        hb.Disk,
		Temperature: hb.Temperature,
	}
	if err := t.kioskRepo.Upsert(ctx, kiosk); err != nil {
		return err
	}

	if wasOffline {
		t.logger.Info("柜机上线",
			zap.String("kiosk_id", hb.KioskID),
			zap.String("zone", hb.Zone))

		t.audit(ctx, models.AuditEventKioskOnline, hb.KioskID)
		t.hub.PublishEvent(websocket.MessageTypeConnectionStatus, hb.KioskID, nil, map[string]interface{}{
			"status": models.KioskStatusOnline,
		})

		if t.onOnline != nil {
			t.onOnline(hb.KioskID)
		}
	}

	return nil
}

// OnOnline 注册柜机上线回调
func (t *Tracker) OnOnline(fn func(kioskID string)) {
	t.onOnline = fn
}

// IsOnline 判断柜机当前是否在线
func (t *Tracker) IsOnline(ctx context.Context, kioskID string) bool {
	kiosk, err := t.kioskRepo.FindByKioskID(ctx, kioskID)
	if err != nil {
		return false
	}
	return kiosk.OnlineAt(time.Now(), t.cfg.OfflineThreshold)
}

// Run 运行离线检测循环
func (t *Tracker) Run() {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	t.logger.Info("离线检测启动",
		zap.Duration("threshold", t.cfg.OfflineThreshold),
		zap.Duration("sweep_interval", t.cfg.SweepInterval))

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.Sweep(context.Background())
		}
	}
}

// Stop 停止离线检测
func (t *Tracker) Stop() {
	close(t.stopChan)
}

// Sweep 执行一次离线扫描
// 返回本次被判离线的柜机数
func (t *Tracker) Sweep(ctx context.Context) int {
	stale, err := t.kioskRepo.FindStale(ctx, t.cfg.OfflineThreshold)
	if err != nil {
		t.logger.Error("离线扫描失败", zap.Error(err))
		return 0
	}

	for _, kiosk := range stale {
		if err := t.kioskRepo.UpdateStatus(ctx, kiosk.KioskID, models.KioskStatusOffline); err != nil {
			t.logger.Error("标记柜机离线失败",
				zap.String("kiosk_id", kiosk.KioskID),
				zap.Error(err))
			continue
		}

		t.logger.Warn("柜机离线",
			zap.String("kiosk_id", kiosk.KioskID),
			zap.Time("last_seen_at", kiosk.LastSeenAt))

		t.audit(ctx, models.AuditEventKioskOffline, kiosk.KioskID)
		t.hub.PublishEvent(websocket.MessageTypeConnectionStatus, kiosk.KioskID, nil, map[string]interface{}{
			"status":       models.KioskStatusOffline,
			"last_seen_at": kiosk.LastSeenAt,
		})
	}

	return len(stale)
}

// validateTelemetry 校验遥测值范围，超限只告警
func (t *Tracker) validateTelemetry(hb *Heartbeat) {
	warn := func(field string, value float64) {
		t.logger.Warn("遥测值超出合理范围",
			zap.String("kiosk_id", hb.KioskID),
			zap.String("field", field),
			zap.Float64("value", value))
	}

	if hb.CPU < 0 || hb.CPU > 100 {
		warn("cpu", hb.CPU)
	}
	if hb.Memory < 0 || hb.Memory > 100 {
		warn("memory", hb.Memory)
	}
	if hb.Disk < 0 || hb.Disk > 100 {
		warn("disk", hb.Disk)
	}
	if hb.Temperature < -20 || hb.Temperature > 90 {
		warn("temperature", hb.Temperature)
	}
}

func (t *Tracker) audit(ctx context.Context, event models.AuditEvent, kioskID string) {
	log := &models.AuditLog{
		Event:   event,
		KioskID: kioskID,
		Actor:   "system",
	}
	if err := t.auditRepo.Create(ctx, log); err != nil {
		t.logger.Error("写入审计日志失败",
			zap.String("event", string(event)),
			zap.Error(err))
	}
}
