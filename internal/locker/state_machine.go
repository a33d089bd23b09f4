package locker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
	"github.com/mredag/eformLockerRoom-sub004/internal/logger"
	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"github.com/mredag/eformLockerRoom-sub004/internal/repository"
	"github.com/mredag/eformLockerRoom-sub004/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// legalTransitions 状态转换表
// 所有写路径先查表再做CAS，表外的转换一律拒绝
var legalTransitions = map[models.LockerStatus][]models.LockerStatus{
	models.LockerStatusFree:     {models.LockerStatusReserved, models.LockerStatusBlocked},
	models.LockerStatusReserved: {models.LockerStatusOwned, models.LockerStatusFree},
	models.LockerStatusOwned:    {models.LockerStatusOpening, models.LockerStatusFree},
	models.LockerStatusOpening:  {models.LockerStatusOwned, models.LockerStatusFree, models.LockerStatusError},
	models.LockerStatusError:    {models.LockerStatusFree},
	models.LockerStatusBlocked:  {models.LockerStatusFree},
}

// canTransition 检查状态转换是否合法
func canTransition(from, to models.LockerStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Service 柜格状态机
// 所有权的唯一权威：每次状态变更都是一条带version条件的CAS更新，
// 数据库的乐观并发检查就是唯一的互斥手段，不用进程内锁
type Service struct {
	cfg         *config.LockerConfig
	lockerRepo  repository.LockerRepository
	commandRepo repository.CommandRepository
	auditRepo   repository.AuditLogRepository
	hub         *websocket.Hub
	logger      *zap.Logger
}

// NewService 创建柜格状态机
func NewService(
	cfg *config.LockerConfig,
	lockerRepo repository.LockerRepository,
	commandRepo repository.CommandRepository,
	auditRepo repository.AuditLogRepository,
	hub *websocket.Hub,
) *Service {
	return &Service{
		cfg:         cfg,
		lockerRepo:  lockerRepo,
		commandRepo: commandRepo,
		auditRepo:   auditRepo,
		hub:         hub,
		logger:      logger.GetLogger(),
	}
}

// ReserveAny 自动分配一个空闲柜格
// 逐个候选做CAS，输掉竞争就换下一个，全部落空才算满
func (s *Service) ReserveAny(ctx context.Context, kioskID string, ownerType models.OwnerType, ownerKey string) (*models.Locker, error) {
	if err := s.checkOwnerLimit(ctx, ownerKey); err != nil {
		return nil, err
	}

	candidates, err := s.lockerRepo.FindAvailable(ctx, kioskID, false)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}

	for _, candidate := range candidates {
		err := s.reserve(ctx, candidate, ownerType, ownerKey)
		if err == nil {
			return candidate, nil
		}
		if apperrors.Is(err, apperrors.ErrConflict) {
			// 并发竞争输了，换下一个候选
			continue
		}
		return nil, err
	}

	return nil, apperrors.Newf(apperrors.ErrLockerOccupied, "柜机 %s 没有可分配的柜格", kioskID)
}

// Reserve 预定指定柜格
func (s *Service) Reserve(ctx context.Context, kioskID string, lockerID uint, ownerType models.OwnerType, ownerKey string) (*models.Locker, error) {
	locker, err := s.find(ctx, kioskID, lockerID)
	if err != nil {
		return nil, err
	}

	if !locker.IsVIP {
		if err := s.checkOwnerLimit(ctx, ownerKey); err != nil {
			return nil, err
		}
	}

	if err := s.reserve(ctx, locker, ownerType, ownerKey); err != nil {
		return nil, err
	}
	return locker, nil
}

func (s *Service) reserve(ctx context.Context, locker *models.Locker, ownerType models.OwnerType, ownerKey string) error {
	if locker.Status == models.LockerStatusBlocked {
		return apperrors.Newf(apperrors.ErrLockerBlocked, "柜格 %s/%d 已被锁定", locker.KioskID, locker.LockerID)
	}
	if !canTransition(locker.Status, models.LockerStatusReserved) {
		return s.invalidTransition(locker, models.LockerStatusReserved)
	}

	now := time.Now()
	err := s.lockerRepo.UpdateWithVersion(ctx, locker, map[string]interface{}{
		"status":      models.LockerStatusReserved,
		"owner_type":  ownerType,
		"owner_key":   ownerKey,
		"reserved_at": now,
	})
	if err != nil {
		return err
	}

	locker.Status = models.LockerStatusReserved
	locker.OwnerType = ownerType
	locker.OwnerKey = ownerKey
	locker.ReservedAt = &now

	s.audit(ctx, models.AuditEventAssign, locker, ownerKey, "")
	s.publishState(locker)
	return nil
}

// Confirm 确认预定并触发开门
// Reserved->Owned 之后立即下发open命令进入Opening，
// 返回命令ID供调用方查询执行结果
func (s *Service) Confirm(ctx context.Context, kioskID string, lockerID uint, ownerKey string) (string, error) {
	locker, err := s.find(ctx, kioskID, lockerID)
	if err != nil {
		return "", err
	}

	if locker.OwnerKey != ownerKey {
		return "", apperrors.Newf(apperrors.ErrPermissionDenied, "柜格 %s/%d 不属于该持卡人", kioskID, lockerID)
	}
	if !canTransition(locker.Status, models.LockerStatusOwned) {
		return "", s.invalidTransition(locker, models.LockerStatusOwned)
	}

	now := time.Now()
	err = s.lockerRepo.UpdateWithVersion(ctx, locker, map[string]interface{}{
		"status":   models.LockerStatusOwned,
		"owned_at": now,
	})
	if err != nil {
		return "", err
	}

	locker.Status = models.LockerStatusOwned
	locker.OwnedAt = &now
	s.publishState(locker)

	// 确认后立即开门让用户放物品，开门结果回到Owned
	return s.actuate(ctx, locker, false)
}

// Release 释放柜格（开门取物）
// 非VIP开门成功即释放，VIP开门后保持Owned
func (s *Service) Release(ctx context.Context, kioskID string, lockerID uint, actor string, staff bool) (string, error) {
	locker, err := s.find(ctx, kioskID, lockerID)
	if err != nil {
		return "", err
	}

	if !staff && locker.OwnerKey != actor {
		return "", apperrors.Newf(apperrors.ErrPermissionDenied, "柜格 %s/%d 不属于该持卡人", kioskID, lockerID)
	}
	if !canTransition(locker.Status, models.LockerStatusOpening) {
		return "", s.invalidTransition(locker, models.LockerStatusOpening)
	}

	releaseOnOpen := !locker.IsVIP
	commandID, err := s.actuate(ctx, locker, releaseOnOpen)
	if err != nil {
		return "", err
	}

	event := models.AuditEventRelease
	if staff {
		event = models.AuditEventStaffOverride
	}
	s.audit(ctx, event, locker, actor, commandID)
	return commandID, nil
}

// actuate 下发开门命令并把柜格推进Opening
func (s *Service) actuate(ctx context.Context, locker *models.Locker, releaseOnOpen bool) (string, error) {
	err := s.lockerRepo.UpdateWithVersion(ctx, locker, map[string]interface{}{
		"status": models.LockerStatusOpening,
	})
	if err != nil {
		return "", err
	}
	locker.Status = models.LockerStatusOpening
	s.publishState(locker)

	lockerID := locker.LockerID
	cmd := &models.Command{
		CommandID: uuid.New().String(),
		KioskID:   locker.KioskID,
		LockerID:  &lockerID,
		Type:      models.CommandTypeOpen,
		Payload: models.JSONMap{
			"release_on_open": releaseOnOpen,
		},
	}
	if err := s.commandRepo.Enqueue(ctx, cmd); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrDatabaseUpdate)
	}

	logger.LogCommand(cmd.CommandID, cmd.KioskID, string(cmd.Type), string(cmd.Status), nil)
	return cmd.CommandID, nil
}

// HandleOpenSuccess 处理开门成功
// release_on_open且非VIP时释放柜格，否则回到Owned；成功清零失败计数
func (s *Service) HandleOpenSuccess(ctx context.Context, cmd *models.Command) error {
	if cmd.LockerID == nil {
		return nil
	}
	locker, err := s.find(ctx, cmd.KioskID, *cmd.LockerID)
	if err != nil {
		return err
	}
	if locker.Status != models.LockerStatusOpening {
		// 工作人员已干预（如ForceRelease），结果作废
		s.logger.Warn("开门结果到达时柜格已不在Opening",
			zap.String("kiosk_id", cmd.KioskID),
			zap.Uint("locker_id", *cmd.LockerID),
			zap.String("status", string(locker.Status)))
		return nil
	}

	releaseOnOpen, _ := cmd.Payload["release_on_open"].(bool)

	if releaseOnOpen && !locker.IsVIP {
		return s.clearTo(ctx, locker, models.LockerStatusFree)
	}

	err = s.lockerRepo.UpdateWithVersion(ctx, locker, map[string]interface{}{
		"status":        models.LockerStatusOwned,
		"failure_count": 0,
	})
	if err != nil {
		return err
	}
	locker.Status = models.LockerStatusOwned
	locker.FailureCount = 0
	s.publishState(locker)
	return nil
}

// HandleOpenFailure 处理开门命令终态失败
// 累计连续失败次数，未达阈值退回Owned允许持卡人再试，
// 达到阈值进入Error等待人工恢复，同时广播error事件
func (s *Service) HandleOpenFailure(ctx context.Context, cmd *models.Command, cause error) error {
	if cmd.LockerID == nil {
		return nil
	}
	locker, err := s.find(ctx, cmd.KioskID, *cmd.LockerID)
	if err != nil {
		return err
	}
	if locker.Status != models.LockerStatusOpening {
		return nil
	}

	failures := locker.FailureCount + 1
	if failures < s.cfg.MaxHardwareFailures {
		err = s.lockerRepo.UpdateWithVersion(ctx, locker, map[string]interface{}{
			"status":        models.LockerStatusOwned,
			"failure_count": failures,
		})
		if err != nil {
			return err
		}
		locker.Status = models.LockerStatusOwned
		locker.FailureCount = failures

		s.logger.Warn("开门失败，柜格退回Owned",
			zap.String("kiosk_id", locker.KioskID),
			zap.Uint("locker_id", locker.LockerID),
			zap.Int("failure_count", failures),
			zap.Error(cause))
		s.publishState(locker)
		return nil
	}

	err = s.lockerRepo.UpdateWithVersion(ctx, locker, map[string]interface{}{
		"status":        models.LockerStatusError,
		"failure_count": failures,
	})
	if err != nil {
		return err
	}
	locker.Status = models.LockerStatusError
	locker.FailureCount = failures

	s.logger.Error("柜格进入故障状态",
		zap.String("kiosk_id", locker.KioskID),
		zap.Uint("locker_id", locker.LockerID),
		zap.String("command_id", cmd.CommandID),
		zap.Error(cause))

	s.audit(ctx, models.AuditEventHardwareFailure, locker, "system", cmd.CommandID)
	s.publishState(locker)

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	s.hub.PublishEvent(websocket.MessageTypeHardwareError, locker.KioskID, &locker.LockerID, map[string]interface{}{
		"command_id": cmd.CommandID,
		"detail":     detail,
	})
	return nil
}

// Block 锁定柜格（工作人员）
func (s *Service) Block(ctx context.Context, kioskID string, lockerID uint, staffActor string) error {
	locker, err := s.find(ctx, kioskID, lockerID)
	if err != nil {
		return err
	}
	if !canTransition(locker.Status, models.LockerStatusBlocked) {
		return s.invalidTransition(locker, models.LockerStatusBlocked)
	}

	err = s.lockerRepo.UpdateWithVersion(ctx, locker, map[string]interface{}{
		"status": models.LockerStatusBlocked,
	})
	if err != nil {
		return err
	}
	locker.Status = models.LockerStatusBlocked

	s.audit(ctx, models.AuditEventBlock, locker, staffActor, "")
	s.publishState(locker)
	return nil
}

// Unblock 解除锁定（工作人员）
func (s *Service) Unblock(ctx context.Context, kioskID string, lockerID uint, staffActor string) error {
	locker, err := s.find(ctx, kioskID, lockerID)
	if err != nil {
		return err
	}
	if locker.Status != models.LockerStatusBlocked {
		return s.invalidTransition(locker, models.LockerStatusFree)
	}

	if err := s.clearTo(ctx, locker, models.LockerStatusFree); err != nil {
		return err
	}
	s.audit(ctx, models.AuditEventUnblock, locker, staffActor, "")
	return nil
}

// RecoverError 故障恢复（工作人员）
func (s *Service) RecoverError(ctx context.Context, kioskID string, lockerID uint, staffActor string) error {
	locker, err := s.find(ctx, kioskID, lockerID)
	if err != nil {
		return err
	}
	if locker.Status != models.LockerStatusError {
		return s.invalidTransition(locker, models.LockerStatusFree)
	}

	if err := s.clearTo(ctx, locker, models.LockerStatusFree); err != nil {
		return err
	}
	s.audit(ctx, models.AuditEventRecover, locker, staffActor, "")
	return nil
}

// ForceRelease 强制释放（工作人员）
// 不下发硬件命令，直接清空所有权
func (s *Service) ForceRelease(ctx context.Context, kioskID string, lockerID uint, staffActor string) error {
	locker, err := s.find(ctx, kioskID, lockerID)
	if err != nil {
		return err
	}

	switch locker.Status {
	case models.LockerStatusReserved, models.LockerStatusOwned, models.LockerStatusOpening:
	default:
		return s.invalidTransition(locker, models.LockerStatusFree)
	}

	if err := s.clearTo(ctx, locker, models.LockerStatusFree); err != nil {
		return err
	}
	s.audit(ctx, models.AuditEventStaffOverride, locker, staffActor, "")
	return nil
}

// BulkRelease 批量释放整机柜格（结束营业/换场）
// VIP和Blocked不参与；随后下发一条bulk_open整机命令
func (s *Service) BulkRelease(ctx context.Context, kioskID string, actor string) (string, int, error) {
	lockers, err := s.lockerRepo.FindByKiosk(ctx, kioskID)
	if err != nil {
		return "", 0, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}

	released := make([]uint, 0, len(lockers))
	for _, locker := range lockers {
		if locker.IsVIP {
			continue
		}
		switch locker.Status {
		case models.LockerStatusReserved, models.LockerStatusOwned:
		default:
			continue
		}

		if err := s.clearTo(ctx, locker, models.LockerStatusFree); err != nil {
			if apperrors.Is(err, apperrors.ErrConflict) {
				// 竞争方正在操作这个柜格，跳过
				continue
			}
			return "", len(released), err
		}
		released = append(released, locker.LockerID)
	}

	if len(released) == 0 {
		return "", 0, nil
	}

	ids := make([]interface{}, len(released))
	for i, id := range released {
		ids[i] = id
	}
	cmd := &models.Command{
		CommandID: uuid.New().String(),
		KioskID:   kioskID,
		Type:      models.CommandTypeBulkOpen,
		Payload: models.JSONMap{
			"locker_ids": ids,
		},
	}
	if err := s.commandRepo.Enqueue(ctx, cmd); err != nil {
		return "", len(released), apperrors.Wrap(err, apperrors.ErrDatabaseUpdate)
	}

	s.auditKiosk(ctx, models.AuditEventBulkRelease, kioskID, actor, cmd.CommandID, len(released))
	return cmd.CommandID, len(released), nil
}

// ExpireReservations 过期预定回收
// 返回本次回收的柜格数，由调度器周期调用
func (s *Service) ExpireReservations(ctx context.Context) int {
	expired, err := s.lockerRepo.FindExpiredReservations(ctx, s.cfg.ReserveTTL)
	if err != nil {
		s.logger.Error("过期预定查询失败", zap.Error(err))
		return 0
	}

	count := 0
	for _, locker := range expired {
		if err := s.clearTo(ctx, locker, models.LockerStatusFree); err != nil {
			if apperrors.Is(err, apperrors.ErrConflict) {
				// 持卡人恰好在此刻确认了，让确认赢
				continue
			}
			s.logger.Error("过期预定回收失败",
				zap.String("kiosk_id", locker.KioskID),
				zap.Uint("locker_id", locker.LockerID),
				zap.Error(err))
			continue
		}

		s.logger.Info("预定超时回收",
			zap.String("kiosk_id", locker.KioskID),
			zap.Uint("locker_id", locker.LockerID))
		s.audit(ctx, models.AuditEventRelease, locker, "system", "")
		count++
	}
	return count
}

// OwnedBy 查询归属键当前持有的柜格
func (s *Service) OwnedBy(ctx context.Context, ownerKey string) ([]*models.Locker, error) {
	return s.lockerRepo.FindOwnedByKey(ctx, ownerKey)
}

// GetLockers 柜机柜格快照
func (s *Service) GetLockers(ctx context.Context, kioskID string) ([]*models.Locker, error) {
	return s.lockerRepo.FindByKiosk(ctx, kioskID)
}

// clearTo 清空所有权并转到目标状态
func (s *Service) clearTo(ctx context.Context, locker *models.Locker, to models.LockerStatus) error {
	err := s.lockerRepo.UpdateWithVersion(ctx, locker, map[string]interface{}{
		"status":        to,
		"owner_type":    models.OwnerTypeNone,
		"owner_key":     "",
		"reserved_at":   nil,
		"owned_at":      nil,
		"failure_count": 0,
	})
	if err != nil {
		return err
	}

	locker.Status = to
	locker.OwnerType = models.OwnerTypeNone
	locker.OwnerKey = ""
	locker.ReservedAt = nil
	locker.OwnedAt = nil
	locker.FailureCount = 0
	s.publishState(locker)
	return nil
}

// checkOwnerLimit 一张卡同时最多持有一个非VIP柜格
func (s *Service) checkOwnerLimit(ctx context.Context, ownerKey string) error {
	owned, err := s.lockerRepo.FindOwnedByKey(ctx, ownerKey)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	for _, l := range owned {
		if !l.IsVIP {
			return apperrors.Newf(apperrors.ErrOwnerLimit, "持卡人已持有柜格 %s/%d", l.KioskID, l.LockerID)
		}
	}
	return nil
}

func (s *Service) find(ctx context.Context, kioskID string, lockerID uint) (*models.Locker, error) {
	locker, err := s.lockerRepo.FindByKioskAndLocker(ctx, kioskID, lockerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "柜格 %s/%d 不存在", kioskID, lockerID)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return locker, nil
}

func (s *Service) invalidTransition(locker *models.Locker, to models.LockerStatus) error {
	return apperrors.Newf(apperrors.ErrInvalidTransition, "柜格 %s/%d 不允许 %s -> %s",
		locker.KioskID, locker.LockerID, locker.Status, to)
}

// publishState 广播state_update事件
func (s *Service) publishState(locker *models.Locker) {
	payload := map[string]interface{}{
		"status":     locker.Status,
		"version":    locker.Version,
		"changed_at": time.Now(),
	}
	if locker.OwnerKey != "" {
		payload["owner_key"] = locker.OwnerKey
	}
	s.hub.PublishEvent(websocket.MessageTypeStateUpdate, locker.KioskID, &locker.LockerID, payload)
}

func (s *Service) audit(ctx context.Context, event models.AuditEvent, locker *models.Locker, actor, commandID string) {
	lockerID := locker.LockerID
	log := &models.AuditLog{
		Event:     event,
		KioskID:   locker.KioskID,
		LockerID:  &lockerID,
		Actor:     actor,
		CommandID: commandID,
	}
	if err := s.auditRepo.Create(ctx, log); err != nil {
		s.logger.Error("写入审计日志失败",
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

func (s *Service) auditKiosk(ctx context.Context, event models.AuditEvent, kioskID, actor, commandID string, count int) {
	log := &models.AuditLog{
		Event:     event,
		KioskID:   kioskID,
		Actor:     actor,
		CommandID: commandID,
		Detail: models.JSONMap{
			"released": count,
		},
	}
	if err := s.auditRepo.Create(ctx, log); err != nil {
		s.logger.Error("写入审计日志失败",
			zap.String("event", string(event)),
			zap.Error(err))
	}
}
