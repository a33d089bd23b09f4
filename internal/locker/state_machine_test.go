package locker

import (
	"context"
	"testing"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"github.com/mredag/eformLockerRoom-sub004/internal/repository"
	"github.com/mredag/eformLockerRoom-sub004/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *websocket.Hub) {
	db := repository.SetupTestDB()
	t.Cleanup(func() { repository.CleanupTestDB(db) })

	hub := websocket.NewHub(zap.NewNop(), 256)
	svc := NewService(
		&config.LockerConfig{
			ReserveTTL:          90 * time.Second,
			SweepInterval:       5 * time.Second,
			MaxHardwareFailures: 3,
		},
		repository.NewLockerRepository(db),
		repository.NewCommandRepository(db),
		repository.NewAuditLogRepository(db),
		hub,
	)
	return svc, db, hub
}

func seedLockers(t *testing.T, db *gorm.DB, kioskID string, count int) {
	repository.SeedTestLockers(t, db, kioskID, count)
}

func getLocker(t *testing.T, db *gorm.DB, kioskID string, lockerID uint) *models.Locker {
	var locker models.Locker
	require.NoError(t, db.Where("kiosk_id = ? AND locker_id = ?", kioskID, lockerID).First(&locker).Error)
	return &locker
}

func lastCommand(t *testing.T, db *gorm.DB) *models.Command {
	var cmd models.Command
	require.NoError(t, db.Order("id desc").First(&cmd).Error)
	return &cmd
}

// 完整流程：空闲 -> 预定 -> 确认开门 -> 持有 -> 再次刷卡释放 -> 空闲
func TestService_CardLifecycle(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 5)

	// 刷卡预定5号柜格
	locker, err := svc.Reserve(ctx, "kiosk-001", 5, models.OwnerTypeCard, "card-A")
	require.NoError(t, err)
	assert.Equal(t, models.LockerStatusReserved, locker.Status)
	assert.Equal(t, "card-A", locker.OwnerKey)

	// 确认：进入Owned并下发开门命令（放物品）
	commandID, err := svc.Confirm(ctx, "kiosk-001", 5, "card-A")
	require.NoError(t, err)
	require.NotEmpty(t, commandID)

	stored := getLocker(t, db, "kiosk-001", 5)
	assert.Equal(t, models.LockerStatusOpening, stored.Status)

	// 开门成功：非释放开门回到Owned
	cmd := lastCommand(t, db)
	assert.Equal(t, commandID, cmd.CommandID)
	require.NoError(t, svc.HandleOpenSuccess(ctx, cmd))

	stored = getLocker(t, db, "kiosk-001", 5)
	assert.Equal(t, models.LockerStatusOwned, stored.Status)
	assert.Equal(t, "card-A", stored.OwnerKey)

	// 再次刷卡：释放开门
	_, err = svc.Release(ctx, "kiosk-001", 5, "card-A", false)
	require.NoError(t, err)

	stored = getLocker(t, db, "kiosk-001", 5)
	assert.Equal(t, models.LockerStatusOpening, stored.Status)

	// 开门成功即释放
	cmd = lastCommand(t, db)
	require.NoError(t, svc.HandleOpenSuccess(ctx, cmd))

	stored = getLocker(t, db, "kiosk-001", 5)
	assert.Equal(t, models.LockerStatusFree, stored.Status)
	assert.Empty(t, stored.OwnerKey)
	assert.Equal(t, models.OwnerTypeNone, stored.OwnerType)
}

// VIP柜格开门后保持Owned，不自动释放
func TestService_VIPRetainsOwnership(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 2)
	require.NoError(t, db.Model(&models.Locker{}).
		Where("kiosk_id = ? AND locker_id = ?", "kiosk-001", 1).
		Updates(map[string]interface{}{
			"is_vip":     true,
			"status":     models.LockerStatusOwned,
			"owner_type": models.OwnerTypeVIP,
			"owner_key":  "card-vip",
		}).Error)

	_, err := svc.Release(ctx, "kiosk-001", 1, "card-vip", false)
	require.NoError(t, err)

	cmd := lastCommand(t, db)
	require.NoError(t, svc.HandleOpenSuccess(ctx, cmd))

	stored := getLocker(t, db, "kiosk-001", 1)
	assert.Equal(t, models.LockerStatusOwned, stored.Status)
	assert.Equal(t, "card-vip", stored.OwnerKey)
}

// 并发预定同一柜格：只有一方成功，输家收到Conflict
func TestService_ConcurrentReserveOneWins(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 1)

	_, err := svc.Reserve(ctx, "kiosk-001", 1, models.OwnerTypeCard, "card-A")
	require.NoError(t, err)

	// 竞争方稍后到达，状态已变
	_, err = svc.Reserve(ctx, "kiosk-001", 1, models.OwnerTypeCard, "card-B")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	// 持有者是赢家
	stored := getLocker(t, db, "kiosk-001", 1)
	assert.Equal(t, "card-A", stored.OwnerKey)
}

// ReserveAny在CAS竞争输掉时换下一个候选
func TestService_ReserveAnySkipsContested(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 3)

	a, err := svc.ReserveAny(ctx, "kiosk-001", models.OwnerTypeCard, "card-A")
	require.NoError(t, err)
	b, err := svc.ReserveAny(ctx, "kiosk-001", models.OwnerTypeCard, "card-B")
	require.NoError(t, err)

	assert.NotEqual(t, a.LockerID, b.LockerID)
	assert.Equal(t, models.LockerStatusReserved, getLocker(t, db, "kiosk-001", a.LockerID).Status)
	assert.Equal(t, models.LockerStatusReserved, getLocker(t, db, "kiosk-001", b.LockerID).Status)
}

// 一张卡同时只能持有一个非VIP柜格
func TestService_OwnerLimit(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 3)

	_, err := svc.ReserveAny(ctx, "kiosk-001", models.OwnerTypeCard, "card-A")
	require.NoError(t, err)

	_, err = svc.ReserveAny(ctx, "kiosk-001", models.OwnerTypeCard, "card-A")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrOwnerLimit))
}

// 他人柜格不能确认也不能释放
func TestService_OwnershipEnforced(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 1)

	_, err := svc.Reserve(ctx, "kiosk-001", 1, models.OwnerTypeCard, "card-A")
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, "kiosk-001", 1, "card-B")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrPermissionDenied))

	// 正主确认并完成开门
	_, err = svc.Confirm(ctx, "kiosk-001", 1, "card-A")
	require.NoError(t, err)
	cmd := lastCommand(t, db)
	require.NoError(t, svc.HandleOpenSuccess(ctx, cmd))

	_, err = svc.Release(ctx, "kiosk-001", 1, "card-B", false)
	require.Error(t, err)

	_, err = svc.Release(ctx, "kiosk-001", 1, "staff-1", true)
	require.NoError(t, err)
}

// 预定超时回收：只回收超过TTL的，不提前
func TestService_ExpireReservations(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 2)

	_, err := svc.Reserve(ctx, "kiosk-001", 1, models.OwnerTypeCard, "card-A")
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, "kiosk-001", 2, models.OwnerTypeCard, "card-B")
	require.NoError(t, err)

	// 1号的预定时间改到TTL之前
	require.NoError(t, db.Model(&models.Locker{}).
		Where("kiosk_id = ? AND locker_id = ?", "kiosk-001", 1).
		Update("reserved_at", time.Now().Add(-2*time.Minute)).Error)

	n := svc.ExpireReservations(ctx)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.LockerStatusFree, getLocker(t, db, "kiosk-001", 1).Status)
	assert.Equal(t, models.LockerStatusReserved, getLocker(t, db, "kiosk-001", 2).Status)

	// 再跑一遍不会重复回收
	assert.Equal(t, 0, svc.ExpireReservations(ctx))
}

// 开门命令终态失败：未达max_hardware_failures退回Owned可重试，
// 达到阈值才进入Error并广播error事件
func TestService_HandleOpenFailure(t *testing.T) {
	svc, db, hub := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 1)

	_, err := svc.Reserve(ctx, "kiosk-001", 1, models.OwnerTypeCard, "card-A")
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, "kiosk-001", 1, "card-A")
	require.NoError(t, err)

	cause := apperrors.New(apperrors.ErrSerialTimeout)

	// 第一次失败：阈值是3，退回Owned让持卡人再试
	require.NoError(t, svc.HandleOpenFailure(ctx, lastCommand(t, db), cause))
	stored := getLocker(t, db, "kiosk-001", 1)
	assert.Equal(t, models.LockerStatusOwned, stored.Status)
	assert.Equal(t, 1, stored.FailureCount)

	// 第二次失败：再刷卡取物再失败，仍可重试
	_, err = svc.Release(ctx, "kiosk-001", 1, "card-A", false)
	require.NoError(t, err)
	require.NoError(t, svc.HandleOpenFailure(ctx, lastCommand(t, db), cause))
	stored = getLocker(t, db, "kiosk-001", 1)
	assert.Equal(t, models.LockerStatusOwned, stored.Status)
	assert.Equal(t, 2, stored.FailureCount)

	// 前两次失败不广播error事件也不记审计
	for _, e := range hub.EventsSince(0) {
		assert.NotEqual(t, websocket.MessageTypeHardwareError, e.Type)
	}

	// 第三次失败达到阈值，进入Error
	_, err = svc.Release(ctx, "kiosk-001", 1, "card-A", false)
	require.NoError(t, err)
	cmd := lastCommand(t, db)
	require.NoError(t, svc.HandleOpenFailure(ctx, cmd, cause))
	stored = getLocker(t, db, "kiosk-001", 1)
	assert.Equal(t, models.LockerStatusError, stored.Status)
	assert.Equal(t, 3, stored.FailureCount)

	// 重复投递同一失败结果是no-op（终态处理幂等）
	require.NoError(t, svc.HandleOpenFailure(ctx, cmd, cause))
	stored = getLocker(t, db, "kiosk-001", 1)
	assert.Equal(t, 3, stored.FailureCount)

	// error事件恰好广播一次，线上类型按协议用error
	errorEvents := 0
	for _, e := range hub.EventsSince(0) {
		if e.Type == websocket.MessageTypeHardwareError {
			assert.Equal(t, "error", e.Type)
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)

	// 硬件失败审计恰好一条
	var count int64
	require.NoError(t, db.Model(&models.AuditLog{}).
		Where("event = ?", models.AuditEventHardwareFailure).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

// 故障恢复只能由工作人员从Error状态发起
func TestService_RecoverError(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 1)

	// 非Error状态不允许恢复
	err := svc.RecoverError(ctx, "kiosk-001", 1, "staff-1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	require.NoError(t, db.Model(&models.Locker{}).
		Where("kiosk_id = ? AND locker_id = ?", "kiosk-001", 1).
		Update("status", models.LockerStatusError).Error)

	require.NoError(t, svc.RecoverError(ctx, "kiosk-001", 1, "staff-1"))
	assert.Equal(t, models.LockerStatusFree, getLocker(t, db, "kiosk-001", 1).Status)
}

// 锁定的柜格不参与分配
func TestService_BlockExcludesFromAssignment(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 1)

	require.NoError(t, svc.Block(ctx, "kiosk-001", 1, "staff-1"))

	_, err := svc.Reserve(ctx, "kiosk-001", 1, models.OwnerTypeCard, "card-A")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrLockerBlocked))

	_, err = svc.ReserveAny(ctx, "kiosk-001", models.OwnerTypeCard, "card-A")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrLockerOccupied))

	require.NoError(t, svc.Unblock(ctx, "kiosk-001", 1, "staff-1"))
	_, err = svc.Reserve(ctx, "kiosk-001", 1, models.OwnerTypeCard, "card-A")
	require.NoError(t, err)
}

// 强制释放清空所有权，不下发硬件命令
func TestService_ForceRelease(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 1)

	_, err := svc.Reserve(ctx, "kiosk-001", 1, models.OwnerTypeCard, "card-A")
	require.NoError(t, err)

	var before int64
	require.NoError(t, db.Model(&models.Command{}).Count(&before).Error)

	require.NoError(t, svc.ForceRelease(ctx, "kiosk-001", 1, "staff-1"))

	stored := getLocker(t, db, "kiosk-001", 1)
	assert.Equal(t, models.LockerStatusFree, stored.Status)
	assert.Empty(t, stored.OwnerKey)

	var after int64
	require.NoError(t, db.Model(&models.Command{}).Count(&after).Error)
	assert.Equal(t, before, after)
}

// 批量释放跳过VIP和Blocked，并下发整机bulk_open
func TestService_BulkRelease(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 4)

	require.NoError(t, db.Model(&models.Locker{}).
		Where("kiosk_id = ? AND locker_id = ?", "kiosk-001", 1).
		Updates(map[string]interface{}{
			"status":    models.LockerStatusOwned,
			"owner_key": "card-A",
		}).Error)
	require.NoError(t, db.Model(&models.Locker{}).
		Where("kiosk_id = ? AND locker_id = ?", "kiosk-001", 2).
		Updates(map[string]interface{}{
			"status":    models.LockerStatusOwned,
			"owner_key": "card-vip",
			"is_vip":    true,
		}).Error)
	require.NoError(t, db.Model(&models.Locker{}).
		Where("kiosk_id = ? AND locker_id = ?", "kiosk-001", 3).
		Update("status", models.LockerStatusBlocked).Error)

	commandID, released, err := svc.BulkRelease(ctx, "kiosk-001", "staff-1")
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	require.NotEmpty(t, commandID)

	assert.Equal(t, models.LockerStatusFree, getLocker(t, db, "kiosk-001", 1).Status)
	assert.Equal(t, models.LockerStatusOwned, getLocker(t, db, "kiosk-001", 2).Status)
	assert.Equal(t, models.LockerStatusBlocked, getLocker(t, db, "kiosk-001", 3).Status)

	cmd := lastCommand(t, db)
	assert.Equal(t, models.CommandTypeBulkOpen, cmd.Type)
	assert.Nil(t, cmd.LockerID)
}

// 每次成功转换version单调递增
func TestService_VersionMonotonic(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 1)

	v0 := getLocker(t, db, "kiosk-001", 1).Version

	_, err := svc.Reserve(ctx, "kiosk-001", 1, models.OwnerTypeCard, "card-A")
	require.NoError(t, err)
	v1 := getLocker(t, db, "kiosk-001", 1).Version
	assert.Greater(t, v1, v0)

	_, err = svc.Confirm(ctx, "kiosk-001", 1, "card-A")
	require.NoError(t, err)
	v2 := getLocker(t, db, "kiosk-001", 1).Version
	assert.Greater(t, v2, v1)
}

// 状态变更按序广播state_update
func TestService_BroadcastsStateUpdates(t *testing.T) {
	svc, db, hub := newTestService(t)
	ctx := context.Background()
	seedLockers(t, db, "kiosk-001", 1)

	_, err := svc.Reserve(ctx, "kiosk-001", 1, models.OwnerTypeCard, "card-A")
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, "kiosk-001", 1, "card-A")
	require.NoError(t, err)

	events := hub.EventsSince(0)
	require.NotEmpty(t, events)

	var types []string
	for _, e := range events {
		if e.Type == websocket.MessageTypeStateUpdate {
			types = append(types, e.Type)
		}
	}
	// reserved、owned、opening三次转换
	assert.Len(t, types, 3)

	// 序号严格递增
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}
