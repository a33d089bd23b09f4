package repository

import (
	"context"
	"testing"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRepository_EnqueueAndNextPending(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewCommandRepository(db)
	ctx := context.Background()

	// 按顺序入队三条命令
	for i := uint(1); i <= 3; i++ {
		cmd := CreateTestCommand("kiosk-001", i, models.CommandTypeOpen)
		require.NoError(t, repo.Enqueue(ctx, cmd))
	}

	// 必须按入队顺序取出
	next, err := repo.NextPending(ctx, "kiosk-001")
	require.NoError(t, err)
	assert.Equal(t, uint(1), *next.LockerID)

	// 未标记状态前重复取仍是同一条
	again, err := repo.NextPending(ctx, "kiosk-001")
	require.NoError(t, err)
	assert.Equal(t, next.ID, again.ID)
}

func TestCommandRepository_IdempotencyKey(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewCommandRepository(db)
	ctx := context.Background()

	lockerID := uint(1)
	cmd := &models.Command{
		CommandID: "fixed-command-id",
		KioskID:   "kiosk-001",
		LockerID:  &lockerID,
		Type:      models.CommandTypeOpen,
	}
	require.NoError(t, repo.Enqueue(ctx, cmd))

	// 相同幂等键二次入队被唯一索引拒绝
	dup := &models.Command{
		CommandID: "fixed-command-id",
		KioskID:   "kiosk-001",
		LockerID:  &lockerID,
		Type:      models.CommandTypeOpen,
	}
	assert.Error(t, repo.Enqueue(ctx, dup))

	found, err := repo.FindByCommandID(ctx, "fixed-command-id")
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, found.ID)
}

func TestCommandRepository_Lifecycle(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewCommandRepository(db)
	ctx := context.Background()

	cmd := CreateTestCommand("kiosk-001", 1, models.CommandTypeOpen)
	require.NoError(t, repo.Enqueue(ctx, cmd))

	// pending -> dispatched
	require.NoError(t, repo.MarkDispatched(ctx, cmd.ID))
	found, err := repo.FindByID(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandStatusDispatched, found.Status)
	assert.NotNil(t, found.ExecutedAt)

	// dispatched -> succeeded
	require.NoError(t, repo.MarkSucceeded(ctx, cmd.ID, "开柜成功"))
	found, err = repo.FindByID(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandStatusSucceeded, found.Status)
	assert.True(t, found.Terminal())
}

func TestCommandRepository_IncrementRetry(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewCommandRepository(db)
	ctx := context.Background()

	cmd := CreateTestCommand("kiosk-001", 1, models.CommandTypeOpen)
	require.NoError(t, repo.Enqueue(ctx, cmd))
	require.NoError(t, repo.MarkDispatched(ctx, cmd.ID))

	// 失败重试：退回pending并累加计数
	require.NoError(t, repo.IncrementRetry(ctx, cmd.ID))
	found, err := repo.FindByID(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandStatusPending, found.Status)
	assert.Equal(t, 1, found.RetryCount)
}

func TestCommandRepository_RequeueDispatched(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewCommandRepository(db)
	ctx := context.Background()

	// 模拟崩溃现场：一条命令悬挂在dispatched
	cmd := CreateTestCommand("kiosk-001", 1, models.CommandTypeOpen)
	require.NoError(t, repo.Enqueue(ctx, cmd))
	require.NoError(t, repo.MarkDispatched(ctx, cmd.ID))

	done := CreateTestCommand("kiosk-001", 2, models.CommandTypeOpen)
	require.NoError(t, repo.Enqueue(ctx, done))
	require.NoError(t, repo.MarkDispatched(ctx, done.ID))
	require.NoError(t, repo.MarkSucceeded(ctx, done.ID, "ok"))

	// 重启恢复只影响dispatched，不影响终态
	n, err := repo.RequeueDispatched(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := repo.FindByID(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandStatusPending, found.Status)

	found, err = repo.FindByID(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandStatusSucceeded, found.Status)
}

func TestCommandRepository_PendingKiosks(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewCommandRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, CreateTestCommand("kiosk-001", 1, models.CommandTypeOpen)))
	require.NoError(t, repo.Enqueue(ctx, CreateTestCommand("kiosk-001", 2, models.CommandTypeOpen)))
	require.NoError(t, repo.Enqueue(ctx, CreateTestCommand("kiosk-002", 1, models.CommandTypeOpen)))

	kiosks, err := repo.PendingKiosks(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"kiosk-001", "kiosk-002"}, kiosks)

	count, err := repo.CountPending(ctx, "kiosk-001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestCommandRepository_PurgeTerminal(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewCommandRepository(db)
	ctx := context.Background()

	cmd := CreateTestCommand("kiosk-001", 1, models.CommandTypeOpen)
	require.NoError(t, repo.Enqueue(ctx, cmd))
	require.NoError(t, repo.MarkSucceeded(ctx, cmd.ID, "ok"))

	// 把更新时间改到很久以前
	require.NoError(t, db.Model(&models.Command{}).Where("id = ?", cmd.ID).
		Update("updated_at", time.Now().Add(-48*time.Hour)).Error)

	n, err := repo.PurgeTerminal(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
