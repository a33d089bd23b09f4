package locker

import (
	"context"
	"testing"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"github.com/mredag/eformLockerRoom-sub004/internal/repository"
	"github.com/mredag/eformLockerRoom-sub004/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestScheduler(t *testing.T, releaseInterval time.Duration) (*Scheduler, *gorm.DB) {
	db := repository.SetupTestDB()
	t.Cleanup(func() { repository.CleanupTestDB(db) })

	cfg := &config.LockerConfig{
		ReserveTTL:          90 * time.Second,
		SweepInterval:       5 * time.Second,
		ReleaseInterval:     releaseInterval,
		MaxHardwareFailures: 3,
	}

	hub := websocket.NewHub(zap.NewNop(), 256)
	service := NewService(cfg,
		repository.NewLockerRepository(db),
		repository.NewCommandRepository(db),
		repository.NewAuditLogRepository(db),
		hub)

	s := NewScheduler(cfg, service,
		repository.NewKioskRepository(db),
		repository.NewScheduleRepository(db))
	return s, db
}

func TestScheduler_FirstBulkReleaseRunsImmediately(t *testing.T) {
	s, _ := newTestScheduler(t, 24*time.Hour)

	// 从未执行过，等待时长为零
	assert.Equal(t, time.Duration(0), s.untilNextBulkRelease())
}

func TestScheduler_WaitSurvivesRestart(t *testing.T) {
	s, db := newTestScheduler(t, 24*time.Hour)
	scheduleRepo := repository.NewScheduleRepository(db)

	// 模拟上次执行在1小时前，重启后接着算剩余等待
	lastRun := time.Now().Add(-time.Hour)
	require.NoError(t, scheduleRepo.MarkRun(context.Background(), ScheduleBulkRelease, lastRun))

	wait := s.untilNextBulkRelease()
	assert.Greater(t, wait, 22*time.Hour)
	assert.LessOrEqual(t, wait, 23*time.Hour)
}

func TestScheduler_OverdueRunsImmediately(t *testing.T) {
	s, db := newTestScheduler(t, 24*time.Hour)
	scheduleRepo := repository.NewScheduleRepository(db)

	lastRun := time.Now().Add(-25 * time.Hour)
	require.NoError(t, scheduleRepo.MarkRun(context.Background(), ScheduleBulkRelease, lastRun))

	assert.Equal(t, time.Duration(0), s.untilNextBulkRelease())
}

func TestScheduler_DisabledWhenIntervalZero(t *testing.T) {
	s, _ := newTestScheduler(t, 0)

	assert.Greater(t, s.untilNextBulkRelease(), 100000*time.Hour)
}

func TestScheduler_RunBulkReleaseCoversAllKiosks(t *testing.T) {
	s, db := newTestScheduler(t, 24*time.Hour)
	ctx := context.Background()

	repository.SeedTestKiosk(t, db, "kiosk-001")
	repository.SeedTestKiosk(t, db, "kiosk-002")
	repository.SeedTestLockers(t, db, "kiosk-001", 2)
	repository.SeedTestLockers(t, db, "kiosk-002", 2)

	for _, kioskID := range []string{"kiosk-001", "kiosk-002"} {
		_, err := s.service.Reserve(ctx, kioskID, 1, models.OwnerTypeCard, "card-"+kioskID)
		require.NoError(t, err)
	}

	s.runBulkRelease(ctx)

	// 两台柜机的占用柜格都被释放
	lockerRepo := repository.NewLockerRepository(db)
	for _, kioskID := range []string{"kiosk-001", "kiosk-002"} {
		counts, err := lockerRepo.CountByStatus(ctx, kioskID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[models.LockerStatusFree], kioskID)
	}

	// 执行时间落库，下一次从这里接着算
	run, err := repository.NewScheduleRepository(db).FindByName(ctx, ScheduleBulkRelease)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), run.LastRunAt, 5*time.Second)
}
