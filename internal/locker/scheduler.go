package locker

import (
	"context"
	"errors"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	"github.com/mredag/eformLockerRoom-sub004/internal/logger"
	"github.com/mredag/eformLockerRoom-sub004/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ScheduleBulkRelease 批量释放任务名
const ScheduleBulkRelease = "bulk_release"

// Scheduler 后台调度器
// 两件事：过期预定回收、按固定间隔的整点批量释放。
// 批量释放的上次执行时间落库，重启后从LastRunAt接着算，
// 间隔不会因进程重启而被拉长
type Scheduler struct {
	cfg          *config.LockerConfig
	service      *Service
	kioskRepo    repository.KioskRepository
	scheduleRepo repository.ScheduleRepository
	logger       *zap.Logger

	stopChan chan struct{}
}

// NewScheduler 创建调度器
func NewScheduler(
	cfg *config.LockerConfig,
	service *Service,
	kioskRepo repository.KioskRepository,
	scheduleRepo repository.ScheduleRepository,
) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		service:      service,
		kioskRepo:    kioskRepo,
		scheduleRepo: scheduleRepo,
		logger:       logger.GetLogger(),
		stopChan:     make(chan struct{}),
	}
}

// Run 运行调度循环
func (s *Scheduler) Run() {
	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()

	s.logger.Info("调度器启动",
		zap.Duration("reserve_ttl", s.cfg.ReserveTTL),
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.Duration("release_interval", s.cfg.ReleaseInterval))

	// 批量释放按落库的上次执行时间排下一次
	releaseTimer := time.NewTimer(s.untilNextBulkRelease())
	defer releaseTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return

		case <-sweepTicker.C:
			if n := s.service.ExpireReservations(context.Background()); n > 0 {
				s.logger.Info("过期预定回收完成", zap.Int("count", n))
			}

		case <-releaseTimer.C:
			s.runBulkRelease(context.Background())
			releaseTimer.Reset(s.untilNextBulkRelease())
		}
	}
}

// Stop 停止调度
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// untilNextBulkRelease 计算距下次批量释放的等待时长
// 从未执行过或已逾期则立即执行
func (s *Scheduler) untilNextBulkRelease() time.Duration {
	if s.cfg.ReleaseInterval <= 0 {
		// 功能关闭，定时器永不触发
		return time.Duration(1<<62 - 1)
	}

	run, err := s.scheduleRepo.FindByName(context.Background(), ScheduleBulkRelease)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Error("读取任务执行记录失败", zap.Error(err))
		}
		return 0
	}

	next := run.NextRun(s.cfg.ReleaseInterval)
	wait := time.Until(next)
	if wait < 0 {
		return 0
	}
	return wait
}

// runBulkRelease 对全部柜机执行一次批量释放
func (s *Scheduler) runBulkRelease(ctx context.Context) {
	now := time.Now()

	kiosks, err := s.kioskRepo.FindAll(ctx)
	if err != nil {
		s.logger.Error("批量释放查询柜机失败", zap.Error(err))
		return
	}

	total := 0
	for _, kiosk := range kiosks {
		_, released, err := s.service.BulkRelease(ctx, kiosk.KioskID, "system")
		if err != nil {
			s.logger.Error("批量释放失败",
				zap.String("kiosk_id", kiosk.KioskID),
				zap.Error(err))
			continue
		}
		total += released
	}

	if err := s.scheduleRepo.MarkRun(ctx, ScheduleBulkRelease, now); err != nil {
		s.logger.Error("记录任务执行时间失败", zap.Error(err))
	}

	s.logger.Info("批量释放完成",
		zap.Int("kiosks", len(kiosks)),
		zap.Int("released", total))
}
