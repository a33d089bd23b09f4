package repository

import (
	"context"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScheduleRepository 定时任务执行记录仓储接口
type ScheduleRepository interface {
	BaseRepository
	FindByName(ctx context.Context, name string) (*models.ScheduleRun, error)
	MarkRun(ctx context.Context, name string, at time.Time) error
}

// scheduleRepo 定时任务仓储实现
type scheduleRepo struct {
	*BaseRepo
}

// NewScheduleRepository 创建定时任务仓储
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &scheduleRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// FindByName 根据任务名查找执行记录
func (r *scheduleRepo) FindByName(ctx context.Context, name string) (*models.ScheduleRun, error) {
	var run models.ScheduleRun
	err := r.db.WithContext(ctx).
		Where("name = ?", name).
		First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// MarkRun 记录任务执行时间
func (r *scheduleRepo) MarkRun(ctx context.Context, name string, at time.Time) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_run_at", "updated_at"}),
		}).
		Create(&models.ScheduleRun{Name: name, LastRunAt: at}).Error
}

// WithTx 使用事务
func (r *scheduleRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &scheduleRepo{
		BaseRepo: &BaseRepo{db: tx},
	}
}
