package repository

import (
	"context"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"gorm.io/gorm"
)

// CommandRepository 命令队列仓储接口
type CommandRepository interface {
	BaseRepository
	Enqueue(ctx context.Context, cmd *models.Command) error
	FindByID(ctx context.Context, id uint) (*models.Command, error)
	FindByCommandID(ctx context.Context, commandID string) (*models.Command, error)
	NextPending(ctx context.Context, kioskID string) (*models.Command, error)
	PendingKiosks(ctx context.Context) ([]string, error)
	CountPending(ctx context.Context, kioskID string) (int64, error)
	MarkDispatched(ctx context.Context, id uint) error
	MarkSucceeded(ctx context.Context, id uint, message string) error
	MarkFailed(ctx context.Context, id uint, message string) error
	IncrementRetry(ctx context.Context, id uint) error
	RequeueDispatched(ctx context.Context, kioskID string) (int64, error)
	FindRecent(ctx context.Context, kioskID string, p *Pagination) ([]*models.Command, error)
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// commandRepo 命令队列仓储实现
type commandRepo struct {
	*BaseRepo
}

// NewCommandRepository 创建命令队列仓储
func NewCommandRepository(db *gorm.DB) CommandRepository {
	return &commandRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// Enqueue 入队新命令
func (r *commandRepo) Enqueue(ctx context.Context, cmd *models.Command) error {
	if cmd.Status == "" {
		cmd.Status = models.CommandStatusPending
	}
	return r.db.WithContext(ctx).Create(cmd).Error
}

// FindByID 根据ID查找
func (r *commandRepo) FindByID(ctx context.Context, id uint) (*models.Command, error) {
	var cmd models.Command
	err := r.db.WithContext(ctx).First(&cmd, id).Error
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// FindByCommandID 根据幂等键查找
func (r *commandRepo) FindByCommandID(ctx context.Context, commandID string) (*models.Command, error) {
	var cmd models.Command
	err := r.db.WithContext(ctx).
		Where("command_id = ?", commandID).
		First(&cmd).Error
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// NextPending 取柜机最旧的待下发命令
// 按入队顺序下发，保证同一柜机上命令串行执行
func (r *commandRepo) NextPending(ctx context.Context, kioskID string) (*models.Command, error) {
	var cmd models.Command
	err := r.db.WithContext(ctx).
		Where("kiosk_id = ? AND status = ?", kioskID, models.CommandStatusPending).
		Order("created_at, id").
		First(&cmd).Error
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// PendingKiosks 查找有待下发命令的柜机列表
func (r *commandRepo) PendingKiosks(ctx context.Context) ([]string, error) {
	var kioskIDs []string
	err := r.db.WithContext(ctx).
		Model(&models.Command{}).
		Where("status = ?", models.CommandStatusPending).
		Distinct("kiosk_id").
		Pluck("kiosk_id", &kioskIDs).Error
	return kioskIDs, err
}

// CountPending 统计柜机待下发命令数
func (r *commandRepo) CountPending(ctx context.Context, kioskID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Command{}).
		Where("kiosk_id = ? AND status = ?", kioskID, models.CommandStatusPending).
		Count(&count).Error
	return count, err
}

// MarkDispatched 标记命令已下发
func (r *commandRepo) MarkDispatched(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).
		Model(&models.Command{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      models.CommandStatusDispatched,
			"executed_at": time.Now(),
		}).Error
}

// MarkSucceeded 标记命令执行成功
func (r *commandRepo) MarkSucceeded(ctx context.Context, id uint, message string) error {
	return r.db.WithContext(ctx).
		Model(&models.Command{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.CommandStatusSucceeded,
			"result_message": message,
		}).Error
}

// MarkFailed 标记命令终态失败
func (r *commandRepo) MarkFailed(ctx context.Context, id uint, message string) error {
	return r.db.WithContext(ctx).
		Model(&models.Command{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.CommandStatusFailed,
			"result_message": message,
		}).Error
}

// IncrementRetry 累加重试计数并退回pending
func (r *commandRepo) IncrementRetry(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).
		Model(&models.Command{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      models.CommandStatusPending,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}

// RequeueDispatched 进程重启后把悬挂的dispatched命令退回pending
// 命令自带幂等键，重复投递由接收端判重
func (r *commandRepo) RequeueDispatched(ctx context.Context, kioskID string) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Command{}).
		Where("status = ?", models.CommandStatusDispatched)
	if kioskID != "" {
		query = query.Where("kiosk_id = ?", kioskID)
	}
	result := query.Update("status", models.CommandStatusPending)
	return result.RowsAffected, result.Error
}

// FindRecent 查询柜机最近的命令记录
func (r *commandRepo) FindRecent(ctx context.Context, kioskID string, p *Pagination) ([]*models.Command, error) {
	var cmds []*models.Command
	query := r.db.WithContext(ctx).Model(&models.Command{})
	if kioskID != "" {
		query = query.Where("kiosk_id = ?", kioskID)
	}

	if p != nil {
		if err := query.Count(&p.Total).Error; err != nil {
			return nil, err
		}
		query = query.Scopes(Paginate(p))
	}

	err := query.Order("created_at desc, id desc").Find(&cmds).Error
	return cmds, err
}

// PurgeTerminal 清理过期的终态命令
func (r *commandRepo) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	deadline := time.Now().Add(-olderThan)
	result := r.db.WithContext(ctx).
		Unscoped().
		Where("status IN ? AND updated_at < ?", []models.CommandStatus{
			models.CommandStatusSucceeded,
			models.CommandStatusFailed,
		}, deadline).
		Delete(&models.Command{})
	return result.RowsAffected, result.Error
}

// WithTx 使用事务
func (r *commandRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &commandRepo{
		BaseRepo: &BaseRepo{db: tx},
	}
}
