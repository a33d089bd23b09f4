package repository

import (
	"context"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"gorm.io/gorm"
)

// AuditLogRepository 审计日志仓储接口
// 只增不改，没有更新和删除入口（清理除外）
type AuditLogRepository interface {
	BaseRepository
	Create(ctx context.Context, log *models.AuditLog) error
	FindByKiosk(ctx context.Context, kioskID string, p *Pagination) ([]*models.AuditLog, error)
	FindByActor(ctx context.Context, actor string, p *Pagination) ([]*models.AuditLog, error)
	FindByEvent(ctx context.Context, event models.AuditEvent, p *Pagination) ([]*models.AuditLog, error)
	PurgeBefore(ctx context.Context, deadline time.Time) (int64, error)
}

// auditLogRepo 审计日志仓储实现
type auditLogRepo struct {
	*BaseRepo
}

// NewAuditLogRepository 创建审计日志仓储
func NewAuditLogRepository(db *gorm.DB) AuditLogRepository {
	return &auditLogRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// Create 写入审计日志
func (r *auditLogRepo) Create(ctx context.Context, log *models.AuditLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// FindByKiosk 按柜机查询
func (r *auditLogRepo) FindByKiosk(ctx context.Context, kioskID string, p *Pagination) ([]*models.AuditLog, error) {
	return r.find(ctx, r.db.WithContext(ctx).Where("kiosk_id = ?", kioskID), p)
}

// FindByActor 按操作者查询
func (r *auditLogRepo) FindByActor(ctx context.Context, actor string, p *Pagination) ([]*models.AuditLog, error) {
	return r.find(ctx, r.db.WithContext(ctx).Where("actor = ?", actor), p)
}

// FindByEvent 按事件类型查询
func (r *auditLogRepo) FindByEvent(ctx context.Context, event models.AuditEvent, p *Pagination) ([]*models.AuditLog, error) {
	return r.find(ctx, r.db.WithContext(ctx).Where("event = ?", event), p)
}

func (r *auditLogRepo) find(ctx context.Context, query *gorm.DB, p *Pagination) ([]*models.AuditLog, error) {
	var logs []*models.AuditLog
	query = query.Model(&models.AuditLog{})

	if p != nil {
		if err := query.Count(&p.Total).Error; err != nil {
			return nil, err
		}
		query = query.Scopes(Paginate(p))
	}

	err := query.Order("created_at desc, id desc").Find(&logs).Error
	return logs, err
}

// PurgeBefore 清理指定时间之前的审计日志
func (r *auditLogRepo) PurgeBefore(ctx context.Context, deadline time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", deadline).
		Delete(&models.AuditLog{})
	return result.RowsAffected, result.Error
}

// WithTx 使用事务
func (r *auditLogRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &auditLogRepo{
		BaseRepo: &BaseRepo{db: tx},
	}
}
