package repository

import (
	"context"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KioskRepository 柜机仓储接口
type KioskRepository interface {
	BaseRepository
	Upsert(ctx context.Context, kiosk *models.Kiosk) error
	FindByKioskID(ctx context.Context, kioskID string) (*models.Kiosk, error)
	FindAll(ctx context.Context) ([]*models.Kiosk, error)
	FindByStatus(ctx context.Context, status models.KioskStatus) ([]*models.Kiosk, error)
	FindStale(ctx context.Context, threshold time.Duration) ([]*models.Kiosk, error)
	UpdateStatus(ctx context.Context, kioskID string, status models.KioskStatus) error
}

// kioskRepo 柜机仓储实现
type kioskRepo struct {
	*BaseRepo
}

// NewKioskRepository 创建柜机仓储
func NewKioskRepository(db *gorm.DB) KioskRepository {
	return &kioskRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// Upsert 心跳时注册或刷新柜机记录
func (r *kioskRepo) Upsert(ctx context.Context, kiosk *models.Kiosk) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "kiosk_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"zone", "version", "status", "last_seen_at",
				"cpu", "memory", "disk", "temperature", "updated_at",
			}),
		}).
		Create(kiosk).Error
}

// FindByKioskID 根据柜机ID查找
func (r *kioskRepo) FindByKioskID(ctx context.Context, kioskID string) (*models.Kiosk, error) {
	var kiosk models.Kiosk
	err := r.db.WithContext(ctx).
		Where("kiosk_id = ?", kioskID).
		First(&kiosk).Error
	if err != nil {
		return nil, err
	}
	return &kiosk, nil
}

// FindAll 查找所有柜机
func (r *kioskRepo) FindAll(ctx context.Context) ([]*models.Kiosk, error) {
	var kiosks []*models.Kiosk
	err := r.db.WithContext(ctx).
		Order("kiosk_id").
		Find(&kiosks).Error
	return kiosks, err
}

// FindByStatus 根据在线状态查找
func (r *kioskRepo) FindByStatus(ctx context.Context, status models.KioskStatus) ([]*models.Kiosk, error) {
	var kiosks []*models.Kiosk
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("last_seen_at desc").
		Find(&kiosks).Error
	return kiosks, err
}

// FindStale 查找标记在线但心跳已超阈值的柜机
func (r *kioskRepo) FindStale(ctx context.Context, threshold time.Duration) ([]*models.Kiosk, error) {
	var kiosks []*models.Kiosk
	deadline := time.Now().Add(-threshold)
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_seen_at < ?", models.KioskStatusOnline, deadline).
		Find(&kiosks).Error
	return kiosks, err
}

// UpdateStatus 更新柜机在线状态
func (r *kioskRepo) UpdateStatus(ctx context.Context, kioskID string, status models.KioskStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.Kiosk{}).
		Where("kiosk_id = ?", kioskID).
		Update("status", status).Error
}

// WithTx 使用事务
func (r *kioskRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &kioskRepo{
		BaseRepo: &BaseRepo{db: tx},
	}
}
