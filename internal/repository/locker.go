package repository

import (
	"context"
	"time"

	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"gorm.io/gorm"
)

// LockerRepository 柜格仓储接口
type LockerRepository interface {
	BaseRepository
	Create(ctx context.Context, locker *models.Locker) error
	CreateBatch(ctx context.Context, lockers []*models.Locker) error
	FindByID(ctx context.Context, id uint) (*models.Locker, error)
	FindByKioskAndLocker(ctx context.Context, kioskID string, lockerID uint) (*models.Locker, error)
	FindByKiosk(ctx context.Context, kioskID string) ([]*models.Locker, error)
	FindAvailable(ctx context.Context, kioskID string, includeVIP bool) ([]*models.Locker, error)
	FindOwnedByKey(ctx context.Context, ownerKey string) ([]*models.Locker, error)
	FindByStatus(ctx context.Context, status models.LockerStatus) ([]*models.Locker, error)
	FindExpiredReservations(ctx context.Context, ttl time.Duration) ([]*models.Locker, error)
	CountByStatus(ctx context.Context, kioskID string) (map[models.LockerStatus]int64, error)
	UpdateWithVersion(ctx context.Context, locker *models.Locker, updates map[string]interface{}) error
}

// lockerRepo 柜格仓储实现
type lockerRepo struct {
	*BaseRepo
}

// NewLockerRepository 创建柜格仓储
func NewLockerRepository(db *gorm.DB) LockerRepository {
	return &lockerRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// Create 创建柜格
func (r *lockerRepo) Create(ctx context.Context, locker *models.Locker) error {
	return r.db.WithContext(ctx).Create(locker).Error
}

// CreateBatch 批量创建柜格（初始化柜机时使用）
func (r *lockerRepo) CreateBatch(ctx context.Context, lockers []*models.Locker) error {
	if len(lockers) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(lockers, 100).Error
}

// FindByID 根据ID查找
func (r *lockerRepo) FindByID(ctx context.Context, id uint) (*models.Locker, error) {
	var locker models.Locker
	err := r.db.WithContext(ctx).First(&locker, id).Error
	if err != nil {
		return nil, err
	}
	return &locker, nil
}

// FindByKioskAndLocker 根据柜机和柜格编号查找
func (r *lockerRepo) FindByKioskAndLocker(ctx context.Context, kioskID string, lockerID uint) (*models.Locker, error) {
	var locker models.Locker
	err := r.db.WithContext(ctx).
		Where("kiosk_id = ? AND locker_id = ?", kioskID, lockerID).
		First(&locker).Error
	if err != nil {
		return nil, err
	}
	return &locker, nil
}

// FindByKiosk 查找柜机的所有柜格
func (r *lockerRepo) FindByKiosk(ctx context.Context, kioskID string) ([]*models.Locker, error) {
	var lockers []*models.Locker
	err := r.db.WithContext(ctx).
		Where("kiosk_id = ?", kioskID).
		Order("locker_id").
		Find(&lockers).Error
	return lockers, err
}

// FindAvailable 查找可分配柜格
// 默认排除VIP柜格，VIP柜格只通过指定编号分配
func (r *lockerRepo) FindAvailable(ctx context.Context, kioskID string, includeVIP bool) ([]*models.Locker, error) {
	var lockers []*models.Locker
	query := r.db.WithContext(ctx).
		Where("kiosk_id = ? AND status = ?", kioskID, models.LockerStatusFree)
	if !includeVIP {
		query = query.Where("is_vip = ?", false)
	}
	err := query.Order("locker_id").Find(&lockers).Error
	return lockers, err
}

// FindOwnedByKey 查找某个持有者名下的柜格
// 用于校验一张卡同时只能持有一个非VIP柜格
func (r *lockerRepo) FindOwnedByKey(ctx context.Context, ownerKey string) ([]*models.Locker, error) {
	var lockers []*models.Locker
	err := r.db.WithContext(ctx).
		Where("owner_key = ? AND status IN ?", ownerKey, []models.LockerStatus{
			models.LockerStatusReserved,
			models.LockerStatusOwned,
			models.LockerStatusOpening,
		}).
		Find(&lockers).Error
	return lockers, err
}

// FindByStatus 根据状态查找
func (r *lockerRepo) FindByStatus(ctx context.Context, status models.LockerStatus) ([]*models.Locker, error) {
	var lockers []*models.Locker
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("kiosk_id, locker_id").
		Find(&lockers).Error
	return lockers, err
}

// FindExpiredReservations 查找预定超时的柜格
func (r *lockerRepo) FindExpiredReservations(ctx context.Context, ttl time.Duration) ([]*models.Locker, error) {
	var lockers []*models.Locker
	deadline := time.Now().Add(-ttl)
	err := r.db.WithContext(ctx).
		Where("status = ? AND reserved_at < ?", models.LockerStatusReserved, deadline).
		Find(&lockers).Error
	return lockers, err
}

// CountByStatus 统计柜机各状态的柜格数量
func (r *lockerRepo) CountByStatus(ctx context.Context, kioskID string) (map[models.LockerStatus]int64, error) {
	type row struct {
		Status models.LockerStatus
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.Locker{}).
		Select("status, count(*) as count").
		Where("kiosk_id = ?", kioskID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[models.LockerStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// UpdateWithVersion 带版本号的CAS更新
// 以读取时的version作为更新条件，命中则version加一；
// 没有命中任何行说明柜格已被并发修改，返回冲突错误，调用方应重读重试
func (r *lockerRepo) UpdateWithVersion(ctx context.Context, locker *models.Locker, updates map[string]interface{}) error {
	updates["version"] = gorm.Expr("version + 1")

	result := r.db.WithContext(ctx).
		Model(&models.Locker{}).
		Where("id = ? AND version = ?", locker.ID, locker.Version).
		Updates(updates)

	if result.Error != nil {
		return apperrors.Wrap(result.Error, apperrors.ErrDatabaseUpdate)
	}
	if result.RowsAffected == 0 {
		return apperrors.Newf(apperrors.ErrConflict, "柜格 %s/%d 版本冲突 (version=%d)",
			locker.KioskID, locker.LockerID, locker.Version)
	}

	locker.Version++
	return nil
}

// WithTx 使用事务
func (r *lockerRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &lockerRepo{
		BaseRepo: &BaseRepo{db: tx},
	}
}
