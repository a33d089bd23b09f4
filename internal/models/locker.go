package models

import (
	"time"

	"gorm.io/gorm"
)

// LockerStatus 柜格状态
type LockerStatus string

const (
	LockerStatusFree     LockerStatus = "free"     // 空闲
	LockerStatusReserved LockerStatus = "reserved" // 已预定（等待确认）
	LockerStatusOwned    LockerStatus = "owned"    // 已占用
	LockerStatusOpening  LockerStatus = "opening"  // 开门中（命令已下发）
	LockerStatusError    LockerStatus = "error"    // 硬件故障，需人工恢复
	LockerStatusBlocked  LockerStatus = "blocked"  // 工作人员锁定，不参与分配
)

// OwnerType 持有者类型
type OwnerType string

const (
	OwnerTypeNone   OwnerType = "none"
	OwnerTypeCard   OwnerType = "card"
	OwnerTypeDevice OwnerType = "device"
	OwnerTypeVIP    OwnerType = "vip"
	OwnerTypeStaff  OwnerType = "staff"
)

// Locker 柜格模型
// 每行对应 (kiosk_id, locker_id) 一个物理柜格；所有状态变更都走
// 带version条件的CAS更新，version单调递增
type Locker struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	KioskID  string `gorm:"size:64;not null;uniqueIndex:idx_kiosk_locker" json:"kiosk_id"`
	LockerID uint   `gorm:"not null;uniqueIndex:idx_kiosk_locker" json:"locker_id"`

	Status    LockerStatus `gorm:"size:20;not null;default:free;index" json:"status"`
	OwnerType OwnerType    `gorm:"size:20;not null;default:none" json:"owner_type"`
	OwnerKey  string       `gorm:"size:128;index" json:"owner_key,omitempty"`

	ReservedAt *time.Time `json:"reserved_at,omitempty"`
	OwnedAt    *time.Time `json:"owned_at,omitempty"`

	Version     int64  `gorm:"not null;default:0" json:"version"` // 乐观并发版本号
	IsVIP       bool   `gorm:"column:is_vip;not null;default:false" json:"is_vip"`
	DisplayName string `gorm:"size:64" json:"display_name"`

	// 连续硬件失败计数，成功后清零
	FailureCount int `gorm:"not null;default:0" json:"failure_count"`
}

// TableName 指定表名
func (Locker) TableName() string {
	return "lockers"
}

// HasOwner 判断当前状态是否应有持有者
func (l *Locker) HasOwner() bool {
	switch l.Status {
	case LockerStatusReserved, LockerStatusOwned, LockerStatusOpening:
		return true
	default:
		return false
	}
}

// Assignable 判断柜格是否可被分配
func (l *Locker) Assignable() bool {
	return l.Status == LockerStatusFree
}
