package models

import (
	"time"

	"gorm.io/gorm"
)

// KioskStatus 柜机在线状态
// 基于心跳推断，而非TCP链路状态
type KioskStatus string

const (
	KioskStatusOnline  KioskStatus = "online"
	KioskStatusOffline KioskStatus = "offline"
)

// Kiosk 柜机存活记录
// 每次心跳更新LastSeenAt；遥测字段仅作参考，超限只告警不拒收
type Kiosk struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	KioskID string `gorm:"size:64;uniqueIndex;not null" json:"kiosk_id"`
	Zone    string `gorm:"size:64;index" json:"zone"`
	Version string `gorm:"size:32" json:"version"` // 柜机端软件版本

	Status     KioskStatus `gorm:"size:20;not null;default:offline;index" json:"status"`
	LastSeenAt time.Time   `gorm:"index" json:"last_seen_at"`

	// 遥测数据
	CPU         float64 `json:"cpu"`
	Memory      float64 `json:"memory"`
	Disk        float64 `json:"disk"`
	Temperature float64 `json:"temperature"`
}

// TableName 指定表名
func (Kiosk) TableName() string {
	return "kiosks"
}

// OnlineAt 按给定阈值判断柜机在某时刻是否在线
func (k *Kiosk) OnlineAt(now time.Time, threshold time.Duration) bool {
	return now.Sub(k.LastSeenAt) < threshold
}
