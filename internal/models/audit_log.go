package models

import (
	"time"
)

// AuditEvent 审计事件类型
type AuditEvent string

const (
	AuditEventAssign          AuditEvent = "assign"           // 柜格分配
	AuditEventRelease         AuditEvent = "release"          // 柜格释放
	AuditEventBulkRelease     AuditEvent = "bulk_release"     // 批量释放
	AuditEventHardwareFailure AuditEvent = "hardware_failure" // 硬件失败
	AuditEventStaffOverride   AuditEvent = "staff_override"   // 工作人员干预
	AuditEventBlock           AuditEvent = "block"            // 锁定
	AuditEventUnblock         AuditEvent = "unblock"          // 解锁
	AuditEventRecover         AuditEvent = "recover"          // 故障恢复
	AuditEventKioskOffline    AuditEvent = "kiosk_offline"    // 柜机离线
	AuditEventKioskOnline     AuditEvent = "kiosk_online"     // 柜机上线
)

// AuditLog 审计日志
// 结构化事件：时间、柜机、柜格、操作者；用于运维追溯，只增不改
type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`

	Event    AuditEvent `gorm:"size:32;index;not null" json:"event"`
	KioskID  string     `gorm:"size:64;index" json:"kiosk_id"`
	LockerID *uint      `gorm:"index" json:"locker_id,omitempty"`

	Actor     string  `gorm:"size:128;index" json:"actor"` // 卡号、工作人员或system
	CommandID string  `gorm:"size:36;index" json:"command_id,omitempty"`
	Detail    JSONMap `gorm:"type:json" json:"detail,omitempty"`
}

// TableName 指定表名
func (AuditLog) TableName() string {
	return "audit_logs"
}
