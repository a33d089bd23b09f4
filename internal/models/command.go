package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// CommandType 命令类型
type CommandType string

const (
	CommandTypeOpen     CommandType = "open"      // 打开单个柜格
	CommandTypeBulkOpen CommandType = "bulk_open" // 批量开柜（整机）
	CommandTypeBlock    CommandType = "block"     // 锁定柜格
	CommandTypeUnblock  CommandType = "unblock"   // 解锁柜格
)

// CommandStatus 命令状态
type CommandStatus string

const (
	CommandStatusPending    CommandStatus = "pending"    // 等待下发
	CommandStatusDispatched CommandStatus = "dispatched" // 已下发，执行中
	CommandStatusSucceeded  CommandStatus = "succeeded"  // 执行成功
	CommandStatusFailed     CommandStatus = "failed"     // 重试耗尽，执行失败
)

// JSONMap 用于存储JSON格式的数据
type JSONMap map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan 实现 sql.Scanner 接口
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		strVal, ok := value.(string)
		if !ok {
			return nil
		}
		bytes = []byte(strVal)
	}
	return json.Unmarshal(bytes, j)
}

// Command 硬件命令队列行
// 每行对应一次下发任务；CommandID是幂等键，崩溃后重复投递时
// 接收端据此判重，避免继电器被二次脉冲
type Command struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	CommandID string      `gorm:"size:36;uniqueIndex;not null" json:"command_id"` // UUID幂等键
	KioskID   string      `gorm:"size:64;not null;index:idx_kiosk_status" json:"kiosk_id"`
	LockerID  *uint       `json:"locker_id,omitempty"` // 整机命令为空
	Type      CommandType `gorm:"size:20;not null" json:"type"`

	Status     CommandStatus `gorm:"size:20;not null;default:pending;index:idx_kiosk_status" json:"status"`
	RetryCount int           `gorm:"not null;default:0" json:"retry_count"`

	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	ResultMessage string     `gorm:"size:255" json:"result_message,omitempty"`
	Payload       JSONMap    `gorm:"type:json" json:"payload,omitempty"`
}

// TableName 指定表名
func (Command) TableName() string {
	return "commands"
}

// Terminal 判断命令是否已到达终态
func (c *Command) Terminal() bool {
	return c.Status == CommandStatusSucceeded || c.Status == CommandStatusFailed
}
