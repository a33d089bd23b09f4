package models

import (
	"time"
)

// ScheduleRun 定时任务执行记录
// 记录每个命名任务的上次执行时间，进程重启后据此计算下次执行点，
// 保证任务间隔不会因重启而超过配置值
type ScheduleRun struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UpdatedAt time.Time `json:"updated_at"`

	Name      string    `gorm:"size:64;uniqueIndex;not null" json:"name"`
	LastRunAt time.Time `json:"last_run_at"`
}

// TableName 指定表名
func (ScheduleRun) TableName() string {
	return "schedule_runs"
}

// NextRun 按间隔计算下次执行时间
func (s *ScheduleRun) NextRun(interval time.Duration) time.Time {
	if s.LastRunAt.IsZero() {
		return time.Now()
	}
	return s.LastRunAt.Add(interval)
}
