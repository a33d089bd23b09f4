package database

import (
	"fmt"

	"github.com/mredag/eformLockerRoom-sub004/internal/logger"
	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"go.uber.org/zap"
)

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}

	// 清理过期锁文件
	CleanupStaleLocks()

	// 获取迁移锁，避免多个进程同时迁移
	dbPath := getDBPath()
	if dbPath != "" {
		lockFile, err := acquireMigrationLock(dbPath)
		if err != nil {
			logger.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer releaseMigrationLock(lockFile)
	}

	migrationModels := []interface{}{
		&models.Locker{},
		&models.Command{},
		&models.Kiosk{},
		&models.AuditLog{},
		&models.ScheduleRun{},
	}

	logger.Info("开始数据库迁移...")

	for _, model := range migrationModels {
		if err := DB.AutoMigrate(model); err != nil {
			logger.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return err
		}
		logger.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	// 补充组合索引
	if err := createIndexes(); err != nil {
		return err
	}

	logger.Info("数据库迁移完成")
	return nil
}

// createIndexes 创建数据库索引
func createIndexes() error {
	// 分发器按柜机取最旧pending命令的热路径
	if err := DB.Exec("CREATE INDEX IF NOT EXISTS idx_commands_pending_order ON commands(kiosk_id, status, created_at)").Error; err != nil {
		logger.Warn("创建索引失败", zap.String("index", "idx_commands_pending_order"), zap.Error(err))
	}

	// 预定TTL扫描路径
	if err := DB.Exec("CREATE INDEX IF NOT EXISTS idx_lockers_status_reserved_at ON lockers(status, reserved_at)").Error; err != nil {
		logger.Warn("创建索引失败", zap.String("index", "idx_lockers_status_reserved_at"), zap.Error(err))
	}

	// 审计查询路径
	if err := DB.Exec("CREATE INDEX IF NOT EXISTS idx_audit_logs_kiosk_created ON audit_logs(kiosk_id, created_at)").Error; err != nil {
		logger.Warn("创建索引失败", zap.String("index", "idx_audit_logs_kiosk_created"), zap.Error(err))
	}

	logger.Info("数据库索引创建完成")
	return nil
}
