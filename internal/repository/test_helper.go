package repository

import (
	"testing"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB 为测试套件设置测试数据库
// 使用内存数据库，快且不依赖文件系统
func SetupTestDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(err)
	}

	err = db.AutoMigrate(
		&models.Locker{},
		&models.Command{},
		&models.Kiosk{},
		&models.AuditLog{},
		&models.ScheduleRun{},
	)
	if err != nil {
		panic(err)
	}

	return db
}

// CleanupTestDB 清理测试数据库
func CleanupTestDB(db *gorm.DB) {
	sqlDB, _ := db.DB()
	if sqlDB != nil {
		sqlDB.Close()
	}
}

// SeedTestLockers 创建一台柜机的测试柜格
func SeedTestLockers(t *testing.T, db *gorm.DB, kioskID string, count int) []*models.Locker {
	lockers := make([]*models.Locker, 0, count)
	for i := 1; i <= count; i++ {
		lockers = append(lockers, &models.Locker{
			KioskID:  kioskID,
			LockerID: uint(i),
			Status:   models.LockerStatusFree,
		})
	}
	require.NoError(t, db.Create(&lockers).Error)
	return lockers
}

// SeedTestKiosk 创建测试柜机（在线，刚发过心跳）
func SeedTestKiosk(t *testing.T, db *gorm.DB, kioskID string) *models.Kiosk {
	kiosk := &models.Kiosk{
		KioskID:    kioskID,
		Zone:       "测试分区",
		Version:    "1.0.0",
		Status:     models.KioskStatusOnline,
		LastSeenAt: time.Now(),
		CPU:        35.0,
		Memory:     50.0,
		Disk:       40.0,
	}
	require.NoError(t, db.Create(kiosk).Error)
	return kiosk
}

// CreateTestCommand 创建测试命令
func CreateTestCommand(kioskID string, lockerID uint, cmdType models.CommandType) *models.Command {
	id := lockerID
	return &models.Command{
		CommandID: "test-cmd-" + time.Now().Format("20060102150405.000000"),
		KioskID:   kioskID,
		LockerID:  &id,
		Type:      cmdType,
		Status:    models.CommandStatusPending,
	}
}
