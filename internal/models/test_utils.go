package models

import (
	"io"
	"log"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glog "gorm.io/gorm/logger"
)

// setupTestDBWithSilentLogger creates an in-memory database with SQL logging discarded
func setupTestDBWithSilentLogger(t *testing.T, models ...interface{}) *gorm.DB {
	silentLogger := glog.New(
		log.New(io.Discard, "", log.LstdFlags),
		glog.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  glog.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: silentLogger,
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	// :memory: is per-connection in sqlite
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if len(models) > 0 {
		if err = db.AutoMigrate(models...); err != nil {
			t.Fatalf("Failed to migrate: %v", err)
		}
	}
	return db
}

func setupDeskTestDB(t *testing.T) *gorm.DB {
	return setupTestDBWithSilentLogger(t, AllModels()...)
}

// SetupTestDB 供其他包测试使用的内存库，已迁移全部表
func SetupTestDB(t *testing.T) *gorm.DB {
	return setupDeskTestDB(t)
}
