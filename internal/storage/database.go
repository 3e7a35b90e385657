package storage

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dm-go/internal/config"
	"dm-go/internal/logging"
	"dm-go/internal/models"
)

// InitDB initializes the database connection using the provided configuration.
// PostgreSQL is the production engine; SQLite serves local development and tests.
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "postgres":
		dsnParts := []string{
			fmt.Sprintf("host=%s", cfg.Host),
			fmt.Sprintf("port=%d", cfg.Port),
			fmt.Sprintf("user=%s", cfg.User),
			fmt.Sprintf("dbname=%s", cfg.DBName),
		}
		if cfg.Password != "" {
			dsnParts = append(dsnParts, fmt.Sprintf("password=%s", cfg.Password))
		}
		dsnParts = append(dsnParts, fmt.Sprintf("sslmode=%s", cfg.SSLMode))
		dialector = postgres.Open(strings.Join(dsnParts, " "))
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := Open(dialector, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if cfg.Type == "sqlite" {
		// SQLite 只允许单写者
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	zap.S().Infof("数据库连接成功 (type=%s)", cfg.Type)
	return db, nil
}

// Open opens a gorm handle with the shared settings.
func Open(dialector gorm.Dialector, logLevel string) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logging.GormLogger(logLevel),
		// users 是外部目录的投影，消息不能依赖外键约束
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// AutoMigrateTables runs GORM's auto-migration feature for all defined models.
func AutoMigrateTables(db *gorm.DB) error {
	zap.S().Info("开始数据库表结构迁移...")
	err := db.AutoMigrate(
		&models.User{},
		&models.Message{},
		&models.MessageReaction{},
		&models.MessageHide{},
		&models.MessagePin{},
	)
	if err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	zap.S().Info("数据库迁移完成。")
	return nil
}
