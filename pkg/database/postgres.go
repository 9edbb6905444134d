package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PostgreSQL 会话与参与者的关系库连接
type PostgreSQL struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// NewPostgreSQL 连接PostgreSQL，实时服务只读会话数据，不负责建库
func NewPostgreSQL(ctx context.Context, dsn string) (*PostgreSQL, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &PostgreSQL{db: db, sqlDB: sqlDB}, nil
}

// NewPostgreSQLFromDB 包装已有连接，测试使用
func NewPostgreSQLFromDB(db *gorm.DB) *PostgreSQL {
	sqlDB, _ := db.DB()
	return &PostgreSQL{db: db, sqlDB: sqlDB}
}

// WithContext 使用上下文
func (p *PostgreSQL) WithContext(ctx context.Context) *gorm.DB {
	return p.db.WithContext(ctx)
}

// AutoMigrate 自动迁移表结构
func (p *PostgreSQL) AutoMigrate(models ...interface{}) error {
	return p.db.AutoMigrate(models...)
}

// Health 健康检查
func (p *PostgreSQL) Health(ctx context.Context) error {
	if p.sqlDB == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return p.sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (p *PostgreSQL) Close() error {
	if p.sqlDB != nil {
		return p.sqlDB.Close()
	}
	return nil
}
