package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdpplug/internal/logger"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// Snapshot 快照记录
type Snapshot struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"uniqueIndex;size:255"`
	Data      []byte
	Hash      string `gorm:"size:32"`
	UpdatedAt time.Time
}

// SQLiteStore 基于 gorm + 纯 Go SQLite 驱动的快照存储
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore 打开数据库并迁移快照表
func NewSQLiteStore(dsn, prefix string, l logger.Logger) (*SQLiteStore, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l.With("component", "sqlite")),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, fmt.Errorf("migrate snapshots: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, data []byte) error {
	ctx = withOp(ctx, "save", key)
	row := Snapshot{Key: key, Data: data, Hash: Hash(data), UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "hash", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) ([]byte, error) {
	ctx = withOp(ctx, "load", key)
	var row Snapshot
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return row.Data, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	ctx = withOp(ctx, "remove", key)
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&Snapshot{}).Error; err != nil {
		return fmt.Errorf("remove snapshot %s: %w", key, err)
	}
	return nil
}

// Close 关闭底层连接
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
