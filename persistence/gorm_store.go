package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/QoobSweet/ex-nihilo-sub000/chain"
)

// checkpointRow 检查点表的 GORM 模型。
type checkpointRow struct {
	ExecutionID string    `gorm:"primaryKey;size:128;column:execution_id"`
	Payload     []byte    `gorm:"column:payload"`
	Digest      string    `gorm:"size:64;column:digest"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (checkpointRow) TableName() string {
	return "chain_checkpoints"
}

// GormStore 基于关系库的检查点存储。
// 驱动由调用方选择（SQLite、MySQL 等），本层只依赖 *gorm.DB。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建关系库检查点存储并自动迁移表结构。
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&checkpointRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Put 写入或覆盖一条检查点记录。
func (s *GormStore) Put(ctx context.Context, record *chain.CheckpointRecord) error {
	row := checkpointRow{
		ExecutionID: record.ExecutionID,
		Payload:     record.Payload,
		Digest:      record.Digest,
		CreatedAt:   record.CreatedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "execution_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "digest", "created_at", "updated_at"}),
		}).
		Create(&row).Error
}

// Get 按执行 id 读取检查点记录。
func (s *GormStore) Get(ctx context.Context, executionID string) (*chain.CheckpointRecord, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).First(&row, "execution_id = ?", executionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chain.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chain.CheckpointRecord{
		ExecutionID: row.ExecutionID,
		Payload:     row.Payload,
		Digest:      row.Digest,
		CreatedAt:   row.CreatedAt,
	}, nil
}

// List 返回所有持久化检查点的执行 id。
func (s *GormStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&checkpointRow{}).
		Pluck("execution_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Delete 删除一条检查点记录。
func (s *GormStore) Delete(ctx context.Context, executionID string) error {
	result := s.db.WithContext(ctx).Delete(&checkpointRow{}, "execution_id = ?", executionID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return chain.ErrCheckpointNotFound
	}
	return nil
}
