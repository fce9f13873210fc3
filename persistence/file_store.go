package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/QoobSweet/ex-nihilo-sub000/chain"
)

// FileStore 基于文件的检查点存储，适合单节点生产部署。
// 每个执行一个 <id>.json 文件，写入走临时文件加重命名，
// 进程在写入中途死亡不会留下半截记录。
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore 创建文件检查点存储，目录不存在时自动创建。
func NewFileStore(baseDir string) (*FileStore, error) {
	dir := filepath.Join(baseDir, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{baseDir: dir}, nil
}

func (s *FileStore) path(executionID string) string {
	return filepath.Join(s.baseDir, executionID+".json")
}

// Put 原子写入一条检查点记录。
func (s *FileStore) Put(ctx context.Context, record *chain.CheckpointRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path(record.ExecutionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, s.path(record.ExecutionID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit checkpoint file: %w", err)
	}
	return nil
}

// Get 按执行 id 读取检查点记录。
func (s *FileStore) Get(ctx context.Context, executionID string) (*chain.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(executionID))
	if os.IsNotExist(err) {
		return nil, chain.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var record chain.CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint file: %w", err)
	}
	return &record, nil
}

// List 返回所有持久化检查点的执行 id。
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Delete 删除一条检查点记录。
func (s *FileStore) Delete(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(executionID))
	if os.IsNotExist(err) {
		return chain.ErrCheckpointNotFound
	}
	return err
}
