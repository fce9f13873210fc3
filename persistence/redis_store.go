package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/QoobSweet/ex-nihilo-sub000/chain"
)

// RedisStoreConfig Redis 检查点存储配置。
type RedisStoreConfig struct {
	Addr      string        `json:"addr" yaml:"addr"`
	Password  string        `json:"password" yaml:"password"`
	DB        int           `json:"db" yaml:"db"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix"`
	// TTL 为 0 时检查点不过期，由终态清理负责删除
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// RedisStore 基于 Redis 的检查点存储，适合多实例部署：
// 任意实例崩溃后，存活实例的恢复扫描都能看到其检查点。
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore 创建 Redis 检查点存储并验证连接。
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "exnihilo:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix + "checkpoint:",
		ttl:       config.TTL,
	}, nil
}

// NewRedisStoreWithClient 用既有客户端创建存储，测试和宿主复用连接时使用。
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "exnihilo:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "checkpoint:", ttl: ttl}
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(executionID string) string {
	return s.keyPrefix + executionID
}

// Put 写入一条检查点记录。
func (s *RedisStore) Put(ctx context.Context, record *chain.CheckpointRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint record: %w", err)
	}
	return s.client.Set(ctx, s.key(record.ExecutionID), data, s.ttl).Err()
}

// Get 按执行 id 读取检查点记录。
func (s *RedisStore) Get(ctx context.Context, executionID string) (*chain.CheckpointRecord, error) {
	data, err := s.client.Get(ctx, s.key(executionID)).Bytes()
	if err == redis.Nil {
		return nil, chain.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}

	var record chain.CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint record: %w", err)
	}
	return &record, nil
}

// List 扫描所有检查点键并返回执行 id。
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Delete 删除一条检查点记录。
func (s *RedisStore) Delete(ctx context.Context, executionID string) error {
	n, err := s.client.Del(ctx, s.key(executionID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return chain.ErrCheckpointNotFound
	}
	return nil
}
