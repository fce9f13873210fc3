package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/QoobSweet/ex-nihilo-sub000/chain"
)

func testRecord(id string) *chain.CheckpointRecord {
	return &chain.CheckpointRecord{
		ExecutionID: id,
		Payload:     []byte{0xde, 0xad, 0xbe, 0xef, byte(len(id))},
		Digest:      "0123456789abcdef",
		CreatedAt:   time.Now().Truncate(time.Second).UTC(),
	}
}

// 三种后端共用一套行为测试
func runStoreSuite(t *testing.T, store chain.CheckpointStore) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, chain.ErrCheckpointNotFound)
	})

	t.Run("put get round trip", func(t *testing.T) {
		record := testRecord("exec-a")
		require.NoError(t, store.Put(ctx, record))

		got, err := store.Get(ctx, "exec-a")
		require.NoError(t, err)
		assert.Equal(t, record.ExecutionID, got.ExecutionID)
		assert.Equal(t, record.Payload, got.Payload)
		assert.Equal(t, record.Digest, got.Digest)
	})

	t.Run("put overwrites", func(t *testing.T) {
		first := testRecord("exec-b")
		require.NoError(t, store.Put(ctx, first))

		second := testRecord("exec-b")
		second.Payload = []byte{0x01}
		second.Digest = "ffff"
		require.NoError(t, store.Put(ctx, second))

		got, err := store.Get(ctx, "exec-b")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01}, got.Payload)
		assert.Equal(t, "ffff", got.Digest)
	})

	t.Run("list", func(t *testing.T) {
		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"exec-a", "exec-b"}, ids)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "exec-a"))
		_, err := store.Get(ctx, "exec-a")
		assert.ErrorIs(t, err, chain.ErrCheckpointNotFound)

		err = store.Delete(ctx, "exec-a")
		assert.ErrorIs(t, err, chain.ErrCheckpointNotFound)
	})
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	runStoreSuite(t, store)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, testRecord("persisted")))

	// 重开存储模拟进程重启
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)

	got, err := reopened.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.ExecutionID)

	ids, err := reopened.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"persisted"}, ids)
}

func TestFileStore_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), testRecord("clean")))

	entries, err := os.ReadDir(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp")
	}
}

func TestGormStore(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "checkpoints.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := NewGormStore(db)
	require.NoError(t, err)
	runStoreSuite(t, store)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisStoreWithClient(client, "", 0)
	runStoreSuite(t, store)
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisStoreWithClient(client, "ttl-test:", time.Minute)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, testRecord("expiring")))

	// 快进超过 TTL 后键消失
	mr.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "expiring")
	assert.ErrorIs(t, err, chain.ErrCheckpointNotFound)
}
