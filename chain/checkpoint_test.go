package chain

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func newTestManager(t *testing.T) (*CheckpointManager, *MemoryCheckpointStore) {
	t.Helper()
	store := NewMemoryCheckpointStore()
	mgr, err := NewCheckpointManager(store, testKey(), nil)
	require.NoError(t, err)
	return mgr, store
}

func TestCheckpointManager_SaveLoadRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	execCtx := NewExecutionContext("exec-1", "chain-a", "trigger-7",
		map[string]any{"url": "https://example.com"}, map[string]string{"REGION": "eu"})
	execCtx.SetStepOutput("fetch", map[string]any{"status": "success", "count": float64(3)})

	results := []StepResult{{
		StepID:     "fetch",
		Status:     StepCompleted,
		StartedAt:  time.Now().Add(-time.Second),
		DurationMs: 120,
		Output:     map[string]any{"status": "success"},
	}}

	require.NoError(t, mgr.Save(ctx, execCtx, 1, results))

	cp, err := mgr.Load(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, cp)

	assert.Equal(t, "exec-1", cp.ExecutionID)
	assert.Equal(t, 1, cp.NextIndex)
	assert.Equal(t, "chain-a", cp.Context.ChainID)
	assert.Equal(t, "trigger-7", cp.Context.TriggerID)
	assert.Equal(t, "eu", cp.Context.Env["REGION"])
	require.Len(t, cp.Results, 1)
	assert.Equal(t, "fetch", cp.Results[0].StepID)
	assert.Equal(t, StepCompleted, cp.Results[0].Status)

	// 变量经 msgpack 往返后仍可被条件评估命中
	v, ok := LookupPath(cp.Context.Variables, "step_fetch_output.status")
	require.True(t, ok)
	assert.Equal(t, "success", v)
}

func TestCheckpointManager_LoadMissingReturnsNil(t *testing.T) {
	mgr, _ := newTestManager(t)
	cp, err := mgr.Load(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointManager_CorruptPayloadFailsIntegrity(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	execCtx := NewExecutionContext("exec-2", "chain-a", "", nil, nil)
	require.NoError(t, mgr.Save(ctx, execCtx, 0, nil))

	// 翻转密文中的一个比特
	record, err := store.Get(ctx, "exec-2")
	require.NoError(t, err)
	record.Payload[len(record.Payload)/2] ^= 0x01
	require.NoError(t, store.Put(ctx, record))

	cp, err := mgr.Load(ctx, "exec-2")
	assert.Nil(t, cp)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCheckpointIntegrity))
}

func TestCheckpointManager_TamperedDigestFailsIntegrity(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	execCtx := NewExecutionContext("exec-3", "chain-a", "", nil, nil)
	require.NoError(t, mgr.Save(ctx, execCtx, 0, nil))

	record, err := store.Get(ctx, "exec-3")
	require.NoError(t, err)
	record.Digest = "deadbeef" + record.Digest[8:]
	require.NoError(t, store.Put(ctx, record))

	_, err = mgr.Load(ctx, "exec-3")
	assert.True(t, types.IsErrorCode(err, types.ErrCheckpointIntegrity))
}

func TestCheckpointManager_WrongKeyFailsIntegrity(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()

	writer, err := NewCheckpointManager(store, testKey(), nil)
	require.NoError(t, err)
	execCtx := NewExecutionContext("exec-4", "chain-a", "", nil, nil)
	require.NoError(t, writer.Save(ctx, execCtx, 2, nil))

	reader, err := NewCheckpointManager(store, bytes.Repeat([]byte{0x99}, 32), nil)
	require.NoError(t, err)

	_, err = reader.Load(ctx, "exec-4")
	assert.True(t, types.IsErrorCode(err, types.ErrCheckpointIntegrity))
}

func TestCheckpointManager_DeleteIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	execCtx := NewExecutionContext("exec-5", "chain-a", "", nil, nil)
	require.NoError(t, mgr.Save(ctx, execCtx, 0, nil))

	require.NoError(t, mgr.Delete(ctx, "exec-5"))
	// 再次删除不存在的检查点不是错误
	require.NoError(t, mgr.Delete(ctx, "exec-5"))

	cp, err := mgr.Load(ctx, "exec-5")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointManager_RejectsShortKey(t *testing.T) {
	_, err := NewCheckpointManager(NewMemoryCheckpointStore(), []byte("short"), nil)
	assert.Error(t, err)
}

func TestSanitizeExecutionID(t *testing.T) {
	valid := []string{"abc", "exec-123", "A_B-c9", "exec-1-sub-deadbeef"}
	for _, id := range valid {
		got, err := SanitizeExecutionID(id)
		require.NoError(t, err, id)
		assert.Equal(t, id, got)
	}

	invalid := []string{
		"",
		"../etc/passwd",
		"exec/1",
		"exec 1",
		"exec\x001",
		"id:colon",
		string(bytes.Repeat([]byte{'a'}, 129)),
	}
	for _, id := range invalid {
		_, err := SanitizeExecutionID(id)
		assert.Error(t, err, "%q should be rejected", id)
		assert.True(t, types.IsErrorCode(err, types.ErrValidation))
	}
}

func TestMemoryCheckpointStore_ListAndClone(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()

	record := &CheckpointRecord{ExecutionID: "a", Payload: []byte{1, 2, 3}, Digest: "d", CreatedAt: time.Now()}
	require.NoError(t, store.Put(ctx, record))

	// 存储持有的是拷贝，调用方后续修改不影响已存记录
	record.Payload[0] = 0xFF
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, byte(1), got.Payload[0])

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}
