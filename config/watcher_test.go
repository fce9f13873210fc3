package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder 收集监听器回调事件
type eventRecorder struct {
	mu     sync.Mutex
	events []DefinitionEvent
}

func (r *eventRecorder) record(event DefinitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) snapshot() []DefinitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DefinitionEvent, len(r.events))
	copy(out, r.events)
	return out
}

// waitForEvent 轮询等待满足条件的事件出现
func (r *eventRecorder) waitForEvent(t *testing.T, match func(DefinitionEvent) bool) DefinitionEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, evt := range r.snapshot() {
			if match(evt) {
				return evt
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for definition event")
	return DefinitionEvent{}
}

func newTestWatcher(t *testing.T, dir string) (*DefinitionWatcher, *eventRecorder) {
	t.Helper()
	w, err := NewDefinitionWatcher(dir,
		WithPollInterval(20*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond),
	)
	require.NoError(t, err)

	rec := &eventRecorder{}
	w.OnChange(rec.record)
	return w, rec
}

func TestDefinitionWatcher_RejectsMissingDirectory(t *testing.T) {
	_, err := NewDefinitionWatcher(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestDefinitionWatcher_RejectsFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: x"), 0o644))

	_, err := NewDefinitionWatcher(path)
	assert.Error(t, err)
}

func TestDefinitionWatcher_DetectsCreate(t *testing.T) {
	dir := t.TempDir()
	w, rec := newTestWatcher(t, dir)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	path := filepath.Join(dir, "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: deploy"), 0o644))

	evt := rec.waitForEvent(t, func(e DefinitionEvent) bool {
		return e.Path == path && e.Op == DefinitionOpCreate
	})
	assert.Equal(t, "CREATE", evt.Op.String())
}

func TestDefinitionWatcher_DetectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: deploy"), 0o644))

	w, rec := newTestWatcher(t, dir)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// 轮询比较 ModTime，回拨写入时间确保修改可见
	require.NoError(t, os.WriteFile(path, []byte("id: deploy-v2"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	rec.waitForEvent(t, func(e DefinitionEvent) bool {
		return e.Path == path && e.Op == DefinitionOpWrite
	})
}

func TestDefinitionWatcher_DetectsRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.yml")
	require.NoError(t, os.WriteFile(path, []byte("id: old"), 0o644))

	w, rec := newTestWatcher(t, dir)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.Remove(path))

	rec.waitForEvent(t, func(e DefinitionEvent) bool {
		return e.Path == path && e.Op == DefinitionOpRemove
	})
}

func TestDefinitionWatcher_IgnoresNonYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	w, rec := newTestWatcher(t, dir)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))
	yamlPath := filepath.Join(dir, "late.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("id: late"), 0o644))

	rec.waitForEvent(t, func(e DefinitionEvent) bool {
		return e.Path == yamlPath
	})

	for _, evt := range rec.snapshot() {
		assert.NotContains(t, evt.Path, "README.md")
	}
}

func TestDefinitionWatcher_ExistingFilesDoNotFireOnStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.yaml"), []byte("id: deploy"), 0o644))

	w, rec := newTestWatcher(t, dir)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestDefinitionWatcher_StartTwiceFails(t *testing.T) {
	w, _ := newTestWatcher(t, t.TempDir())

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Error(t, w.Start(context.Background()))
}

func TestDefinitionWatcher_StopIsIdempotent(t *testing.T) {
	w, _ := newTestWatcher(t, t.TempDir())

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())
}
