package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

func newTestSupervisor(t *testing.T, reg *Registry, exec ModuleExecutor, cfg SupervisorConfig) *Supervisor {
	t.Helper()
	breakers := NewBreakerRegistry(DefaultBreakerConfig(), nil, nil)
	invoker := NewInvoker(exec, breakers, DefaultInvokerConfig(), nil)
	runner := NewRunner(reg, invoker, nil, fastRunnerConfig(), nil)
	s := NewSupervisor(runner, reg, breakers, nil, cfg, nil, nil)
	t.Cleanup(s.Shutdown)
	return s
}

func waitForResult(t *testing.T, s *Supervisor, executionID string) *ExecutionResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if result, ok := s.Result(executionID); ok {
			return result
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not finish in time", executionID)
	return nil
}

func TestSupervisor_RunsEnqueuedExecution(t *testing.T) {
	exec := newScriptedExecutor()
	exec.succeed("http", "fetch", map[string]any{"status": "success"})

	reg := NewRegistry()
	mustRegister(t, reg, &ChainDefinition{ID: "simple", Steps: []Step{moduleStep("s1", "http", "fetch")}})

	s := newTestSupervisor(t, reg, exec, DefaultSupervisorConfig())

	id, err := s.Enqueue(ExecutionRequest{ChainID: "simple", TriggerID: "trig-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	result := waitForResult(t, s, id)
	assert.Equal(t, ExecutionCompleted, result.Status)
	assert.Equal(t, id, result.ExecutionID)
}

func TestSupervisor_UnknownChainRejected(t *testing.T) {
	s := newTestSupervisor(t, NewRegistry(), newScriptedExecutor(), DefaultSupervisorConfig())

	_, err := s.Enqueue(ExecutionRequest{ChainID: "ghost"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrChainNotFound))
}

func TestSupervisor_SerializesSameTriggerInstance(t *testing.T) {
	var mu sync.Mutex
	running := 0
	maxConcurrent := 0
	order := []string{}
	release := make(chan struct{})

	exec := ModuleExecutorFunc(func(ctx context.Context, req ModuleRequest) (ModuleResponse, error) {
		mu.Lock()
		running++
		if running > maxConcurrent {
			maxConcurrent = running
		}
		mu.Unlock()

		<-release

		mu.Lock()
		running--
		order = append(order, req.Params["tag"].(string))
		mu.Unlock()
		return ModuleResponse{Success: true, Output: map[string]any{"ok": true}}, nil
	})

	reg := NewRegistry()
	tagged := func(tag string) *ChainDefinition {
		s := moduleStep("s1", "svc", "call")
		s.Module.Params = map[string]any{"tag": tag}
		return &ChainDefinition{ID: "inst-" + tag, Steps: []Step{s}}
	}
	mustRegister(t, reg, tagged("first"), tagged("second"))

	s := newTestSupervisor(t, reg, exec, DefaultSupervisorConfig())

	// 同一触发实例的两个请求必须串行：第二个排在第一个之后
	id1, err := s.Enqueue(ExecutionRequest{ChainID: "inst-first", TriggerID: "instance-A"})
	require.NoError(t, err)
	id2, err := s.Enqueue(ExecutionRequest{ChainID: "inst-second", TriggerID: "instance-A"})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, running, "second execution must wait for the first")
	mu.Unlock()

	close(release)
	waitForResult(t, s, id1)
	waitForResult(t, s, id2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxConcurrent)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSupervisor_DifferentTriggersRunConcurrently(t *testing.T) {
	var mu sync.Mutex
	running := 0
	maxConcurrent := 0
	release := make(chan struct{})

	exec := ModuleExecutorFunc(func(ctx context.Context, req ModuleRequest) (ModuleResponse, error) {
		mu.Lock()
		running++
		if running > maxConcurrent {
			maxConcurrent = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return ModuleResponse{Success: true}, nil
	})

	reg := NewRegistry()
	mustRegister(t, reg, &ChainDefinition{ID: "par", Steps: []Step{moduleStep("s1", "svc", "call")}})

	s := newTestSupervisor(t, reg, exec, DefaultSupervisorConfig())

	id1, err := s.Enqueue(ExecutionRequest{ChainID: "par", TriggerID: "instance-A"})
	require.NoError(t, err)
	id2, err := s.Enqueue(ExecutionRequest{ChainID: "par", TriggerID: "instance-B"})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := running
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	assert.Equal(t, 2, running, "different instances run concurrently")
	mu.Unlock()

	close(release)
	waitForResult(t, s, id1)
	waitForResult(t, s, id2)
}

func TestSupervisor_PublishesLifecycleEvents(t *testing.T) {
	exec := newScriptedExecutor()
	exec.succeed("http", "fetch", map[string]any{"ok": true})

	reg := NewRegistry()
	mustRegister(t, reg, &ChainDefinition{ID: "events", Steps: []Step{moduleStep("s1", "http", "fetch")}})

	s := newTestSupervisor(t, reg, exec, DefaultSupervisorConfig())
	ch := s.Events().Subscribe()

	id, err := s.Enqueue(ExecutionRequest{ChainID: "events", TriggerID: "trig"})
	require.NoError(t, err)
	waitForResult(t, s, id)

	var got []EventType
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-ch:
			assert.Equal(t, id, ev.ExecutionID)
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("timed out, events so far: %v", got)
		}
	}

	assert.Equal(t, []EventType{EventStarted, EventStepCompleted, EventCompleted}, got)
}

func TestSupervisor_FailedExecutionPublishesFailedEvent(t *testing.T) {
	exec := newScriptedExecutor()
	exec.on("broken", "call", func(int) (ModuleResponse, error) {
		return ModuleResponse{Success: false, Error: "boom"}, nil
	})

	reg := NewRegistry()
	zero := 0
	step := moduleStep("s1", "broken", "call")
	step.RetryCount = &zero
	mustRegister(t, reg, &ChainDefinition{ID: "doomed", Steps: []Step{step}})

	s := newTestSupervisor(t, reg, exec, DefaultSupervisorConfig())
	ch := s.Events().Subscribe()

	id, err := s.Enqueue(ExecutionRequest{ChainID: "doomed"})
	require.NoError(t, err)
	result := waitForResult(t, s, id)
	assert.Equal(t, ExecutionFailed, result.Status)

	var last Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			last = ev
			if ev.Type == EventFailed || ev.Type == EventCompleted {
				assert.Equal(t, EventFailed, ev.Type)
				assert.Equal(t, ExecutionFailed, ev.Status)
				return
			}
		case <-timeout:
			t.Fatalf("no terminal event, last: %+v", last)
		}
	}
}

func TestSupervisor_CancelActiveExecution(t *testing.T) {
	started := make(chan struct{})
	exec := ModuleExecutorFunc(func(ctx context.Context, req ModuleRequest) (ModuleResponse, error) {
		close(started)
		<-ctx.Done()
		return ModuleResponse{}, ctx.Err()
	})

	reg := NewRegistry()
	zero := 0
	step := moduleStep("s1", "svc", "call")
	step.RetryCount = &zero
	mustRegister(t, reg, &ChainDefinition{ID: "cancellable", Steps: []Step{step}})

	s := newTestSupervisor(t, reg, exec, DefaultSupervisorConfig())

	id, err := s.Enqueue(ExecutionRequest{ChainID: "cancellable", TriggerID: "trig"})
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Cancel(id))

	result := waitForResult(t, s, id)
	assert.Equal(t, ExecutionCancelled, result.Status)

	// 已结束的执行不可再取消
	assert.Error(t, s.Cancel(id))
}

func TestSupervisor_ListShowsInFlight(t *testing.T) {
	release := make(chan struct{})
	exec := ModuleExecutorFunc(func(ctx context.Context, req ModuleRequest) (ModuleResponse, error) {
		<-release
		return ModuleResponse{Success: true}, nil
	})

	reg := NewRegistry()
	mustRegister(t, reg, &ChainDefinition{ID: "listed", Steps: []Step{moduleStep("s1", "svc", "call")}})

	s := newTestSupervisor(t, reg, exec, DefaultSupervisorConfig())
	id, err := s.Enqueue(ExecutionRequest{ChainID: "listed", TriggerID: "trig"})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	var infos []ExecutionInfo
	for time.Now().Before(deadline) {
		infos = s.List()
		if len(infos) == 1 && infos[0].Status == ExecutionRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ExecutionID)
	assert.Equal(t, ExecutionRunning, infos[0].Status)

	close(release)
	waitForResult(t, s, id)
	assert.Empty(t, s.List())
}

func TestSupervisor_ResumeAllReportsDamagedCheckpoints(t *testing.T) {
	exec := newScriptedExecutor()
	exec.succeed("http", "fetch", map[string]any{"ok": true})

	reg := NewRegistry()
	mustRegister(t, reg, &ChainDefinition{
		ID:    "recoverable",
		Steps: []Step{moduleStep("s1", "http", "fetch"), moduleStep("s2", "http", "fetch")},
	})

	store := NewMemoryCheckpointStore()
	mgr, err := NewCheckpointManager(store, testKey(), nil)
	require.NoError(t, err)

	ctx := context.Background()

	// 一个完好的检查点（第一步已完成）
	goodCtx := NewExecutionContext("exec-good", "recoverable", "trig-good", nil, nil)
	goodCtx.SetStepOutput("s1", map[string]any{"ok": true})
	require.NoError(t, mgr.Save(ctx, goodCtx, 1,
		[]StepResult{{StepID: "s1", Status: StepCompleted, StartedAt: time.Now()}}))

	// 一个密文被破坏的检查点
	badCtx := NewExecutionContext("exec-bad", "recoverable", "trig-bad", nil, nil)
	require.NoError(t, mgr.Save(ctx, badCtx, 0, nil))
	record, err := store.Get(ctx, "exec-bad")
	require.NoError(t, err)
	record.Payload[0] ^= 0xFF
	require.NoError(t, store.Put(ctx, record))

	breakers := NewBreakerRegistry(DefaultBreakerConfig(), nil, nil)
	invoker := NewInvoker(exec, breakers, DefaultInvokerConfig(), nil)
	runner := NewRunner(reg, invoker, mgr, fastRunnerConfig(), nil)
	s := NewSupervisor(runner, reg, breakers, mgr, DefaultSupervisorConfig(), nil, nil)
	t.Cleanup(s.Shutdown)

	resumed, damaged, err := s.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-good"}, resumed)
	assert.Equal(t, []string{"exec-bad"}, damaged)

	result := waitForResult(t, s, "exec-good")
	assert.Equal(t, ExecutionCompleted, result.Status)
	// 恢复执行只补跑剩余步骤
	assert.Equal(t, []string{"s1", "s2"}, stepIDs(result.Steps))
	assert.Equal(t, 1, exec.callCount("http", "fetch"))

	// 损坏的检查点保留原样等待人工处理
	_, err = store.Get(ctx, "exec-bad")
	assert.NoError(t, err)
}

func TestSupervisor_ShutdownRejectsNewWork(t *testing.T) {
	exec := newScriptedExecutor()
	exec.succeed("http", "fetch", map[string]any{"ok": true})

	reg := NewRegistry()
	mustRegister(t, reg, &ChainDefinition{ID: "late", Steps: []Step{moduleStep("s1", "http", "fetch")}})

	breakers := NewBreakerRegistry(DefaultBreakerConfig(), nil, nil)
	invoker := NewInvoker(exec, breakers, DefaultInvokerConfig(), nil)
	runner := NewRunner(reg, invoker, nil, fastRunnerConfig(), nil)
	s := NewSupervisor(runner, reg, breakers, nil, DefaultSupervisorConfig(), nil, nil)

	s.Shutdown()

	_, err := s.Enqueue(ExecutionRequest{ChainID: "late"})
	assert.Error(t, err)
}

func TestEventBus_NonBlockingPublish(t *testing.T) {
	bus := NewEventBus(2, nil)
	ch := bus.Subscribe()

	// 订阅者不消费，发布方也不允许被阻塞
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventStarted, ExecutionID: "e"})
	}

	assert.Equal(t, int64(8), bus.Dropped())
	assert.Len(t, ch, 2)

	bus.Close()
	// 通道被关闭后耗尽缓冲即结束
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestSupervisor_PanicConvertedToFailedResult(t *testing.T) {
	release := make(chan struct{})
	exec := ModuleExecutorFunc(func(ctx context.Context, req ModuleRequest) (ModuleResponse, error) {
		if req.Target == "boom" {
			<-release
			panic("executor exploded")
		}
		return ModuleResponse{Success: true, Output: map[string]any{"ok": true}}, nil
	})

	reg := NewRegistry()
	mustRegister(t, reg,
		&ChainDefinition{ID: "explosive", Steps: []Step{moduleStep("s1", "boom", "run")}},
		&ChainDefinition{ID: "calm", Steps: []Step{moduleStep("s1", "safe", "run")}})

	s := newTestSupervisor(t, reg, exec, DefaultSupervisorConfig())

	first, err := s.Enqueue(ExecutionRequest{ChainID: "explosive", TriggerID: "trig-p"})
	require.NoError(t, err)
	// 同一触发实例排在 panic 的执行后面
	second, err := s.Enqueue(ExecutionRequest{ChainID: "calm", TriggerID: "trig-p"})
	require.NoError(t, err)
	close(release)

	result := waitForResult(t, s, first)
	assert.Equal(t, ExecutionFailed, result.Status)
	assert.Contains(t, result.Error, "INTERNAL_ERROR")
	assert.Contains(t, result.Error, "panic")

	// panic 的执行不再出现在在途列表里
	for _, info := range s.List() {
		assert.NotEqual(t, first, info.ExecutionID)
	}

	// 排队的执行正常轮到并完成
	nextResult := waitForResult(t, s, second)
	assert.Equal(t, ExecutionCompleted, nextResult.Status)
}

func TestSupervisor_ResultHistoryBounded(t *testing.T) {
	exec := newScriptedExecutor()
	exec.succeed("http", "fetch", map[string]any{"ok": true})

	reg := NewRegistry()
	mustRegister(t, reg, &ChainDefinition{ID: "simple", Steps: []Step{moduleStep("s1", "http", "fetch")}})

	cfg := DefaultSupervisorConfig()
	cfg.ResultHistory = 2
	s := newTestSupervisor(t, reg, exec, cfg)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.Enqueue(ExecutionRequest{ChainID: "simple"})
		require.NoError(t, err)
		waitForResult(t, s, id)
		ids = append(ids, id)
	}

	_, ok := s.Result(ids[0])
	assert.False(t, ok, "oldest result should be evicted past the history bound")
	_, ok = s.Result(ids[1])
	assert.True(t, ok)
	_, ok = s.Result(ids[2])
	assert.True(t, ok)
}
