package chain

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/QoobSweet/ex-nihilo-sub000/internal/metrics"
	"github.com/QoobSweet/ex-nihilo-sub000/internal/pool"
	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

// ExecutionRequest 外部触发器（webhook 等协作方）产生的执行请求。
type ExecutionRequest struct {
	TriggerID string            `json:"triggerId"`
	ChainID   string            `json:"chainId"`
	Input     map[string]any    `json:"input,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// ExecutionInfo 管理面可见的在途执行信息。
type ExecutionInfo struct {
	ExecutionID string          `json:"executionId"`
	ChainID     string          `json:"chainId"`
	TriggerID   string          `json:"triggerId,omitempty"`
	Status      ExecutionStatus `json:"status"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	StartedAt   time.Time       `json:"startedAt,omitempty"`
}

// SupervisorConfig 执行监督器配置。
type SupervisorConfig struct {
	// Workers 并发执行上限
	Workers int `json:"workers" yaml:"workers"`
	// QueueSize 等待队列上限，超出即背压拒绝
	QueueSize int `json:"queue_size" yaml:"queue_size"`
	// EventBuffer 每个事件订阅者的缓冲
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`
	// ResultHistory 保留的终态结果条数上限，超出按结束顺序淘汰最旧的
	ResultHistory int `json:"result_history" yaml:"result_history"`
}

// DefaultSupervisorConfig 返回默认配置。
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Workers:       8,
		QueueSize:     64,
		EventBuffer:   256,
		ResultHistory: 1024,
	}
}

type activeExecution struct {
	info   ExecutionInfo
	cancel context.CancelFunc
}

// instanceState 单个链实例（triggerID）的串行化状态。
type instanceState struct {
	busy    bool
	waiting []*job
}

type job struct {
	executionID string
	triggerID   string
	chainID     string
	ctx         context.Context
	run         func(ctx context.Context) *ExecutionResult
}

// Supervisor 拥有有界工作池，负责执行请求的入队/出队、
// 同链实例串行化，以及生命周期事件的对外发布。
// 单个执行的意外异常在工作协程边界被捕获并转换为失败结果，
// 绝不让 Supervisor 崩溃。
type Supervisor struct {
	runner      *Runner
	registry    *Registry
	breakers    *BreakerRegistry
	checkpoints *CheckpointManager
	pool        *pool.WorkerPool
	events      *EventBus
	metrics     *metrics.Collector // optional
	config      SupervisorConfig
	logger      *zap.Logger

	mu          sync.Mutex
	active      map[string]*activeExecution
	instances   map[string]*instanceState
	results     map[string]*ExecutionResult
	resultOrder []string
	closed      bool
}

// NewSupervisor 创建执行监督器并接管 runner 的步骤观察。
func NewSupervisor(runner *Runner, registry *Registry, breakers *BreakerRegistry, checkpoints *CheckpointManager, config SupervisorConfig, collector *metrics.Collector, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Workers <= 0 {
		config.Workers = 8
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.ResultHistory <= 0 {
		config.ResultHistory = 1024
	}

	s := &Supervisor{
		runner:      runner,
		registry:    registry,
		breakers:    breakers,
		checkpoints: checkpoints,
		events:      NewEventBus(config.EventBuffer, logger),
		metrics:     collector,
		config:      config,
		logger:      logger.With(zap.String("component", "supervisor")),
		active:      make(map[string]*activeExecution),
		instances:   make(map[string]*instanceState),
		results:     make(map[string]*ExecutionResult),
	}
	s.pool = pool.New(pool.Config{
		Workers:   config.Workers,
		QueueSize: config.QueueSize,
		PanicHandler: func(v any) {
			s.logger.Error("execution worker panic recovered", zap.Any("panic", v))
		},
	})
	runner.SetObserver(s)
	return s
}

// Events 返回事件总线，供外部消费者订阅。
func (s *Supervisor) Events() *EventBus {
	return s.events
}

// OnStepCompleted 实现 StepObserver：发布 step-completed 事件。
func (s *Supervisor) OnStepCompleted(executionID string, result StepResult) {
	s.events.Publish(Event{
		Type:        EventStepCompleted,
		ExecutionID: executionID,
		StepID:      result.StepID,
		StepStatus:  result.Status,
		DurationMs:  result.DurationMs,
	})
	if s.metrics != nil {
		s.mu.Lock()
		chainID := ""
		if ae, ok := s.active[executionID]; ok {
			chainID = ae.info.ChainID
		}
		s.mu.Unlock()
		s.metrics.RecordStep(chainID, string(result.Status), time.Duration(result.DurationMs)*time.Millisecond)
	}
}

// Enqueue 受理一个执行请求并返回分配的执行 id。
// 同一触发实例已有在途执行时排在其后串行执行，不并发运行。
func (s *Supervisor) Enqueue(req ExecutionRequest) (string, error) {
	def, ok := s.registry.Get(req.ChainID)
	if !ok {
		return "", types.NewChainNotFoundError(req.ChainID)
	}

	executionID := uuid.NewString()
	execCtx := NewExecutionContext(executionID, def.ID, req.TriggerID, req.Input, req.Env)

	runCtx, cancel := context.WithCancel(context.Background())
	j := &job{
		executionID: executionID,
		triggerID:   req.TriggerID,
		chainID:     def.ID,
		ctx:         runCtx,
		run: func(ctx context.Context) *ExecutionResult {
			return s.runner.Run(ctx, def, execCtx)
		},
	}

	if err := s.admit(j, cancel); err != nil {
		cancel()
		return "", err
	}
	return executionID, nil
}

// admit 注册执行并按实例串行化入队。
func (s *Supervisor) admit(j *job, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrInternalError, "supervisor is shut down")
	}

	s.active[j.executionID] = &activeExecution{
		info: ExecutionInfo{
			ExecutionID: j.executionID,
			ChainID:     j.chainID,
			TriggerID:   j.triggerID,
			Status:      ExecutionPending,
			EnqueuedAt:  time.Now(),
		},
		cancel: cancel,
	}

	instanceKey := j.triggerID
	if instanceKey == "" {
		// 无触发实例标识时各请求互不串行
		instanceKey = j.executionID
	}

	inst := s.instances[instanceKey]
	if inst == nil {
		inst = &instanceState{}
		s.instances[instanceKey] = inst
	}
	if inst.busy {
		inst.waiting = append(inst.waiting, j)
		s.logger.Info("instance busy, queueing execution behind it",
			zap.String("execution_id", j.executionID),
			zap.String("trigger_id", j.triggerID),
			zap.Int("waiting", len(inst.waiting)))
		s.updateQueueDepth()
		return nil
	}
	inst.busy = true

	if err := s.dispatch(j, instanceKey); err != nil {
		inst.busy = false
		delete(s.active, j.executionID)
		return err
	}
	return nil
}

// dispatch 把执行提交到工作池（调用方持有锁）。
func (s *Supervisor) dispatch(j *job, instanceKey string) error {
	err := s.pool.Submit(j.ctx, func(poolCtx context.Context) {
		s.execute(j, instanceKey)
	})
	if err != nil {
		s.logger.Warn("pool rejected execution",
			zap.String("execution_id", j.executionID),
			zap.Error(err))
		return types.NewError(types.ErrInternalError, "execution queue full").WithCause(err)
	}
	return nil
}

// execute 在工作协程上运行一次执行并发布生命周期事件。
func (s *Supervisor) execute(j *job, instanceKey string) {
	startedAt := time.Now()
	s.mu.Lock()
	if ae, ok := s.active[j.executionID]; ok {
		ae.info.Status = ExecutionRunning
		ae.info.StartedAt = startedAt
	}
	activeCount := s.runningCountLocked()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetActiveExecutions(activeCount)
	}

	s.events.Publish(Event{
		Type:        EventStarted,
		ExecutionID: j.executionID,
		ChainID:     j.chainID,
	})

	result := s.safeRun(j, startedAt)

	s.mu.Lock()
	delete(s.active, j.executionID)
	s.recordResultLocked(j.executionID, result)
	if inst, ok := s.instances[instanceKey]; ok {
		dispatched := false
		for !dispatched && len(inst.waiting) > 0 {
			nextJob := inst.waiting[0]
			inst.waiting = inst.waiting[1:]
			if err := s.dispatch(nextJob, instanceKey); err != nil {
				delete(s.active, nextJob.executionID)
				s.logger.Error("failed to dispatch queued execution",
					zap.String("execution_id", nextJob.executionID),
					zap.Error(err))
				continue
			}
			dispatched = true
		}
		if !dispatched {
			delete(s.instances, instanceKey)
		}
	}
	s.updateQueueDepth()
	s.mu.Unlock()

	eventType := EventCompleted
	if result.Status != ExecutionCompleted {
		eventType = EventFailed
	}
	s.events.Publish(Event{
		Type:        eventType,
		ExecutionID: j.executionID,
		ChainID:     j.chainID,
		Status:      result.Status,
		DurationMs:  result.DurationMs,
	})
	if s.metrics != nil {
		s.metrics.RecordExecution(j.chainID, string(result.Status), time.Duration(result.DurationMs)*time.Millisecond)
	}
}

// safeRun 运行一次执行并把逃逸的 panic 转换为失败结果。
// 没有这层兜底，panic 掉的执行不会产生结果，其触发实例会永久卡在
// busy 状态，排在后面的请求再也轮不到执行。
func (s *Supervisor) safeRun(j *job, startedAt time.Time) (result *ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("execution panicked, converted to failed result",
				zap.String("execution_id", j.executionID),
				zap.String("chain_id", j.chainID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			now := time.Now()
			result = &ExecutionResult{
				ExecutionID: j.executionID,
				ChainID:     j.chainID,
				Status:      ExecutionFailed,
				StartedAt:   startedAt,
				CompletedAt: now,
				DurationMs:  now.Sub(startedAt).Milliseconds(),
				Error:       types.NewError(types.ErrInternalError, fmt.Sprintf("execution panic: %v", r)).Error(),
			}
		}
	}()
	return j.run(j.ctx)
}

// recordResultLocked 记录终态结果，超出历史上限时按结束顺序淘汰最旧的。
func (s *Supervisor) recordResultLocked(executionID string, result *ExecutionResult) {
	s.results[executionID] = result
	s.resultOrder = append(s.resultOrder, executionID)
	for len(s.resultOrder) > s.config.ResultHistory {
		oldest := s.resultOrder[0]
		s.resultOrder = s.resultOrder[1:]
		delete(s.results, oldest)
	}
}

// ResumeAll 在进程启动时加载全部检查点并重入其链。
// 完整性校验失败的检查点不恢复，作为需要人工重启的执行 id 返回。
func (s *Supervisor) ResumeAll(ctx context.Context) (resumed []string, damaged []string, err error) {
	if s.checkpoints == nil {
		return nil, nil, nil
	}

	ids, err := s.checkpoints.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var mu sync.Mutex
	g, loadCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, id := range ids {
		g.Go(func() error {
			cp, loadErr := s.checkpoints.Load(loadCtx, id)
			if types.IsErrorCode(loadErr, types.ErrCheckpointIntegrity) {
				mu.Lock()
				damaged = append(damaged, id)
				mu.Unlock()
				return nil
			}
			if loadErr != nil {
				return loadErr
			}
			if cp == nil {
				return nil
			}

			runCtx, cancel := context.WithCancel(context.Background())
			j := &job{
				executionID: cp.ExecutionID,
				triggerID:   cp.Context.TriggerID,
				chainID:     cp.Context.ChainID,
				ctx:         runCtx,
				run: func(c context.Context) *ExecutionResult {
					return s.runner.Resume(c, cp)
				},
			}
			if admitErr := s.admit(j, cancel); admitErr != nil {
				cancel()
				return admitErr
			}
			mu.Lock()
			resumed = append(resumed, id)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return resumed, damaged, err
	}

	s.logger.Info("resume sweep finished",
		zap.Int("resumed", len(resumed)),
		zap.Int("damaged", len(damaged)))
	return resumed, damaged, nil
}

// Cancel 取消一个执行：在途步骤的等待被中断，已提交的
// StepResult 与检查点保留为历史记录。
func (s *Supervisor) Cancel(executionID string) error {
	s.mu.Lock()
	ae, ok := s.active[executionID]
	s.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrChainNotFound, fmt.Sprintf("no active execution %s", executionID))
	}
	ae.cancel()
	s.logger.Info("execution cancelled", zap.String("execution_id", executionID))
	return nil
}

// List 返回全部在途（排队或运行中）执行。
func (s *Supervisor) List() []ExecutionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]ExecutionInfo, 0, len(s.active))
	for _, ae := range s.active {
		infos = append(infos, ae.info)
	}
	return infos
}

// Result 返回已结束执行的结果。
func (s *Supervisor) Result(executionID string) (*ExecutionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[executionID]
	return result, ok
}

// BreakerSnapshots 管理面：按依赖键查看熔断器状态。
func (s *Supervisor) BreakerSnapshots() map[string]BreakerSnapshot {
	return s.breakers.Snapshots()
}

// Shutdown 停止接收新请求并等待在途执行结束。
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.pool.Close()
	s.events.Close()
	s.logger.Info("supervisor shut down")
}

func (s *Supervisor) runningCountLocked() int {
	n := 0
	for _, ae := range s.active {
		if ae.info.Status == ExecutionRunning {
			n++
		}
	}
	return n
}

func (s *Supervisor) updateQueueDepth() {
	if s.metrics == nil {
		return
	}
	n := 0
	for _, inst := range s.instances {
		n += len(inst.waiting)
	}
	s.metrics.SetQueueDepth(n)
}
