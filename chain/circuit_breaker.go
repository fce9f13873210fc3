package chain

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许请求通过
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝所有请求
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许探测请求
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值，达到后触发熔断
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout 熔断后等待恢复的时间
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxProbes 半开状态允许的探测请求数
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// SuccessThresholdInHalfOpen 半开状态下连续成功多少次后恢复
	SuccessThresholdInHalfOpen int `json:"success_threshold_in_half_open" yaml:"success_threshold_in_half_open"`
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:           5,
		RecoveryTimeout:            30 * time.Second,
		HalfOpenMaxProbes:          1,
		SuccessThresholdInHalfOpen: 1,
	}
}

// BreakerEvent 熔断器状态变更事件
type BreakerEvent struct {
	Target    string       `json:"target"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// BreakerEventHandler 熔断事件处理器接口
type BreakerEventHandler interface {
	OnStateChange(event BreakerEvent)
}

// BreakerSnapshot 熔断器状态快照，用于管理面检查。
type BreakerSnapshot struct {
	Target          string       `json:"target"`
	State           CircuitState `json:"state"`
	StateName       string       `json:"state_name"`
	Failures        int          `json:"failures"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	HalfOpenSuccess int          `json:"half_open_successes"`
}

// CircuitBreaker 单个外部依赖的熔断器。
// 以依赖键（step 的外部 target）为粒度，进程生命周期内跨执行共享。
type CircuitBreaker struct {
	target          string
	config          BreakerConfig
	state           CircuitState
	failures        int       // 连续失败次数
	successes       int       // 半开状态下连续成功次数
	lastFailureTime time.Time // 最后一次失败时间
	probeCount      int       // 半开状态下已探测次数
	eventHandler    BreakerEventHandler
	logger          *zap.Logger
	mu              sync.RWMutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(target string, config BreakerConfig, eventHandler BreakerEventHandler, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		target:       target,
		config:       config,
		state:        CircuitClosed,
		eventHandler: eventHandler,
		logger:       logger.With(zap.String("target", target)),
	}
}

// AllowRequest 检查是否允许请求通过。
// 熔断打开时返回 CIRCUIT_OPEN 错误，调用方不得发起外部调用。
func (cb *CircuitBreaker) AllowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		// 冷却时间到达后进入半开
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return nil
		}
		return types.NewCircuitOpenError(cb.target,
			fmt.Errorf("%d consecutive failures, retry after %v",
				cb.failures, cb.config.RecoveryTimeout-time.Since(cb.lastFailureTime)))

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		return types.NewCircuitOpenError(cb.target,
			fmt.Errorf("half-open: max probes (%d) reached", cb.config.HalfOpenMaxProbes))

	default:
		return types.NewError(types.ErrInternalError, fmt.Sprintf("unknown circuit state: %d", cb.state))
	}
}

// RecordSuccess 记录一次成功调用
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThresholdInHalfOpen {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
			cb.probeCount = 0
		}
	}
}

// RecordFailure 记录一次失败调用
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}

	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Snapshot 返回状态快照
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return BreakerSnapshot{
		Target:          cb.target,
		State:           cb.state,
		StateName:       cb.state.String(),
		Failures:        cb.failures,
		LastFailureTime: cb.lastFailureTime,
		HalfOpenSuccess: cb.successes,
	}
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
	if oldState != CircuitClosed {
		cb.emitEvent(oldState, CircuitClosed, "manual reset")
	}
}

// transitionTo 状态转换（必须在锁内调用）
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	cb.emitEvent(oldState, newState, reason)
}

// emitEvent 发送事件（必须在锁内调用）
func (cb *CircuitBreaker) emitEvent(oldState, newState CircuitState, reason string) {
	if cb.eventHandler != nil {
		event := BreakerEvent{
			Target:    cb.target,
			OldState:  oldState,
			NewState:  newState,
			Timestamp: time.Now(),
			Reason:    reason,
			Failures:  cb.failures,
		}
		// 异步发送避免死锁
		go cb.eventHandler.OnStateChange(event)
	}
}

// BreakerRegistry 熔断器注册表，按依赖键管理熔断器。
// 注册表是并发执行之间唯一共享的可变状态；每个键的计数器
// 由各自熔断器的锁保护，不使用全局大锁。
type BreakerRegistry struct {
	breakers     map[string]*CircuitBreaker
	config       BreakerConfig
	eventHandler BreakerEventHandler
	logger       *zap.Logger
	mu           sync.RWMutex
}

// NewBreakerRegistry 创建熔断器注册表
func NewBreakerRegistry(config BreakerConfig, eventHandler BreakerEventHandler, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers:     make(map[string]*CircuitBreaker),
		config:       config,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// GetOrCreate 获取或创建依赖键的熔断器
func (r *BreakerRegistry) GetOrCreate(target string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[target]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if cb, ok := r.breakers[target]; ok {
		return cb
	}

	cb := NewCircuitBreaker(target, r.config, r.eventHandler, r.logger)
	r.breakers[target] = cb
	return cb
}

// Snapshots 返回所有熔断器状态快照（管理面）
func (r *BreakerRegistry) Snapshots() map[string]BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make(map[string]BreakerSnapshot, len(r.breakers))
	for target, cb := range r.breakers {
		snaps[target] = cb.Snapshot()
	}
	return snaps
}

// ResetAll 重置所有熔断器
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
