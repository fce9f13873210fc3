package chain

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType 生命周期事件类型
type EventType string

const (
	// EventStarted 执行开始
	EventStarted EventType = "started"
	// EventStepCompleted 单步结束（completed/failed/skipped）
	EventStepCompleted EventType = "step-completed"
	// EventCompleted 执行成功结束
	EventCompleted EventType = "completed"
	// EventFailed 执行以失败/取消/超时结束
	EventFailed EventType = "failed"
)

// Event 供外部消费者（看板、通知）订阅的生命周期事件。
// 消费者不会反向影响引擎状态。
type Event struct {
	Type        EventType       `json:"type"`
	ExecutionID string          `json:"executionId"`
	ChainID     string          `json:"chainId,omitempty"`
	StepID      string          `json:"stepId,omitempty"`
	StepStatus  StepStatus      `json:"stepStatus,omitempty"`
	Status      ExecutionStatus `json:"status,omitempty"`
	DurationMs  int64           `json:"durationMs,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventBus 出站事件总线。发布永不阻塞：订阅者缓冲满时丢弃
// 该订阅者的事件并记录日志，引擎不等待消费者。
type EventBus struct {
	subscribers []chan Event
	bufferSize  int
	dropped     atomic.Int64
	logger      *zap.Logger
	mu          sync.RWMutex
	closed      bool
}

// NewEventBus 创建事件总线；bufferSize 为每个订阅者的缓冲大小。
func NewEventBus(bufferSize int, logger *zap.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		bufferSize: bufferSize,
		logger:     logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe 注册一个订阅者并返回其事件通道。
func (b *EventBus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish 向所有订阅者广播事件，不阻塞发布方。
func (b *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber buffer full, dropping event",
				zap.String("type", string(event.Type)),
				zap.String("execution_id", event.ExecutionID))
		}
	}
}

// Close 关闭总线与所有订阅通道。
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}

// Dropped 返回因订阅者缓冲满而被丢弃的事件数。
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}
