// 链定义目录变更监听器。
//
// 基于轮询检测目录下 YAML 链定义文件的创建、修改与删除，
// 带防抖地触发重载回调。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefinitionEvent 一次链定义文件变更事件
type DefinitionEvent struct {
	// Path 变更的文件路径
	Path string `json:"path"`
	// Op 操作类型
	Op DefinitionOp `json:"op"`
	// Timestamp 事件发生时间
	Timestamp time.Time `json:"timestamp"`
}

// DefinitionOp 文件操作类型
type DefinitionOp int

const (
	// DefinitionOpCreate 文件已创建
	DefinitionOpCreate DefinitionOp = iota
	// DefinitionOpWrite 文件已修改
	DefinitionOpWrite
	// DefinitionOpRemove 文件已删除
	DefinitionOpRemove
)

// String returns the string representation of DefinitionOp
func (op DefinitionOp) String() string {
	switch op {
	case DefinitionOpCreate:
		return "CREATE"
	case DefinitionOpWrite:
		return "WRITE"
	case DefinitionOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// DefinitionWatcher 监听链定义目录的变更。
// 轮询实现，不依赖平台文件事件；回调在防抖窗口合并后触发。
type DefinitionWatcher struct {
	mu sync.RWMutex

	dir           string
	pollInterval  time.Duration
	debounceDelay time.Duration

	running   bool
	stopChan  chan struct{}
	eventChan chan DefinitionEvent

	callbacks []func(event DefinitionEvent)

	logger *zap.Logger

	// 各文件的最后修改时间
	lastModTimes map[string]time.Time
}

// DefinitionWatcherOption 配置 DefinitionWatcher
type DefinitionWatcherOption func(*DefinitionWatcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) DefinitionWatcherOption {
	return func(w *DefinitionWatcher) {
		w.pollInterval = d
	}
}

// WithDebounceDelay 设置事件防抖延迟
func WithDebounceDelay(d time.Duration) DefinitionWatcherOption {
	return func(w *DefinitionWatcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger 设置日志器
func WithWatcherLogger(logger *zap.Logger) DefinitionWatcherOption {
	return func(w *DefinitionWatcher) {
		w.logger = logger
	}
}

// NewDefinitionWatcher 创建链定义目录监听器
func NewDefinitionWatcher(dir string, opts ...DefinitionWatcherOption) (*DefinitionWatcher, error) {
	w := &DefinitionWatcher{
		dir:           dir,
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		stopChan:      make(chan struct{}),
		eventChan:     make(chan DefinitionEvent, 100),
		callbacks:     make([]func(DefinitionEvent), 0),
		lastModTimes:  make(map[string]time.Time),
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("failed to stat chain directory %s: %w", dir, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("chain path %s is not a directory", dir)
	}

	return w, nil
}

// OnChange 注册变更回调
func (w *DefinitionWatcher) OnChange(callback func(DefinitionEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start 开始监听目录变更
func (w *DefinitionWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	// 初始化各文件修改时间，启动时已存在的文件不触发事件
	for path, modTime := range w.scan() {
		w.lastModTimes[path] = modTime
	}

	go w.pollLoop(ctx)
	go w.dispatchLoop(ctx)

	w.logger.Info("chain definition watcher started",
		zap.String("dir", w.dir),
		zap.Duration("poll_interval", w.pollInterval))

	return nil
}

// Stop 停止监听
func (w *DefinitionWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	close(w.stopChan)
	w.running = false

	w.logger.Info("chain definition watcher stopped")
	return nil
}

// IsRunning 返回监听器是否在运行
func (w *DefinitionWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// scan 枚举目录下的链定义文件及其修改时间
func (w *DefinitionWatcher) scan() map[string]time.Time {
	found := make(map[string]time.Time)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("failed to read chain directory", zap.Error(err))
		return found
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		found[filepath.Join(w.dir, name)] = info.ModTime()
	}
	return found
}

// pollLoop 周期性扫描目录
func (w *DefinitionWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkFiles()
		}
	}
}

// checkFiles 比对目录状态并产生事件
func (w *DefinitionWatcher) checkFiles() {
	w.mu.Lock()
	defer w.mu.Unlock()

	current := w.scan()

	// 已删除的文件
	for path := range w.lastModTimes {
		if _, ok := current[path]; !ok {
			delete(w.lastModTimes, path)
			w.eventChan <- DefinitionEvent{Path: path, Op: DefinitionOpRemove, Timestamp: time.Now()}
		}
	}

	for path, modTime := range current {
		lastMod, existed := w.lastModTimes[path]
		if !existed {
			w.lastModTimes[path] = modTime
			w.eventChan <- DefinitionEvent{Path: path, Op: DefinitionOpCreate, Timestamp: time.Now()}
		} else if modTime.After(lastMod) {
			w.lastModTimes[path] = modTime
			w.eventChan <- DefinitionEvent{Path: path, Op: DefinitionOpWrite, Timestamp: time.Now()}
		}
	}
}

// dispatchLoop 防抖聚合事件并调度回调
func (w *DefinitionWatcher) dispatchLoop(ctx context.Context) {
	var (
		pendingEvents = make(map[string]DefinitionEvent)
		debounceTimer *time.Timer
		pendingMu     sync.Mutex
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event := <-w.eventChan:
			pendingMu.Lock()
			// 相同路径只保留最后一次事件
			pendingEvents[event.Path] = event
			pendingMu.Unlock()

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounceDelay, func() {
				w.mu.RLock()
				callbacks := make([]func(DefinitionEvent), len(w.callbacks))
				copy(callbacks, w.callbacks)
				w.mu.RUnlock()

				pendingMu.Lock()
				batch := pendingEvents
				pendingEvents = make(map[string]DefinitionEvent)
				pendingMu.Unlock()

				for path, evt := range batch {
					w.logger.Debug("dispatching chain definition event",
						zap.String("path", path),
						zap.String("op", evt.Op.String()))

					for _, cb := range callbacks {
						cb(evt)
					}
				}
			})
		}
	}
}
