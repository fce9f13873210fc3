// Package exnihilo provides a top-level convenience entry point for
// assembling a chain execution engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/QoobSweet/ex-nihilo-sub000"
//
//	eng, err := exnihilo.New(executor,
//	    exnihilo.WithConfig(cfg),
//	    exnihilo.WithLogger(logger),
//	)
//	defer eng.Close()
//
// The engine wires the chain registry, circuit breakers, retrying invoker,
// runner, checkpoint manager and supervisor from a single [config.Config].
package exnihilo

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/QoobSweet/ex-nihilo-sub000/chain"
	"github.com/QoobSweet/ex-nihilo-sub000/config"
	"github.com/QoobSweet/ex-nihilo-sub000/internal/metrics"
	"github.com/QoobSweet/ex-nihilo-sub000/persistence"
)

// Engine 将链执行所需的全部组件装配为一个整体。
type Engine struct {
	cfg        *config.Config
	logger     *zap.Logger
	registry   *chain.Registry
	breakers   *chain.BreakerRegistry
	runner     *chain.Runner
	supervisor *chain.Supervisor
	collector  *metrics.Collector
	store      chain.CheckpointStore
	closers    []func() error
}

// Option configures the engine created by [New].
type Option func(*engineOptions)

type engineOptions struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *chain.Registry
	store     chain.CheckpointStore
	promReg   prometheus.Registerer
	breakerCB chain.BreakerEventHandler
}

// WithConfig sets the engine configuration. Defaults to [config.DefaultConfig].
func WithConfig(cfg *config.Config) Option {
	return func(o *engineOptions) { o.cfg = cfg }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithRegistry supplies a pre-populated chain registry.
func WithRegistry(reg *chain.Registry) Option {
	return func(o *engineOptions) { o.registry = reg }
}

// WithCheckpointStore overrides the checkpoint backend chosen from config.
func WithCheckpointStore(store chain.CheckpointStore) Option {
	return func(o *engineOptions) { o.store = store }
}

// WithPrometheusRegisterer sets the metrics registerer.
// Defaults to [prometheus.DefaultRegisterer].
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.promReg = reg }
}

// WithBreakerEventHandler registers a callback for circuit state transitions.
func WithBreakerEventHandler(handler chain.BreakerEventHandler) Option {
	return func(o *engineOptions) { o.breakerCB = handler }
}

// New assembles an engine around the given module executor.
// The executor performs the actual external module calls; everything
// else (retry, breaker, routing, checkpointing, supervision) is wired here.
func New(executor chain.ModuleExecutor, opts ...Option) (*Engine, error) {
	if executor == nil {
		return nil, fmt.Errorf("module executor is required")
	}

	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = config.DefaultConfig()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.registry == nil {
		o.registry = chain.NewRegistry()
	}
	if o.promReg == nil {
		o.promReg = prometheus.DefaultRegisterer
	}

	cfg := o.cfg
	eng := &Engine{
		cfg:      cfg,
		logger:   o.logger,
		registry: o.registry,
	}

	eng.collector = metrics.NewCollector("exnihilo", o.promReg)

	eng.breakers = chain.NewBreakerRegistry(chain.BreakerConfig{
		FailureThreshold:           cfg.Breaker.FailureThreshold,
		RecoveryTimeout:            cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxProbes:          cfg.Breaker.HalfOpenMaxProbes,
		SuccessThresholdInHalfOpen: cfg.Breaker.SuccessThreshold,
	}, o.breakerCB, o.logger)

	invoker := chain.NewInvoker(executor, eng.breakers, chain.InvokerConfig{
		DefaultTimeout: cfg.Engine.DefaultStepTimeout,
		RatePerTarget:  cfg.Engine.RatePerTarget,
		RateBurst:      cfg.Engine.RateBurst,
	}, o.logger)

	var checkpoints *chain.CheckpointManager
	if cfg.Checkpoint.Enabled {
		store := o.store
		if store == nil {
			var err error
			store, err = buildCheckpointStore(cfg)
			if err != nil {
				return nil, fmt.Errorf("build checkpoint store: %w", err)
			}
		}
		eng.store = store
		if closer, ok := store.(interface{ Close() error }); ok {
			eng.closers = append(eng.closers, closer.Close)
		}

		key, err := checkpointKey(cfg)
		if err != nil {
			return nil, err
		}
		checkpoints, err = chain.NewCheckpointManager(store, key, o.logger)
		if err != nil {
			return nil, fmt.Errorf("create checkpoint manager: %w", err)
		}
	}

	eng.runner = chain.NewRunner(eng.registry, invoker, checkpoints, chain.RunnerConfig{
		DefaultRetry: chain.RetryPolicy{
			MaxRetries:   cfg.Engine.DefaultRetries,
			InitialDelay: cfg.Engine.RetryInitialDelay,
			MaxDelay:     cfg.Engine.RetryMaxDelay,
			Multiplier:   2.0,
			Jitter:       cfg.Engine.RetryJitter,
		},
		MaxRetryCeiling:   cfg.Engine.MaxRetryCeiling,
		MaxRecursionDepth: cfg.Engine.MaxRecursionDepth,
		ChainTimeout:      cfg.Engine.ChainTimeout,
	}, o.logger)

	eng.supervisor = chain.NewSupervisor(eng.runner, eng.registry, eng.breakers, checkpoints, chain.SupervisorConfig{
		Workers:       cfg.Supervisor.Workers,
		QueueSize:     cfg.Supervisor.QueueSize,
		EventBuffer:   cfg.Supervisor.EventBuffer,
		ResultHistory: cfg.Supervisor.ResultHistory,
	}, eng.collector, o.logger)

	return eng, nil
}

// LoadChains 从配置的目录加载全部链定义。
func (e *Engine) LoadChains() error {
	return chain.LoadDirectory(e.registry, e.cfg.Chains.Dir)
}

// Registry 返回链定义注册表。
func (e *Engine) Registry() *chain.Registry { return e.registry }

// Supervisor 返回执行监督器。
func (e *Engine) Supervisor() *chain.Supervisor { return e.supervisor }

// Breakers 返回熔断器注册表。
func (e *Engine) Breakers() *chain.BreakerRegistry { return e.breakers }

// Metrics 返回指标收集器。
func (e *Engine) Metrics() *metrics.Collector { return e.collector }

// Enqueue 提交一次链执行请求。
func (e *Engine) Enqueue(req chain.ExecutionRequest) (string, error) {
	return e.supervisor.Enqueue(req)
}

// ResumeAll 扫描检查点存储并恢复未完成的执行。
// 返回已恢复与已损坏的执行 ID 列表。
func (e *Engine) ResumeAll(ctx context.Context) (resumed, damaged []string, err error) {
	return e.supervisor.ResumeAll(ctx)
}

// Close 关闭监督器并释放存储后端资源。
func (e *Engine) Close() error {
	e.supervisor.Shutdown()
	var firstErr error
	for _, closeFn := range e.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildCheckpointStore 根据配置选择检查点后端。
func buildCheckpointStore(cfg *config.Config) (chain.CheckpointStore, error) {
	switch cfg.Checkpoint.Backend {
	case "", "memory":
		return chain.NewMemoryCheckpointStore(), nil

	case "file":
		return persistence.NewFileStore(cfg.Checkpoint.Dir)

	case "database":
		if cfg.Database.Driver != "sqlite" {
			return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
		}
		db, err := gorm.Open(sqlite.Open(cfg.Database.Path), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		return persistence.NewGormStore(db)

	case "redis":
		return persistence.NewRedisStore(persistence.RedisStoreConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       7 * 24 * time.Hour,
		})

	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// checkpointKey 解析检查点加密密钥。
// 优先取配置值，其次回退到 EXNIHILO_CHECKPOINT_KEY 环境变量。
func checkpointKey(cfg *config.Config) ([]byte, error) {
	raw := cfg.Checkpoint.Key
	if raw == "" {
		raw = os.Getenv("EXNIHILO_CHECKPOINT_KEY")
	}
	if raw == "" {
		return nil, fmt.Errorf("checkpoint enabled but no encryption key configured")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("checkpoint key is not valid hex: %w", err)
	}
	return key, nil
}
