package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	exnihilo "github.com/QoobSweet/ex-nihilo-sub000"
	"github.com/QoobSweet/ex-nihilo-sub000/chain"
	"github.com/QoobSweet/ex-nihilo-sub000/config"
	"github.com/QoobSweet/ex-nihilo-sub000/internal/server"
	"github.com/QoobSweet/ex-nihilo-sub000/internal/telemetry"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是引擎进程的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	engine  *exnihilo.Engine
	watcher *config.DefinitionWatcher

	httpManager    *server.Manager
	metricsManager *server.Manager

	otelProviders *telemetry.Providers

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 装配执行引擎
	if err := s.initEngine(); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}

	// 2. 加载链定义
	if err := s.engine.LoadChains(); err != nil {
		return fmt.Errorf("failed to load chain definitions: %w", err)
	}
	s.logger.Info("chain definitions loaded",
		zap.Strings("chains", s.engine.Registry().IDs()))

	// 3. 链目录变更监听
	if s.cfg.Chains.WatchEnabled {
		if err := s.startWatcher(); err != nil {
			return fmt.Errorf("failed to start definition watcher: %w", err)
		}
	}

	// 4. 恢复未完成的执行
	if s.cfg.Checkpoint.Enabled && s.cfg.Checkpoint.ResumeOnStart {
		resumed, damaged, err := s.engine.ResumeAll(context.Background())
		if err != nil {
			s.logger.Error("checkpoint resume failed", zap.Error(err))
		}
		if len(resumed) > 0 {
			s.logger.Info("resumed interrupted executions", zap.Strings("execution_ids", resumed))
		}
		// 损坏的检查点只上报，不信任其内容
		if len(damaged) > 0 {
			s.logger.Warn("damaged checkpoints detected", zap.Strings("execution_ids", damaged))
		}
	}

	// 5. 启动管理 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("watch_enabled", s.cfg.Chains.WatchEnabled),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initEngine 装配链执行引擎
func (s *Server) initEngine() error {
	executor := newHTTPModuleExecutor(s.cfg.Modules, s.logger)

	eng, err := exnihilo.New(executor,
		exnihilo.WithConfig(s.cfg),
		exnihilo.WithLogger(s.logger),
	)
	if err != nil {
		return err
	}
	s.engine = eng
	return nil
}

// startWatcher 监听链定义目录并在变更时整体重载注册表
func (s *Server) startWatcher() error {
	w, err := config.NewDefinitionWatcher(s.cfg.Chains.Dir,
		config.WithWatcherLogger(s.logger),
	)
	if err != nil {
		return err
	}

	w.OnChange(func(event config.DefinitionEvent) {
		s.logger.Info("chain definitions changed, reloading",
			zap.String("path", event.Path),
			zap.String("op", event.Op.String()))

		reg := chain.NewRegistry()
		if err := chain.LoadDirectory(reg, s.cfg.Chains.Dir); err != nil {
			s.logger.Error("chain definition reload rejected", zap.Error(err))
			return
		}
		s.engine.Registry().ReplaceAll(reg)
		s.logger.Info("chain definitions reloaded",
			zap.Strings("chains", s.engine.Registry().IDs()))
	})

	if err := w.Start(context.Background()); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动管理 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Error("Definition watcher shutdown error", zap.Error(err))
		}
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.logger.Error("Engine shutdown error", zap.Error(err))
		}
	}

	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
