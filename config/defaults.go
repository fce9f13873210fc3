// =============================================================================
// 📦 引擎默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Chains:     DefaultChainsConfig(),
		Modules:    DefaultModulesConfig(),
		Engine:     DefaultEngineConfig(),
		Breaker:    DefaultBreakerConfig(),
		Supervisor: DefaultSupervisorConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultChainsConfig 返回默认链定义加载配置
func DefaultChainsConfig() ChainsConfig {
	return ChainsConfig{
		Dir:          "chains",
		WatchEnabled: false,
	}
}

// DefaultModulesConfig 返回默认模块调用配置
func DefaultModulesConfig() ModulesConfig {
	return ModulesConfig{
		BaseURL: "http://localhost:9000",
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultStepTimeout: 60 * time.Second,
		DefaultRetries:     3,
		RetryInitialDelay:  time.Second,
		RetryMaxDelay:      30 * time.Second,
		RetryJitter:        true,
		MaxRetryCeiling:    10,
		MaxRecursionDepth:  5,
		ChainTimeout:       0,
		RatePerTarget:      0,
		RateBurst:          1,
	}
}

// DefaultBreakerConfig 返回默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
}

// DefaultSupervisorConfig 返回默认监督器配置
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Workers:       8,
		QueueSize:     64,
		EventBuffer:   256,
		ResultHistory: 1024,
	}
}

// DefaultCheckpointConfig 返回默认检查点配置
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Enabled:       true,
		Backend:       "file",
		Dir:           "data",
		ResumeOnStart: true,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		KeyPrefix: "exnihilo:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver: "sqlite",
		Path:   "data/exnihilo.db",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "exnihilo",
		SampleRate:   0.1,
	}
}
