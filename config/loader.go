// =============================================================================
// 📦 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("EXNIHILO").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是引擎进程的完整配置结构
type Config struct {
	// Server 管理面 HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Chains 链定义加载配置
	Chains ChainsConfig `yaml:"chains" env:"CHAINS"`

	// Modules 外部模块调用配置
	Modules ModulesConfig `yaml:"modules" env:"MODULES"`

	// Engine 链执行引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Breaker 熔断器配置
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`

	// Supervisor 执行监督器配置
	Supervisor SupervisorConfig `yaml:"supervisor" env:"SUPERVISOR"`

	// Checkpoint 检查点配置
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`

	// Redis 检查点 Redis 后端配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 检查点关系库后端配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 管理面服务配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 单 IP 请求速率上限（次/秒）
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 速率限制突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// ChainsConfig 链定义加载配置
type ChainsConfig struct {
	// 链定义目录（*.yaml / *.yml）
	Dir string `yaml:"dir" env:"DIR"`
	// 是否监听目录变更并重载
	WatchEnabled bool `yaml:"watch_enabled" env:"WATCH_ENABLED"`
}

// ModulesConfig 外部模块调用配置
type ModulesConfig struct {
	// 模块网关的基础 URL，调用路径为 {base_url}/modules/{target}/{operation}
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 按目标覆盖调用地址（target → URL）
	Endpoints map[string]string `yaml:"endpoints" env:"-"`
}

// EngineConfig 链执行引擎配置
type EngineConfig struct {
	// 单步默认超时
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" env:"DEFAULT_STEP_TIMEOUT"`
	// 默认重试次数
	DefaultRetries int `yaml:"default_retries" env:"DEFAULT_RETRIES"`
	// 首次重试延迟
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	// 重试延迟上限
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// 重试延迟抖动
	RetryJitter bool `yaml:"retry_jitter" env:"RETRY_JITTER"`
	// 链级重试次数上限（0 不限制）
	MaxRetryCeiling int `yaml:"max_retry_ceiling" env:"MAX_RETRY_CEILING"`
	// 子链最大递归深度
	MaxRecursionDepth int `yaml:"max_recursion_depth" env:"MAX_RECURSION_DEPTH"`
	// 整链超时（0 不限制）
	ChainTimeout time.Duration `yaml:"chain_timeout" env:"CHAIN_TIMEOUT"`
	// 每依赖键的调用速率上限（次/秒，0 关闭）
	RatePerTarget float64 `yaml:"rate_per_target" env:"RATE_PER_TARGET"`
	// 速率限制突发量
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// 连续失败阈值
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// 熔断恢复等待
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	// 半开探测请求数
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" env:"HALF_OPEN_MAX_PROBES"`
	// 半开恢复所需连续成功数
	SuccessThreshold int `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
}

// SupervisorConfig 执行监督器配置
type SupervisorConfig struct {
	// 并发执行上限
	Workers int `yaml:"workers" env:"WORKERS"`
	// 等待队列上限
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 事件订阅者缓冲
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
	// 终态结果保留条数上限
	ResultHistory int `yaml:"result_history" env:"RESULT_HISTORY"`
}

// CheckpointConfig 检查点配置
type CheckpointConfig struct {
	// 是否启用检查点
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 后端: memory, file, database, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// file 后端的数据目录
	Dir string `yaml:"dir" env:"DIR"`
	// 加密密钥（hex 编码 32 字节）；生产环境经 EXNIHILO_CHECKPOINT_KEY 注入
	Key string `yaml:"key" env:"KEY"`
	// 启动时是否扫描并恢复检查点
	ResumeOnStart bool `yaml:"resume_on_start" env:"RESUME_ON_START"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// SQLite 数据文件路径
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "EXNIHILO",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// Validate 检查配置的基本一致性
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics_port: %d", c.Server.MetricsPort)
	}
	if c.Supervisor.Workers <= 0 {
		return fmt.Errorf("supervisor workers must be positive, got %d", c.Supervisor.Workers)
	}
	if c.Supervisor.QueueSize < 0 {
		return fmt.Errorf("supervisor queue_size must not be negative, got %d", c.Supervisor.QueueSize)
	}
	if c.Engine.MaxRecursionDepth <= 0 {
		return fmt.Errorf("max_recursion_depth must be positive, got %d", c.Engine.MaxRecursionDepth)
	}
	switch c.Checkpoint.Backend {
	case "", "memory", "file", "database", "redis":
	default:
		return fmt.Errorf("unknown checkpoint backend: %q", c.Checkpoint.Backend)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Log.Level)
	}
	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
