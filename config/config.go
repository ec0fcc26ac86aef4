package config

import (
	"fmt"
	"time"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentOrch 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Scheduler 调度器配置
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Orchestration 编排配置
	Orchestration OrchestrationConfig `yaml:"orchestration" env:"ORCHESTRATION"`

	// Backend 执行后端配置
	Backend BackendConfig `yaml:"backend" env:"BACKEND"`

	// Persistence 持久化配置
	Persistence PersistenceConfig `yaml:"persistence" env:"PERSISTENCE"`

	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// A2A 远程 Agent 调用配置
	A2A A2AConfig `yaml:"a2a" env:"A2A"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口（/health、/metrics）
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	// 单次尝试超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 瞬时错误的最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 最大并发执行数
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// 等待队列容量
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 初始退避
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	// 最大退避
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// 派发速率限制（每秒），0 表示不限速
	DispatchRPS float64 `yaml:"dispatch_rps" env:"DISPATCH_RPS"`
	// 派发突发容量
	DispatchBurst int `yaml:"dispatch_burst" env:"DISPATCH_BURST"`
}

// OrchestrationConfig 编排配置
type OrchestrationConfig struct {
	// 默认委派策略: SEQUENTIAL, PARALLEL, FIRST_SUCCESS, BEST_OF
	DefaultStrategy string `yaml:"default_strategy" env:"DEFAULT_STRATEGY"`
	// PARALLEL 失败策略: continue, cancel_on_fatal
	FailurePolicy string `yaml:"failure_policy" env:"FAILURE_POLICY"`
	// 策略级重试次数（FIRST_SUCCESS 排除失败的候选后重新选择）
	StrategyRetries int `yaml:"strategy_retries" env:"STRATEGY_RETRIES"`
	// 已结束的任务树在路由器中保留的时间，之后只能从持久化存储读取；0 表示不清理
	TreeRetention time.Duration `yaml:"tree_retention" env:"TREE_RETENTION"`
}

// BackendConfig 执行后端配置
type BackendConfig struct {
	// 类型: inprocess, durable
	Type string `yaml:"type" env:"TYPE"`
	// Redis key 前缀
	Prefix string `yaml:"prefix" env:"PREFIX"`
	// 日志保留时间
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	// 后端侧单次尝试超时上限，0 表示不限制
	MaxTimeout time.Duration `yaml:"max_timeout" env:"MAX_TIMEOUT"`
}

// PersistenceConfig 持久化配置
type PersistenceConfig struct {
	// 存储类型: memory, redis, database
	Store string `yaml:"store" env:"STORE"`
	// Redis key 前缀
	Prefix string `yaml:"prefix" env:"PREFIX"`
	// Redis 记录的 TTL
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// A2AConfig 远程 Agent 调用配置
type A2AConfig struct {
	// 远程调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 静态 Agent 端点表: agent_id -> base URL
	Agents map[string]string `yaml:"agents" env:"-"`
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

// MetricsConfig 指标配置
type MetricsConfig struct {
	// Prometheus 命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 部署环境
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
