// =============================================================================
// 📦 AgentOrch 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:        DefaultServerConfig(),
		Scheduler:     DefaultSchedulerConfig(),
		Orchestration: DefaultOrchestrationConfig(),
		Backend:       DefaultBackendConfig(),
		Persistence:   DefaultPersistenceConfig(),
		Redis:         DefaultRedisConfig(),
		Database:      DefaultDatabaseConfig(),
		A2A:           DefaultA2AConfig(),
		Log:           DefaultLogConfig(),
		Metrics:       DefaultMetricsConfig(),
		Telemetry:     DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultSchedulerConfig 返回默认调度器配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Timeout:        2 * time.Minute,
		MaxRetries:     2,
		MaxConcurrent:  8,
		QueueSize:      64,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// DefaultOrchestrationConfig 返回默认编排配置
func DefaultOrchestrationConfig() OrchestrationConfig {
	return OrchestrationConfig{
		DefaultStrategy: "SEQUENTIAL",
		FailurePolicy:   "continue",
		StrategyRetries: 0,
		TreeRetention:   10 * time.Minute,
	}
}

// DefaultBackendConfig 返回默认执行后端配置
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Type:      "inprocess",
		Prefix:    "agentorch:",
		Retention: 24 * time.Hour,
	}
}

// DefaultPersistenceConfig 返回默认持久化配置
func DefaultPersistenceConfig() PersistenceConfig {
	return PersistenceConfig{
		Store:  "memory",
		Prefix: "agentorch:",
		TTL:    7 * 24 * time.Hour,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "agentorch",
		Password:        "",
		Name:            "agentorch.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultA2AConfig 返回默认 A2A 配置
func DefaultA2AConfig() A2AConfig {
	return A2AConfig{
		Timeout: 60 * time.Second,
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

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Namespace: "agentorch"}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentorch",
		Environment:  "development",
		SampleRate:   0.1,
	}
}
