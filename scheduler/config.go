package scheduler

import (
	"time"

	"github.com/BaSui01/agentorch/config"
)

// ScheduleConfig controls timeouts, retries and concurrency.
type ScheduleConfig struct {
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	MaxConcurrent  int           `json:"max_concurrent" yaml:"max_concurrent"`
	QueueSize      int           `json:"queue_size" yaml:"queue_size"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	// DispatchRPS limits how fast queued work starts. Zero disables the limit.
	DispatchRPS   float64 `json:"dispatch_rps" yaml:"dispatch_rps"`
	DispatchBurst int     `json:"dispatch_burst" yaml:"dispatch_burst"`
}

// DefaultScheduleConfig returns sensible defaults.
func DefaultScheduleConfig() ScheduleConfig {
	return FromConfig(config.DefaultSchedulerConfig())
}

// FromConfig converts the loaded scheduler section.
func FromConfig(c config.SchedulerConfig) ScheduleConfig {
	return ScheduleConfig{
		Timeout:        c.Timeout,
		MaxRetries:     c.MaxRetries,
		MaxConcurrent:  c.MaxConcurrent,
		QueueSize:      c.QueueSize,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		DispatchRPS:    c.DispatchRPS,
		DispatchBurst:  c.DispatchBurst,
	}
}

func (c ScheduleConfig) normalized() ScheduleConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.DispatchRPS > 0 && c.DispatchBurst <= 0 {
		c.DispatchBurst = 1
	}
	return c
}
