// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures the connection shared by the Queue Adapter and the
// Submission Intake's per-IP rate limiter.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// BlobStore configures the S3-compatible artifact store.
type BlobStore struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Stages maps canonical stage names to queue keys and governs artifact
// key backward-compatibility.
type Stages struct {
	Queues                       map[string]string         `mapstructure:"queues"`
	AcceptHyphenatedArtifactKeys bool                       `mapstructure:"accept_hyphenated_artifact_keys"`
	Deadlines                    map[string]time.Duration  `mapstructure:"deadlines"`
}

// QueueTransport configures the long-poll Queue Adapter.
type QueueTransport struct {
	SubmissionsQueue      string        `mapstructure:"submissions_queue"`
	EventsQueue           string        `mapstructure:"events_queue"`
	ReceiveBatchSize      int           `mapstructure:"receive_batch_size"`
	ReceiveWait           time.Duration `mapstructure:"receive_wait"`
	ProcessingListPattern string        `mapstructure:"processing_list_pattern"`
	ConsumerHeartbeatTTL  time.Duration `mapstructure:"consumer_heartbeat_ttl"`
}

// Intake configures the Submission Intake's HTTP and queue-consumer paths.
type Intake struct {
	HTTPAddr           string        `mapstructure:"http_addr"`
	RateLimitPerIP     int           `mapstructure:"rate_limit_per_ip"`
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window"`
	RateLimitKeyPrefix string        `mapstructure:"rate_limit_key_prefix"`
}

// StatusAPI configures the read-only status surface.
type StatusAPI struct {
	HTTPAddr           string `mapstructure:"http_addr"`
	RateLimitEnabled   bool   `mapstructure:"rate_limit_enabled"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int    `mapstructure:"rate_limit_burst"`
}

// Reaper configures terminal-job eviction and abandoned stage-task recovery.
type Reaper struct {
	Interval           time.Duration `mapstructure:"interval"`
	JobTTL             time.Duration `mapstructure:"job_ttl"`
	ProcessingScanGlob string        `mapstructure:"processing_scan_glob"`
}

// CircuitBreaker guards the Events Consumer's downstream calls into the
// Pipeline Controller.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
	BreakerPause     time.Duration `mapstructure:"breaker_pause"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
	Insecure         bool    `mapstructure:"insecure"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

// Config is the orchestrator's top-level configuration.
type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	BlobStore      BlobStore      `mapstructure:"blob_store"`
	Stages         Stages         `mapstructure:"stages"`
	QueueTransport QueueTransport `mapstructure:"queue_transport"`
	Intake         Intake         `mapstructure:"intake"`
	StatusAPI      StatusAPI      `mapstructure:"status_api"`
	Reaper         Reaper         `mapstructure:"reaper"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		BlobStore: BlobStore{
			Bucket: "pipeline-artifacts",
			Region: "us-east-1",
		},
		Stages: Stages{
			Queues: map[string]string{
				"research":        "stage:research",
				"product_manager": "stage:product_manager",
				"drawer":          "stage:drawer",
				"designer":        "stage:designer",
				"coder":           "stage:coder",
			},
			AcceptHyphenatedArtifactKeys: true,
			Deadlines:                    map[string]time.Duration{},
		},
		QueueTransport: QueueTransport{
			SubmissionsQueue:      "submissions",
			EventsQueue:           "events",
			ReceiveBatchSize:      10,
			ReceiveWait:           20 * time.Second,
			ProcessingListPattern: "%s:processing:%s",
			ConsumerHeartbeatTTL:  30 * time.Second,
		},
		Intake: Intake{
			HTTPAddr:           ":8080",
			RateLimitPerIP:     1,
			RateLimitWindow:    60 * time.Second,
			RateLimitKeyPrefix: "jobqueue:ratelimit:submit",
		},
		StatusAPI: StatusAPI{
			HTTPAddr:           ":8081",
			RateLimitEnabled:   true,
			RateLimitPerMinute: 120,
			RateLimitBurst:     30,
		},
		Reaper: Reaper{
			Interval:           1 * time.Hour,
			JobTTL:             24 * time.Hour,
			ProcessingScanGlob: "*:processing:*",
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
			BreakerPause:     100 * time.Millisecond,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false, SamplingRate: 0.1},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for
// anything the file omits, and honors environment-variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("blob_store.bucket", def.BlobStore.Bucket)
	v.SetDefault("blob_store.region", def.BlobStore.Region)

	v.SetDefault("stages.queues", def.Stages.Queues)
	v.SetDefault("stages.accept_hyphenated_artifact_keys", def.Stages.AcceptHyphenatedArtifactKeys)
	v.SetDefault("stages.deadlines", def.Stages.Deadlines)

	v.SetDefault("queue_transport.submissions_queue", def.QueueTransport.SubmissionsQueue)
	v.SetDefault("queue_transport.events_queue", def.QueueTransport.EventsQueue)
	v.SetDefault("queue_transport.receive_batch_size", def.QueueTransport.ReceiveBatchSize)
	v.SetDefault("queue_transport.receive_wait", def.QueueTransport.ReceiveWait)
	v.SetDefault("queue_transport.processing_list_pattern", def.QueueTransport.ProcessingListPattern)
	v.SetDefault("queue_transport.consumer_heartbeat_ttl", def.QueueTransport.ConsumerHeartbeatTTL)

	v.SetDefault("intake.http_addr", def.Intake.HTTPAddr)
	v.SetDefault("intake.rate_limit_per_ip", def.Intake.RateLimitPerIP)
	v.SetDefault("intake.rate_limit_window", def.Intake.RateLimitWindow)
	v.SetDefault("intake.rate_limit_key_prefix", def.Intake.RateLimitKeyPrefix)

	v.SetDefault("status_api.http_addr", def.StatusAPI.HTTPAddr)
	v.SetDefault("status_api.rate_limit_enabled", def.StatusAPI.RateLimitEnabled)
	v.SetDefault("status_api.rate_limit_per_minute", def.StatusAPI.RateLimitPerMinute)
	v.SetDefault("status_api.rate_limit_burst", def.StatusAPI.RateLimitBurst)

	v.SetDefault("reaper.interval", def.Reaper.Interval)
	v.SetDefault("reaper.job_ttl", def.Reaper.JobTTL)
	v.SetDefault("reaper.processing_scan_glob", def.Reaper.ProcessingScanGlob)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("circuit_breaker.breaker_pause", def.CircuitBreaker.BreakerPause)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on the first
// invalid setting found.
func Validate(cfg *Config) error {
	for _, stage := range []string{"research", "product_manager", "drawer", "designer", "coder"} {
		if _, ok := cfg.Stages.Queues[stage]; !ok {
			return fmt.Errorf("stages.queues missing entry for stage %q", stage)
		}
	}
	if cfg.QueueTransport.ReceiveWait <= 0 {
		return fmt.Errorf("queue_transport.receive_wait must be > 0")
	}
	if cfg.QueueTransport.ReceiveBatchSize <= 0 {
		return fmt.Errorf("queue_transport.receive_batch_size must be > 0")
	}
	if cfg.Intake.RateLimitPerIP < 0 {
		return fmt.Errorf("intake.rate_limit_per_ip must be >= 0")
	}
	if cfg.Reaper.JobTTL <= 0 {
		return fmt.Errorf("reaper.job_ttl must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
