package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Voicemail  VoicemailConfig  `mapstructure:"voicemail"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	CallBridge CallBridgeConfig `mapstructure:"call_bridge"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// StatementTimeout caps server-side statement time; the claim query relies on it.
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	LocalDC     string        `mapstructure:"local_dc"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	LifecycleTopic  string        `mapstructure:"lifecycle_topic"`
	OutcomeTopic    string        `mapstructure:"outcome_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	Partitions      int           `mapstructure:"partitions"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
}

// ThrottleConfig bounds concurrent calls.
type ThrottleConfig struct {
	SystemCap        int    `mapstructure:"system_cap"`
	DefaultTenantCap int    `mapstructure:"default_tenant_cap"`
	DirectReserve    int    `mapstructure:"direct_reserve"`
	KeyPrefix        string `mapstructure:"key_prefix"`
}

type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
	WorkerID     string        `mapstructure:"worker_id"`
}

type SchedulerConfig struct {
	RescanCeiling time.Duration `mapstructure:"rescan_ceiling"`
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	CampaignLimit int           `mapstructure:"campaign_limit"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	LockKey       string        `mapstructure:"lock_key"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// SweepConfig drives the maintenance cron in the worker process.
type SweepConfig struct {
	Schedule      string        `mapstructure:"schedule"`
	SlotMaxAge    time.Duration `mapstructure:"slot_max_age"`
	AnalysisRerun string        `mapstructure:"analysis_rerun"`
	AnalysisBatch int           `mapstructure:"analysis_batch"`
}

type LifecycleConfig struct {
	Shards int `mapstructure:"shards"`
}

// VoicemailConfig lists the signals that reclassify a completed call.
type VoicemailConfig struct {
	HangupKeywords  []string `mapstructure:"hangup_keywords"`
	SummaryPhrases  []string `mapstructure:"summary_phrases"`
	TranscriptCues  []string `mapstructure:"transcript_cues"`
	MaxHumanSeconds int      `mapstructure:"max_human_seconds"`
}

type AnalysisConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CallBridgeConfig struct {
	ProviderName   string        `mapstructure:"provider_name"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// DefaultRegion is the ISO region for phone numbers without a country code.
	DefaultRegion string `mapstructure:"default_region"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

// Validate fills defaults and rejects inconsistent limits.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		c.App.Name = "call-orchestrator"
	}
	if c.Throttle.SystemCap <= 0 {
		return fmt.Errorf("config: throttle.system_cap must be positive")
	}
	if c.Throttle.DefaultTenantCap <= 0 {
		c.Throttle.DefaultTenantCap = c.Throttle.SystemCap
	}
	if c.Throttle.DefaultTenantCap > c.Throttle.SystemCap {
		return fmt.Errorf("config: throttle.default_tenant_cap (%d) exceeds system_cap (%d)",
			c.Throttle.DefaultTenantCap, c.Throttle.SystemCap)
	}
	if c.Throttle.DirectReserve < 0 || c.Throttle.DirectReserve >= c.Throttle.SystemCap {
		return fmt.Errorf("config: throttle.direct_reserve must be in [0, system_cap)")
	}
	if c.Throttle.KeyPrefix == "" {
		c.Throttle.KeyPrefix = "orchestrator"
	}

	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = 2 * time.Second
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 20
	}
	if c.Queue.ClaimTimeout <= 0 {
		c.Queue.ClaimTimeout = 2 * time.Minute
	}

	if c.Scheduler.RescanCeiling <= 0 {
		c.Scheduler.RescanCeiling = time.Minute
	}
	if c.Scheduler.MaxBatchSize <= 0 {
		c.Scheduler.MaxBatchSize = 50
	}
	if c.Scheduler.CampaignLimit <= 0 {
		c.Scheduler.CampaignLimit = 500
	}
	if c.Scheduler.LockTTL <= 0 {
		c.Scheduler.LockTTL = 30 * time.Second
	}
	if c.Scheduler.LockKey == "" {
		c.Scheduler.LockKey = c.Throttle.KeyPrefix + ":scheduler:leader"
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = time.Minute
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = 30 * c.Retry.BaseDelay
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("config: retry.jitter must be in [0, 1]")
	}

	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 1m"
	}
	if c.Sweep.SlotMaxAge <= 0 {
		c.Sweep.SlotMaxAge = 30 * time.Minute
	}
	if c.Sweep.AnalysisRerun == "" {
		c.Sweep.AnalysisRerun = "@every 5m"
	}
	if c.Sweep.AnalysisBatch <= 0 {
		c.Sweep.AnalysisBatch = 25
	}

	if c.Lifecycle.Shards <= 0 {
		c.Lifecycle.Shards = 16
	}
	if c.Kafka.Partitions <= 0 {
		c.Kafka.Partitions = 24
	}
	if c.Analysis.Timeout <= 0 {
		c.Analysis.Timeout = 45 * time.Second
	}
	if c.CallBridge.RequestTimeout <= 0 {
		c.CallBridge.RequestTimeout = 10 * time.Second
	}
	if c.CallBridge.DefaultRegion == "" {
		c.CallBridge.DefaultRegion = "US"
	}
	return nil
}
