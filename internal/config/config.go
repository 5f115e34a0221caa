package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	BlobStore   BlobStoreConfig   `mapstructure:"blobstore"`
	Resilience  ResilienceConfig  `mapstructure:"resilience"`
	Blacklist   BlacklistConfig   `mapstructure:"blacklist"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Race        RaceConfig        `mapstructure:"race_provisioner"`
	WarmPool    WarmPoolConfig    `mapstructure:"warm_pool"`
	Regional    RegionalConfig    `mapstructure:"regional_volume"`
	SSH         SSHConfig         `mapstructure:"ssh"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MarketplaceConfig holds the InstanceProvider / StandbyProvider credentials.
type MarketplaceConfig struct {
	APIKey        string `mapstructure:"api_key"`
	StandbyAPIKey string `mapstructure:"standby_api_key"`
	DeploymentID  string `mapstructure:"deployment_id"`
}

// BlobStoreConfig configures the S3-compatible adapter (AWS S3, B2, R2).
type BlobStoreConfig struct {
	Endpoint        string `mapstructure:"endpoint"` // empty for AWS S3; custom for B2/R2
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"` // required by B2/R2
}

// ResilienceConfig configures the rate limiter and circuit breaker.
type ResilienceConfig struct {
	RateLimitPerMachine int           `mapstructure:"rate_limit_per_machine"` // N admissions
	RateLimitWindow     time.Duration `mapstructure:"rate_limit_window"`      // T
	CircuitFailThreshold int          `mapstructure:"circuit_fail_threshold"`
	CircuitCoolDown     time.Duration `mapstructure:"circuit_cool_down"`
	CleanupAuditCapacity int          `mapstructure:"cleanup_audit_capacity"` // bounded FIFO
}

// BlacklistConfig configures the Host Blacklist TTL deny-list.
type BlacklistConfig struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// SnapshotConfig configures the Snapshot Engine.
type SnapshotConfig struct {
	ChunkSizeBytes       int64         `mapstructure:"chunk_size_bytes"`
	MaxChainDepth        int           `mapstructure:"max_chain_depth"`
	DefaultRetentionDays int           `mapstructure:"default_retention_days"`
	CleanupBatchSize     int           `mapstructure:"cleanup_batch_size"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
	ValidationTolerance  float64       `mapstructure:"validation_tolerance"` // 0.05 = 5%
}

// RaceConfig configures the Race Provisioner.
type RaceConfig struct {
	GPUsPerRound     int           `mapstructure:"gpus_per_round"`
	TimeoutPerRound  time.Duration `mapstructure:"timeout_per_round"`
	MaxRounds        int           `mapstructure:"max_rounds"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	IssueStagger     time.Duration `mapstructure:"issue_stagger"`
	IssueRetries     int           `mapstructure:"issue_retries"`
}

// WarmPoolConfig configures the Warm Pool Manager.
type WarmPoolConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	FailThreshold       int           `mapstructure:"fail_threshold"`
	DefaultVolumeSizeGB int           `mapstructure:"default_volume_size_gb"`
}

// RegionalConfig configures Regional Volume Failover.
type RegionalConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// SSHConfig holds SSH probe configuration.
type SSHConfig struct {
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables.
func LoadFromEnv() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "./data/gpu-fleet-core.db")

	v.SetDefault("resilience.rate_limit_per_machine", 5)
	v.SetDefault("resilience.rate_limit_window", 24*time.Hour)
	v.SetDefault("resilience.circuit_fail_threshold", 5)
	v.SetDefault("resilience.circuit_cool_down", 60*time.Second)
	v.SetDefault("resilience.cleanup_audit_capacity", 10000)

	v.SetDefault("blacklist.default_ttl", 6*time.Hour)
	v.SetDefault("blacklist.cleanup_interval", 10*time.Minute)

	v.SetDefault("snapshot.chunk_size_bytes", 8*1024*1024) // 8 MiB
	v.SetDefault("snapshot.max_chain_depth", 16)
	v.SetDefault("snapshot.default_retention_days", 7)
	v.SetDefault("snapshot.cleanup_batch_size", 100)
	v.SetDefault("snapshot.cleanup_interval", 24*time.Hour)
	v.SetDefault("snapshot.validation_tolerance", 0.05)

	v.SetDefault("race_provisioner.gpus_per_round", 5)
	v.SetDefault("race_provisioner.timeout_per_round", 60*time.Second)
	v.SetDefault("race_provisioner.max_rounds", 4)
	v.SetDefault("race_provisioner.check_interval", 2*time.Second)
	v.SetDefault("race_provisioner.issue_stagger", 200*time.Millisecond)
	v.SetDefault("race_provisioner.issue_retries", 3)

	v.SetDefault("warm_pool.health_check_interval", 10*time.Second)
	v.SetDefault("warm_pool.fail_threshold", 3)
	v.SetDefault("warm_pool.default_volume_size_gb", 100)

	v.SetDefault("regional_volume.default_timeout", 5*time.Minute)

	v.SetDefault("ssh.probe_timeout", 10*time.Second)
	v.SetDefault("ssh.connect_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	bindEnv := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key), slog.String("env_var", envVar), slog.String("error", err.Error()))
		}
	}

	bindEnv("marketplace.api_key", "MARKETPLACE_API_KEY")
	bindEnv("marketplace.standby_api_key", "STANDBY_API_KEY")
	bindEnv("marketplace.deployment_id", "DEPLOYMENT_ID")

	bindEnv("blobstore.endpoint", "BLOBSTORE_ENDPOINT")
	bindEnv("blobstore.region", "BLOBSTORE_REGION")
	bindEnv("blobstore.bucket", "BLOBSTORE_BUCKET")
	bindEnv("blobstore.access_key_id", "BLOBSTORE_ACCESS_KEY_ID")
	bindEnv("blobstore.secret_access_key", "BLOBSTORE_SECRET_ACCESS_KEY")

	bindEnv("database.path", "DATABASE_PATH")
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Marketplace.APIKey == "" {
		return fmt.Errorf("MARKETPLACE_API_KEY is required")
	}
	if c.BlobStore.Bucket == "" {
		return fmt.Errorf("blobstore.bucket is required")
	}
	if c.BlobStore.AccessKeyID == "" || c.BlobStore.SecretAccessKey == "" {
		return fmt.Errorf("blobstore credentials are required")
	}
	if c.Snapshot.MaxChainDepth <= 0 {
		return fmt.Errorf("snapshot.max_chain_depth must be positive")
	}
	return nil
}
