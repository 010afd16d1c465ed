// Package config defines the oracle's typed configuration: recognised
// options, defaults, YAML profiles, and validation.
package config

import (
	"fmt"
	"time"
)

// Tier selects the exit-code policy for degraded runs.
type Tier string

const (
	// TierCommunity exits 2 on degraded runs that proceeded.
	TierCommunity Tier = "community"
	// TierPaid reclassifies degraded runs as hard failures.
	TierPaid Tier = "paid"
)

// Backend selects a storage variant for a capability.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
	BackendS3       Backend = "s3"
	BackendGCS      Backend = "gcs"
	BackendFile     Backend = "file"
)

// Config is the full recognised option set.
type Config struct {
	Tier Tier `yaml:"tier" json:"tier"`

	// Calibration.
	KAnonymityFloor             int     `yaml:"k_anonymity_floor" json:"k_anonymity_floor"`
	CriticalFPR                 float64 `yaml:"critical_fpr" json:"critical_fpr"`
	ByzantineZThreshold         float64 `yaml:"byzantine_z_threshold" json:"byzantine_z_threshold"`
	ByzantinePercentile         float64 `yaml:"byzantine_percentile" json:"byzantine_percentile"`
	MinContributorsForFiltering int     `yaml:"min_contributors_for_filtering" json:"min_contributors_for_filtering"`
	MinStakeForParticipation    int64   `yaml:"min_stake_for_participation" json:"min_stake_for_participation"`

	// Redaction.
	NonceTTL         time.Duration `yaml:"nonce_ttl" json:"nonce_ttl"`
	NonceGraceWindow time.Duration `yaml:"nonce_grace_window" json:"nonce_grace_window"`
	NoncePrefix      string        `yaml:"nonce_prefix" json:"nonce_prefix"`

	// Anonymiser.
	SaltParameterName string `yaml:"salt_parameter_name" json:"salt_parameter_name"`
	TestModeSalt      bool   `yaml:"test_mode_salt" json:"test_mode_salt"`

	// Circuit breaker.
	CircuitBreakerThreshold     int64 `yaml:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
	CircuitBreakerWindowHours   int   `yaml:"circuit_breaker_window_hours" json:"circuit_breaker_window_hours"`
	CircuitBreakerCooldownHours int   `yaml:"circuit_breaker_cooldown_hours" json:"circuit_breaker_cooldown_hours"`

	// Pipeline.
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout" json:"evaluation_timeout"`
	FPWindowSize      int           `yaml:"fp_window_size" json:"fp_window_size"`

	// Storage backends.
	FPStoreBackend      Backend `yaml:"fp_store_backend" json:"fp_store_backend"`
	BlockCounterBackend Backend `yaml:"block_counter_backend" json:"block_counter_backend"`
	ArchiveBackend      Backend `yaml:"archive_backend" json:"archive_backend"`
	SecretsBackend      Backend `yaml:"secrets_backend" json:"secrets_backend"`

	SQLitePath  string `yaml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty" json:"postgres_dsn,omitempty"`
	RedisAddr   string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`

	S3Bucket   string `yaml:"s3_bucket,omitempty" json:"s3_bucket,omitempty"`
	S3Region   string `yaml:"s3_region,omitempty" json:"s3_region,omitempty"`
	S3Endpoint string `yaml:"s3_endpoint,omitempty" json:"s3_endpoint,omitempty"`
	GCSBucket  string `yaml:"gcs_bucket,omitempty" json:"gcs_bucket,omitempty"`

	SecretsDir string `yaml:"secrets_dir,omitempty" json:"secrets_dir,omitempty"`

	// Observability.
	OTLPEndpoint       string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	TelemetryEnabled   bool   `yaml:"telemetry_enabled" json:"telemetry_enabled"`
	TelemetryInsecure  bool   `yaml:"telemetry_insecure" json:"telemetry_insecure"`
	ServiceEnvironment string `yaml:"service_environment,omitempty" json:"service_environment,omitempty"`
}

// Default returns the designed defaults.
func Default() Config {
	return Config{
		Tier:                        TierCommunity,
		KAnonymityFloor:             5,
		CriticalFPR:                 0.10,
		ByzantineZThreshold:         3.0,
		ByzantinePercentile:         0.20,
		MinContributorsForFiltering: 5,
		MinStakeForParticipation:    0,
		NonceTTL:                    time.Hour,
		NonceGraceWindow:            time.Hour,
		NoncePrefix:                 "oracle/nonce/",
		SaltParameterName:           "oracle/salt",
		CircuitBreakerThreshold:     10,
		CircuitBreakerWindowHours:   24,
		CircuitBreakerCooldownHours: 1,
		EvaluationTimeout:           2 * time.Minute,
		FPWindowSize:                50,
		FPStoreBackend:              BackendMemory,
		BlockCounterBackend:         BackendMemory,
		ArchiveBackend:              BackendMemory,
		SecretsBackend:              BackendMemory,
		TelemetryEnabled:            false,
		ServiceEnvironment:          "development",
	}
}

// Validate rejects inconsistent configurations before anything starts.
func (c Config) Validate() error {
	switch c.Tier {
	case TierCommunity, TierPaid:
	default:
		return fmt.Errorf("config: unknown tier %q", c.Tier)
	}
	if c.KAnonymityFloor < 1 {
		return fmt.Errorf("config: k-anonymity floor %d must be >= 1", c.KAnonymityFloor)
	}
	if c.CriticalFPR <= 0 || c.CriticalFPR > 1 {
		return fmt.Errorf("config: critical FPR %v must be in (0,1]", c.CriticalFPR)
	}
	if c.ByzantineZThreshold <= 0 {
		return fmt.Errorf("config: byzantine z threshold %v must be positive", c.ByzantineZThreshold)
	}
	if c.ByzantinePercentile < 0 || c.ByzantinePercentile >= 1 {
		return fmt.Errorf("config: byzantine percentile %v must be in [0,1)", c.ByzantinePercentile)
	}
	if c.NonceTTL <= 0 {
		return fmt.Errorf("config: nonce TTL %v must be positive", c.NonceTTL)
	}
	// A grace window shorter than the TTL could evict a nonce version while
	// reports produced under it are still being validated.
	if c.NonceGraceWindow < c.NonceTTL {
		return fmt.Errorf("config: nonce grace window %v must be >= nonce TTL %v", c.NonceGraceWindow, c.NonceTTL)
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("config: circuit breaker threshold %d must be >= 1", c.CircuitBreakerThreshold)
	}
	if c.CircuitBreakerWindowHours < 1 {
		return fmt.Errorf("config: circuit breaker window %d hours must be >= 1", c.CircuitBreakerWindowHours)
	}
	if c.FPWindowSize < 1 {
		return fmt.Errorf("config: FP window size %d must be >= 1", c.FPWindowSize)
	}

	switch c.FPStoreBackend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: sqlite FP store requires sqlite_path")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: postgres FP store requires postgres_dsn")
		}
	default:
		return fmt.Errorf("config: unsupported FP store backend %q", c.FPStoreBackend)
	}

	switch c.BlockCounterBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: redis block counter requires redis_addr")
		}
	default:
		return fmt.Errorf("config: unsupported block counter backend %q", c.BlockCounterBackend)
	}

	switch c.ArchiveBackend {
	case BackendMemory:
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("config: s3 archive requires s3_bucket")
		}
	case BackendGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("config: gcs archive requires gcs_bucket")
		}
	default:
		return fmt.Errorf("config: unsupported archive backend %q", c.ArchiveBackend)
	}

	switch c.SecretsBackend {
	case BackendMemory:
	case BackendFile:
		if c.SecretsDir == "" {
			return fmt.Errorf("config: file secrets require secrets_dir")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("config: s3 secrets require s3_bucket")
		}
	default:
		return fmt.Errorf("config: unsupported secrets backend %q", c.SecretsBackend)
	}
	return nil
}

// BreakerWindow returns the breaker window as a duration.
func (c Config) BreakerWindow() time.Duration {
	return time.Duration(c.CircuitBreakerWindowHours) * time.Hour
}

// BreakerCooldown returns the breaker cooldown as a duration.
func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.CircuitBreakerCooldownHours) * time.Hour
}
