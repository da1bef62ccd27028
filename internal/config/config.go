// Package config loads the decision engine's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Postgres configures the shared transactional conversation store.
type Postgres struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// NATS configures the event bus observability publisher.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Oracle configures the external decision oracle.
type Oracle struct {
	Enabled           bool   `yaml:"enabled"`
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	TimeoutSec        int    `yaml:"timeout_sec"`
	DefaultBackoffSec int    `yaml:"default_backoff_sec"`
}

// Breaker configures every per-route circuit breaker.
type Breaker struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	SuccessThreshold    int `yaml:"success_threshold"`
	TimeoutSec          int `yaml:"timeout_sec"`
	MonitoringPeriodSec int `yaml:"monitoring_period_sec"`
}

// Tolerance holds the consensus carve-out thresholds.
type Tolerance struct {
	OverrideMinApproval          float64  `yaml:"override_min_approval"`
	MaxOverriddenRejects         int      `yaml:"max_overridden_rejects"`
	ProductionLogMinApproval     float64  `yaml:"production_log_min_approval"`
	ProductionLogMaxMinorRejects int      `yaml:"production_log_max_minor_rejects"`
	MinorRejectMaxConfidence     float64  `yaml:"minor_reject_max_confidence"`
	MinorReasonMarkers           []string `yaml:"minor_reason_markers"`
}

// Consensus configures the consensus layer.
type Consensus struct {
	MinApprovalRate  float64   `yaml:"min_approval_rate"`
	RequireUnanimous bool      `yaml:"require_unanimous"`
	AllowConditional *bool     `yaml:"allow_conditional"`
	MinConfidence    float64   `yaml:"min_confidence"`
	MaxParallel      int       `yaml:"max_parallel"`
	Tolerance        Tolerance `yaml:"tolerance"`
}

// Approval configures human escalation.
type Approval struct {
	ExpiryHours int `yaml:"expiry_hours"`
}

// Logging configures the structured logger.
type Logging struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Service string `yaml:"service"`
}

// Config holds the engine's runtime configuration.
type Config struct {
	ListenAddr         string    `yaml:"listen_addr"`
	Store              string    `yaml:"store"`
	DBPath             string    `yaml:"db_path"`
	Postgres           Postgres  `yaml:"postgres"`
	NATS               NATS      `yaml:"nats"`
	Oracle             Oracle    `yaml:"oracle"`
	Breaker            Breaker   `yaml:"breaker"`
	Consensus          Consensus `yaml:"consensus"`
	Approval           Approval  `yaml:"approval"`
	RateLimitPerMinute int       `yaml:"rate_limit_per_minute"`
	SweepIntervalSec   int       `yaml:"sweep_interval_sec"`
	Logging            Logging   `yaml:"logging"`
}

// Load reads a YAML config file, overlays environment variables, applies
// defaults, and validates. JSON files parse as well since YAML is a superset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg.loadEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// AllowConditionalVotes reports whether conditional votes count toward approval.
func (c *Config) AllowConditionalVotes() bool {
	if c.Consensus.AllowConditional == nil {
		return true
	}
	return *c.Consensus.AllowConditional
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9810"
	}
	if c.Store == "" {
		c.Store = StoreSQLite
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "erp.agents"
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 8
	}
	if c.Oracle.TimeoutSec == 0 {
		c.Oracle.TimeoutSec = 30
	}
	if c.Oracle.DefaultBackoffSec == 0 {
		c.Oracle.DefaultBackoffSec = 3600
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 2
	}
	if c.Breaker.TimeoutSec == 0 {
		c.Breaker.TimeoutSec = 30
	}
	if c.Breaker.MonitoringPeriodSec == 0 {
		c.Breaker.MonitoringPeriodSec = 60
	}
	if c.Consensus.MinApprovalRate == 0 {
		c.Consensus.MinApprovalRate = 0.7
	}
	if c.Consensus.MinConfidence == 0 {
		c.Consensus.MinConfidence = 0.5
	}
	if c.Consensus.MaxParallel == 0 {
		c.Consensus.MaxParallel = 6
	}
	t := &c.Consensus.Tolerance
	if t.OverrideMinApproval == 0 {
		t.OverrideMinApproval = 0.8
	}
	if t.MaxOverriddenRejects == 0 {
		t.MaxOverriddenRejects = 1
	}
	if t.ProductionLogMinApproval == 0 {
		t.ProductionLogMinApproval = 0.7
	}
	if t.ProductionLogMaxMinorRejects == 0 {
		t.ProductionLogMaxMinorRejects = 2
	}
	if t.MinorRejectMaxConfidence == 0 {
		t.MinorRejectMaxConfidence = 0.6
	}
	if c.Approval.ExpiryHours == 0 {
		c.Approval.ExpiryHours = 24
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 60
	}
	if c.SweepIntervalSec == 0 {
		c.SweepIntervalSec = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "decisiond"
	}
}

func (c *Config) validate() error {
	var problems []string

	switch c.Store {
	case StoreSQLite, StoreMemory:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			problems = append(problems, "postgres.dsn is required when store is postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("store %q must be sqlite, memory, or postgres", c.Store))
	}
	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.Oracle.Enabled && c.Oracle.BaseURL == "" {
		problems = append(problems, "oracle.base_url is required when the oracle is enabled")
	}
	if c.Consensus.MinApprovalRate < 0 || c.Consensus.MinApprovalRate > 1 {
		problems = append(problems, "consensus.min_approval_rate must be within [0, 1]")
	}
	if c.Consensus.MinConfidence < 0 || c.Consensus.MinConfidence > 1 {
		problems = append(problems, "consensus.min_confidence must be within [0, 1]")
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 {
		problems = append(problems, "breaker thresholds must be positive")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// loadEnv overlays environment variables onto c.
// Only non-empty env values override the file.
func (c *Config) loadEnv() {
	setString(&c.ListenAddr, "DECISIOND_LISTEN_ADDR")
	setString(&c.Store, "DECISIOND_STORE")
	setString(&c.DBPath, "DECISIOND_DB_PATH")
	setString(&c.Postgres.DSN, "DATABASE_URL")
	setString(&c.NATS.URL, "NATS_URL")
	setBool(&c.Oracle.Enabled, "DECISIOND_ORACLE_ENABLED")
	setString(&c.Oracle.BaseURL, "DECISIOND_ORACLE_BASE_URL")
	setString(&c.Oracle.APIKey, "DECISIOND_ORACLE_API_KEY")
	setString(&c.Oracle.Model, "DECISIOND_ORACLE_MODEL")
	setString(&c.Logging.Level, "DECISIOND_LOG_LEVEL")
	setInt(&c.RateLimitPerMinute, "DECISIOND_RATE_LIMIT_PER_MINUTE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// IsInvalid reports whether err is a configuration validation error.
func IsInvalid(err error) bool {
	return errors.Is(err, domain.ErrConfigInvalid)
}
