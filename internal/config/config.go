package config

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
)

// Config holds all configuration for the playbook engine.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	// WorkspaceID is the workspace this instance serves. Events recorded
	// without a workspace default to it.
	WorkspaceID    uuid.UUID `json:"-"`
	WorkspaceIDStr string    `json:"workspace_id"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`

	// ScheduleLookback bounds how far back a due occurrence may lie.
	ScheduleLookback    time.Duration `json:"-"`
	ScheduleLookbackStr string        `json:"schedule_lookback"`

	// StaleRetryThreshold is how long a pending claim blocks re-execution.
	StaleRetryThreshold    time.Duration `json:"-"`
	StaleRetryThresholdStr string        `json:"stale_retry_threshold"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	SweepEnabled     bool          `json:"sweep_enabled"`
	SweepInterval    time.Duration `json:"-"`
	SweepIntervalStr string        `json:"sweep_interval"`

	// SweepThreshold must exceed StaleRetryThreshold, otherwise the sweeper
	// races the scheduler's own stale retries.
	SweepThreshold    time.Duration `json:"-"`
	SweepThresholdStr string        `json:"sweep_threshold"`

	SweepBatchSize int `json:"sweep_batch_size"`

	// AnalyticsBreakerThreshold: 0 disables the circuit breaker.
	AnalyticsBreakerThreshold   int           `json:"analytics_breaker_threshold"`
	AnalyticsBreakerCooldown    time.Duration `json:"-"`
	AnalyticsBreakerCooldownStr string        `json:"analytics_breaker_cooldown"`
	AnalyticsRetention          time.Duration `json:"-"`
	AnalyticsRetentionStr       string        `json:"analytics_retention"`

	LeaderElectionEnabled bool `json:"leader_election_enabled"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		RedisAddr:                   os.Getenv("REDIS_ADDR"),
		HTTPAddr:                    os.Getenv("HTTP_ADDR"),
		WorkspaceIDStr:              os.Getenv("WORKSPACE_ID"),
		TickIntervalStr:             os.Getenv("TICK_INTERVAL"),
		ScheduleLookbackStr:         os.Getenv("SCHEDULE_LOOKBACK"),
		StaleRetryThresholdStr:      os.Getenv("STALE_RETRY_THRESHOLD"),
		DBOpTimeoutStr:              os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:        os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:        os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:      os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		MetricsEnabled:              os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                 os.Getenv("METRICS_PATH"),
		SweepEnabled:                os.Getenv("SWEEP_ENABLED") != "false",
		SweepIntervalStr:            os.Getenv("SWEEP_INTERVAL"),
		SweepThresholdStr:           os.Getenv("SWEEP_THRESHOLD"),
		AnalyticsBreakerCooldownStr: os.Getenv("ANALYTICS_BREAKER_COOLDOWN"),
		AnalyticsRetentionStr:       os.Getenv("ANALYTICS_RETENTION"),
		LeaderElectionEnabled:       os.Getenv("LEADER_ELECTION_ENABLED") == "true",
		LeaderRetryIntervalStr:      os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr:  os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	if batchStr := os.Getenv("SWEEP_BATCH_SIZE"); batchStr != "" {
		if batch, err := parseInt(batchStr); err == nil && batch > 0 {
			cfg.SweepBatchSize = batch
		} else {
			log.Printf("config: invalid SWEEP_BATCH_SIZE %q (must be a positive integer), using default 100", batchStr)
		}
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = 100
	}

	if cbThreshStr := os.Getenv("ANALYTICS_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.AnalyticsBreakerThreshold = n
		} else {
			log.Printf("config: invalid ANALYTICS_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.AnalyticsBreakerThreshold == 0 && os.Getenv("ANALYTICS_BREAKER_THRESHOLD") == "" {
		cfg.AnalyticsBreakerThreshold = 5
	}

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 7243001", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 7243001
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.TickIntervalStr == "" {
		cfg.TickIntervalStr = "30s"
	}
	if cfg.ScheduleLookbackStr == "" {
		cfg.ScheduleLookbackStr = "840h"
	}
	if cfg.StaleRetryThresholdStr == "" {
		cfg.StaleRetryThresholdStr = "5m"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.SweepIntervalStr == "" {
		cfg.SweepIntervalStr = "5m"
	}
	if cfg.SweepThresholdStr == "" {
		cfg.SweepThresholdStr = "30m"
	}
	if cfg.AnalyticsBreakerCooldownStr == "" {
		cfg.AnalyticsBreakerCooldownStr = "2m"
	}
	if cfg.AnalyticsRetentionStr == "" {
		cfg.AnalyticsRetentionStr = "720h"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "15s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "5s"
	}

	// Parse durations and IDs; validation is handled separately by Validate().
	if id, err := uuid.Parse(cfg.WorkspaceIDStr); err == nil {
		cfg.WorkspaceID = id
	}
	if d, err := time.ParseDuration(cfg.TickIntervalStr); err == nil {
		cfg.TickInterval = d
	}
	if d, err := time.ParseDuration(cfg.ScheduleLookbackStr); err == nil {
		cfg.ScheduleLookback = d
	}
	if d, err := time.ParseDuration(cfg.StaleRetryThresholdStr); err == nil {
		cfg.StaleRetryThreshold = d
	}
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.SweepIntervalStr); err == nil {
		cfg.SweepInterval = d
	}
	if d, err := time.ParseDuration(cfg.SweepThresholdStr); err == nil {
		cfg.SweepThreshold = d
	}
	if d, err := time.ParseDuration(cfg.AnalyticsBreakerCooldownStr); err == nil {
		cfg.AnalyticsBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.AnalyticsRetentionStr); err == nil {
		cfg.AnalyticsRetention = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL               string `json:"database_url"`
		RedisAddr                 string `json:"redis_addr,omitempty"`
		HTTPAddr                  string `json:"http_addr"`
		WorkspaceID               string `json:"workspace_id"`
		TickInterval              string `json:"tick_interval"`
		ScheduleLookback          string `json:"schedule_lookback"`
		StaleRetryThreshold       string `json:"stale_retry_threshold"`
		DBOpTimeout               string `json:"db_op_timeout"`
		DBMaxOpenConns            int    `json:"db_max_open_conns"`
		DBMaxIdleConns            int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime         string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime         string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout       string `json:"http_shutdown_timeout"`
		MetricsEnabled            bool   `json:"metrics_enabled"`
		MetricsPath               string `json:"metrics_path"`
		SweepEnabled              bool   `json:"sweep_enabled"`
		SweepInterval             string `json:"sweep_interval"`
		SweepThreshold            string `json:"sweep_threshold"`
		SweepBatchSize            int    `json:"sweep_batch_size"`
		AnalyticsBreakerThreshold int    `json:"analytics_breaker_threshold"`
		AnalyticsBreakerCooldown  string `json:"analytics_breaker_cooldown"`
		AnalyticsRetention        string `json:"analytics_retention"`
		LeaderElectionEnabled     bool   `json:"leader_election_enabled"`
		LeaderLockKey             int64  `json:"leader_lock_key"`
		LeaderRetryInterval       string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval   string `json:"leader_heartbeat_interval"`
	}{
		DatabaseURL:               maskSecret(c.DatabaseURL),
		RedisAddr:                 c.RedisAddr,
		HTTPAddr:                  c.HTTPAddr,
		WorkspaceID:               c.WorkspaceIDStr,
		TickInterval:              c.TickIntervalStr,
		ScheduleLookback:          c.ScheduleLookbackStr,
		StaleRetryThreshold:       c.StaleRetryThresholdStr,
		DBOpTimeout:               c.DBOpTimeoutStr,
		DBMaxOpenConns:            c.DBMaxOpenConns,
		DBMaxIdleConns:            c.DBMaxIdleConns,
		DBConnMaxLifetime:         c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:         c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:       c.HTTPShutdownTimeoutStr,
		MetricsEnabled:            c.MetricsEnabled,
		MetricsPath:               c.MetricsPath,
		SweepEnabled:              c.SweepEnabled,
		SweepInterval:             c.SweepIntervalStr,
		SweepThreshold:            c.SweepThresholdStr,
		SweepBatchSize:            c.SweepBatchSize,
		AnalyticsBreakerThreshold: c.AnalyticsBreakerThreshold,
		AnalyticsBreakerCooldown:  c.AnalyticsBreakerCooldownStr,
		AnalyticsRetention:        c.AnalyticsRetentionStr,
		LeaderElectionEnabled:     c.LeaderElectionEnabled,
		LeaderLockKey:             c.LeaderLockKey,
		LeaderRetryInterval:       c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval:   c.LeaderHeartbeatIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
