// Package config parses and validates all configuration from environment
// variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The binary exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration sourced from EMBERQ_* environment
// variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL       string        `env:"EMBERQ_DATABASE_URL,required"`
	DBMaxConns        int32         `env:"EMBERQ_DB_MAX_CONNS"          envDefault:"10"`
	DBMaxConnIdleTime time.Duration `env:"EMBERQ_DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// ── Storage ──────────────────────────────────────────────────────────────────
	// Schema is the Postgres schema all engine tables live in; deployments
	// sharing one physical database isolate themselves by schema.
	Schema              string        `env:"EMBERQ_SCHEMA"               envDefault:"emberq"`
	QueuePollInterval   time.Duration `env:"EMBERQ_QUEUE_POLL_INTERVAL"  envDefault:"2s"`
	InvisibilityTimeout time.Duration `env:"EMBERQ_INVISIBILITY_TIMEOUT" envDefault:"30m"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	Queues            []string      `env:"EMBERQ_QUEUES"             envDefault:"default"`
	WorkerCount       int           `env:"EMBERQ_WORKER_COUNT"       envDefault:"4"`
	HeartbeatInterval time.Duration `env:"EMBERQ_HEARTBEAT_INTERVAL" envDefault:"30s"`
	ServerTimeout     time.Duration `env:"EMBERQ_SERVER_TIMEOUT"     envDefault:"5m"`

	// ── Maintenance ──────────────────────────────────────────────────────────────
	SweepInterval           time.Duration `env:"EMBERQ_SWEEP_INTERVAL"            envDefault:"15m"`
	CounterAggregateEvery   time.Duration `env:"EMBERQ_COUNTER_AGGREGATE_EVERY"   envDefault:"5m"`
	CounterAggregateBatch   int           `env:"EMBERQ_COUNTER_AGGREGATE_BATCH"   envDefault:"1000"`
	RecurringPollInterval   time.Duration `env:"EMBERQ_RECURRING_POLL_INTERVAL"   envDefault:"15s"`
	RecurringSchedulerLease time.Duration `env:"EMBERQ_RECURRING_SCHEDULER_LEASE" envDefault:"1m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"EMBERQ_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"EMBERQ_LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables. Returns an
// error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
