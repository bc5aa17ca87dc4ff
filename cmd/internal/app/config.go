package app

import (
	"fmt"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless a database is configured and
	// reachable.
	ReadinessRequireDB bool

	// Admission token record lifetime; also bounds the handshake's wait for
	// the token frame.
	TokenLifetime time.Duration

	// Session loop tuning.
	HeartbeatInterval   time.Duration
	PingTimeout         time.Duration
	MissedPingAllowance int
	WriteTimeout        time.Duration
	SendQueueSize       int

	// Recent-history cache and persistence batching.
	HistoryCapacity int
	FlushMaxCount   int
	FlushMaxAge     time.Duration

	ShutdownTimeout time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PARLEY_LOG_LEVEL", "info"),
		LogFormat: EnvString("PARLEY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBSchema:    EnvString("PARLEY_DB_SCHEMA", "parley"),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),

		TokenLifetime: EnvDuration("PARLEY_TOKEN_LIFETIME", 10*time.Second),

		HeartbeatInterval:   EnvDuration("PARLEY_HEARTBEAT_INTERVAL", 15*time.Second),
		PingTimeout:         EnvDuration("PARLEY_PING_TIMEOUT", 5*time.Second),
		MissedPingAllowance: EnvInt("PARLEY_MISSED_PING_ALLOWANCE", 2),
		WriteTimeout:        EnvDuration("PARLEY_WS_WRITE_TIMEOUT", 5*time.Second),
		SendQueueSize:       EnvInt("PARLEY_WS_SEND_QUEUE", 64),

		HistoryCapacity: EnvInt("PARLEY_HISTORY_CAPACITY", 100),
		FlushMaxCount:   EnvInt("PARLEY_FLUSH_MAX_COUNT", 80),
		FlushMaxAge:     EnvDuration("PARLEY_FLUSH_MAX_AGE", 30*time.Second),

		ShutdownTimeout: EnvDuration("PARLEY_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Validate rejects configurations that would misbehave silently at runtime.
func (c Config) Validate() error {
	if c.FlushMaxCount < 1 {
		return fmt.Errorf("flush max count must be at least 1, got %d", c.FlushMaxCount)
	}
	// If the flush threshold reached the ring capacity, messages could sit
	// in the writer's buffer while already evicted from the ring, invisible
	// to newly joined clients until the next flush.
	if c.HistoryCapacity <= c.FlushMaxCount {
		return fmt.Errorf("history capacity (%d) must exceed flush max count (%d)",
			c.HistoryCapacity, c.FlushMaxCount)
	}
	if c.TokenLifetime <= 0 {
		return fmt.Errorf("token lifetime must be positive, got %v", c.TokenLifetime)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.FlushMaxAge <= 0 {
		return fmt.Errorf("flush max age must be positive, got %v", c.FlushMaxAge)
	}
	return nil
}
