// Package config defines the service configuration and validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by WAGERD_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Limits    LimitsConfig    `toml:"limits"`
	Server    ServerConfig    `toml:"server"`
	Stream    StreamConfig    `toml:"stream"`
	Retention RetentionConfig `toml:"retention"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	RunMigrations bool     `toml:"run_migrations"`
	SettleTimeout duration `toml:"settle_timeout"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LedgerConfig holds chain access parameters.
type LedgerConfig struct {
	// RPCURL is the JSON-RPC endpoint of a node on the betting chain.
	RPCURL string `toml:"rpc_url"`
	// ContractAddress is the betting contract; transactions sent anywhere
	// else fail verification.
	ContractAddress string   `toml:"contract_address"`
	CallTimeout     duration `toml:"call_timeout"`
}

// LimitsConfig holds the anti-manipulation policy knobs. Bet bounds are
// whole tokens.
type LimitsConfig struct {
	MinBetTokens           int64    `toml:"min_bet_tokens"`
	MaxBetTokens           int64    `toml:"max_bet_tokens"`
	Cooldown               duration `toml:"cooldown"`
	MaxBetsPerMarket       int      `toml:"max_bets_per_market"`
	MaxPoolShareBps        int64    `toml:"max_pool_share_bps"`
	BootstrapCeilingTokens int64    `toml:"bootstrap_ceiling_tokens"`
	VelocityWindow         duration `toml:"velocity_window"`
	MaxBetsPerWindow       int      `toml:"max_bets_per_window"`
	RequireWholeUnits      bool     `toml:"require_whole_units"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// StreamConfig holds broadcast hub parameters.
type StreamConfig struct {
	PollInterval      duration `toml:"poll_interval"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
}

// RetentionConfig holds cold-storage archival parameters.
type RetentionConfig struct {
	Enabled      bool     `toml:"enabled"`
	SnapshotKeep int      `toml:"snapshot_keep"`
	AuditAge     duration `toml:"audit_age"`
	Interval     duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder accepts strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible development defaults.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "wagerd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			SettleTimeout: duration{10 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "wagerd-archive",
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			RPCURL:      "http://localhost:8545",
			CallTimeout: duration{5 * time.Second},
		},
		Limits: LimitsConfig{
			MinBetTokens:           5,
			MaxBetTokens:           10_000,
			Cooldown:               duration{2 * time.Minute},
			MaxBetsPerMarket:       10,
			MaxPoolShareBps:        3_000,
			BootstrapCeilingTokens: 1_000,
			VelocityWindow:         duration{time.Hour},
			MaxBetsPerWindow:       5,
			RequireWholeUnits:      true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		Stream: StreamConfig{
			PollInterval:      duration{2 * time.Second},
			HeartbeatInterval: duration{25 * time.Second},
		},
		Retention: RetentionConfig{
			Enabled:      true,
			SnapshotKeep: 100,
			AuditAge:     duration{30 * 24 * time.Hour},
			Interval:     duration{6 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"bet_rejected", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode: "serve" runs
// the API and hub, "archive" runs one retention pass and exits, "full"
// runs everything.
var validModes = map[string]bool{
	"serve":   true,
	"archive": true,
	"full":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the config and returns a combined error naming every
// problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Retention.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when retention is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when retention is enabled")
		}
		if c.Retention.SnapshotKeep < 1 {
			errs = append(errs, "retention: snapshot_keep must be >= 1")
		}
	}

	if c.Ledger.RPCURL == "" {
		errs = append(errs, "ledger: rpc_url must not be empty")
	}
	if !isHexAddress(c.Ledger.ContractAddress) {
		errs = append(errs, fmt.Sprintf("ledger: contract_address %q is not a 0x-prefixed 20-byte hex address", c.Ledger.ContractAddress))
	}

	if c.Limits.MinBetTokens <= 0 {
		errs = append(errs, "limits: min_bet_tokens must be > 0")
	}
	if c.Limits.MaxBetTokens < c.Limits.MinBetTokens {
		errs = append(errs, "limits: max_bet_tokens must be >= min_bet_tokens")
	}
	if c.Limits.MaxBetsPerMarket < 1 {
		errs = append(errs, "limits: max_bets_per_market must be >= 1")
	}
	if c.Limits.MaxPoolShareBps <= 0 || c.Limits.MaxPoolShareBps > 10_000 {
		errs = append(errs, fmt.Sprintf("limits: max_pool_share_bps must be 1-10000, got %d", c.Limits.MaxPoolShareBps))
	}
	if c.Limits.MaxBetsPerWindow < 1 {
		errs = append(errs, "limits: max_bets_per_window must be >= 1")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if c.Stream.PollInterval.Duration <= 0 {
		errs = append(errs, "stream: poll_interval must be > 0")
	}
	if c.Stream.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "stream: heartbeat_interval must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isHexAddress reports whether s looks like an 0x-prefixed 20-byte hex
// address.
func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
