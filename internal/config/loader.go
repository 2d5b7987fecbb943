package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the defaults, applies WAGERD_*
// environment overrides, and validates the result. An empty path or a
// missing file is not an error: the service can be configured entirely
// from the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	// Populate the process environment from .env if one exists, then
	// apply overrides. godotenv never clobbers variables already set.
	_ = godotenv.Load()
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr("WAGERD_MODE", &cfg.Mode)
	setStr("WAGERD_LOG_LEVEL", &cfg.LogLevel)

	setStr("WAGERD_POSTGRES_DSN", &cfg.Postgres.DSN)
	setStr("WAGERD_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("WAGERD_POSTGRES_PORT", &cfg.Postgres.Port)
	setStr("WAGERD_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setStr("WAGERD_POSTGRES_USER", &cfg.Postgres.User)
	setStr("WAGERD_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setStr("WAGERD_POSTGRES_SSL_MODE", &cfg.Postgres.SSLMode)
	setInt("WAGERD_POSTGRES_POOL_MAX_CONNS", &cfg.Postgres.PoolMaxConns)
	setInt("WAGERD_POSTGRES_POOL_MIN_CONNS", &cfg.Postgres.PoolMinConns)
	setBool("WAGERD_POSTGRES_RUN_MIGRATIONS", &cfg.Postgres.RunMigrations)

	setStr("WAGERD_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("WAGERD_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("WAGERD_REDIS_DB", &cfg.Redis.DB)
	setInt("WAGERD_REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	setBool("WAGERD_REDIS_TLS_ENABLED", &cfg.Redis.TLSEnabled)

	setStr("WAGERD_S3_ENDPOINT", &cfg.S3.Endpoint)
	setStr("WAGERD_S3_REGION", &cfg.S3.Region)
	setStr("WAGERD_S3_BUCKET", &cfg.S3.Bucket)
	setStr("WAGERD_S3_ACCESS_KEY", &cfg.S3.AccessKey)
	setStr("WAGERD_S3_SECRET_KEY", &cfg.S3.SecretKey)
	setBool("WAGERD_S3_USE_SSL", &cfg.S3.UseSSL)
	setBool("WAGERD_S3_FORCE_PATH_STYLE", &cfg.S3.ForcePathStyle)

	setStr("WAGERD_LEDGER_RPC_URL", &cfg.Ledger.RPCURL)
	setStr("WAGERD_LEDGER_CONTRACT_ADDRESS", &cfg.Ledger.ContractAddress)
	setDuration("WAGERD_LEDGER_CALL_TIMEOUT", &cfg.Ledger.CallTimeout)

	setInt64("WAGERD_LIMITS_MIN_BET_TOKENS", &cfg.Limits.MinBetTokens)
	setInt64("WAGERD_LIMITS_MAX_BET_TOKENS", &cfg.Limits.MaxBetTokens)
	setDuration("WAGERD_LIMITS_COOLDOWN", &cfg.Limits.Cooldown)
	setInt("WAGERD_LIMITS_MAX_BETS_PER_MARKET", &cfg.Limits.MaxBetsPerMarket)
	setInt64("WAGERD_LIMITS_MAX_POOL_SHARE_BPS", &cfg.Limits.MaxPoolShareBps)
	setInt64("WAGERD_LIMITS_BOOTSTRAP_CEILING_TOKENS", &cfg.Limits.BootstrapCeilingTokens)
	setDuration("WAGERD_LIMITS_VELOCITY_WINDOW", &cfg.Limits.VelocityWindow)
	setInt("WAGERD_LIMITS_MAX_BETS_PER_WINDOW", &cfg.Limits.MaxBetsPerWindow)
	setBool("WAGERD_LIMITS_REQUIRE_WHOLE_UNITS", &cfg.Limits.RequireWholeUnits)

	setBool("WAGERD_SERVER_ENABLED", &cfg.Server.Enabled)
	setInt("WAGERD_SERVER_PORT", &cfg.Server.Port)
	setStringSlice("WAGERD_SERVER_CORS_ORIGINS", &cfg.Server.CORSOrigins)
	setStr("WAGERD_SERVER_API_KEY", &cfg.Server.APIKey)
	setInt("WAGERD_SERVER_RATE_LIMIT", &cfg.Server.RateLimit)
	setDuration("WAGERD_SERVER_RATE_WINDOW", &cfg.Server.RateWindow)

	setDuration("WAGERD_STREAM_POLL_INTERVAL", &cfg.Stream.PollInterval)
	setDuration("WAGERD_STREAM_HEARTBEAT_INTERVAL", &cfg.Stream.HeartbeatInterval)

	setBool("WAGERD_RETENTION_ENABLED", &cfg.Retention.Enabled)
	setInt("WAGERD_RETENTION_SNAPSHOT_KEEP", &cfg.Retention.SnapshotKeep)
	setDuration("WAGERD_RETENTION_AUDIT_AGE", &cfg.Retention.AuditAge)
	setDuration("WAGERD_RETENTION_INTERVAL", &cfg.Retention.Interval)

	setStr("WAGERD_NOTIFY_TELEGRAM_TOKEN", &cfg.Notify.TelegramToken)
	setStr("WAGERD_NOTIFY_TELEGRAM_CHAT_ID", &cfg.Notify.TelegramChatID)
	setStr("WAGERD_NOTIFY_DISCORD_WEBHOOK_URL", &cfg.Notify.DiscordWebhookURL)
	setStringSlice("WAGERD_NOTIFY_EVENTS", &cfg.Notify.Events)
}

func setStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
