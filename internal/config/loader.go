package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies HYBRID_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Array tables are decoded in place, so start from empty lists to avoid
	// merging declared entries into the default ones.
	cfg.Pairs = nil
	cfg.Metrics.Alerts = nil
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	def := Defaults()
	if !md.IsDefined("pairs") {
		cfg.Pairs = def.Pairs
	}
	if !md.IsDefined("metrics", "alerts") {
		cfg.Metrics.Alerts = def.Metrics.Alerts
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known HYBRID_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "HYBRID_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "HYBRID_CHAIN_ID")
	setStr(&cfg.Chain.RouterAddress, "HYBRID_CHAIN_ROUTER_ADDRESS")
	setStr(&cfg.Chain.PrivateKey, "HYBRID_CHAIN_PRIVATE_KEY")
	setStr(&cfg.Chain.EncryptedKeyPath, "HYBRID_CHAIN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Chain.KeyPassword, "HYBRID_CHAIN_KEY_PASSWORD")

	// ── Security ──
	setInt(&cfg.Security.PerSecondLimit, "HYBRID_SECURITY_PER_SECOND_LIMIT")
	setInt(&cfg.Security.PerMinuteLimit, "HYBRID_SECURITY_PER_MINUTE_LIMIT")
	setFloat64(&cfg.Security.MaxPriceImpact, "HYBRID_SECURITY_MAX_PRICE_IMPACT")
	setStr(&cfg.Security.ImpactPolicy, "HYBRID_SECURITY_IMPACT_POLICY")
	setDuration(&cfg.Security.DecisionBudget, "HYBRID_SECURITY_DECISION_BUDGET")
	setBool(&cfg.Security.DistributedRateLimit, "HYBRID_SECURITY_DISTRIBUTED_RATE_LIMIT")

	// ── Routing ──
	setFloat64(&cfg.Routing.SmallSize, "HYBRID_ROUTING_SMALL_SIZE")
	setFloat64(&cfg.Routing.LargeSize, "HYBRID_ROUTING_LARGE_SIZE")
	setInt(&cfg.Routing.MaxBookSlippageBp, "HYBRID_ROUTING_MAX_BOOK_SLIPPAGE_BPS")

	// ── Matching ──
	setStr(&cfg.Matching.SelfTradePolicy, "HYBRID_MATCHING_SELF_TRADE_POLICY")
	setBool(&cfg.Matching.SettleFills, "HYBRID_MATCHING_SETTLE_FILLS")

	// ── Settlement ──
	setInt(&cfg.Settlement.Workers, "HYBRID_SETTLEMENT_WORKERS")
	setInt(&cfg.Settlement.HighWaterMark, "HYBRID_SETTLEMENT_HIGH_WATER_MARK")
	setDuration(&cfg.Settlement.MaxWait, "HYBRID_SETTLEMENT_MAX_WAIT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "HYBRID_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "HYBRID_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "HYBRID_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "HYBRID_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "HYBRID_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "HYBRID_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "HYBRID_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "HYBRID_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "HYBRID_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "HYBRID_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "HYBRID_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "HYBRID_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HYBRID_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "HYBRID_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "HYBRID_REDIS_NAMESPACE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "HYBRID_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "HYBRID_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "HYBRID_S3_REGION")
	setStr(&cfg.S3.Bucket, "HYBRID_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "HYBRID_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "HYBRID_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "HYBRID_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "HYBRID_S3_PREFIX")

	// ── Rabbit ──
	setBool(&cfg.Rabbit.Enabled, "HYBRID_RABBIT_ENABLED")
	setStr(&cfg.Rabbit.URL, "HYBRID_RABBIT_URL")
	setStr(&cfg.Rabbit.Exchange, "HYBRID_RABBIT_EXCHANGE")

	// ── Server / Auth ──
	setBool(&cfg.Server.Enabled, "HYBRID_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "HYBRID_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "HYBRID_SERVER_CORS_ORIGINS")
	setStr(&cfg.Auth.JWTSecret, "HYBRID_AUTH_JWT_SECRET")
	setStr(&cfg.Auth.AdminToken, "HYBRID_AUTH_ADMIN_TOKEN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "HYBRID_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "HYBRID_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "HYBRID_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "HYBRID_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "HYBRID_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "HYBRID_MODE")
	setStr(&cfg.LogLevel, "HYBRID_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
