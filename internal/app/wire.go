package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/hybridengine/internal/amm"
	s3blob "github.com/alanyoungcy/hybridengine/internal/blob/s3"
	"github.com/alanyoungcy/hybridengine/internal/broker/rabbit"
	"github.com/alanyoungcy/hybridengine/internal/cache/memory"
	"github.com/alanyoungcy/hybridengine/internal/cache/redis"
	"github.com/alanyoungcy/hybridengine/internal/config"
	"github.com/alanyoungcy/hybridengine/internal/crypto"
	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/alanyoungcy/hybridengine/internal/notify"
	"github.com/alanyoungcy/hybridengine/internal/platform/evm"
	memstore "github.com/alanyoungcy/hybridengine/internal/store/memory"
	"github.com/alanyoungcy/hybridengine/internal/store/postgres"
)

// Dependencies bundles the infrastructure the engine runs on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Orders      domain.OrderStore
	Fills       domain.FillStore
	Settlements domain.SettlementStore
	Audit       domain.AuditStore

	// Caches and coordination
	Bus       domain.SignalBus
	Locks     domain.LockManager
	Limiter   domain.RateLimiter
	PoolCache domain.PoolCache // nil without Redis

	// Chain access for pool swaps.
	Chain amm.Chain

	// Optional outputs
	Broker   *rabbit.Publisher
	Archiver *s3blob.Archiver
	Notifier *notify.Notifier

	// Health probes for the backing services, keyed by name.
	Probes map[string]func(context.Context) error
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Probes: make(map[string]func(context.Context) error)}
	specs := pairSpecs(cfg.Pairs)

	// --- PostgreSQL ---
	var pgOrders *postgres.OrderStore
	var pgSettlements *postgres.SettlementStore
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,

			StatementTimeout: cfg.Postgres.StatementTimeout.Duration,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		pgOrders = postgres.NewOrderStore(pool)
		pgSettlements = postgres.NewSettlementStore(pool)
		deps.Orders = pgOrders
		deps.Fills = postgres.NewFillStore(pool)
		deps.Settlements = pgSettlements
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Probes["postgres"] = pgClient.Ping
	} else {
		deps.Orders = memstore.NewOrders()
		deps.Fills = memstore.NewFills()
		deps.Settlements = memstore.NewSettlements()
		deps.Audit = memstore.NewAudit()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.PoolCache = redis.NewPoolCache(redisClient)
		deps.Probes["redis"] = redisClient.Ping
	} else {
		deps.Bus = memory.NewBus()
		deps.Locks = memory.NewLocks()
		deps.Limiter = memory.NewLimiter()
	}

	// --- Chain ---
	switch strings.ToLower(cfg.Mode) {
	case "full":
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Chain.PrivateKey,
			EncryptedKeyPath: cfg.Chain.EncryptedKeyPath,
			KeyPassword:      cfg.Chain.KeyPassword,
		})
		if err != nil {
			return fail("signing key", err)
		}
		signer, err := crypto.NewSigner(key, cfg.Chain.ChainID)
		if err != nil {
			return fail("signer", err)
		}
		chain, err := evm.Dial(ctx, cfg.Chain.RPCURL, signer, evm.Config{
			RouterAddress: cfg.Chain.RouterAddress,
			GasLimit:      cfg.Chain.GasLimit,
		}, logger)
		if err != nil {
			return fail("chain", err)
		}
		closers = append(closers, chain.Close)
		deps.Chain = chain
		logger.InfoContext(ctx, "chain connected",
			slog.Int64("chain_id", cfg.Chain.ChainID),
			slog.String("account", signer.Address().Hex()),
		)
	default:
		deps.Chain = evm.NewPaperChain(paperPools(cfg.Pairs, specs), cfg.Chain.PaperConfirmIn.Duration)
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
			MaxAttempts:    cfg.S3.MaxAttempts,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Probes["s3"] = s3Client.Health
		if cfg.Retention.Archive && pgOrders != nil {
			objects := s3blob.NewObjects(s3Client)
			deps.Archiver = s3blob.NewArchiver(
				objects,
				objects,
				pgOrders,
				pgSettlements,
				deps.Audit,
				logger,
			)
		}
	}

	// --- RabbitMQ ---
	if cfg.Rabbit.Enabled {
		pub, err := rabbit.New(ctx, rabbit.Config{
			URL:         cfg.Rabbit.URL,
			Exchange:    cfg.Rabbit.Exchange,
			DialTimeout: cfg.Rabbit.DialTimeout.Duration,
		}, logger)
		if err != nil {
			return fail("rabbit", err)
		}
		closers = append(closers, func() { _ = pub.Close() })
		deps.Broker = pub
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger,
		notify.WithCooldown(cfg.Notify.Cooldown.Duration))

	return deps, cleanup, nil
}
