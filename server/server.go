package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/dreammarket/go-dreammarket/env"
	"github.com/dreammarket/go-dreammarket/service/ledger"
	"github.com/dreammarket/go-dreammarket/service/logger"
	"github.com/dreammarket/go-dreammarket/service/mirror"
	"github.com/dreammarket/go-dreammarket/service/persist/postgres"
	"github.com/dreammarket/go-dreammarket/service/reconcile"
	"github.com/dreammarket/go-dreammarket/service/redis"
	"github.com/dreammarket/go-dreammarket/service/registry"
	sentryutil "github.com/dreammarket/go-dreammarket/service/sentry"
	"github.com/dreammarket/go-dreammarket/service/throttle"
)

func init() {
	env.RegisterValidation("LEDGER_RPC_URL", "required,url")
	env.RegisterValidation("OPERATOR_ACCOUNT_ID", "required")
	env.RegisterValidation("OPERATOR_PRIVATE_KEY", "required,hexadecimal")
	env.RegisterValidation("SOUL_TOKEN_ID", "required")
	env.RegisterValidation("MIRROR_NODE_URL", "required,url")
	env.RegisterValidation("REGISTRY_CONTRACT_ADDRESS", "required,eth_addr")
}

// Clients is a wrapper for all the clients the reconciliation engine needs
type Clients struct {
	Repos     *postgres.Repositories
	Ledger    *ledger.HTSClient
	Mirror    *mirror.Client
	Contract  *registry.BoundRegistry
	Registry  *registry.Client
	Throttler *throttle.Locker
	throttle  *redis.Cache
}

// Init initializes the server
func Init() {
	SetDefaults()
	logger.InitWithDefaults(env.GetString("ENV"))
	sentryutil.InitSentry()
	env.ValidateEnv()

	ctx := context.Background()
	c := ClientInit(ctx)
	router := CoreInit(c.Engine(), c.Repos.SoulRepository, History{
		Transactions: c.Repos.TransactionRepository,
		Evolutions:   c.Repos.EvolutionRepository,
	})

	logger.For(nil).Info("Registering handlers...")
	http.Handle("/", router)
}

// ClientInit connects to every backing service. It exits the process when one is unreachable.
func ClientInit(ctx context.Context) *Clients {
	db, pool := newPqClient(), newPgxClient()
	repos := postgres.NewRepositories(db, pool)

	l, err := ledger.NewHTSClientFromEnv(ctx)
	if err != nil {
		logger.For(ctx).WithError(err).Fatal("failed to create ledger client")
	}

	contract, err := registry.NewBoundRegistryFromEnv(ctx)
	if err != nil {
		logger.For(ctx).WithError(err).Fatal("failed to bind registry contract")
	}
	reg, err := registry.NewClient(contract, env.GetInt("REGISTRY_MEMO_SIZE"))
	if err != nil {
		logger.For(ctx).WithError(err).Fatal("failed to create registry client")
	}

	throttleCache := redis.NewCache(redis.PurchaseThrottleCache)

	return &Clients{
		Repos:     repos,
		Ledger:    l,
		Mirror:    mirror.NewClientFromEnv(&http.Client{Timeout: env.GetDuration("MIRROR_TIMEOUT")}),
		Contract:  contract,
		Registry:  reg,
		Throttler: throttle.NewThrottleLocker(throttleCache, purchaseLockTTL()),
		throttle:  throttleCache,
	}
}

// Engine builds the reconciliation engine on top of the clients
func (c *Clients) Engine() *reconcile.Engine {
	return reconcile.NewEngine(
		c.Ledger,
		c.Mirror,
		c.Registry,
		c.Repos.SoulRepository,
		c.Repos.EvolutionRepository,
		reconcile.ConfigFromEnv(),
		reconcile.WithThrottler(c.Throttler),
		reconcile.WithSoulScanner(c.Repos.SoulScanner),
	)
}

// purchaseLockTTL is the configured lock TTL, raised to the longest a purchase can run so that
// a lock never expires under a purchase that is still settling
func purchaseLockTTL() time.Duration {
	ttl := env.GetDuration("PURCHASE_LOCK_TTL")
	if worst := reconcile.ConfigFromEnv().PurchaseLockTTL(); worst > ttl {
		return worst
	}
	return ttl
}

// Close releases every client
func (c *Clients) Close() {
	c.Repos.Close()
	c.Ledger.Close()
	c.Contract.Close()
	if err := c.throttle.Close(); err != nil {
		logger.For(nil).WithError(err).Error("failed to close redis client")
	}
}

// CoreInit sets up the gin router
func CoreInit(engine Reconciler, souls SoulGetter, history History) *gin.Engine {
	if env.GetString("ENV") != "production" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), sentrygin.New(sentrygin.Options{Repanic: true}), hubToRequestContext(), errLogger())

	return handlersInit(router, engine, souls, history)
}

// SetDefaults registers default values for every setting the services read
func SetDefaults() {
	env.SetDefault("ENV", "local")
	env.SetDefault("PORT", 4000)
	env.SetDefault("POSTGRES_HOST", "0.0.0.0")
	env.SetDefault("POSTGRES_PORT", 5432)
	env.SetDefault("POSTGRES_USER", "postgres")
	env.SetDefault("POSTGRES_PASSWORD", "postgres")
	env.SetDefault("POSTGRES_DB", "postgres")
	env.SetDefault("REDIS_URL", "localhost:6379")
	env.SetDefault("REDIS_PASS", "")
	env.SetDefault("SENTRY_DSN", "")
	env.SetDefault("SENTRY_TRACES_SAMPLE_RATE", 0.2)
	env.SetDefault("LEDGER_RPC_URL", "https://testnet.hashio.io/api")
	env.SetDefault("LEDGER_CHAIN_ID", 296)
	env.SetDefault("LEDGER_CALL_TIMEOUT", 15*time.Second)
	env.SetDefault("LEDGER_RECEIPT_TIMEOUT", 60*time.Second)
	env.SetDefault("MIRROR_NODE_URL", "https://testnet.mirrornode.hedera.com")
	env.SetDefault("MIRROR_TIMEOUT", 10*time.Second)
	env.SetDefault("REGISTRY_TIMEOUT", 60*time.Second)
	env.SetDefault("REGISTRY_MEMO_SIZE", 4096)
	env.SetDefault("PURCHASE_LOCK_TTL", 2*time.Minute)
	env.SetDefault("LEDGER_TRANSFER_ATTEMPTS", 3)
	env.SetDefault("LEDGER_TRANSFER_BACKOFF", 2*time.Second)
	env.SetDefault("VERIFY_ATTEMPTS", 5)
	env.SetDefault("VERIFY_DELAY", 2*time.Second)
	env.SetDefault("STEP_TIMEOUT", 30*time.Second)
	env.SetDefault("PROGRESS_RETRIES", 3)
	env.SetDefault("CACHE_ATTEMPTS", 3)
	env.SetDefault("AUDIT_WORKERS", 8)
	env.SetDefault("AUDIT_PAGE_SIZE", 100)

	env.LoadConfigFile("server", env.GetString("ENV"))
}

func newPqClient() *sql.DB {
	return postgres.MustCreateClient(postgres.WithAppName("dreammarket-server"))
}

func newPgxClient() *pgxpool.Pool {
	return postgres.NewPgxClient(postgres.WithAppName("dreammarket-server"))
}
