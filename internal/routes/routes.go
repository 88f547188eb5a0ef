package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/spendguard/internal/account"
	"github.com/congo-pay/spendguard/internal/auth"
	"github.com/congo-pay/spendguard/internal/chain"
	"github.com/congo-pay/spendguard/internal/config"
	"github.com/congo-pay/spendguard/internal/decision"
	"github.com/congo-pay/spendguard/internal/fraud"
	"github.com/congo-pay/spendguard/internal/idempotency"
	"github.com/congo-pay/spendguard/internal/ledger"
	"github.com/congo-pay/spendguard/internal/limits"
	"github.com/congo-pay/spendguard/internal/logging"
	"github.com/congo-pay/spendguard/internal/middleware"
	"github.com/congo-pay/spendguard/internal/notification"
	"github.com/congo-pay/spendguard/internal/settlement"
)

const (
	tokenTTL        = 24 * time.Hour
	devJWTSecret    = "spendguard-dev-secret"
	submitPerMinute = 20
	openPerMinute   = 5
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Runtime holds the background workers main has to start and stop.
type Runtime struct {
	Reconciler *settlement.Reconciler
	Dispatcher *notification.Dispatcher
}

// Setup builds every service and registers all application routes.
func Setup(app *fiber.App, d Deps) (*Runtime, error) {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	RegisterHealthRoutes(app, d)

	var (
		accountRepo account.Repository
		ledgerStore ledger.Ledger
		alerts      fraud.AlertStore
	)
	if d.DB != nil {
		accountRepo = account.NewPostgresRepository(d.DB)
		ledgerStore = ledger.NewPostgresLedger(d.DB)
		alerts = fraud.NewPostgresAlertStore(d.DB)
	} else {
		d.Logger.Warn("DATABASE_URL not set, using in-memory stores")
		memRepo := account.NewMemoryRepository()
		accountRepo = memRepo
		ledgerStore = ledger.NewInMemory(memRepo)
		alerts = fraud.NewMemoryAlertStore()
	}

	var (
		guard    idempotency.Guard
		notifier notification.Notifier
	)
	if d.Cache != nil {
		guard = idempotency.NewRedisGuard(d.Cache, d.Cfg.IdempotencyTTL)
		notifier = notification.NewRedisNotifier(d.Cache)
	} else {
		guard = idempotency.NewMemoryGuard(d.Cfg.IdempotencyTTL)
		notifier = notification.NewLoggerNotifier(logging.Component(d.Logger, "notifications"))
	}
	dispatcher := notification.NewDispatcher(notifier, d.Cfg.NotifyQueueSize, logging.Component(d.Logger, "dispatcher"))

	var rules *fraud.Rules
	if d.Cfg.RulesFile != "" {
		loaded, err := fraud.LoadRules(d.Cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	fraudEngine := fraud.NewEngine(ledgerStore, rules, logging.Component(d.Logger, "fraud"))

	aggregator := limits.NewAggregator(ledgerStore, d.Cfg.DailyLimitUSD, logging.Component(d.Logger, "limits"),
		limits.WithVelocity(d.Cfg.VelocityMax, d.Cfg.VelocityWindow),
	)

	allow, err := decision.NewIPAllowList(d.Cfg.AllowedIPs)
	if err != nil {
		return nil, err
	}
	var verifier decision.Verifier
	if len(d.Cfg.WebhookSecrets) > 0 {
		verifier = decision.NewHMACVerifier(d.Cfg.WebhookSecrets)
	} else if !d.Cfg.IsDev() {
		return nil, fmt.Errorf("WEBHOOK_SECRETS is required when APP_ENV=%s", d.Cfg.AppEnv)
	}
	engine := decision.NewEngine(accountRepo, ledgerStore, aggregator, fraudEngine, alerts, logging.Component(d.Logger, "decision"),
		decision.WithAuthenticity(verifier, allow),
		decision.WithCashbackRate(d.Cfg.CashbackRate),
		decision.WithReviewOnly(d.Cfg.FraudReviewOnly),
		decision.WithNotifier(dispatcher),
	)

	chains := buildChains(d.Cfg, d.Logger)
	settleLogger := logging.Component(d.Logger, "settlement")
	settleSvc := settlement.NewService(engine, ledgerStore, chains, dispatcher, settleLogger)
	reconciler := settlement.NewReconciler(ledgerStore, chains, dispatcher, logging.Component(d.Logger, "reconciler"), settlement.ReconcilerConfig{
		Interval: d.Cfg.ReconcileInterval,
		Batch:    d.Cfg.ReconcileBatch,
		Timeout:  d.Cfg.ReconcileTimeout,
	})

	secret := d.Cfg.JWTSecret
	if secret == "" {
		secret = devJWTSecret
	}
	issuer := auth.NewIssuer(secret, tokenTTL)
	accountSvc := account.NewService(accountRepo)

	accountHandler := account.NewHandler(accountSvc)
	authHandler := auth.NewHandler(accountSvc, issuer, d.Logger)
	decisionHandler := decision.NewHandler(engine, logging.Component(d.Logger, "authorize"))
	alertHandler := fraud.NewHandler(alerts)
	txHandler := settlement.NewHandler(settleSvc, reconciler, settleLogger)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Card network webhook, authenticated by signature and source IP before
	// retries are deduplicated.
	idemLogger := logging.Component(d.Logger, "idempotency")
	api.Post("/authorize",
		decisionHandler.Authenticate,
		middleware.Idempotency(guard, decision.IdempotencyScope, idemLogger),
		decisionHandler.Authorize,
	)

	if d.Cfg.IsDev() {
		api.Post("/accounts",
			middleware.RateLimit(d.Cache, "open", openPerMinute, func(c *fiber.Ctx) string { return c.IP() }),
			authHandler.OpenAccount,
		)
	}

	protected := api.Group("", middleware.JWTAuth(issuer, accountRepo))
	protected.Post("/wallets", accountHandler.LinkWallet)
	protected.Post("/cards", accountHandler.IssueCard)
	protected.Get("/cards/:cardId", accountHandler.GetCard)
	protected.Patch("/cards/:cardId/limits", accountHandler.UpdateLimits)
	protected.Post("/cards/:cardId/freeze", accountHandler.Freeze)
	protected.Post("/cards/:cardId/unfreeze", accountHandler.Unfreeze)
	protected.Post("/cards/:cardId/cancel", accountHandler.Cancel)
	protected.Post("/cards/:cardId/reset-monthly", accountHandler.ResetMonthly)
	protected.Get("/alerts", alertHandler.List)

	protected.Post("/transactions",
		middleware.RateLimit(d.Cache, "submit", submitPerMinute, middleware.AccountID),
		middleware.Idempotency(guard, middleware.AccountID, idemLogger),
		txHandler.Submit,
	)
	protected.Get("/transactions/:txHash", txHandler.Status)

	return &Runtime{Reconciler: reconciler, Dispatcher: dispatcher}, nil
}

// buildChains registers a node client per configured RPC URL. Development
// falls back to simulated chains when none is configured.
func buildChains(cfg config.Config, logger *slog.Logger) *chain.Registry {
	registry := chain.NewRegistry()
	httpClient := &http.Client{Timeout: 10 * time.Second}
	for id, url := range cfg.EVMRPCURLs {
		registry.Register(id, chain.NewEVMClient(url, httpClient, 0))
	}
	for id, url := range cfg.SolanaRPCURLs {
		registry.Register(id, chain.NewSolanaClient(url, httpClient, ""))
	}
	if len(registry.Chains()) == 0 && cfg.IsDev() {
		for _, id := range []string{"ethereum", "polygon", "solana"} {
			registry.Register(id, chain.NewSimulatedClient(3))
		}
		logger.Warn("no chain RPC configured, using simulated chains")
	}
	logger.Info("chains registered", slog.Any("chains", registry.Chains()))
	return registry
}
