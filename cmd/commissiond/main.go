package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/commission/internal/httpserver"
	"github.com/MarkoPoloResearchLab/commission/internal/payout"
	"github.com/MarkoPoloResearchLab/commission/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/commission/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/commission/pkg/commission"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreBackend      = "store-backend"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie"
	flagWebhookSecret     = "webhook-secret"
	flagProviderURL       = "provider-url"
	flagProviderAPIKey    = "provider-api-key"
	flagProviderTimeout   = "provider-timeout"
	flagCommissionRate    = "commission-rate"
	flagHoldingWindow     = "holding-window"
	flagSweepInterval     = "sweep-interval"
	flagSweepBatchSize    = "sweep-batch-size"
	flagLockTTL           = "lock-ttl"

	defaultDatabaseURL     = "sqlite:///tmp/commission.db"
	storeBackendGorm       = "gorm"
	storeBackendPgx        = "pgx"
	defaultListenAddr      = ":8080"
	defaultProviderURL     = "http://localhost:9200"
	defaultProviderTimeout = 15 * time.Second
	defaultCommissionRate  = "0.5"
	defaultHoldingWindow   = 7 * 24 * time.Hour
	defaultSweepInterval   = time.Minute
	defaultSweepBatchSize  = 100
	defaultLockTTL         = 2 * time.Minute
	defaultMinRedeemCents  = int64(5000)
)

type runtimeConfig struct {
	DatabaseURL       string
	StoreBackend      string
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookie     string
	WebhookSecret     string
	ProviderURL       string
	ProviderAPIKey    string
	ProviderTimeout   time.Duration
	CommissionRate    decimal.Decimal
	HoldingWindow     time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
	LockTTL           time.Duration
	MinRedeemCents    map[commission.Currency]commission.AmountCents
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "commissiond: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "commissiond",
		Short:         "Affiliate commission ledger and payout server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "store backend: gorm or pgx (pgx requires a postgres database url)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "HMAC key for the session cookie")
	cmd.Flags().String(flagSessionIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagSessionCookie, "", "session cookie name")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for the billing webhook")
	cmd.Flags().String(flagProviderURL, defaultProviderURL, "payout provider base URL")
	cmd.Flags().String(flagProviderAPIKey, "", "payout provider API key")
	cmd.Flags().Duration(flagProviderTimeout, defaultProviderTimeout, "payout provider request timeout")
	cmd.Flags().String(flagCommissionRate, defaultCommissionRate, "commission share of first gross payment, 0..1")
	cmd.Flags().Duration(flagHoldingWindow, defaultHoldingWindow, "delay before a commission matures")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "maturation sweep interval")
	cmd.Flags().Int(flagSweepBatchSize, defaultSweepBatchSize, "maturation sweep batch size")
	cmd.Flags().Duration(flagLockTTL, defaultLockTTL, "redemption lock expiry")
	for _, currency := range commission.Currencies() {
		cmd.Flags().Int64(minRedeemFlag(currency), defaultMinRedeemCents,
			fmt.Sprintf("minimum redemption in cents for %s", currency))
	}

	return cmd
}

func minRedeemFlag(currency commission.Currency) string {
	return "min-redeem-" + strings.ToLower(currency.String())
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:       "DATABASE_URL",
		flagStoreBackend:      "STORE_BACKEND",
		flagListenAddr:        "LISTEN_ADDR",
		flagAllowedOrigins:    "ALLOWED_ORIGINS",
		flagSessionSigningKey: "SESSION_SIGNING_KEY",
		flagSessionIssuer:     "SESSION_ISSUER",
		flagSessionCookie:     "SESSION_COOKIE",
		flagWebhookSecret:     "WEBHOOK_SECRET",
		flagProviderURL:       "PROVIDER_URL",
		flagProviderAPIKey:    "PROVIDER_API_KEY",
		flagProviderTimeout:   "PROVIDER_TIMEOUT",
		flagCommissionRate:    "COMMISSION_RATE",
		flagHoldingWindow:     "HOLDING_WINDOW",
		flagSweepInterval:     "SWEEP_INTERVAL",
		flagSweepBatchSize:    "SWEEP_BATCH_SIZE",
		flagLockTTL:           "LOCK_TTL",
	}
	for _, currency := range commission.Currencies() {
		flag := minRedeemFlag(currency)
		bindings[flag] = strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
	}
	for flag, env := range bindings {
		key := strings.ReplaceAll(flag, "-", "_")
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.StoreBackend = viper.GetString("store_backend")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AllowedOrigins = httpserver.ParseAllowedOrigins(viper.GetString("allowed_origins"))
	cfg.SessionSigningKey = viper.GetString("session_signing_key")
	cfg.SessionIssuer = viper.GetString("session_issuer")
	cfg.SessionCookie = viper.GetString("session_cookie")
	cfg.WebhookSecret = viper.GetString("webhook_secret")
	cfg.ProviderURL = viper.GetString("provider_url")
	cfg.ProviderAPIKey = viper.GetString("provider_api_key")
	cfg.ProviderTimeout = viper.GetDuration("provider_timeout")
	cfg.HoldingWindow = viper.GetDuration("holding_window")
	cfg.SweepInterval = viper.GetDuration("sweep_interval")
	cfg.SweepBatchSize = viper.GetInt("sweep_batch_size")
	cfg.LockTTL = viper.GetDuration("lock_ttl")

	rate, err := decimal.NewFromString(viper.GetString("commission_rate"))
	if err != nil {
		return fmt.Errorf("parse commission rate: %w", err)
	}
	cfg.CommissionRate = rate

	cfg.MinRedeemCents = make(map[commission.Currency]commission.AmountCents, len(commission.Currencies()))
	for _, currency := range commission.Currencies() {
		key := strings.ReplaceAll(minRedeemFlag(currency), "-", "_")
		minimum, err := commission.NewAmountCents(viper.GetInt64(key))
		if err != nil {
			return fmt.Errorf("minimum redemption for %s: %w", currency, err)
		}
		cfg.MinRedeemCents[currency] = minimum
	}

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	switch cfg.StoreBackend {
	case storeBackendGorm, storeBackendPgx:
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, locker, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	provider, err := payout.NewClient(cfg.ProviderURL, cfg.ProviderAPIKey, cfg.ProviderTimeout, logger)
	if err != nil {
		return fmt.Errorf("payout client init: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := commission.NewService(store, locker, provider, commission.Policy{
		CommissionRate: cfg.CommissionRate,
		HoldingWindow:  cfg.HoldingWindow,
		MinRedeemCents: cfg.MinRedeemCents,
	}, clock, commission.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("commission service init: %w", err)
	}

	sweeper := commission.NewSweeper(service, cfg.SweepInterval, cfg.SweepBatchSize, logger)
	go sweeper.Run(ctx)

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookie,
		WebhookSecret:     cfg.WebhookSecret,
	}, service, logger)
}

// zapOperationLogger forwards domain operation events to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry commission.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("affiliate_id", entry.AffiliateID.String()),
		zap.String("currency", entry.Currency.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.InvoiceID.String() != "" {
		fields = append(fields, zap.String("invoice_id", entry.InvoiceID.String()))
	}
	if entry.RedemptionID != "" {
		fields = append(fields, zap.String("redemption_id", entry.RedemptionID))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason.String()))
	}
	if entry.Error != nil {
		adapter.logger.Warn("commission operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("commission operation", fields...)
}

func openStore(ctx context.Context, cfg *runtimeConfig) (commission.Store, commission.Locker, func() error, error) {
	driver, _, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.StoreBackend == storeBackendPgx {
		if driver != "postgres" {
			return nil, nil, nil, fmt.Errorf("pgx store backend requires a postgres database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), pgstore.NewLockTable(pool, cfg.LockTTL), cleanup, nil
	}

	gormDB, cleanup, err := openGormDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return nil, nil, nil, err
	}
	return gormstore.New(gormDB), gormstore.NewLockTable(gormDB, cfg.LockTTL), cleanup, nil
}

func openGormDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "commission.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
