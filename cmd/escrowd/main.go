package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"assetescrow/config"
	"assetescrow/core/events"
	"assetescrow/core/state"
	"assetescrow/gateway/middleware"
	"assetescrow/native/escrow"
	"assetescrow/native/token"
	"assetescrow/observability"
	"assetescrow/observability/auditlog"
	"assetescrow/observability/logging"
	telemetry "assetescrow/observability/otel"
	"assetescrow/services/escrowd/server"
	"assetescrow/storage"
)

const serviceName = "escrowd"

func main() {
	var (
		cfgPath  string
		seedPath string
	)
	flag.StringVar(&cfgPath, "config", "escrowd.toml", "path to escrowd configuration file")
	flag.StringVar(&seedPath, "seed", "", "YAML seed applied on first start (overrides SeedFile)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("escrowd: load config: %v", err)
	}
	if seedPath != "" {
		cfg.SeedFile = seedPath
	}

	logger, logCloser := logging.Setup(cfg.LoggingOptions(serviceName))
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("escrowd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.TelemetryConfig(serviceName))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	auditPath := cfg.AuditDB
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.db")
	}
	if err := os.MkdirAll(filepath.Dir(auditPath), 0o755); err != nil {
		return err
	}
	audit, err := auditlog.Open(auditPath, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	ledger := token.NewLedger(db, token.Metadata{Name: cfg.Token.Name, Symbol: cfg.Token.Symbol, Decimals: cfg.Token.Decimals})
	instance := cfg.InstanceAddress()
	chainID := new(big.Int).SetUint64(cfg.ChainID)

	engine := escrow.NewEngine(instance)
	engine.SetState(state.NewManager(db))
	engine.SetTokenLedger(ledger)
	engine.SetSignatureOracle(escrow.NewTypedDataOracle(chainID, instance))
	engine.SetCurrencyDescriptor(ledger.Metadata().Descriptor())
	engine.SetEmitter(events.Fanout{
		audit,
		observability.Events(),
		logging.NewEventLog(logger, slog.LevelDebug),
	})

	genesis, err := cfg.Genesis()
	if err != nil {
		return err
	}
	fresh, err := engine.Bootstrap(ctx, genesis)
	if err != nil {
		return fmt.Errorf("bootstrap escrow: %w", err)
	}
	if fresh {
		logger.Info("escrow bootstrapped", "owner", genesis.Owner.Hex(), "instance", instance.Hex(), "chain_id", cfg.ChainID)
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := applySeed(ctx, engine, ledger, genesis.Owner, seed); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	srv, err := server.New(server.Config{
		Engine: engine,
		Audit:  audit,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:        cfg.Auth.Enabled,
			HMACSecret:     cfg.Auth.HMACSecret,
			Issuer:         cfg.Auth.Issuer,
			Audience:       cfg.Auth.Audience,
			OptionalPaths:  []string{"/v1/params", "/v1/fees"},
			AllowAnonymous: true,
			ClockSkew:      cfg.ClockSkew(),
		}, logger),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}, logger),
		LogRequests: true,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), serviceName),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}
	return srv.Run(ctx, httpServer)
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "escrow.bolt"), nil)
	default:
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "escrow.ldb"))
	}
}
