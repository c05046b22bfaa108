package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rewardpool/core/events"
	"rewardpool/native/custody"
	"rewardpool/native/rewards"
	"rewardpool/observability"
	"rewardpool/observability/logging"
	telemetry "rewardpool/observability/otel"
	"rewardpool/services/rewardsd/config"
	"rewardpool/services/rewardsd/journal"
	"rewardpool/services/rewardsd/middleware"
	"rewardpool/services/rewardsd/scheduler"
	"rewardpool/services/rewardsd/server"
	"rewardpool/storage"
)

const serviceName = "rewardsd"

type staticPauses map[string]bool

func (p staticPauses) IsPaused(module string) bool { return p[module] }

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/rewardsd/config.yaml", "path to rewardsd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("REWARDS_ENV"))
	var sink *logging.FileSink
	if cfg.Logging.File != "" {
		sink = &logging.FileSink{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}
	}
	logger := logging.SetupWithFile(serviceName, env, sink)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv(serviceName, env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(cfg, env, logger); err != nil {
		logger.Error("rewardsd stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, env string, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return fmt.Errorf("open ledger db: %w", err)
	}
	defer db.Close()

	pool, err := custody.NewPool(db, cfg.Params.Tokens...)
	if err != nil {
		return err
	}
	fees, err := cfg.Params.FeeSchedule(pool.TotalWeight)
	if err != nil {
		return err
	}

	auditLog, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN, logger)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	broadcaster := events.NewBroadcaster(0)
	engine, err := rewards.NewEngine(rewards.NewStore(db), pool, pool, pool, fees,
		rewards.WithVault(pool),
		rewards.WithTokens(cfg.Params.Tokens...),
		rewards.WithEmitter(events.Multi{auditLog, broadcaster}),
		rewards.WithLogger(logger),
		rewards.WithMetrics(observability.Rewards()),
		rewards.WithPauses(staticPauses{"rewards": cfg.Paused}),
	)
	if err != nil {
		return err
	}
	if cfg.Paused {
		logger.Warn("rewards module paused; mutating operations are rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs := scheduler.New(ctx, engine, auditLog, cfg.Schedule.ExportDir, logger)
	if err := jobs.Register(cfg.Schedule.Harvest, cfg.Schedule.Export); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		limits[name] = middleware.RateLimit{RatePerSecond: limit.RatePerSecond, Burst: limit.Burst}
	}
	srv := server.New(server.Config{
		Ledger:      engine,
		Treasury:    pool,
		Journal:     auditLog,
		Broadcaster: broadcaster,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger),
		RateLimiter:   middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: serviceName, LogRequests: true}, logger),
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
		},
		ExportDir: cfg.Schedule.ExportDir,
		Logger:    logger,
	})

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			_ = listener.Close()
			return fmt.Errorf("plaintext rewardsd mode is restricted to loopback listeners or dev environment")
		}
	}
	tlsCfg, err := loadTLS(cfg.TLS)
	if err != nil {
		_ = listener.Close()
		return err
	}
	if tlsCfg != nil {
		listener = tls.NewListener(listener, tlsCfg)
	}

	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(srv.Handler(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("rewardsd listening", slog.String("address", cfg.ListenAddress), slog.Bool("tls", tlsCfg != nil))
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.String("error", err.Error()))
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func loadTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}, nil
}
