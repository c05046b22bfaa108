package server

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"rewardpool/core/events"
	"rewardpool/crypto"
	"rewardpool/native/rewards"
	"rewardpool/services/rewardsd/journal"
	"rewardpool/services/rewardsd/middleware"
)

// Ledger is the subset of the rewards engine served over HTTP.
type Ledger interface {
	Snapshot() (*rewards.Snapshot, error)
	ShareOf(addr crypto.Address) (*big.Int, error)
	Earned(addr crypto.Address) (map[string]*big.Int, error)
	OwedPayouts(addr crypto.Address) ([]rewards.OwedPayout, error)
	Checkpoint(addr crypto.Address) (*rewards.AccountAccrual, error)
	ClaimFor(ctx context.Context, addr crypto.Address) (*rewards.ClaimResult, error)
	Deposit(ctx context.Context, addr crypto.Address, amount *big.Int) error
	Withdraw(ctx context.Context, addr crypto.Address, amount *big.Int) error
	HarvestAndSkim(ctx context.Context) (map[string]*big.Int, error)
	SweepReserve(ctx context.Context, token string, destination crypto.Address) (*big.Int, error)
}

// Treasury credits new rewards to the reward source.
type Treasury interface {
	Fund(token string, amount *big.Int) error
	PendingBalance(token string) *big.Int
}

// Journal is the audit log read by the API.
type Journal interface {
	List(ctx context.Context, filter journal.Filter) ([]journal.Entry, error)
	ExportParquet(ctx context.Context, path string, filter journal.Filter) (int, error)
}

// Config wires the server to its collaborators.
type Config struct {
	Ledger        Ledger
	Treasury      Treasury
	Journal       Journal
	Broadcaster   *events.Broadcaster
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	ExportDir     string
	Logger        *slog.Logger
}

// Server exposes the rewards ledger over HTTP.
type Server struct {
	ledger    Ledger
	treasury  Treasury
	journal   Journal
	broadcast *events.Broadcaster
	auth      *middleware.Authenticator
	limiter   *middleware.RateLimiter
	obs       *middleware.Observability
	cors      middleware.CORSConfig
	exportDir string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New constructs the server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Observability
	if obs == nil {
		obs = middleware.NewObservability(middleware.ObservabilityConfig{}, logger)
	}
	auth := cfg.Authenticator
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{}, logger)
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(nil, logger)
	}
	return &Server{
		ledger:    cfg.Ledger,
		treasury:  cfg.Treasury,
		journal:   cfg.Journal,
		broadcast: cfg.Broadcaster,
		auth:      auth,
		limiter:   limiter,
		obs:       obs,
		cors:      cfg.CORS,
		exportDir: cfg.ExportDir,
		logger:    logger,
		tracer:    obs.Tracer(),
	}
}

// Rate limit groups referenced by the daemon configuration.
const (
	LimitReads    = "reads"
	LimitAccounts = "accounts"
	LimitAdmin    = "admin"
)

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cors))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			read.Use(s.auth.Middleware(middleware.ScopeRead))
			read.Use(s.limiter.Middleware(LimitReads))
			read.With(s.obs.Middleware("state")).Get("/state", s.handleState)
			read.With(s.obs.Middleware("share")).Get("/accounts/{addr}/share", s.handleShare)
			read.With(s.obs.Middleware("earned")).Get("/accounts/{addr}/earned", s.handleEarned)
			read.With(s.obs.Middleware("journal")).Get("/journal", s.handleJournal)
			read.With(s.obs.Middleware("events")).Get("/events/ws", s.handleEvents)
		})
		v1.Group(func(write chi.Router) {
			write.Use(s.auth.Middleware(middleware.ScopeWrite))
			write.Use(s.limiter.Middleware(LimitAccounts))
			write.With(s.obs.Middleware("checkpoint")).Post("/accounts/{addr}/checkpoint", s.handleCheckpoint)
			write.With(s.obs.Middleware("claim")).Post("/accounts/{addr}/claim", s.handleClaim)
			write.With(s.obs.Middleware("deposit")).Post("/accounts/{addr}/deposit", s.handleDeposit)
			write.With(s.obs.Middleware("withdraw")).Post("/accounts/{addr}/withdraw", s.handleWithdraw)
			write.With(s.obs.Middleware("harvest")).Post("/harvest", s.handleHarvest)
		})
		v1.Group(func(admin chi.Router) {
			admin.Use(s.auth.Middleware(middleware.ScopeAdmin))
			admin.Use(s.limiter.Middleware(LimitAdmin))
			admin.With(s.obs.Middleware("fund")).Post("/rewards/fund", s.handleFund)
			admin.With(s.obs.Middleware("sweep")).Post("/reserves/{token}/sweep", s.handleSweep)
			admin.With(s.obs.Middleware("export")).Post("/journal/export", s.handleExport)
		})
	})
	return r
}
