// Package server wires the engagement, suggestion and referral components
// behind one gin router and owns their background jobs.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/bandit"
	"github.com/mbd888/viralloop/internal/config"
	"github.com/mbd888/viralloop/internal/content"
	"github.com/mbd888/viralloop/internal/discount"
	"github.com/mbd888/viralloop/internal/engagement"
	"github.com/mbd888/viralloop/internal/fraud"
	"github.com/mbd888/viralloop/internal/health"
	"github.com/mbd888/viralloop/internal/logging"
	"github.com/mbd888/viralloop/internal/metrics"
	"github.com/mbd888/viralloop/internal/ratelimit"
	"github.com/mbd888/viralloop/internal/realtime"
	"github.com/mbd888/viralloop/internal/reconciliation"
	"github.com/mbd888/viralloop/internal/referral"
	"github.com/mbd888/viralloop/internal/retry"
	"github.com/mbd888/viralloop/internal/storage"
	"github.com/mbd888/viralloop/internal/viral"
	"github.com/mbd888/viralloop/internal/webhooks"
	"github.com/mbd888/viralloop/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

const (
	defaultDrainDelay = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
	dbStatsInterval   = 15 * time.Second
)

// Server owns the router, the stores behind it and the background jobs.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB // nil with in-memory stores
	ledger    audit.Store
	content   content.Store
	referrals referral.Store
	recorder  engagement.Recorder

	tracker     *engagement.Tracker
	viral       *viral.Engine
	referralSvc *referral.Service
	signer      *referral.Signer
	webhooks    *webhooks.Handler
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	hub         *realtime.Hub
	httpLimiter *ratelimit.HTTPLimiter
	checks      *health.Registry

	router     *gin.Engine
	httpSrv    *http.Server
	drainDelay time.Duration

	ready        atomic.Bool
	stopping     atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithDrainDelay sets how long Shutdown keeps serving after readiness drops,
// so load balancers can stop routing first.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) { s.drainDelay = d }
}

// New connects storage and wires every component. With DATABASE_URL unset
// all stores are in memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: defaultDrainDelay,
		checks:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	if err := s.openStores(ctx); err != nil {
		return nil, err
	}
	s.wire()
	if err := s.viral.SeedBootstrap(ctx); err != nil {
		if s.db != nil {
			_ = s.db.Close()
		}
		return nil, fmt.Errorf("seed bootstrap variant: %w", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) openStores(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		ledger, store := audit.NewMemoryStore(), content.NewMemoryStore()
		s.ledger = ledger
		s.content = store
		s.referrals = referral.NewMemoryStore()
		s.recorder = engagement.NewMemoryRecorder(ledger, store)
		s.logger.Info("using in-memory storage, data will not persist")
		return nil
	}

	db, err := storage.Open(ctx, s.cfg.DatabaseURL, storage.DefaultPool(), retry.DefaultPolicy(), s.logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("apply migrations: %w", err)
	}

	timeout := s.cfg.OperationTimeout
	s.db = db
	s.ledger = audit.NewPostgresStore(db, timeout)
	s.content = content.NewPostgresStore(db, timeout)
	s.referrals = referral.NewPostgresStore(db, timeout)
	s.recorder = engagement.NewPostgresRecorder(db, timeout)
	s.checks.Register("database", health.Database(db, 2*time.Second))
	s.logger.Info("using PostgreSQL storage", "dsn", redactDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) wire() {
	cfg := s.cfg
	s.hub = realtime.NewHub(s.logger)

	limiter := ratelimit.NewWindowLimiter(s.ledger, ratelimit.Limits{
		SharesPerHour:    int64(cfg.SharesPerHour),
		ViewsPerHour:     int64(cfg.ViewsPerHour),
		SignupsPerDay:    int64(cfg.SignupsPerDay),
		UpdatesPerMinute: int64(cfg.UpdatesPerMinute),
	})
	detector := fraud.NewDetector(s.ledger, content.FraudLookup{Store: s.content}, referral.Graph{Store: s.referrals})
	s.tracker = engagement.NewTracker(s.ledger, s.recorder, s.content, limiter, detector, s.logger).WithPublisher(s.hub)

	scores := discount.NewEngine(s.content, discount.Config{HalfLifeDays: cfg.HalfLifeDays, MinWeight: cfg.MinWeight})
	sampler := bandit.NewEngine(s.content, scores, bandit.NewRandomSampler(), cfg.BanditWindowDays)
	s.viral = viral.NewEngine(s.content, sampler, scores, viral.Config{
		Policy:          cfg.BanditStrategy,
		ExplorationRate: cfg.ExplorationRate,
	}, s.logger)

	s.referralSvc = referral.NewService(s.referrals, referral.NewDetector(s.referrals), s.logger).
		WithTracker(s.tracker).
		WithPublisher(s.hub).
		WithRewardMonths(cfg.ReferralRewardMonths)
	s.signer = referral.NewSigner(cfg.ReferralSecret, cfg.ReferralLinkHost, cfg.ReferralLinkMaxAge, s.referrals)

	s.webhooks = webhooks.NewHandler(webhooks.Config{
		PlatformSecret: cfg.WebhookSecret,
		StripeSecret:   cfg.StripeWebhookSecret,
	}, s.tracker, s.referralSvc, s.logger)
	if cfg.WebhookSecret == "" {
		s.logger.Warn("platform webhooks disabled, WEBHOOK_SECRET not set")
	}

	s.reconciler = reconciliation.NewRunner(s.ledger, s.tracker, s.logger).WithPublisher(s.hub)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.checks.Register("reconciliation", health.Recency(s.reconciler.LastRunAt, 3*cfg.ReconcileInterval))
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// Run serves HTTP and runs the background jobs until ctx is cancelled or the
// listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", "port", s.cfg.Port, "env", s.cfg.Env, "bandit_strategy", s.cfg.BanditStrategy)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error { s.hub.Run(gctx); return nil })
	g.Go(func() error { s.reconTimer.Start(gctx); return nil })
	if s.db != nil {
		g.Go(func() error { metrics.StartDBStatsCollector(gctx, s.db, dbStatsInterval); return nil })
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	<-gctx.Done()
	if ctx.Err() != nil {
		s.logger.Info("shutdown requested")
	}
	shutdownErr := s.Shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// Shutdown drains and stops the server. Only the first call does any work;
// later calls return its result.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() { s.shutdownErr = s.shutdown() })
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.stopping.Store(true)
	s.logger.Info("draining", "delay", s.drainDelay)
	time.Sleep(s.drainDelay)

	var errs []error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	s.reconTimer.Stop()
	s.httpLimiter.Stop()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", "error", err)
	} else {
		s.logger.Info("server stopped")
	}
	return err
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
