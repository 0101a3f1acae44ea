package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"stakepool/core/events"
	"stakepool/gateway/middleware"
	"stakepool/native/staking"
	"stakepool/observability"
	"stakepool/services/stakingd/journal"
)

const (
	limitMutations = "mutations"
	limitAdmin     = "admin"
)

// Config defines HTTP server parameters. A zero MaxConnections accepts
// connections without limit.
type Config struct {
	ListenAddress   string
	ServiceName     string
	ShutdownTimeout time.Duration
	WSWriteTimeout  time.Duration
	MaxConnections  int
	AllowedOrigins  []string
	Auth            middleware.AuthConfig
	RateLimits      map[string]middleware.RateLimit
	LogRequests     bool
}

// HistorySource serves account history for the journal endpoint.
type HistorySource interface {
	History(ctx context.Context, addr string, limit int) ([]journal.Entry, error)
}

// Server exposes the staking ledger over HTTP.
type Server struct {
	cfg     Config
	engine  *staking.Engine
	hub     *events.Hub
	history HistorySource
	logger  *slog.Logger
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
}

// New constructs a new HTTP server. history may be nil, in which case the
// account history endpoint reports the journal as unavailable.
func New(cfg Config, engine *staking.Engine, hub *events.Hub, history HistorySource, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("staking engine required")
	}
	if hub == nil {
		return nil, fmt.Errorf("event hub required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stakingd"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.WSWriteTimeout <= 0 {
		cfg.WSWriteTimeout = 10 * time.Second
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		hub:     hub,
		history: history,
		logger:  logger,
		auth:    middleware.NewAuthenticator(cfg.Auth, logger),
		limiter: middleware.NewRateLimiter(cfg.RateLimits, observability.HTTP().RecordThrottle),
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: cfg.ServiceName,
			LogRequests: cfg.LogRequests,
		}, logger),
	}, nil
}

// Handler assembles the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.obs.Middleware)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.cfg.AllowedOrigins}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/pool", s.handlePool)
		api.Get("/pool/rates", s.handleRates)
		api.Get("/positions", s.handlePositions)
		api.Get("/accounts/{addr}", s.handleAccount)
		api.Get("/accounts/{addr}/history", s.handleHistory)
		api.Get("/events/ws", s.handleEventsWS)

		api.Group(func(mut chi.Router) {
			mut.Use(s.auth.Middleware())
			mut.Use(s.limiter.Middleware(limitMutations))
			mut.Post("/token/approve", s.handleApprove)
			mut.Post("/token/mint", s.handleMint)
			mut.Post("/stake", s.handleStake)
			mut.Post("/unstake", s.handleUnstake)
			mut.Post("/claim", s.handleClaim)
			mut.Post("/rewards/fund", s.handleFund)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Middleware())
			admin.Use(s.limiter.Middleware(limitAdmin))
			admin.Post("/rate", s.handleSetRate)
			admin.Post("/withdraw", s.handleWithdraw)
			admin.Post("/pause", s.handlePause)
		})
	})
	return r
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(s.Handler(), s.cfg.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.logger.Info("http server listening",
		slog.String("addr", ln.Addr().String()),
		slog.Int("max_connections", s.cfg.MaxConnections))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{
		"status":      "ok",
		"eventSeq":    strconv.FormatUint(s.hub.Sequence(), 10),
		"subscribers": strconv.Itoa(s.hub.Subscribers()),
	}
	if _, err := s.engine.Pool(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["error"] = err.Error()
	}
	writeJSON(w, status, body)
}

// observePool refreshes the pool gauges after a committed mutation.
func (s *Server) observePool() {
	snapshot, err := s.engine.Pool()
	if err != nil {
		s.logger.Warn("pool snapshot for metrics", slog.Any("error", err))
		return
	}
	observability.Ledger().ObservePool(snapshot.TotalStaked, snapshot.RewardPoolBalance, snapshot.RewardRate, snapshot.Paused)
}
