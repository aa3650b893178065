package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/joyledger/internal/account"
	"github.com/dukerupert/joyledger/internal/attendance"
	"github.com/dukerupert/joyledger/internal/grant"
	"github.com/dukerupert/joyledger/internal/handler"
	"github.com/dukerupert/joyledger/internal/metrics"
	"github.com/dukerupert/joyledger/internal/middleware"
	"github.com/dukerupert/joyledger/internal/notify"
	"github.com/dukerupert/joyledger/internal/reservation"
	"github.com/dukerupert/joyledger/internal/revenue"
	"github.com/dukerupert/joyledger/internal/sweeper"
	"github.com/dukerupert/joyledger/internal/transfer"
	ws "github.com/dukerupert/joyledger/internal/websocket"
)

type Config struct {
	JWTSecret      []byte
	AdminKeyHash   string
	Pricing        revenue.Pricing
	GrantAmount    int64
	NoShowGrace    time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
	// Notifiers receive every event in addition to the websocket hub.
	Notifiers []notify.Notifier
}

type Server struct {
	db          *sql.DB
	cfg         Config
	hub         *ws.Hub
	registry    *prometheus.Registry
	rateLimiter *middleware.RateLimiter

	manager *reservation.Manager
	sweeper *sweeper.Sweeper
	grants  *grant.Scheduler

	accountH     *handler.AccountHandler
	reservationH *handler.ReservationHandler
	transferH    *handler.TransferHandler
	adminH       *handler.AdminHandler
	logger       *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))
	notifier := append(notify.Multi{hub}, cfg.Notifiers...)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	manager := reservation.NewManager(db,
		reservation.WithLogger(logger),
		reservation.WithNotifier(notifier),
		reservation.WithMetrics(m),
		reservation.WithGracePeriod(cfg.NoShowGrace),
	)
	gate := attendance.NewGate(db, manager, logger)
	sw := sweeper.New(db, manager, logger, notifier, m)
	grants := grant.NewScheduler(db,
		grant.WithLogger(logger),
		grant.WithNotifier(notifier),
		grant.WithMetrics(m),
	)
	accounts := account.NewService(db,
		account.WithLogger(logger),
		account.WithNotifier(notifier),
		account.WithMetrics(m),
	)
	transfers := transfer.NewService(db,
		transfer.WithLogger(logger),
		transfer.WithNotifier(notifier),
		transfer.WithMetrics(m),
	)

	httpLogger := logger.With("component", "http")
	return &Server{
		db:           db,
		cfg:          cfg,
		hub:          hub,
		registry:     registry,
		rateLimiter:  middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		manager:      manager,
		sweeper:      sw,
		grants:       grants,
		accountH:     handler.NewAccountHandler(accounts, httpLogger),
		reservationH: handler.NewReservationHandler(manager, gate, httpLogger),
		transferH:    handler.NewTransferHandler(transfers, httpLogger),
		adminH:       handler.NewAdminHandler(sw, grants, revenue.NewAggregator(db), cfg.Pricing, cfg.GrantAmount, httpLogger),
		logger:       logger,
	}
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// RateLimiter returns the per-IP rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Sweeper returns the no-show sweeper used by the job scheduler.
func (s *Server) Sweeper() *sweeper.Sweeper {
	return s.sweeper
}

// Grants returns the monthly grant scheduler.
func (s *Server) Grants() *grant.Scheduler {
	return s.grants
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	adminMux := http.NewServeMux()
	s.registerAdminRoutes(adminMux)
	protectedMux.Handle("/api/admin/", middleware.RequireAdmin(adminMux))

	authenticate := middleware.Authenticate(s.cfg.JWTSecret, s.cfg.AdminKeyHash)
	limit := middleware.RateLimit(s.rateLimiter, middleware.RealIP)
	outerMux.Handle("/", limit(authenticate(middleware.RequireAuth(protectedMux))))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	// Members
	mux.HandleFunc("GET /api/members/{id}/balance", s.accountH.Balance)
	mux.HandleFunc("GET /api/members/{id}/transactions", s.accountH.Transactions)
	mux.HandleFunc("GET /api/members/{id}/reconcile", s.accountH.Reconcile)

	// Reservations
	mux.HandleFunc("POST /api/reservations", s.reservationH.Create)
	mux.HandleFunc("GET /api/reservations/{id}", s.reservationH.Get)
	mux.HandleFunc("POST /api/reservations/{id}/release", s.reservationH.Release)

	// Events
	mux.HandleFunc("PUT /api/events/{id}", s.reservationH.PutEvent)
	mux.HandleFunc("POST /api/events/{id}/check-in", s.reservationH.CheckIn)
	mux.HandleFunc("POST /api/events/{id}/cancel", s.reservationH.CancelEvent)

	// Transfers
	mux.HandleFunc("POST /api/transfers", s.transferH.Create)

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.AllowedOrigins, s.logger.With("component", "websocket")))
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/admin/sweep", s.adminH.Sweep)
	mux.HandleFunc("POST /api/admin/grants", s.adminH.GrantBatch)
	mux.HandleFunc("POST /api/admin/grants/{member_id}", s.adminH.GrantMember)
	mux.HandleFunc("POST /api/admin/adjustments", s.accountH.Adjust)
	mux.HandleFunc("GET /api/admin/revenue", s.adminH.Revenue)
}
