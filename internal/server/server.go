package server

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dukerupert/gptpaywall/internal/config"
	"github.com/dukerupert/gptpaywall/internal/directory"
	"github.com/dukerupert/gptpaywall/internal/handler"
	"github.com/dukerupert/gptpaywall/internal/metrics"
	"github.com/dukerupert/gptpaywall/internal/middleware"
	ws "github.com/dukerupert/gptpaywall/internal/websocket"
)

type Server struct {
	cfg            config.Config
	hub            *ws.Hub
	accessH        *handler.AccessHandler
	billingH       *handler.BillingHandler
	adminH         *handler.AdminHandler
	gatewayLimiter *middleware.RateLimiter
	keyLimiter     *middleware.RateLimiter
	metrics        *metrics.Collector
	logger         *slog.Logger
}

func New(cfg config.Config, dir directory.Directory, bp handler.BillingProvider, m *metrics.Collector, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"), m.FeedClients)
	debug := !cfg.Production()
	rl := cfg.RateLimit

	return &Server{
		cfg:            cfg,
		hub:            hub,
		accessH:        handler.NewAccessHandler(dir, logger.With("component", "access"), debug),
		billingH:       handler.NewBillingHandler(bp, dir, hub, m, logger.With("component", "billing"), debug),
		adminH:         handler.NewAdminHandler(dir, hub, cfg.PlanPrices, logger.With("component", "admin"), debug),
		gatewayLimiter: middleware.NewRateLimiter(rl.Window, rl.Max, middleware.WithMaxKeys(rl.MaxKeys)),
		keyLimiter:     middleware.NewRateLimiter(rl.KeyWindow, rl.KeyMax, middleware.WithMaxKeys(rl.MaxKeys)),
		metrics:        m,
		logger:         logger,
	}
}

// SweepLimiters drops expired rate limit buckets and records what remains.
func (s *Server) SweepLimiters() {
	for name, rl := range map[string]*middleware.RateLimiter{
		"gateway": s.gatewayLimiter,
		"key":     s.keyLimiter,
	} {
		if n := rl.Sweep(); n > 0 {
			s.logger.Debug("swept rate limit buckets", "policy", name, "count", n)
		}
		s.metrics.LimiterKeys(name, rl.Len())
	}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Public routes. The webhook authenticates by signature and reads the raw body.
	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("POST /billing/webhook", s.billingH.Webhook)

	protect := s.protectedChain()

	mux.Handle("GET /access", protect(http.HandlerFunc(s.accessH.Check)))
	mux.Handle("GET /users/{email}", protect(http.HandlerFunc(s.accessH.User)))

	mux.Handle("POST /billing/checkout-session", protect(http.HandlerFunc(s.billingH.Checkout)))
	mux.Handle("POST /billing/portal-session", protect(http.HandlerFunc(s.billingH.Portal)))

	mux.Handle("GET /admin/users", protect(http.HandlerFunc(s.adminH.ListUsers)))
	mux.Handle("POST /admin/users", protect(http.HandlerFunc(s.adminH.UpsertUser)))
	mux.Handle("DELETE /admin/users/{email}", protect(http.HandlerFunc(s.adminH.DeleteUser)))
	mux.Handle("POST /admin/users/bulk", protect(http.HandlerFunc(s.adminH.BulkUsers)))
	mux.Handle("GET /admin/analytics", protect(http.HandlerFunc(s.adminH.GetAnalytics)))
	mux.Handle("GET /admin/events", protect(ws.HandleWebSocket(s.hub, s.feedOrigins(), s.logger.With("component", "websocket"))))

	mux.Handle("GET /metrics", protect(s.metrics.Handler()))

	mux.HandleFunc("/", handler.NotFound)

	var h http.Handler = mux
	h = middleware.CORS(middleware.CORSOptions{
		AllowedOrigins: s.cfg.CORS.AllowedOrigins,
		AllowAll:       !s.cfg.Production(),
	})(h)
	h = middleware.RequestLogger(s.logger.With("component", "http"), s.metrics)(h)
	h = middleware.Recover(s.logger)(h)
	return middleware.RequestID(h)
}

// protectedChain applies the gateway limiter, the per-key limiter and the
// API key check, in that order.
func (s *Server) protectedChain() func(http.Handler) http.Handler {
	gateway := middleware.RateLimit(middleware.GatewayPolicy(s.gatewayLimiter), s.metrics)
	perKey := middleware.RateLimit(middleware.KeyPolicy(s.keyLimiter), s.metrics)
	auth := middleware.RequireAPIKey(s.cfg.APIKey, s.logger.With("component", "auth"), s.metrics)
	return func(next http.Handler) http.Handler {
		return gateway(perKey(auth(next)))
	}
}

// feedOrigins returns the host patterns the event feed accepts from
// browsers. Outside production any origin is accepted.
func (s *Server) feedOrigins() []string {
	if !s.cfg.Production() {
		return nil
	}
	hosts := []string{}
	for _, o := range s.cfg.CORS.AllowedOrigins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		}
	}
	return hosts
}
