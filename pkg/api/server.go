package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/flags"
	"github.com/controlhub/controlhub/pkg/httputil"
	"github.com/controlhub/controlhub/pkg/middleware"
	"github.com/controlhub/controlhub/pkg/observability"
	"github.com/controlhub/controlhub/pkg/serviceaccounts"
	"github.com/controlhub/controlhub/pkg/storage"
	"github.com/controlhub/controlhub/pkg/store"
)

// ServerConfig collects everything the HTTP surface depends on. Remote and
// Resolver may be nil when Cognito is not configured; Accounts, Flags,
// Metrics, RateLimit, and Notifier are optional.
type ServerConfig struct {
	Store    *store.Store
	Issuer   TokenIssuer
	Revoker  TokenRevoker
	Remote   middleware.RemoteVerifier
	Resolver middleware.IdentityResolver

	Engine   PolicyGate
	Cache    PolicyInvalidator
	Workflow ApprovalService
	Registry ActionExecutor

	Accounts AccountService
	Blobs    storage.BlobStore
	Flags    FlagChecker
	Notifier Notifier

	Sink        audit.Logger
	Searcher    audit.Searcher
	Metrics     *observability.Metrics
	RateLimit   func(http.Handler) http.Handler
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server is the assembled ControlHub HTTP API.
type Server struct {
	router *mux.Router
	logger *slog.Logger
}

// NewServer wires the handler groups into a router with the full
// middleware chain and role tiers.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = audit.NoOp()
	}

	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		securityHeaders,
		httputil.CORSMiddleware(cfg.CORSOrigins),
	)
	if cfg.Metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	}
	router.Use(
		audit.Middleware(sink, logger),
		maintenanceGate(cfg.Flags),
	)

	authHandlers := NewAuthHandlers(cfg.Store, cfg.Issuer, cfg.Revoker,
		cfg.Remote, cfg.Resolver, cfg.Flags, cfg.Notifier, sink, cfg.Metrics, logger)
	userHandlers := NewUserHandlers(cfg.Store, cfg.Engine, cfg.Registry, sink, logger)
	policyHandlers := NewPolicyHandlers(cfg.Store, cfg.Cache, sink, logger)
	approvalHandlers := NewApprovalHandlers(cfg.Workflow, logger)
	uploadHandlers := NewUploadHandlers(cfg.Store, cfg.Blobs, cfg.Engine, cfg.Registry, sink, logger)
	jobHandlers := NewJobHandlers(cfg.Store, cfg.Engine, cfg.Registry, sink, logger)

	// Unauthenticated endpoints take the brunt of credential stuffing, so
	// only they sit behind the rate limiter.
	public := router.NewRoute().Subrouter()
	if cfg.RateLimit != nil {
		public.Use(cfg.RateLimit)
	}
	authHandlers.RegisterPublicRoutes(public)

	guard := middleware.NewGuard(middleware.GuardConfig{
		Parser:      cfg.Issuer,
		Revocations: cfg.Revoker,
		Users:       cfg.Store,
		Keys:        &flagGatedKeys{accounts: cfg.Accounts, flags: cfg.Flags},
		Remote:      cfg.Remote,
		Resolver:    cfg.Resolver,
		Sink:        sink,
		Logger:      logger,
	})

	protected := router.NewRoute().Subrouter()
	protected.Use(guard.Handler)
	authHandlers.RegisterProtectedRoutes(protected)
	uploadHandlers.RegisterRoutes(protected)
	jobHandlers.RegisterRoutes(protected)

	viewer := protected.NewRoute().Subrouter()
	viewer.Use(middleware.RequireRole(auth.RoleViewer))
	userHandlers.RegisterReadRoutes(viewer)
	policyHandlers.RegisterReadRoutes(viewer)
	approvalHandlers.RegisterReadRoutes(viewer)
	if cfg.Searcher != nil {
		audit.NewHandlers(cfg.Searcher).RegisterRoutes(viewer)
	}

	admin := protected.NewRoute().Subrouter()
	admin.Use(middleware.RequireRole(auth.RoleAdmin))
	userHandlers.RegisterAdminRoutes(admin)
	policyHandlers.RegisterAdminRoutes(admin)
	approvalHandlers.RegisterAdminRoutes(admin)
	uploadHandlers.RegisterAdminRoutes(admin)
	jobHandlers.RegisterAdminRoutes(admin)
	if cfg.Accounts != nil {
		saHandlers := NewServiceAccountHandlers(cfg.Accounts, cfg.Flags, logger)
		saHandlers.RegisterReadRoutes(admin)
		saHandlers.RegisterAdminRoutes(admin)
	}

	return &Server{router: router, logger: logger}
}

// Router exposes the underlying mux for embedding.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// flagGatedKeys hides API key authentication behind the service_accounts
// flag. With the flag off every key reads as invalid, which keeps the
// guard's responses indistinguishable from a bad key.
type flagGatedKeys struct {
	accounts AccountService
	flags    FlagChecker
}

func (f *flagGatedKeys) Authenticate(ctx context.Context, presented string) (*auth.Actor, error) {
	if f.accounts == nil {
		return nil, serviceaccounts.ErrInvalidKey
	}
	if f.flags != nil && !f.flags.Enabled(flags.ServiceAccounts) {
		return nil, serviceaccounts.ErrInvalidKey
	}
	return f.accounts.Authenticate(ctx, presented)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// maintenanceGate answers 503 for everything while the maintenance_mode
// flag is on. Health and metrics live on a separate listener and are not
// affected.
func maintenanceGate(flagStore FlagChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if flagStore != nil && flagStore.Enabled(flags.MaintenanceMode) {
				httputil.WriteServiceUnavailable(w, "service is under maintenance")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
