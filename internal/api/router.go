package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/craftnest/control-plane/internal/auth"
	"github.com/craftnest/control-plane/internal/config"
	"github.com/craftnest/control-plane/internal/lifecycle"
	"github.com/craftnest/control-plane/internal/metrics"
	"github.com/craftnest/control-plane/internal/model"
)

// Service is the lifecycle surface the HTTP layer drives.
type Service interface {
	Create(ctx context.Context, principalID string, req lifecycle.CreateRequest) (*model.Server, error)
	List(ctx context.Context, principalID string) ([]model.Server, error)
	Get(ctx context.Context, principalID, serverID string) (*model.Server, error)
	Start(ctx context.Context, principalID, serverID string) (*model.Server, error)
	Stop(ctx context.Context, principalID, serverID string) (*model.Server, error)
	Delete(ctx context.Context, principalID, serverID string) error
	UpdateConfiguration(ctx context.Context, principalID, serverID string, patch model.ConfigPatch) (*model.Server, error)
	IsExpired(s model.Server) bool

	ListPlans(ctx context.Context) ([]model.Plan, error)
	GetPlan(ctx context.Context, planID string) (*model.Plan, error)
	FreePlanAvailability(ctx context.Context, principalID string) (bool, error)

	SetSubscription(ctx context.Context, principalID string, status model.SubscriptionStatus, currentPlanID *string) (*model.Principal, error)
	SuspendPrincipal(ctx context.Context, principalID string) (int, error)
	UnsuspendPrincipal(ctx context.Context, principalID string) (int, error)
}

type Server struct {
	cfg config.Config
	svc Service
	log *slog.Logger
}

func NewRouter(cfg config.Config, svc Service, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, svc: svc, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Get("/plans", s.handleListPlans)
		v1.With(auth.Middleware(cfg.JWTSecret)).Get("/plans/free/available", s.handleFreeAvailable)
		v1.Get("/plans/{planID}", s.handleGetPlan)

		v1.Route("/servers", func(servers chi.Router) {
			servers.Use(auth.Middleware(cfg.JWTSecret))
			servers.Post("/", s.handleCreateServer)
			servers.Get("/", s.handleListServers)
			servers.Get("/{serverID}", s.handleGetServer)
			servers.Delete("/{serverID}", s.handleDeleteServer)
			servers.Post("/{serverID}/start", s.handleStartServer)
			servers.Post("/{serverID}/stop", s.handleStopServer)
			servers.Put("/{serverID}/config", s.handleUpdateConfig)
		})

		v1.Route("/admin/principals/{principalID}", func(admin chi.Router) {
			admin.Use(s.adminAuth)
			admin.Put("/suspend", s.handleSuspend)
			admin.Put("/subscription", s.handleSubscription)
		})
	})

	return r
}

func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) != 1 {
			writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := map[string]string{"method": r.Method, "route": route}
		metrics.Default().ObserveHistogram(metrics.HTTPRequestDurationMs, float64(time.Since(start).Milliseconds()), labels)
		labels["status"] = strconv.Itoa(status)
		metrics.Default().IncCounter(metrics.HTTPRequestsTotal, labels)
	})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
