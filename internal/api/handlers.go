package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/craftnest/control-plane/internal/auth"
	"github.com/craftnest/control-plane/internal/lifecycle"
	"github.com/craftnest/control-plane/internal/model"
)

type suspendRequest struct {
	Suspended *bool `json:"suspended"`
}

type subscriptionRequest struct {
	Status        model.SubscriptionStatus `json:"status"`
	CurrentPlanID *string                  `json:"current_plan_id"`
}

func (s *Server) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.PrincipalIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing principal identity")
	}
	return id, ok
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	principalID, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req lifecycle.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "validation_failed", "invalid JSON payload")
		return
	}
	srv, err := s.svc.Create(r.Context(), principalID, req)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to create server")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"server":  s.toServerResponse(srv),
		"message": "server is being created",
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	principalID, ok := s.principal(w, r)
	if !ok {
		return
	}
	list, err := s.svc.List(r.Context(), principalID)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to list servers")
		return
	}
	out := make([]map[string]any, 0, len(list))
	for i := range list {
		out = append(out, s.toServerResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	principalID, ok := s.principal(w, r)
	if !ok {
		return
	}
	srv, err := s.svc.Get(r.Context(), principalID, chi.URLParam(r, "serverID"))
	if err != nil {
		s.writeServiceError(w, r, err, "failed to load server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": s.toServerResponse(srv)})
}

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	principalID, ok := s.principal(w, r)
	if !ok {
		return
	}
	srv, err := s.svc.Start(r.Context(), principalID, chi.URLParam(r, "serverID"))
	if err != nil {
		s.writeServiceError(w, r, err, "failed to start server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": s.toServerResponse(srv), "message": "server started"})
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	principalID, ok := s.principal(w, r)
	if !ok {
		return
	}
	srv, err := s.svc.Stop(r.Context(), principalID, chi.URLParam(r, "serverID"))
	if err != nil {
		s.writeServiceError(w, r, err, "failed to stop server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": s.toServerResponse(srv), "message": "server stopped"})
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	principalID, ok := s.principal(w, r)
	if !ok {
		return
	}
	serverID := chi.URLParam(r, "serverID")
	if err := s.svc.Delete(r.Context(), principalID, serverID); err != nil {
		s.writeServiceError(w, r, err, "failed to delete server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server_id": serverID, "status": string(model.ServerDeleted)})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	principalID, ok := s.principal(w, r)
	if !ok {
		return
	}
	var patch model.ConfigPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "validation_failed", "invalid JSON payload")
		return
	}
	srv, err := s.svc.UpdateConfiguration(r.Context(), principalID, chi.URLParam(r, "serverID"), patch)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to update server configuration")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": s.toServerResponse(srv)})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.svc.ListPlans(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err, "failed to list plans")
		return
	}
	out := make([]map[string]any, 0, len(plans))
	for i := range plans {
		out = append(out, toPlanResponse(&plans[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": out})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.svc.GetPlan(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		s.writeServiceError(w, r, err, "failed to load plan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": toPlanResponse(plan)})
}

func (s *Server) handleFreeAvailable(w http.ResponseWriter, r *http.Request) {
	principalID, ok := s.principal(w, r)
	if !ok {
		return
	}
	available, err := s.svc.FreePlanAvailability(r.Context(), principalID)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to check free plan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": available})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	var req suspendRequest
	if err := decodeJSON(r, &req); err != nil || req.Suspended == nil {
		writeAPIError(w, r, http.StatusBadRequest, "validation_failed", "suspended must be true or false")
		return
	}
	principalID := chi.URLParam(r, "principalID")
	var (
		n   int
		err error
	)
	if *req.Suspended {
		n, err = s.svc.SuspendPrincipal(r.Context(), principalID)
	} else {
		n, err = s.svc.UnsuspendPrincipal(r.Context(), principalID)
	}
	if err != nil {
		s.writeServiceError(w, r, err, "failed to update suspension")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal_id":     principalID,
		"suspended":        *req.Suspended,
		"servers_affected": n,
	})
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "validation_failed", "invalid JSON payload")
		return
	}
	p, err := s.svc.SetSubscription(r.Context(), chi.URLParam(r, "principalID"), req.Status, req.CurrentPlanID)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to update subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal": toPrincipalResponse(p)})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func statusForKind(k lifecycle.Kind) int {
	switch k {
	case lifecycle.KindValidation:
		return http.StatusBadRequest
	case lifecycle.KindPolicyDenied:
		return http.StatusForbidden
	case lifecycle.KindNotFound:
		return http.StatusNotFound
	case lifecycle.KindStateConflict:
		return http.StatusConflict
	case lifecycle.KindResourceExhaustion:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var lerr *lifecycle.Error
	if errors.As(err, &lerr) {
		writeAPIError(w, r, statusForKind(lerr.Kind), lerr.Code, lerr.Message)
		return
	}
	s.log.Error("event=request_failed", "method", r.Method, "path", r.URL.Path, "err", err)
	writeAPIError(w, r, http.StatusInternalServerError, "internal_error", fallback)
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) toServerResponse(srv *model.Server) map[string]any {
	return map[string]any{
		"server_id":         srv.ID,
		"name":              srv.Name,
		"description":       srv.Description,
		"plan_id":           srv.PlanID,
		"minecraft_version": srv.MinecraftVersion,
		"server_type":       string(srv.ServerType),
		"status":            string(srv.Status),
		"port":              srv.Port,
		"ip_address":        srv.IPAddress,
		"config":            srv.Config,
		"expires_at":        formatTime(srv.ExpiresAt),
		"is_expired":        s.svc.IsExpired(*srv),
		"created_at":        srv.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":        srv.UpdatedAt.UTC().Format(time.RFC3339),
		"last_started":      formatTime(srv.LastStarted),
		"last_stopped":      formatTime(srv.LastStopped),
	}
}

func toPlanResponse(p *model.Plan) map[string]any {
	return map[string]any{
		"plan_id":       p.ID,
		"name":          p.Name,
		"display_name":  p.DisplayName,
		"description":   p.Description,
		"price":         p.Price,
		"currency":      p.Currency,
		"billing_cycle": string(p.BillingCycle),
		"features":      p.Features,
		"is_free":       p.IsFree,
		"max_servers":   p.MaxServers,
	}
}

func toPrincipalResponse(p *model.Principal) map[string]any {
	return map[string]any{
		"principal_id":        p.ID,
		"subscription_status": string(p.SubscriptionStatus),
		"current_plan_id":     p.CurrentPlanID,
		"has_used_free_trial": p.HasUsedFreeTrial,
		"server_ids":          p.ServerIDs,
	}
}
