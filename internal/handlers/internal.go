package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/solucity-dev/solucity-sub000/internal/platform/auth"
	"github.com/solucity-dev/solucity-sub000/internal/platform/httpx"
	"github.com/solucity-dev/solucity-sub000/internal/platform/observability"
	"github.com/solucity-dev/solucity-sub000/internal/services"
)

// InternalHandlers exposes maintenance endpoints invoked by Cloud Scheduler.
type InternalHandlers struct {
	sweeper services.OrderSweeper
}

// NewInternalHandlers constructs InternalHandlers.
func NewInternalHandlers(sweeper services.OrderSweeper) *InternalHandlers {
	return &InternalHandlers{sweeper: sweeper}
}

// Routes registers the /internal endpoints. Authentication is applied as group middleware.
func (h *InternalHandlers) Routes(r chi.Router) {
	r.Post("/orders/sweep", h.sweep)
}

type sweepResponse struct {
	Scanned  int `json:"scanned"`
	Expired  int `json:"expired"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

func (h *InternalHandlers) sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "order sweep not configured", http.StatusServiceUnavailable))
		return
	}
	result, err := h.sweeper.Sweep(ctx)
	if err != nil {
		observability.FromContext(ctx).Error("order sweep failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "order sweep failed", http.StatusServiceUnavailable))
		return
	}
	fields := []zap.Field{zap.Int("expired", result.Expired), zap.Int("failed", result.Failed)}
	if caller, ok := auth.CallerIdentityFromContext(ctx); ok {
		fields = append(fields, zap.String("caller", firstNonEmpty(caller.Email, caller.Subject)))
	}
	observability.FromContext(ctx).Info("order sweep completed", fields...)
	httpx.WriteJSON(w, http.StatusOK, sweepResponse{
		Scanned:  result.Scanned,
		Expired:  result.Expired,
		Resolved: result.Resolved,
		Failed:   result.Failed,
	})
}
