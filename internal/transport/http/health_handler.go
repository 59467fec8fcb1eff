package http

import (
	"net/http"

	"github.com/go-chi/render"

	"hedgeapi/internal/services"
)

// HealthHandler serves GET /health.
type HealthHandler struct {
	health *services.HealthService
}

// NewHealthHandler creates the health endpoint handler.
func NewHealthHandler(health *services.HealthService) *HealthHandler {
	return &HealthHandler{health: health}
}

// Handle reports liveness. Exempt from both budgets so load balancers
// and client clock-drift checks keep working under load shedding.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.health.Health(r.Context()))
}
