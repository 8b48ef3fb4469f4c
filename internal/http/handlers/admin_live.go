package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/wolfman30/zapdesk/internal/http/middleware"
)

// LiveServer upgrades a request into a company-scoped event stream.
type LiveServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, companyID uuid.UUID)
}

// AdminLiveHandler serves GET /admin/live.
type AdminLiveHandler struct {
	server LiveServer
}

func NewAdminLiveHandler(server LiveServer) *AdminLiveHandler {
	return &AdminLiveHandler{server: server}
}

func (h *AdminLiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	companyID, ok := middleware.CompanyIDFromContext(r.Context())
	if !ok {
		jsonError(w, "missing company", http.StatusUnauthorized)
		return
	}
	if h.server == nil {
		jsonError(w, "live feed unavailable", http.StatusServiceUnavailable)
		return
	}
	h.server.ServeWS(w, r, companyID)
}
