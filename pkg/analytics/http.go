package analytics

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/logger"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/analytics/dashboard", h.handleDashboard).Methods(http.MethodGet)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context(), auth.Caller(r.Context()))
	if err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		logger.Log.WithError(err).Error("failed to build dashboard summary")
		http.Error(w, "failed to build dashboard summary", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}
