package notifications

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
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
	r.HandleFunc("/notifications", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/notifications/unread-count", h.handleUnreadCount).Methods(http.MethodGet)
	r.HandleFunc("/notifications/mark-all-read", h.handleMarkAllRead).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id}/read", h.handleMarkRead).Methods(http.MethodPost)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	notifications, err := h.service.List(r.Context(), auth.Caller(r.Context()), unreadOnly, parseLimit(r, 50))
	if err != nil {
		logger.Log.WithError(err).Error("failed to list notifications")
		http.Error(w, "failed to list notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": notifications})
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.UnreadCount(r.Context(), auth.Caller(r.Context()))
	if err != nil {
		logger.Log.WithError(err).Error("failed to count unread notifications")
		http.Error(w, "failed to count unread notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unread_count": count})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid notification id", http.StatusBadRequest)
		return
	}
	if err := h.service.MarkRead(r.Context(), auth.Caller(r.Context()), id); err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			http.Error(w, "notification not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to mark notification read")
		http.Error(w, "failed to mark notification read", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	updated, err := h.service.MarkAllRead(r.Context(), auth.Caller(r.Context()))
	if err != nil {
		logger.Log.WithError(err).Error("failed to mark notifications read")
		http.Error(w, "failed to mark notifications read", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updated": updated})
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
