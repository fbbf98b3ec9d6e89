package identity

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
	"github.com/labcontrol-io/platform/pkg/observability/metrics"
)

type Handler struct {
	service  *Service
	tokens   *auth.JWTManager
	throttle *auth.LoginThrottle
}

func NewHandler(service *Service, tokens *auth.JWTManager, throttle *auth.LoginThrottle) *Handler {
	return &Handler{service: service, tokens: tokens, throttle: throttle}
}

// RegisterPublic mounts the unauthenticated routes.
func (h *Handler) RegisterPublic(r *mux.Router) {
	r.HandleFunc("/auth/register", h.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", h.handleLogin).Methods(http.MethodPost)
}

// Register mounts the routes that require an authenticated caller.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/users", h.handleCreateUser).Methods(http.MethodPost)
	r.HandleFunc("/users", h.handleListUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/me", h.handleGetProfile).Methods(http.MethodGet)
	r.HandleFunc("/users/me", h.handleUpdateProfile).Methods(http.MethodPatch)
	r.HandleFunc("/users/{id}", h.handleGetUser).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}", h.handleDeactivateUser).Methods(http.MethodDelete)
	r.HandleFunc("/users/{id}/verify", h.handleVerifyEmail).Methods(http.MethodPost)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	user, err := h.service.Register(r.Context(), req)
	if err != nil {
		writeError(w, err, "failed to register user")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"user": user})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}

	if !h.throttle.Allow(r.Context(), req.Email) {
		metrics.IncLoginThrottleRejected()
		http.Error(w, "too many login attempts", http.StatusTooManyRequests)
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrAccountDisabled) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		logger.Log.WithError(err).Error("login failed")
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}
	h.throttle.Reset(r.Context(), req.Email)

	token, err := h.tokens.IssueToken(user)
	if err != nil {
		logger.Log.WithError(err).Error("failed to issue token")
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token, "user": user})
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	user, err := h.service.CreateUser(r.Context(), auth.Caller(r.Context()), req)
	if err != nil {
		writeError(w, err, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"user": user})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	role := models.ParseRole(r.URL.Query().Get("role"))
	users, err := h.service.ListUsers(r.Context(), auth.Caller(r.Context()), role, parseLimit(r, 50))
	if err != nil {
		writeError(w, err, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": users})
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	caller := auth.Caller(r.Context())
	user, err := h.service.GetUser(r.Context(), caller.UserID)
	if err != nil {
		writeError(w, err, "failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	user, err := h.service.UpdateProfile(r.Context(), auth.Caller(r.Context()), req)
	if err != nil {
		writeError(w, err, "failed to update profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	caller := auth.Caller(r.Context())
	if !caller.IsStaff() && caller.UserID != id {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		writeError(w, err, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

func (h *Handler) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if err := h.service.DeactivateUser(r.Context(), auth.Caller(r.Context()), id); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		writeError(w, err, "failed to deactivate user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if err := h.service.VerifyEmail(r.Context(), auth.Caller(r.Context()), id); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		writeError(w, err, "failed to verify email")
		return
	}
	w.WriteHeader(http.StatusNoContent)
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

func writeError(w http.ResponseWriter, err error, fallback string) {
	var verr validation.Error
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, auth.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, auth.ErrNotVisible):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		logger.Log.WithError(err).Error(fallback)
		http.Error(w, fallback, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
