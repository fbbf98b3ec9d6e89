package studies

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
)

type Handler struct {
	service     *Service
	maxFileSize int64
}

func NewHandler(service *Service, maxFileSize int64) *Handler {
	return &Handler{service: service, maxFileSize: maxFileSize}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/practices", h.handleCreatePractice).Methods(http.MethodPost)
	r.HandleFunc("/practices", h.handleListPractices).Methods(http.MethodGet)
	r.HandleFunc("/practices/{id}", h.handleGetPractice).Methods(http.MethodGet)
	r.HandleFunc("/practices/{id}", h.handleDeactivatePractice).Methods(http.MethodDelete)

	r.HandleFunc("/studies", h.handleCreateStudy).Methods(http.MethodPost)
	r.HandleFunc("/studies", h.handleListStudies).Methods(http.MethodGet)
	r.HandleFunc("/studies/available-for-upload", h.handleAvailableForUpload).Methods(http.MethodGet)
	r.HandleFunc("/studies/with-results", h.handleWithResults).Methods(http.MethodGet)
	r.HandleFunc("/studies/last-protocol-number", h.handleLastProtocolNumber).Methods(http.MethodGet)
	r.HandleFunc("/studies/{id}", h.handleGetStudy).Methods(http.MethodGet)
	r.HandleFunc("/studies/{id}", h.handleDeleteStudy).Methods(http.MethodDelete)
	r.HandleFunc("/studies/{id}/status", h.handleUpdateStatus).Methods(http.MethodPatch)
	r.HandleFunc("/studies/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/studies/{id}/restore", h.handleRestore).Methods(http.MethodPost)
	r.HandleFunc("/studies/{id}/audit", h.handleGetStudyAudit).Methods(http.MethodGet)
	r.HandleFunc("/studies/{id}/upload_result", h.handleUploadResult).Methods(http.MethodPost)
	r.HandleFunc("/studies/{id}/download_result", h.handleDownloadResult).Methods(http.MethodGet)
	r.HandleFunc("/studies/{id}/result", h.handleDeleteResult).Methods(http.MethodDelete)
}

func (h *Handler) handleCreatePractice(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePracticeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	practice, err := h.service.CreatePractice(r.Context(), auth.Caller(r.Context()), req)
	if err != nil {
		writeError(w, err, "failed to create practice")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"practice": practice})
}

func (h *Handler) handleListPractices(w http.ResponseWriter, r *http.Request) {
	practices, err := h.service.ListPractices(r.Context(), auth.Caller(r.Context()))
	if err != nil {
		writeError(w, err, "failed to list practices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": practices})
}

func (h *Handler) handleGetPractice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid practice id", http.StatusBadRequest)
		return
	}
	practice, err := h.service.GetPractice(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPracticeNotFound) {
			http.Error(w, "practice not found", http.StatusNotFound)
			return
		}
		writeError(w, err, "failed to load practice")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"practice": practice})
}

func (h *Handler) handleDeactivatePractice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid practice id", http.StatusBadRequest)
		return
	}
	if err := h.service.DeactivatePractice(r.Context(), auth.Caller(r.Context()), id); err != nil {
		if errors.Is(err, ErrPracticeNotFound) {
			http.Error(w, "practice not found", http.StatusNotFound)
			return
		}
		writeError(w, err, "failed to deactivate practice")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateStudy accepts either a JSON body or a multipart form
// whose "study" field holds the same JSON plus an optional "file" part
// that completes the study on creation.
func (h *Handler) handleCreateStudy(w http.ResponseWriter, r *http.Request) {
	var req models.CreateStudyRequest
	var file *models.ResultFile

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(h.maxFileSize + 1<<20); err != nil {
			http.Error(w, "invalid multipart request", http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("study")), &req); err != nil {
			http.Error(w, "study field must hold the study JSON", http.StatusBadRequest)
			return
		}
		part, header, err := r.FormFile("file")
		if err != nil && !errors.Is(err, http.ErrMissingFile) {
			http.Error(w, "invalid file part", http.StatusBadRequest)
			return
		}
		if err == nil {
			defer part.Close()
			data, rerr := io.ReadAll(io.LimitReader(part, h.maxFileSize+1))
			if rerr != nil {
				http.Error(w, "failed to read upload", http.StatusBadRequest)
				return
			}
			file = &models.ResultFile{
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Data:        data,
			}
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	study, err := h.service.CreateStudy(r.Context(), auth.Caller(r.Context()), req, file)
	if err != nil {
		writeError(w, err, "failed to create study")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"study": study})
}

func (h *Handler) handleListStudies(w http.ResponseWriter, r *http.Request) {
	filter := StudyFilter{Limit: parseLimit(r, 50)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.StudyStatus(raw)
		if !status.Valid() {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("patient"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid patient id", http.StatusBadRequest)
			return
		}
		filter.PatientID = &id
	}
	if raw := r.URL.Query().Get("practice"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid practice id", http.StatusBadRequest)
			return
		}
		filter.PracticeID = &id
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		filter.Since = &since
	}

	studies, err := h.service.ListStudies(r.Context(), auth.Caller(r.Context()), filter)
	if err != nil {
		writeError(w, err, "failed to list studies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": studies})
}

func (h *Handler) handleAvailableForUpload(w http.ResponseWriter, r *http.Request) {
	studies, err := h.service.AvailableForUpload(r.Context(), auth.Caller(r.Context()))
	if err != nil {
		writeError(w, err, "failed to list studies awaiting results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": studies})
}

func (h *Handler) handleWithResults(w http.ResponseWriter, r *http.Request) {
	studies, err := h.service.WithResults(r.Context(), auth.Caller(r.Context()))
	if err != nil {
		writeError(w, err, "failed to list studies with results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": studies})
}

func (h *Handler) handleLastProtocolNumber(w http.ResponseWriter, r *http.Request) {
	last, err := h.service.LastProtocolNumber(r.Context(), auth.Caller(r.Context()))
	if err != nil {
		writeError(w, err, "failed to look up protocol number")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"last_protocol_number": last})
}

func (h *Handler) handleGetStudy(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid study id", http.StatusBadRequest)
		return
	}
	study, err := h.service.GetStudy(r.Context(), auth.Caller(r.Context()), id)
	if err != nil {
		writeError(w, err, "failed to load study")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"study": study})
}

func (h *Handler) handleGetStudyAudit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid study id", http.StatusBadRequest)
		return
	}
	study, err := h.service.GetStudyAudit(r.Context(), auth.Caller(r.Context()), id)
	if err != nil {
		writeError(w, err, "failed to load study")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"study": study})
}

type updateStatusRequest struct {
	Status models.StudyStatus `json:"status"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid study id", http.StatusBadRequest)
		return
	}
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	study, err := h.service.UpdateStatus(r.Context(), auth.Caller(r.Context()), id, req.Status)
	if err != nil {
		writeError(w, err, "failed to update study status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"study": study})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid study id", http.StatusBadRequest)
		return
	}
	study, err := h.service.Cancel(r.Context(), auth.Caller(r.Context()), id)
	if err != nil {
		writeError(w, err, "failed to cancel study")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"study": study})
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid study id", http.StatusBadRequest)
		return
	}
	study, err := h.service.RestoreStudy(r.Context(), auth.Caller(r.Context()), id)
	if err != nil {
		writeError(w, err, "failed to restore study")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"study": study})
}

func (h *Handler) handleUploadResult(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid study id", http.StatusBadRequest)
		return
	}

	// One extra MiB covers the multipart framing around the payload.
	if err := r.ParseMultipartForm(h.maxFileSize + 1<<20); err != nil {
		http.Error(w, "invalid multipart request", http.StatusBadRequest)
		return
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer part.Close()

	data, err := io.ReadAll(io.LimitReader(part, h.maxFileSize+1))
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	study, err := h.service.UploadResult(r.Context(), auth.Caller(r.Context()), id, models.ResultFile{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(w, err, "failed to upload result")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"study": study})
}

func (h *Handler) handleDownloadResult(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid study id", http.StatusBadRequest)
		return
	}
	study, data, err := h.service.DownloadResult(r.Context(), auth.Caller(r.Context()), id)
	if err != nil {
		writeError(w, err, "failed to download result")
		return
	}
	w.Header().Set("Content-Type", study.ResultsFileType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("result_%s%s", study.ProtocolNumber, extensionFor(study.ResultsFileType))))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (h *Handler) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid study id", http.StatusBadRequest)
		return
	}
	study, err := h.service.DeleteResult(r.Context(), auth.Caller(r.Context()), id)
	if err != nil {
		writeError(w, err, "failed to delete result")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"study": study})
}

func (h *Handler) handleDeleteStudy(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid study id", http.StatusBadRequest)
		return
	}
	if err := h.service.DeleteStudy(r.Context(), auth.Caller(r.Context()), id); err != nil {
		writeError(w, err, "failed to delete study")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "application/pdf":
		return ".pdf"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	}
	return ""
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
	case errors.Is(err, auth.ErrNotVisible), errors.Is(err, ErrResultNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
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
