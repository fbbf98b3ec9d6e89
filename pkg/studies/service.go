package studies

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/blobstore"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
	"github.com/labcontrol-io/platform/pkg/observability/metrics"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrResultNotFound    = errors.New("no result attached")
)

// studyTransitions is the whole lifecycle. completed is deliberately
// absent from every target list: a study completes only by having a
// result file attached, never by a bare status change.
var studyTransitions = map[models.StudyStatus][]models.StudyStatus{
	models.StudyPending:         {models.StudySampleCollected, models.StudyCancelled},
	models.StudySampleCollected: {models.StudyInProgress, models.StudyCancelled},
	models.StudyInProgress:      {models.StudyCancelled},
}

func canTransition(from, to models.StudyStatus) bool {
	for _, next := range studyTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UserDirectory is the slice of the identity store the study service
// needs to validate references.
type UserDirectory interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
}

// Store is the persistence surface the service needs; satisfied by
// *Repository and by test fakes.
type Store interface {
	CreatePractice(ctx context.Context, input PracticeInput) (models.Practice, error)
	GetPractice(ctx context.Context, id uuid.UUID) (models.Practice, error)
	ListPractices(ctx context.Context, includeInactive bool) ([]models.Practice, error)
	DeactivatePractice(ctx context.Context, id uuid.UUID) error

	CreateStudy(ctx context.Context, rec CreateStudyRecord) (models.Study, error)
	GetStudy(ctx context.Context, id uuid.UUID) (models.Study, error)
	GetStudyAny(ctx context.Context, id uuid.UUID) (models.Study, error)
	ListStudies(ctx context.Context, caller auth.Identity, filter StudyFilter) ([]models.Study, error)
	AvailableForUpload(ctx context.Context, caller auth.Identity) ([]models.Study, error)
	WithResults(ctx context.Context, caller auth.Identity) ([]models.Study, error)
	LastProtocolNumber(ctx context.Context, labClientID *int64) (string, error)
	UpdateStudy(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error
	AttachResult(ctx context.Context, id uuid.UUID, blobKey, contentType string, completedAt time.Time) error
	ClearResult(ctx context.Context, id uuid.UUID) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Restore(ctx context.Context, id uuid.UUID) error
}

// Notifier receives study events. Implementations must not fail the
// calling operation; dispatch errors stay on the notification side.
type Notifier interface {
	ResultReady(ctx context.Context, study models.Study)
}

// DashboardCache is notified after every study mutation so cached
// aggregates never outlive the data they summarize.
type DashboardCache interface {
	Invalidate(ctx context.Context, labClientID *int64)
}

type Service struct {
	repo     Store
	users    UserDirectory
	blobs    blobstore.Store
	files    *FileValidator
	notifier Notifier
	cache    DashboardCache
}

func NewService(repo Store, users UserDirectory, blobs blobstore.Store, files *FileValidator, notifier Notifier, cache DashboardCache) *Service {
	return &Service{repo: repo, users: users, blobs: blobs, files: files, notifier: notifier, cache: cache}
}

func (s *Service) invalidate(ctx context.Context, labClientID *int64) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, labClientID)
	}
}

// --- practices ---

func (s *Service) CreatePractice(ctx context.Context, caller auth.Identity, req models.CreatePracticeRequest) (models.Practice, error) {
	if caller.Role != models.RoleAdmin {
		return models.Practice{}, auth.ErrForbidden
	}
	if strings.TrimSpace(req.Name) == "" {
		return models.Practice{}, validation.NewError("name", "name is required")
	}
	if req.Price < 0 {
		return models.Practice{}, validation.NewError("price", "price cannot be negative")
	}
	return s.repo.CreatePractice(ctx, PracticeInput{
		Name:                  req.Name,
		Technique:             req.Technique,
		SampleType:            req.SampleType,
		SampleQuantity:        req.SampleQuantity,
		SampleInstructions:    req.SampleInstructions,
		ConservationTransport: req.ConservationTransport,
		DelayDays:             req.DelayDays,
		Price:                 req.Price,
	})
}

func (s *Service) ListPractices(ctx context.Context, caller auth.Identity) ([]models.Practice, error) {
	// Staff manage the catalog and see retired entries too.
	return s.repo.ListPractices(ctx, caller.IsStaff())
}

func (s *Service) GetPractice(ctx context.Context, id uuid.UUID) (models.Practice, error) {
	return s.repo.GetPractice(ctx, id)
}

func (s *Service) DeactivatePractice(ctx context.Context, caller auth.Identity, id uuid.UUID) error {
	if caller.Role != models.RoleAdmin {
		return auth.ErrForbidden
	}
	return s.repo.DeactivatePractice(ctx, id)
}

// --- studies ---

// CreateStudy registers a study. With a result file supplied the study
// completes immediately, exactly as an upload to a fresh study would;
// the file is validated before any row is written.
func (s *Service) CreateStudy(ctx context.Context, caller auth.Identity, req models.CreateStudyRequest, file *models.ResultFile) (models.Study, error) {
	if !caller.IsStaff() {
		return models.Study{}, auth.ErrForbidden
	}
	if strings.TrimSpace(req.ProtocolNumber) == "" {
		return models.Study{}, validation.NewError("protocol_number", "protocol number is required")
	}

	var contentType string
	if file != nil {
		var verr error
		contentType, verr = s.files.Validate(*file)
		if verr != nil {
			metrics.IncResultsRejected()
			return models.Study{}, verr
		}
	}

	patient, err := s.users.GetUserByID(ctx, req.PatientID)
	if err != nil {
		return models.Study{}, validation.NewError("patient", "patient %s not found", req.PatientID)
	}
	if patient.Role != models.RolePatient {
		return models.Study{}, validation.NewError("patient", "user %s is not a patient", req.PatientID)
	}

	practice, err := s.repo.GetPractice(ctx, req.PracticeID)
	if err != nil {
		return models.Study{}, validation.NewError("practice", "practice %s not found", req.PracticeID)
	}
	if !practice.IsActive {
		return models.Study{}, validation.NewError("practice", "practice %q is no longer offered", practice.Name)
	}

	if req.OrderedByID != nil {
		doctor, derr := s.users.GetUserByID(ctx, *req.OrderedByID)
		if derr != nil {
			return models.Study{}, validation.NewError("ordered_by", "doctor %s not found", *req.OrderedByID)
		}
		if doctor.Role != models.RoleDoctor {
			return models.Study{}, validation.NewError("ordered_by", "user %s is not a doctor", *req.OrderedByID)
		}
	}

	// A study belongs to the patient's laboratory. A tenant-bound caller
	// cannot order studies for patients outside their own lab.
	labClientID := patient.LabClientID
	if caller.LabClientID != nil {
		if labClientID == nil || *labClientID != *caller.LabClientID {
			return models.Study{}, validation.NewError("patient", "patient %s does not belong to your laboratory", req.PatientID)
		}
	}

	status := models.StudyPending
	if req.SampleCollectedAt != nil || req.SampleID != "" {
		status = models.StudySampleCollected
	}

	study, err := s.repo.CreateStudy(ctx, CreateStudyRecord{
		ProtocolNumber:    strings.TrimSpace(req.ProtocolNumber),
		PatientID:         req.PatientID,
		PracticeID:        req.PracticeID,
		OrderedByID:       req.OrderedByID,
		LabClientID:       labClientID,
		SolicitedDate:     req.SolicitedDate,
		SampleID:          req.SampleID,
		SampleCollectedAt: req.SampleCollectedAt,
		Results:           req.Results,
		Notes:             req.Notes,
		Status:            status,
	})
	if errors.Is(err, ErrProtocolNumberTaken) {
		return models.Study{}, validation.NewError("protocol_number", "protocol number %q is already in use", req.ProtocolNumber)
	}
	if err != nil {
		return models.Study{}, err
	}

	metrics.IncStudiesCreated()
	s.invalidate(ctx, study.LabClientID)

	if file == nil {
		return study, nil
	}

	key, err := s.blobs.Put(ctx, resultFilename(study, file.Filename, contentType), file.Data)
	if err != nil {
		return models.Study{}, fmt.Errorf("storing result file: %w", err)
	}
	if err := s.repo.AttachResult(ctx, study.ID, key, contentType, time.Now().UTC()); err != nil {
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			logger.Log.WithError(derr).WithField("blob_key", key).Warn("failed to clean up orphaned result blob")
		}
		return models.Study{}, err
	}
	metrics.IncResultsUploaded()
	metrics.IncStudiesCompleted()

	study, err = s.repo.GetStudy(ctx, study.ID)
	if err != nil {
		return models.Study{}, err
	}
	if s.notifier != nil {
		s.notifier.ResultReady(ctx, study)
	}
	return study, nil
}

// GetStudy returns the study or auth.ErrNotVisible. Invisibility and
// absence are indistinguishable to the caller.
func (s *Service) GetStudy(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Study, error) {
	study, err := s.repo.GetStudy(ctx, id)
	if errors.Is(err, ErrStudyNotFound) {
		return models.Study{}, auth.ErrNotVisible
	}
	if err != nil {
		return models.Study{}, err
	}
	if !visible(caller, study) {
		return models.Study{}, auth.ErrNotVisible
	}
	return study, nil
}

// GetStudyAudit returns the study even when soft-deleted. Admin only.
func (s *Service) GetStudyAudit(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Study, error) {
	if caller.Role != models.RoleAdmin {
		return models.Study{}, auth.ErrForbidden
	}
	study, err := s.repo.GetStudyAny(ctx, id)
	if errors.Is(err, ErrStudyNotFound) {
		return models.Study{}, auth.ErrNotVisible
	}
	if err != nil {
		return models.Study{}, err
	}
	if !visible(caller, study) {
		return models.Study{}, auth.ErrNotVisible
	}
	return study, nil
}

func (s *Service) ListStudies(ctx context.Context, caller auth.Identity, filter StudyFilter) ([]models.Study, error) {
	return s.repo.ListStudies(ctx, caller, filter)
}

func (s *Service) AvailableForUpload(ctx context.Context, caller auth.Identity) ([]models.Study, error) {
	if !caller.IsStaff() {
		return nil, auth.ErrForbidden
	}
	return s.repo.AvailableForUpload(ctx, caller)
}

func (s *Service) WithResults(ctx context.Context, caller auth.Identity) ([]models.Study, error) {
	return s.repo.WithResults(ctx, caller)
}

func (s *Service) LastProtocolNumber(ctx context.Context, caller auth.Identity) (string, error) {
	if !caller.IsStaff() {
		return "", auth.ErrForbidden
	}
	return s.repo.LastProtocolNumber(ctx, caller.LabClientID)
}

// UpdateStatus advances the lifecycle. completed is never a legal
// target here; UploadResult is the only path that completes a study.
func (s *Service) UpdateStatus(ctx context.Context, caller auth.Identity, id uuid.UUID, target models.StudyStatus) (models.Study, error) {
	if !caller.IsStaff() {
		return models.Study{}, auth.ErrForbidden
	}
	if !target.Valid() {
		return models.Study{}, validation.NewError("status", "unknown status %q", target)
	}

	study, err := s.GetStudy(ctx, caller, id)
	if err != nil {
		return models.Study{}, err
	}
	if !canTransition(study.Status, target) {
		return models.Study{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, study.Status, target)
	}

	updates := map[string]interface{}{"status": string(target)}
	if target == models.StudySampleCollected && study.SampleCollectedAt == nil {
		updates["sample_collected_at"] = time.Now().UTC()
	}
	if err := s.repo.UpdateStudy(ctx, id, updates); err != nil {
		return models.Study{}, err
	}
	if target == models.StudyCancelled {
		metrics.IncStudiesCancelled()
	}
	s.invalidate(ctx, study.LabClientID)
	return s.GetStudy(ctx, caller, id)
}

// Cancel aborts a study from any non-terminal state.
func (s *Service) Cancel(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Study, error) {
	return s.UpdateStatus(ctx, caller, id, models.StudyCancelled)
}

// UploadResult validates, stores and attaches a result file, completing
// the study. Attaching over an existing result replaces it and is
// restricted to admins; first-time attachment is open to lab staff too.
func (s *Service) UploadResult(ctx context.Context, caller auth.Identity, id uuid.UUID, file models.ResultFile) (models.Study, error) {
	study, err := s.GetStudy(ctx, caller, id)
	if err != nil {
		return models.Study{}, err
	}
	if !caller.IsStaff() {
		return models.Study{}, auth.ErrForbidden
	}
	if study.Status == models.StudyCancelled {
		return models.Study{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, study.Status, models.StudyCompleted)
	}
	if study.HasResultFile() && caller.Role != models.RoleAdmin {
		return models.Study{}, auth.ErrForbidden
	}

	contentType, err := s.files.Validate(file)
	if err != nil {
		metrics.IncResultsRejected()
		return models.Study{}, err
	}

	previous := study.ResultsFile
	key, err := s.blobs.Put(ctx, resultFilename(study, file.Filename, contentType), file.Data)
	if err != nil {
		return models.Study{}, fmt.Errorf("storing result file: %w", err)
	}

	if err := s.repo.AttachResult(ctx, id, key, contentType, time.Now().UTC()); err != nil {
		// Keep storage consistent with the row we failed to update.
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			logger.Log.WithError(derr).WithField("blob_key", key).Warn("failed to clean up orphaned result blob")
		}
		return models.Study{}, err
	}

	metrics.IncResultsUploaded()
	metrics.IncStudiesCompleted()
	s.invalidate(ctx, study.LabClientID)

	if previous != "" && previous != key {
		if derr := s.blobs.Delete(ctx, previous); derr != nil {
			logger.Log.WithError(derr).WithField("blob_key", previous).Warn("failed to delete replaced result blob")
		}
	}

	updated, err := s.GetStudy(ctx, caller, id)
	if err != nil {
		return models.Study{}, err
	}
	if s.notifier != nil {
		s.notifier.ResultReady(ctx, updated)
	}
	return updated, nil
}

// DownloadResult streams the attached result. Visibility failures and
// missing studies both surface as auth.ErrNotVisible so the response
// never betrays that a hidden study exists.
func (s *Service) DownloadResult(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Study, []byte, error) {
	study, err := s.GetStudy(ctx, caller, id)
	if err != nil {
		return models.Study{}, nil, err
	}
	if !study.HasResultFile() {
		return models.Study{}, nil, ErrResultNotFound
	}
	data, err := s.blobs.Get(ctx, study.ResultsFile)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		logger.Log.WithField("study_id", id).WithField("blob_key", study.ResultsFile).Error("result blob missing from store")
		return models.Study{}, nil, ErrResultNotFound
	}
	if err != nil {
		return models.Study{}, nil, err
	}
	return study, data, nil
}

// DeleteResult detaches the result and reverts the study to
// in_progress. The row is updated first; the blob removal afterwards is
// best effort.
func (s *Service) DeleteResult(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Study, error) {
	study, err := s.GetStudy(ctx, caller, id)
	if err != nil {
		return models.Study{}, err
	}
	if !caller.IsStaff() {
		return models.Study{}, auth.ErrForbidden
	}
	if !study.HasResultFile() {
		return models.Study{}, ErrResultNotFound
	}

	if err := s.repo.ClearResult(ctx, id); err != nil {
		return models.Study{}, err
	}
	s.invalidate(ctx, study.LabClientID)
	if derr := s.blobs.Delete(ctx, study.ResultsFile); derr != nil && !errors.Is(derr, blobstore.ErrBlobNotFound) {
		logger.Log.WithError(derr).WithField("blob_key", study.ResultsFile).Warn("failed to delete detached result blob")
	}
	return s.GetStudy(ctx, caller, id)
}

// DeleteStudy soft-deletes. The row survives for audit and can be
// restored; the default accessors stop returning it immediately.
func (s *Service) DeleteStudy(ctx context.Context, caller auth.Identity, id uuid.UUID) error {
	if caller.Role != models.RoleAdmin {
		return auth.ErrForbidden
	}
	study, err := s.GetStudy(ctx, caller, id)
	if err != nil {
		return err
	}
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, study.LabClientID)
	return nil
}

func (s *Service) RestoreStudy(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Study, error) {
	if caller.Role != models.RoleAdmin {
		return models.Study{}, auth.ErrForbidden
	}
	if _, err := s.GetStudyAudit(ctx, caller, id); err != nil {
		return models.Study{}, err
	}
	if err := s.repo.Restore(ctx, id); err != nil {
		return models.Study{}, err
	}
	study, err := s.GetStudy(ctx, caller, id)
	if err != nil {
		return models.Study{}, err
	}
	s.invalidate(ctx, study.LabClientID)
	return study, nil
}

func visible(caller auth.Identity, study models.Study) bool {
	return studyOwnership.Visible(caller, auth.Record{
		PatientID:   study.PatientID,
		DoctorID:    study.OrderedByID,
		LabClientID: study.LabClientID,
	})
}

// resultFilename names the stored blob after the study, keeping the
// upload's extension so archived files stay recognizable on disk.
func resultFilename(study models.Study, filename, contentType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		switch contentType {
		case "application/pdf":
			ext = ".pdf"
		case "image/jpeg":
			ext = ".jpg"
		case "image/png":
			ext = ".png"
		}
	}
	return fmt.Sprintf("result_%s%s", study.ProtocolNumber, ext)
}
