package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
	"github.com/labcontrol-io/platform/pkg/observability/metrics"
)

var ErrInvalidTransition = errors.New("invalid appointment transition")

var appointmentTransitions = map[models.AppointmentStatus][]models.AppointmentStatus{
	models.AppointmentScheduled:  {models.AppointmentConfirmed, models.AppointmentCancelled, models.AppointmentNoShow},
	models.AppointmentConfirmed:  {models.AppointmentInProgress, models.AppointmentCancelled, models.AppointmentNoShow},
	models.AppointmentInProgress: {models.AppointmentCompleted},
}

func canTransition(from, to models.AppointmentStatus) bool {
	for _, next := range appointmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type UserDirectory interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
}

// Store is the persistence surface the service needs; satisfied by
// *Repository and by test fakes.
type Store interface {
	Create(ctx context.Context, rec CreateAppointmentRecord) (models.Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (models.Appointment, error)
	List(ctx context.Context, caller auth.Identity, filter AppointmentFilter) ([]models.Appointment, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	DueForReminder(ctx context.Context, window time.Duration) ([]models.Appointment, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID) error
}

// Notifier receives appointment events; failures stay on the
// notification side.
type Notifier interface {
	AppointmentConfirmed(ctx context.Context, appt models.Appointment)
	AppointmentCancelled(ctx context.Context, appt models.Appointment)
	AppointmentReminder(ctx context.Context, appt models.Appointment)
}

// DashboardCache is notified after every appointment mutation.
type DashboardCache interface {
	Invalidate(ctx context.Context, labClientID *int64)
}

type Service struct {
	repo     Store
	users    UserDirectory
	notifier Notifier
	cache    DashboardCache
}

func NewService(repo Store, users UserDirectory, notifier Notifier, cache DashboardCache) *Service {
	return &Service{repo: repo, users: users, notifier: notifier, cache: cache}
}

func (s *Service) invalidate(ctx context.Context, labClientID *int64) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, labClientID)
	}
}

// Create books an appointment. Patients can only book for themselves;
// staff book for any patient in their reach.
func (s *Service) Create(ctx context.Context, caller auth.Identity, req models.CreateAppointmentRequest) (models.Appointment, error) {
	patientID := req.PatientID
	switch {
	case caller.Role == models.RolePatient:
		patientID = caller.UserID
	case caller.IsStaff():
	default:
		return models.Appointment{}, auth.ErrForbidden
	}

	if strings.TrimSpace(req.AppointmentNumber) == "" {
		return models.Appointment{}, validation.NewError("appointment_number", "appointment number is required")
	}
	if req.ScheduledDate.Before(time.Now().UTC()) {
		return models.Appointment{}, validation.NewError("scheduled_date", "appointments cannot be booked in the past")
	}

	patient, err := s.users.GetUserByID(ctx, patientID)
	if err != nil {
		return models.Appointment{}, validation.NewError("patient", "patient %s not found", patientID)
	}
	if patient.Role != models.RolePatient {
		return models.Appointment{}, validation.NewError("patient", "user %s is not a patient", patientID)
	}
	if caller.LabClientID != nil {
		if patient.LabClientID == nil || *patient.LabClientID != *caller.LabClientID {
			return models.Appointment{}, validation.NewError("patient", "patient %s does not belong to your laboratory", patientID)
		}
	}

	duration := req.DurationMinutes
	if duration <= 0 {
		duration = 30
	}

	appt, err := s.repo.Create(ctx, CreateAppointmentRecord{
		AppointmentNumber: strings.TrimSpace(req.AppointmentNumber),
		PatientID:         patientID,
		StudyID:           req.StudyID,
		LabClientID:       patient.LabClientID,
		ScheduledDate:     req.ScheduledDate.UTC(),
		DurationMinutes:   duration,
		Reason:            req.Reason,
		Notes:             req.Notes,
	})
	if errors.Is(err, ErrAppointmentNumberTaken) {
		return models.Appointment{}, validation.NewError("appointment_number", "appointment number %q is already in use", req.AppointmentNumber)
	}
	if err != nil {
		return models.Appointment{}, err
	}

	s.invalidate(ctx, appt.LabClientID)

	// Booking sends the confirmation message right away.
	if s.notifier != nil {
		s.notifier.AppointmentConfirmed(ctx, appt)
	}
	return appt, nil
}

func (s *Service) Get(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Appointment, error) {
	appt, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrAppointmentNotFound) {
		return models.Appointment{}, auth.ErrNotVisible
	}
	if err != nil {
		return models.Appointment{}, err
	}
	if !visible(caller, appt) {
		return models.Appointment{}, auth.ErrNotVisible
	}
	return appt, nil
}

func (s *Service) List(ctx context.Context, caller auth.Identity, filter AppointmentFilter) ([]models.Appointment, error) {
	return s.repo.List(ctx, caller, filter)
}

// Confirm moves scheduled -> confirmed and notifies the patient.
func (s *Service) Confirm(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Appointment, error) {
	appt, err := s.transition(ctx, caller, id, models.AppointmentConfirmed, map[string]interface{}{
		"confirmed_at": time.Now().UTC(),
	})
	if err != nil {
		return models.Appointment{}, err
	}
	if s.notifier != nil {
		s.notifier.AppointmentConfirmed(ctx, appt)
	}
	return appt, nil
}

// Cancel is open to the owning patient as well as staff.
func (s *Service) Cancel(ctx context.Context, caller auth.Identity, id uuid.UUID, reason string) (models.Appointment, error) {
	appt, err := s.Get(ctx, caller, id)
	if err != nil {
		return models.Appointment{}, err
	}
	if !caller.IsStaff() && appt.PatientID != caller.UserID {
		return models.Appointment{}, auth.ErrForbidden
	}
	if !canTransition(appt.Status, models.AppointmentCancelled) {
		return models.Appointment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, models.AppointmentCancelled)
	}
	if err := s.repo.Update(ctx, id, map[string]interface{}{
		"status":              string(models.AppointmentCancelled),
		"cancellation_reason": reason,
	}); err != nil {
		return models.Appointment{}, err
	}
	updated, err := s.Get(ctx, caller, id)
	if err != nil {
		return models.Appointment{}, err
	}
	s.invalidate(ctx, updated.LabClientID)
	if s.notifier != nil {
		s.notifier.AppointmentCancelled(ctx, updated)
	}
	return updated, nil
}

func (s *Service) CheckIn(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Appointment, error) {
	return s.transition(ctx, caller, id, models.AppointmentInProgress, map[string]interface{}{
		"checked_in_at": time.Now().UTC(),
	})
}

func (s *Service) CheckOut(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Appointment, error) {
	return s.transition(ctx, caller, id, models.AppointmentCompleted, map[string]interface{}{
		"checked_out_at": time.Now().UTC(),
	})
}

func (s *Service) MarkNoShow(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Appointment, error) {
	return s.transition(ctx, caller, id, models.AppointmentNoShow, map[string]interface{}{})
}

func (s *Service) Delete(ctx context.Context, caller auth.Identity, id uuid.UUID) error {
	if caller.Role != models.RoleAdmin {
		return auth.ErrForbidden
	}
	appt, err := s.Get(ctx, caller, id)
	if err != nil {
		return err
	}
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, appt.LabClientID)
	return nil
}

// SendReminders scans for upcoming appointments and dispatches one
// reminder each. Runs on a timer inside the notifier service.
func (s *Service) SendReminders(ctx context.Context, window time.Duration) (int, error) {
	due, err := s.repo.DueForReminder(ctx, window)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, appt := range due {
		if s.notifier != nil {
			s.notifier.AppointmentReminder(ctx, appt)
		}
		if err := s.repo.MarkReminderSent(ctx, appt.ID); err != nil {
			logger.Log.WithError(err).WithField("appointment_id", appt.ID).Warn("failed to mark reminder sent")
			continue
		}
		sent++
	}
	metrics.AddRemindersSent(sent)
	return sent, nil
}

func (s *Service) transition(ctx context.Context, caller auth.Identity, id uuid.UUID, target models.AppointmentStatus, updates map[string]interface{}) (models.Appointment, error) {
	appt, err := s.Get(ctx, caller, id)
	if err != nil {
		return models.Appointment{}, err
	}
	if !caller.IsStaff() {
		return models.Appointment{}, auth.ErrForbidden
	}
	if !canTransition(appt.Status, target) {
		return models.Appointment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, target)
	}
	updates["status"] = string(target)
	if err := s.repo.Update(ctx, id, updates); err != nil {
		return models.Appointment{}, err
	}
	s.invalidate(ctx, appt.LabClientID)
	return s.Get(ctx, caller, id)
}

func visible(caller auth.Identity, appt models.Appointment) bool {
	if caller.Role == models.RoleDoctor {
		return appt.StudyOrderedByID != nil && *appt.StudyOrderedByID == caller.UserID
	}
	return appointmentOwnership.Visible(caller, auth.Record{
		PatientID:   appt.PatientID,
		LabClientID: appt.LabClientID,
	})
}
