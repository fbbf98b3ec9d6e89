package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/observability/metrics"
)

// EmailQueue is the async leg of the dispatcher; satisfied by the kafka
// producer and by test fakes.
type EmailQueue interface {
	EnqueueEmail(ctx context.Context, job models.EmailJob) error
}

// UserDirectory resolves recipients.
type UserDirectory interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
}

// Event is one domain occurrence to notify a user about. Related ids
// are carried onto the stored notification so clients can deep-link.
type Event struct {
	UserID        uuid.UUID
	Kind          models.NotificationType
	Params        map[string]interface{}
	StudyID       *uuid.UUID
	AppointmentID *uuid.UUID
	InvoiceID     *uuid.UUID
}

type Service struct {
	repo      *Repository
	users     UserDirectory
	queue     EmailQueue
	templates *Templates
}

func NewService(repo *Repository, users UserDirectory, queue EmailQueue, templates *Templates) *Service {
	return &Service{repo: repo, users: users, queue: queue, templates: templates}
}

// Dispatch writes the in-app notification synchronously and enqueues
// the email job. The in-app write is the source of truth: once it
// succeeds the operation has succeeded, and a failed enqueue only
// degrades the email leg, it never rolls anything back.
func (s *Service) Dispatch(ctx context.Context, event Event) (models.Notification, error) {
	subject, body, err := s.templates.Render(event.Kind, event.Params)
	if err != nil {
		return models.Notification{}, fmt.Errorf("rendering notification %s: %w", event.Kind, err)
	}

	now := time.Now().UTC()
	inApp, err := s.repo.Create(ctx, models.Notification{
		UserID:               event.UserID,
		Title:                subject,
		Message:              body,
		Type:                 event.Kind,
		Channel:              models.ChannelInApp,
		Status:               models.NotificationSent,
		RelatedStudyID:       event.StudyID,
		RelatedAppointmentID: event.AppointmentID,
		RelatedInvoiceID:     event.InvoiceID,
		Metadata:             event.Params,
		SentAt:               &now,
	})
	if err != nil {
		return models.Notification{}, err
	}
	metrics.IncNotificationsSent()

	s.enqueueEmail(ctx, event)
	return inApp, nil
}

func (s *Service) enqueueEmail(ctx context.Context, event Event) {
	user, err := s.users.GetUserByID(ctx, event.UserID)
	if err != nil {
		logger.Log.WithError(err).WithField("user_id", event.UserID).Warn("skipping email, recipient lookup failed")
		return
	}

	emailRow, err := s.repo.Create(ctx, models.Notification{
		UserID:               event.UserID,
		Title:                "",
		Message:              "",
		Type:                 event.Kind,
		Channel:              models.ChannelEmail,
		Status:               models.NotificationPending,
		RelatedStudyID:       event.StudyID,
		RelatedAppointmentID: event.AppointmentID,
		RelatedInvoiceID:     event.InvoiceID,
	})
	if err != nil {
		logger.Log.WithError(err).Warn("failed to record email notification")
		return
	}

	job := models.EmailJob{
		ID:          emailRow.ID.String(),
		UserID:      event.UserID,
		Recipient:   user.Email,
		TemplateKey: event.Kind,
		Params:      event.Params,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := s.queue.EnqueueEmail(ctx, job); err != nil {
		logger.Log.WithError(err).WithField("notification_id", emailRow.ID).Warn("failed to enqueue email job")
		if uerr := s.repo.UpdateStatus(ctx, emailRow.ID, models.NotificationFailed, nil); uerr != nil {
			logger.Log.WithError(uerr).Warn("failed to mark email notification failed")
		}
	}
}

// --- domain event hooks ---

// ResultReady and the hooks below deliberately swallow dispatch
// errors: notification failures must never fail the triggering
// operation.
func (s *Service) ResultReady(ctx context.Context, study models.Study) {
	s.fire(ctx, Event{
		UserID:  study.PatientID,
		Kind:    models.NotificationResultReady,
		Params:  studyParams(study),
		StudyID: &study.ID,
	})
	if study.OrderedByID != nil {
		s.fire(ctx, Event{
			UserID:  *study.OrderedByID,
			Kind:    models.NotificationResultReady,
			Params:  studyParams(study),
			StudyID: &study.ID,
		})
	}
}

func (s *Service) AppointmentConfirmed(ctx context.Context, appt models.Appointment) {
	s.fire(ctx, Event{
		UserID:        appt.PatientID,
		Kind:          models.NotificationAppointmentConfirmed,
		Params:        appointmentParams(appt),
		AppointmentID: &appt.ID,
	})
}

func (s *Service) AppointmentCancelled(ctx context.Context, appt models.Appointment) {
	s.fire(ctx, Event{
		UserID:        appt.PatientID,
		Kind:          models.NotificationAppointmentCancelled,
		Params:        appointmentParams(appt),
		AppointmentID: &appt.ID,
	})
}

func (s *Service) AppointmentReminder(ctx context.Context, appt models.Appointment) {
	s.fire(ctx, Event{
		UserID:        appt.PatientID,
		Kind:          models.NotificationAppointmentReminder,
		Params:        appointmentParams(appt),
		AppointmentID: &appt.ID,
	})
}

func (s *Service) InvoiceIssued(ctx context.Context, invoice models.Invoice) {
	s.fire(ctx, Event{
		UserID:    invoice.PatientID,
		Kind:      models.NotificationPaymentDue,
		Params:    invoiceParams(invoice),
		InvoiceID: &invoice.ID,
	})
}

func (s *Service) PaymentReceived(ctx context.Context, invoice models.Invoice, payment models.Payment) {
	params := invoiceParams(invoice)
	params["amount"] = fmt.Sprintf("%.2f", payment.Amount)
	s.fire(ctx, Event{
		UserID:    invoice.PatientID,
		Kind:      models.NotificationPaymentReceived,
		Params:    params,
		InvoiceID: &invoice.ID,
	})
}

func (s *Service) fire(ctx context.Context, event Event) {
	if _, err := s.Dispatch(ctx, event); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"kind":    event.Kind,
			"user_id": event.UserID,
		}).Error("failed to dispatch notification")
	}
}

func studyParams(study models.Study) map[string]interface{} {
	practiceName := ""
	if study.PracticeDetail != nil {
		practiceName = study.PracticeDetail.Name
	}
	return map[string]interface{}{
		"protocol_number": study.ProtocolNumber,
		"practice_name":   practiceName,
		"patient_name":    study.PatientName,
	}
}

func appointmentParams(appt models.Appointment) map[string]interface{} {
	return map[string]interface{}{
		"appointment_number": appt.AppointmentNumber,
		"scheduled_at":       appt.ScheduledDate.Format("Mon, 02 Jan 2006 15:04 MST"),
		"reason":             appt.Reason,
	}
}

func invoiceParams(invoice models.Invoice) map[string]interface{} {
	return map[string]interface{}{
		"invoice_number": invoice.InvoiceNumber,
		"amount":         fmt.Sprintf("%.2f", invoice.TotalAmount),
		"balance_due":    fmt.Sprintf("%.2f", invoice.BalanceDue()),
	}
}

// --- user-facing reads ---

func (s *Service) List(ctx context.Context, caller auth.Identity, unreadOnly bool, limit int) ([]models.Notification, error) {
	return s.repo.ListForUser(ctx, caller.UserID, unreadOnly, limit)
}

func (s *Service) UnreadCount(ctx context.Context, caller auth.Identity) (int64, error) {
	return s.repo.UnreadCount(ctx, caller.UserID)
}

func (s *Service) MarkRead(ctx context.Context, caller auth.Identity, id uuid.UUID) error {
	return s.repo.MarkRead(ctx, caller.UserID, id)
}

func (s *Service) MarkAllRead(ctx context.Context, caller auth.Identity) (int64, error) {
	return s.repo.MarkAllRead(ctx, caller.UserID)
}

// Cleanup purges notifications older than the retention window and is
// run periodically by the notifier service.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.PurgeOlderThan(ctx, time.Now().UTC().Add(-retention))
}
