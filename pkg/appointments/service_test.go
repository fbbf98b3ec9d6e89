package appointments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
)

type fakeStore struct {
	appointments map[uuid.UUID]models.Appointment
	due          []models.Appointment
	reminded     []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{appointments: map[uuid.UUID]models.Appointment{}}
}

func (f *fakeStore) Create(_ context.Context, rec CreateAppointmentRecord) (models.Appointment, error) {
	for _, existing := range f.appointments {
		if existing.AppointmentNumber == rec.AppointmentNumber {
			return models.Appointment{}, ErrAppointmentNumberTaken
		}
	}
	appt := models.Appointment{
		ID:                uuid.New(),
		AppointmentNumber: rec.AppointmentNumber,
		PatientID:         rec.PatientID,
		StudyID:           rec.StudyID,
		LabClientID:       rec.LabClientID,
		ScheduledDate:     rec.ScheduledDate,
		DurationMinutes:   rec.DurationMinutes,
		Status:            models.AppointmentScheduled,
		Reason:            rec.Reason,
		Notes:             rec.Notes,
	}
	f.appointments[appt.ID] = appt
	return appt, nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (models.Appointment, error) {
	appt, ok := f.appointments[id]
	if !ok || appt.IsDeleted {
		return models.Appointment{}, ErrAppointmentNotFound
	}
	return appt, nil
}

func (f *fakeStore) List(_ context.Context, _ auth.Identity, _ AppointmentFilter) ([]models.Appointment, error) {
	return nil, nil
}

func (f *fakeStore) Update(_ context.Context, id uuid.UUID, updates map[string]interface{}) error {
	appt, ok := f.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	if v, ok := updates["status"]; ok {
		appt.Status = models.AppointmentStatus(v.(string))
	}
	if v, ok := updates["cancellation_reason"]; ok {
		appt.CancellationReason = v.(string)
	}
	f.appointments[id] = appt
	return nil
}

func (f *fakeStore) SoftDelete(_ context.Context, id uuid.UUID) error {
	appt, ok := f.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	appt.IsDeleted = true
	f.appointments[id] = appt
	return nil
}

func (f *fakeStore) DueForReminder(_ context.Context, _ time.Duration) ([]models.Appointment, error) {
	return f.due, nil
}

func (f *fakeStore) MarkReminderSent(_ context.Context, id uuid.UUID) error {
	f.reminded = append(f.reminded, id)
	return nil
}

type fakeDirectory struct {
	users map[uuid.UUID]models.User
}

func (f *fakeDirectory) GetUserByID(_ context.Context, id uuid.UUID) (models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return models.User{}, errors.New("user not found")
	}
	return user, nil
}

type fakeNotifier struct {
	confirmed []models.Appointment
	cancelled []models.Appointment
	reminders []models.Appointment
}

func (f *fakeNotifier) AppointmentConfirmed(_ context.Context, appt models.Appointment) {
	f.confirmed = append(f.confirmed, appt)
}

func (f *fakeNotifier) AppointmentCancelled(_ context.Context, appt models.Appointment) {
	f.cancelled = append(f.cancelled, appt)
}

func (f *fakeNotifier) AppointmentReminder(_ context.Context, appt models.Appointment) {
	f.reminders = append(f.reminders, appt)
}

type fakeCache struct {
	invalidations int
}

func (f *fakeCache) Invalidate(_ context.Context, _ *int64) { f.invalidations++ }

type serviceFixture struct {
	svc      *Service
	store    *fakeStore
	notifier *fakeNotifier
	cache    *fakeCache
	patient  models.User
	admin    auth.Identity
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	store := newFakeStore()
	notifier := &fakeNotifier{}
	cache := &fakeCache{}

	patient := models.User{ID: uuid.New(), Email: "eva@example.com", Role: models.RolePatient, IsActive: true}
	directory := &fakeDirectory{users: map[uuid.UUID]models.User{patient.ID: patient}}

	return &serviceFixture{
		svc:      NewService(store, directory, notifier, cache),
		store:    store,
		notifier: notifier,
		cache:    cache,
		patient:  patient,
		admin:    auth.Identity{UserID: uuid.New(), Role: models.RoleAdmin},
	}
}

func (fx *serviceFixture) bookingRequest(number string) models.CreateAppointmentRequest {
	return models.CreateAppointmentRequest{
		AppointmentNumber: number,
		PatientID:         fx.patient.ID,
		ScheduledDate:     time.Now().UTC().Add(48 * time.Hour),
		Reason:            "blood draw",
	}
}

func TestCreateSendsConfirmation(t *testing.T) {
	fx := newServiceFixture(t)

	appt, err := fx.svc.Create(context.Background(), fx.admin, fx.bookingRequest("APT-0001"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if appt.Status != models.AppointmentScheduled {
		t.Fatalf("status = %s, want scheduled", appt.Status)
	}
	if len(fx.notifier.confirmed) != 1 {
		t.Fatalf("booking must send the confirmation right away, got %d", len(fx.notifier.confirmed))
	}
	if fx.notifier.confirmed[0].ID != appt.ID {
		t.Fatal("confirmation sent for the wrong appointment")
	}
	if fx.cache.invalidations != 1 {
		t.Fatalf("booking must invalidate the dashboard, got %d calls", fx.cache.invalidations)
	}
}

func TestCreatePatientBooksOnlyForSelf(t *testing.T) {
	fx := newServiceFixture(t)

	req := fx.bookingRequest("APT-0002")
	req.PatientID = uuid.New()

	caller := auth.Identity{UserID: fx.patient.ID, Role: models.RolePatient}
	appt, err := fx.svc.Create(context.Background(), caller, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if appt.PatientID != fx.patient.ID {
		t.Fatalf("patient booking pinned to %s, want caller %s", appt.PatientID, fx.patient.ID)
	}
}

func TestCreateRejectsPastDate(t *testing.T) {
	fx := newServiceFixture(t)

	req := fx.bookingRequest("APT-0003")
	req.ScheduledDate = time.Now().UTC().Add(-time.Hour)

	_, err := fx.svc.Create(context.Background(), fx.admin, req)
	var verr validation.Error
	if !errors.As(err, &verr) || verr.Field != "scheduled_date" {
		t.Fatalf("expected scheduled_date validation error, got %v", err)
	}
	if len(fx.notifier.confirmed) != 0 {
		t.Fatal("rejected booking must not notify")
	}
}

func TestCancelByOwningPatientNotifies(t *testing.T) {
	fx := newServiceFixture(t)

	appt, err := fx.svc.Create(context.Background(), fx.admin, fx.bookingRequest("APT-0004"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	owner := auth.Identity{UserID: fx.patient.ID, Role: models.RolePatient}
	cancelled, err := fx.svc.Cancel(context.Background(), owner, appt.ID, "feeling better")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.AppointmentCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.CancellationReason != "feeling better" {
		t.Fatalf("cancellation reason = %q", cancelled.CancellationReason)
	}
	if len(fx.notifier.cancelled) != 1 {
		t.Fatalf("expected one cancellation notice, got %d", len(fx.notifier.cancelled))
	}

	stranger := auth.Identity{UserID: uuid.New(), Role: models.RolePatient}
	appt2, err := fx.svc.Create(context.Background(), fx.admin, fx.bookingRequest("APT-0005"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fx.svc.Cancel(context.Background(), stranger, appt2.ID, "nope"); !errors.Is(err, auth.ErrNotVisible) {
		t.Fatalf("expected not visible for another patient, got %v", err)
	}
}

func TestSendRemindersMarksEachAppointment(t *testing.T) {
	fx := newServiceFixture(t)

	for _, number := range []string{"APT-0006", "APT-0007"} {
		appt, err := fx.svc.Create(context.Background(), fx.admin, fx.bookingRequest(number))
		if err != nil {
			t.Fatalf("create %s: %v", number, err)
		}
		fx.store.due = append(fx.store.due, appt)
	}

	sent, err := fx.svc.SendReminders(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("send reminders: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	if len(fx.notifier.reminders) != 2 {
		t.Fatalf("expected two reminder notices, got %d", len(fx.notifier.reminders))
	}
	if len(fx.store.reminded) != 2 {
		t.Fatalf("expected both appointments marked, got %d", len(fx.store.reminded))
	}
}
