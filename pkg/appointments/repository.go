package appointments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"gorm.io/gorm"
)

var (
	ErrAppointmentNotFound    = errors.New("appointment not found")
	ErrAppointmentNumberTaken = errors.New("appointment number already in use")
)

// The ordering doctor lives on the linked study row, so the shared
// ownership struct covers every role except doctor; see scope below.
var appointmentOwnership = auth.Ownership{
	PatientColumn: "patient_id",
	TenantColumn:  "lab_client_id",
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type appointmentModel struct {
	ID                 uuid.UUID  `gorm:"primaryKey;column:id"`
	AppointmentNumber  string     `gorm:"column:appointment_number;uniqueIndex"`
	PatientID          uuid.UUID  `gorm:"column:patient_id;index:idx_appointments_patient"`
	StudyID            *uuid.UUID `gorm:"column:study_id"`
	LabClientID        *int64     `gorm:"column:lab_client_id;index:idx_appointments_lab_client"`
	ScheduledDate      time.Time  `gorm:"column:scheduled_date;index:idx_appointments_scheduled"`
	DurationMinutes    int        `gorm:"column:duration_minutes"`
	Status             string     `gorm:"column:status;index:idx_appointments_status"`
	ConfirmedAt        *time.Time `gorm:"column:confirmed_at"`
	CheckedInAt        *time.Time `gorm:"column:checked_in_at"`
	CheckedOutAt       *time.Time `gorm:"column:checked_out_at"`
	Reason             string     `gorm:"column:reason"`
	Notes              string     `gorm:"column:notes"`
	CancellationReason string     `gorm:"column:cancellation_reason"`
	ReminderSent       bool       `gorm:"column:reminder_sent"`
	ReminderSentAt     *time.Time `gorm:"column:reminder_sent_at"`
	IsDeleted          bool       `gorm:"column:is_deleted;index:idx_appointments_deleted"`
	CreatedAt          time.Time  `gorm:"column:created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at"`
}

func (appointmentModel) TableName() string { return "appointments" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&appointmentModel{})
}

func (r *Repository) active(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&appointmentModel{}).Where("is_deleted = ?", false)
}

type CreateAppointmentRecord struct {
	AppointmentNumber string
	PatientID         uuid.UUID
	StudyID           *uuid.UUID
	LabClientID       *int64
	ScheduledDate     time.Time
	DurationMinutes   int
	Reason            string
	Notes             string
}

func (r *Repository) Create(ctx context.Context, rec CreateAppointmentRecord) (models.Appointment, error) {
	var existing int64
	if err := r.db.WithContext(ctx).Model(&appointmentModel{}).
		Where("appointment_number = ?", rec.AppointmentNumber).Count(&existing).Error; err != nil {
		return models.Appointment{}, err
	}
	if existing > 0 {
		return models.Appointment{}, ErrAppointmentNumberTaken
	}

	now := time.Now().UTC()
	row := appointmentModel{
		ID:                uuid.New(),
		AppointmentNumber: rec.AppointmentNumber,
		PatientID:         rec.PatientID,
		StudyID:           rec.StudyID,
		LabClientID:       rec.LabClientID,
		ScheduledDate:     rec.ScheduledDate,
		DurationMinutes:   rec.DurationMinutes,
		Status:            string(models.AppointmentScheduled),
		Reason:            rec.Reason,
		Notes:             rec.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Appointment{}, err
	}
	return mapAppointment(row), nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (models.Appointment, error) {
	var row appointmentModel
	err := r.active(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Appointment{}, ErrAppointmentNotFound
	}
	if err != nil {
		return models.Appointment{}, err
	}
	appt := mapAppointment(row)
	if row.StudyID != nil {
		var orderedBy uuid.UUID
		err := r.db.WithContext(ctx).Table("studies").Select("ordered_by_id").
			Where("id = ?", *row.StudyID).Scan(&orderedBy).Error
		if err == nil && orderedBy != uuid.Nil {
			appt.StudyOrderedByID = &orderedBy
		}
	}
	return appt, nil
}

type AppointmentFilter struct {
	Status models.AppointmentStatus
	From   *time.Time
	To     *time.Time
	Limit  int
}

// scope applies the visibility rules. Doctors see appointments tied to
// studies they ordered, resolved through a subquery on the study row.
func (r *Repository) scope(caller auth.Identity) func(db *gorm.DB) *gorm.DB {
	if caller.Role == models.RoleDoctor {
		return func(db *gorm.DB) *gorm.DB {
			orderedStudies := r.db.Table("studies").Select("id").
				Where("ordered_by_id = ? AND is_deleted = ?", caller.UserID, false)
			return db.Where("study_id IN (?)", orderedStudies)
		}
	}
	return appointmentOwnership.Scope(caller)
}

func (r *Repository) List(ctx context.Context, caller auth.Identity, filter AppointmentFilter) ([]models.Appointment, error) {
	query := r.active(ctx).Scopes(r.scope(caller))
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.From != nil {
		query = query.Where("scheduled_date >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("scheduled_date < ?", *filter.To)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var rows []appointmentModel
	if err := query.Order("scheduled_date ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	appointments := make([]models.Appointment, 0, len(rows))
	for _, row := range rows {
		appointments = append(appointments, mapAppointment(row))
	}
	return appointments, nil
}

func (r *Repository) Update(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UTC()
	result := r.active(ctx).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *Repository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.Update(ctx, id, map[string]interface{}{"is_deleted": true})
}

// DueForReminder returns live upcoming appointments inside the window
// that have not been reminded yet.
func (r *Repository) DueForReminder(ctx context.Context, window time.Duration) ([]models.Appointment, error) {
	now := time.Now().UTC()
	var rows []appointmentModel
	err := r.active(ctx).
		Where("reminder_sent = ?", false).
		Where("status IN ?", []string{string(models.AppointmentScheduled), string(models.AppointmentConfirmed)}).
		Where("scheduled_date > ? AND scheduled_date <= ?", now, now.Add(window)).
		Order("scheduled_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	appointments := make([]models.Appointment, 0, len(rows))
	for _, row := range rows {
		appointments = append(appointments, mapAppointment(row))
	}
	return appointments, nil
}

func (r *Repository) MarkReminderSent(ctx context.Context, id uuid.UUID) error {
	return r.Update(ctx, id, map[string]interface{}{
		"reminder_sent":    true,
		"reminder_sent_at": time.Now().UTC(),
	})
}

func mapAppointment(row appointmentModel) models.Appointment {
	return models.Appointment{
		ID:                 row.ID,
		AppointmentNumber:  row.AppointmentNumber,
		PatientID:          row.PatientID,
		StudyID:            row.StudyID,
		LabClientID:        row.LabClientID,
		ScheduledDate:      row.ScheduledDate,
		DurationMinutes:    row.DurationMinutes,
		Status:             models.AppointmentStatus(row.Status),
		ConfirmedAt:        row.ConfirmedAt,
		CheckedInAt:        row.CheckedInAt,
		CheckedOutAt:       row.CheckedOutAt,
		Reason:             row.Reason,
		Notes:              row.Notes,
		CancellationReason: row.CancellationReason,
		ReminderSent:       row.ReminderSent,
		ReminderSentAt:     row.ReminderSentAt,
		IsDeleted:          row.IsDeleted,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
}
