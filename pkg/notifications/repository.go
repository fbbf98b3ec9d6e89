package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrNotificationNotFound = errors.New("notification not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type notificationModel struct {
	ID                   uuid.UUID         `gorm:"primaryKey;column:id"`
	UserID               uuid.UUID         `gorm:"column:user_id;index:idx_notifications_user"`
	Title                string            `gorm:"column:title"`
	Message              string            `gorm:"column:message"`
	Type                 string            `gorm:"column:type"`
	Channel              string            `gorm:"column:channel"`
	Status               string            `gorm:"column:status;index:idx_notifications_status"`
	RelatedStudyID       *uuid.UUID        `gorm:"column:related_study_id"`
	RelatedAppointmentID *uuid.UUID        `gorm:"column:related_appointment_id"`
	RelatedInvoiceID     *uuid.UUID        `gorm:"column:related_invoice_id"`
	Metadata             datatypes.JSONMap `gorm:"column:metadata"`
	SentAt               *time.Time        `gorm:"column:sent_at"`
	DeliveredAt          *time.Time        `gorm:"column:delivered_at"`
	ReadAt               *time.Time        `gorm:"column:read_at"`
	CreatedAt            time.Time         `gorm:"column:created_at;index:idx_notifications_created"`
}

func (notificationModel) TableName() string { return "notifications" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&notificationModel{})
}

func (r *Repository) Create(ctx context.Context, n models.Notification) (models.Notification, error) {
	row := notificationModel{
		ID:                   uuid.New(),
		UserID:               n.UserID,
		Title:                n.Title,
		Message:              n.Message,
		Type:                 string(n.Type),
		Channel:              string(n.Channel),
		Status:               string(n.Status),
		RelatedStudyID:       n.RelatedStudyID,
		RelatedAppointmentID: n.RelatedAppointmentID,
		RelatedInvoiceID:     n.RelatedInvoiceID,
		Metadata:             datatypes.JSONMap(n.Metadata),
		SentAt:               n.SentAt,
		CreatedAt:            time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Notification{}, err
	}
	return mapNotification(row), nil
}

func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]models.Notification, error) {
	query := r.db.WithContext(ctx).Model(&notificationModel{}).
		Where("user_id = ?", userID).
		Where("channel = ?", string(models.ChannelInApp))
	if unreadOnly {
		query = query.Where("read_at IS NULL")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var rows []notificationModel
	if err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	notifications := make([]models.Notification, 0, len(rows))
	for _, row := range rows {
		notifications = append(notifications, mapNotification(row))
	}
	return notifications, nil
}

func (r *Repository) UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&notificationModel{}).
		Where("user_id = ? AND channel = ? AND read_at IS NULL", userID, string(models.ChannelInApp)).
		Count(&count).Error
	return count, err
}

// MarkRead is scoped to the owning user so one caller can never mark
// another user's notification.
func (r *Repository) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&notificationModel{}).
		Where("id = ? AND user_id = ? AND read_at IS NULL", id, userID).
		Updates(map[string]interface{}{"read_at": time.Now().UTC(), "status": string(models.NotificationRead)})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var exists int64
		if err := r.db.WithContext(ctx).Model(&notificationModel{}).
			Where("id = ? AND user_id = ?", id, userID).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotificationNotFound
		}
	}
	return nil
}

func (r *Repository) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).Model(&notificationModel{}).
		Where("user_id = ? AND read_at IS NULL", userID).
		Updates(map[string]interface{}{"read_at": time.Now().UTC(), "status": string(models.NotificationRead)})
	return result.RowsAffected, result.Error
}

// UpdateStatus records delivery outcomes reported by the email worker.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.NotificationStatus, deliveredAt *time.Time) error {
	updates := map[string]interface{}{"status": string(status)}
	if deliveredAt != nil {
		updates["delivered_at"] = *deliveredAt
	}
	result := r.db.WithContext(ctx).Model(&notificationModel{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// PurgeOlderThan drops read notifications past the retention window.
// Unread rows are kept until the user has seen them.
func (r *Repository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Where("read_at IS NOT NULL OR channel = ?", string(models.ChannelEmail)).
		Delete(&notificationModel{})
	return result.RowsAffected, result.Error
}

func mapNotification(row notificationModel) models.Notification {
	return models.Notification{
		ID:                   row.ID,
		UserID:               row.UserID,
		Title:                row.Title,
		Message:              row.Message,
		Type:                 models.NotificationType(row.Type),
		Channel:              models.NotificationChannel(row.Channel),
		Status:               models.NotificationStatus(row.Status),
		RelatedStudyID:       row.RelatedStudyID,
		RelatedAppointmentID: row.RelatedAppointmentID,
		RelatedInvoiceID:     row.RelatedInvoiceID,
		Metadata:             map[string]interface{}(row.Metadata),
		SentAt:               row.SentAt,
		DeliveredAt:          row.DeliveredAt,
		ReadAt:               row.ReadAt,
		CreatedAt:            row.CreatedAt,
	}
}
