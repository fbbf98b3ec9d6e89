package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User roles. Legacy deployments carried finer-grained staff roles
// (lab_manager, technician, staff); those all collapse into lab_staff.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleLabStaff Role = "lab_staff"
	RoleDoctor   Role = "doctor"
	RolePatient  Role = "patient"
)

func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "admin":
		return RoleAdmin
	case "lab_staff", "lab_manager", "technician", "staff":
		return RoleLabStaff
	case "doctor":
		return RoleDoctor
	case "patient":
		return RolePatient
	default:
		return ""
	}
}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleLabStaff, RoleDoctor, RolePatient:
		return true
	}
	return false
}

type StudyStatus string

const (
	StudyPending         StudyStatus = "pending"
	StudySampleCollected StudyStatus = "sample_collected"
	StudyInProgress      StudyStatus = "in_progress"
	StudyCompleted       StudyStatus = "completed"
	StudyCancelled       StudyStatus = "cancelled"
)

func (s StudyStatus) Valid() bool {
	switch s {
	case StudyPending, StudySampleCollected, StudyInProgress, StudyCompleted, StudyCancelled:
		return true
	}
	return false
}

type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "scheduled"
	AppointmentConfirmed  AppointmentStatus = "confirmed"
	AppointmentInProgress AppointmentStatus = "in_progress"
	AppointmentCompleted  AppointmentStatus = "completed"
	AppointmentCancelled  AppointmentStatus = "cancelled"
	AppointmentNoShow     AppointmentStatus = "no_show"
)

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoicePending       InvoiceStatus = "pending"
	InvoicePaid          InvoiceStatus = "paid"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceCancelled     InvoiceStatus = "cancelled"
	InvoiceRefunded      InvoiceStatus = "refunded"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

type NotificationType string

const (
	NotificationInfo                 NotificationType = "info"
	NotificationWarning              NotificationType = "warning"
	NotificationSuccess              NotificationType = "success"
	NotificationAppointmentConfirmed NotificationType = "appointment_confirmed"
	NotificationAppointmentCancelled NotificationType = "appointment_cancelled"
	NotificationAppointmentReminder  NotificationType = "appointment_reminder"
	NotificationResultReady          NotificationType = "result_ready"
	NotificationPaymentDue           NotificationType = "payment_due"
	NotificationPaymentReceived      NotificationType = "payment_received"
)

type NotificationChannel string

const (
	ChannelInApp NotificationChannel = "in_app"
	ChannelEmail NotificationChannel = "email"
	ChannelSMS   NotificationChannel = "sms"
	ChannelPush  NotificationChannel = "push"
)

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
	NotificationRead      NotificationStatus = "read"
)

type User struct {
	ID          uuid.UUID  `json:"id"`
	Email       string     `json:"email"`
	FirstName   string     `json:"first_name,omitempty"`
	LastName    string     `json:"last_name,omitempty"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	Role        Role       `json:"role"`
	LabClientID *int64     `json:"lab_client_id,omitempty"`
	IsActive    bool       `json:"is_active"`
	IsVerified  bool       `json:"is_verified"`
	DateJoined  time.Time  `json:"date_joined"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CreatedBy   *uuid.UUID `json:"created_by,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (u User) FullName() string {
	full := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if full == "" {
		return u.Email
	}
	return full
}

type Practice struct {
	ID                    uuid.UUID `json:"id"`
	Name                  string    `json:"name"`
	Technique             string    `json:"technique,omitempty"`
	SampleType            string    `json:"sample_type,omitempty"`
	SampleQuantity        string    `json:"sample_quantity,omitempty"`
	SampleInstructions    string    `json:"sample_instructions,omitempty"`
	ConservationTransport string    `json:"conservation_transport,omitempty"`
	DelayDays             int       `json:"delay_days"`
	Price                 float64   `json:"price"`
	IsActive              bool      `json:"is_active"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

type Study struct {
	ID                uuid.UUID   `json:"id"`
	ProtocolNumber    string      `json:"protocol_number"`
	PatientID         uuid.UUID   `json:"patient"`
	PatientEmail      string      `json:"patient_email,omitempty"`
	PatientName       string      `json:"patient_name,omitempty"`
	PracticeID        uuid.UUID   `json:"practice"`
	PracticeDetail    *Practice   `json:"practice_detail,omitempty"`
	OrderedByID       *uuid.UUID  `json:"ordered_by,omitempty"`
	OrderedByName     string      `json:"ordered_by_name,omitempty"`
	LabClientID       *int64      `json:"lab_client_id,omitempty"`
	Status            StudyStatus `json:"status"`
	SolicitedDate     *time.Time  `json:"solicited_date,omitempty"`
	SampleID          string      `json:"sample_id,omitempty"`
	SampleCollectedAt *time.Time  `json:"sample_collected_at,omitempty"`
	Results           string      `json:"results,omitempty"`
	ResultsFile       string      `json:"results_file,omitempty"`
	ResultsFileType   string      `json:"results_file_type,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	Notes             string      `json:"notes,omitempty"`
	IsDeleted         bool        `json:"-"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

func (s Study) IsCompleted() bool { return s.Status == StudyCompleted }

func (s Study) HasResultFile() bool { return s.ResultsFile != "" }

type Notification struct {
	ID                   uuid.UUID              `json:"id"`
	UserID               uuid.UUID              `json:"user"`
	Title                string                 `json:"title"`
	Message              string                 `json:"message"`
	Type                 NotificationType       `json:"notification_type"`
	Channel              NotificationChannel    `json:"channel"`
	Status               NotificationStatus     `json:"status"`
	RelatedStudyID       *uuid.UUID             `json:"related_study_id,omitempty"`
	RelatedAppointmentID *uuid.UUID             `json:"related_appointment_id,omitempty"`
	RelatedInvoiceID     *uuid.UUID             `json:"related_invoice_id,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	SentAt               *time.Time             `json:"sent_at,omitempty"`
	DeliveredAt          *time.Time             `json:"delivered_at,omitempty"`
	ReadAt               *time.Time             `json:"read_at,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
}

func (n Notification) IsRead() bool { return n.ReadAt != nil }

type Appointment struct {
	ID                uuid.UUID         `json:"id"`
	AppointmentNumber string            `json:"appointment_number"`
	PatientID         uuid.UUID         `json:"patient"`
	PatientEmail      string            `json:"patient_email,omitempty"`
	StudyID           *uuid.UUID        `json:"study,omitempty"`
	StudyOrderedByID  *uuid.UUID        `json:"-"`
	LabClientID       *int64            `json:"lab_client_id,omitempty"`
	ScheduledDate     time.Time         `json:"scheduled_date"`
	DurationMinutes   int               `json:"duration_minutes"`
	Status            AppointmentStatus `json:"status"`
	ConfirmedAt       *time.Time        `json:"confirmed_at,omitempty"`
	CheckedInAt       *time.Time        `json:"checked_in_at,omitempty"`
	CheckedOutAt      *time.Time        `json:"checked_out_at,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	Notes             string            `json:"notes,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	ReminderSent      bool              `json:"reminder_sent"`
	ReminderSentAt    *time.Time        `json:"reminder_sent_at,omitempty"`
	IsDeleted         bool              `json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type Invoice struct {
	ID             uuid.UUID     `json:"id"`
	InvoiceNumber  string        `json:"invoice_number"`
	PatientID      uuid.UUID     `json:"patient"`
	StudyID        *uuid.UUID    `json:"study,omitempty"`
	LabClientID    *int64        `json:"lab_client_id,omitempty"`
	Status         InvoiceStatus `json:"status"`
	Subtotal       float64       `json:"subtotal"`
	TaxAmount      float64       `json:"tax_amount"`
	DiscountAmount float64       `json:"discount_amount"`
	TotalAmount    float64       `json:"total_amount"`
	PaidAmount     float64       `json:"paid_amount"`
	IssueDate      time.Time     `json:"issue_date"`
	DueDate        time.Time     `json:"due_date"`
	PaidDate       *time.Time    `json:"paid_date,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	IsDeleted      bool          `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (i Invoice) BalanceDue() float64 {
	if i.PaidAmount >= i.TotalAmount {
		return 0
	}
	return i.TotalAmount - i.PaidAmount
}

type Payment struct {
	ID            uuid.UUID     `json:"id"`
	InvoiceID     uuid.UUID     `json:"invoice"`
	TransactionID string        `json:"transaction_id"`
	Amount        float64       `json:"amount"`
	Method        string        `json:"payment_method"`
	Status        PaymentStatus `json:"status"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// EmailJob is the payload placed on the background queue by the
// notification dispatcher and consumed by the notifier worker.
type EmailJob struct {
	ID          string                 `json:"id"`
	UserID      uuid.UUID              `json:"user_id"`
	Recipient   string                 `json:"recipient"`
	TemplateKey NotificationType       `json:"template_key"`
	Params      map[string]interface{} `json:"params,omitempty"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
}

// Request payloads.

type RegisterUserRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Role        string `json:"role,omitempty"`
	LabClientID *int64 `json:"lab_client_id,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UpdateProfileRequest struct {
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	PhoneNumber *string `json:"phone_number,omitempty"`
}

type CreatePracticeRequest struct {
	Name                  string  `json:"name"`
	Technique             string  `json:"technique,omitempty"`
	SampleType            string  `json:"sample_type,omitempty"`
	SampleQuantity        string  `json:"sample_quantity,omitempty"`
	SampleInstructions    string  `json:"sample_instructions,omitempty"`
	ConservationTransport string  `json:"conservation_transport,omitempty"`
	DelayDays             int     `json:"delay_days,omitempty"`
	Price                 float64 `json:"price,omitempty"`
}

type CreateStudyRequest struct {
	ProtocolNumber    string     `json:"protocol_number"`
	PatientID         uuid.UUID  `json:"patient"`
	PracticeID        uuid.UUID  `json:"practice"`
	OrderedByID       *uuid.UUID `json:"ordered_by,omitempty"`
	SolicitedDate     *time.Time `json:"solicited_date,omitempty"`
	SampleID          string     `json:"sample_id,omitempty"`
	SampleCollectedAt *time.Time `json:"sample_collected_at,omitempty"`
	Results           string     `json:"results,omitempty"`
	Notes             string     `json:"notes,omitempty"`
}

// ResultFile carries an uploaded result attachment through validation
// and into the blob store.
type ResultFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

type CreateAppointmentRequest struct {
	AppointmentNumber string     `json:"appointment_number"`
	PatientID         uuid.UUID  `json:"patient"`
	StudyID           *uuid.UUID `json:"study,omitempty"`
	ScheduledDate     time.Time  `json:"scheduled_date"`
	DurationMinutes   int        `json:"duration_minutes,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	Notes             string     `json:"notes,omitempty"`
}

type CreateInvoiceRequest struct {
	InvoiceNumber  string     `json:"invoice_number"`
	PatientID      uuid.UUID  `json:"patient"`
	StudyID        *uuid.UUID `json:"study,omitempty"`
	Subtotal       float64    `json:"subtotal"`
	TaxAmount      float64    `json:"tax_amount,omitempty"`
	DiscountAmount float64    `json:"discount_amount,omitempty"`
	IssueDate      time.Time  `json:"issue_date"`
	DueDate        time.Time  `json:"due_date"`
	Notes          string     `json:"notes,omitempty"`
}

type RecordPaymentRequest struct {
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
	Method        string  `json:"payment_method"`
	Notes         string  `json:"notes,omitempty"`
}
