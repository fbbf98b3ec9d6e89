package billing

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
	ErrInvoiceNotFound    = errors.New("invoice not found")
	ErrInvoiceNumberTaken = errors.New("invoice number already in use")
)

// Invoices are patient-owned and tenant-partitioned; doctors have no
// stake in billing.
var invoiceOwnership = auth.Ownership{
	PatientColumn: "patient_id",
	TenantColumn:  "lab_client_id",
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type invoiceModel struct {
	ID             uuid.UUID  `gorm:"primaryKey;column:id"`
	InvoiceNumber  string     `gorm:"column:invoice_number;uniqueIndex"`
	PatientID      uuid.UUID  `gorm:"column:patient_id;index:idx_invoices_patient"`
	StudyID        *uuid.UUID `gorm:"column:study_id"`
	LabClientID    *int64     `gorm:"column:lab_client_id;index:idx_invoices_lab_client"`
	Status         string     `gorm:"column:status;index:idx_invoices_status"`
	Subtotal       float64    `gorm:"column:subtotal"`
	TaxAmount      float64    `gorm:"column:tax_amount"`
	DiscountAmount float64    `gorm:"column:discount_amount"`
	TotalAmount    float64    `gorm:"column:total_amount"`
	PaidAmount     float64    `gorm:"column:paid_amount"`
	IssueDate      time.Time  `gorm:"column:issue_date"`
	DueDate        time.Time  `gorm:"column:due_date"`
	PaidDate       *time.Time `gorm:"column:paid_date"`
	Notes          string     `gorm:"column:notes"`
	IsDeleted      bool       `gorm:"column:is_deleted;index:idx_invoices_deleted"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

func (invoiceModel) TableName() string { return "invoices" }

type paymentModel struct {
	ID            uuid.UUID  `gorm:"primaryKey;column:id"`
	InvoiceID     uuid.UUID  `gorm:"column:invoice_id;index:idx_payments_invoice"`
	TransactionID string     `gorm:"column:transaction_id"`
	Amount        float64    `gorm:"column:amount"`
	Method        string     `gorm:"column:method"`
	Status        string     `gorm:"column:status"`
	PaidAt        *time.Time `gorm:"column:paid_at"`
	Notes         string     `gorm:"column:notes"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
}

func (paymentModel) TableName() string { return "payments" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&invoiceModel{}, &paymentModel{})
}

func (r *Repository) active(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&invoiceModel{}).Where("is_deleted = ?", false)
}

type CreateInvoiceRecord struct {
	InvoiceNumber  string
	PatientID      uuid.UUID
	StudyID        *uuid.UUID
	LabClientID    *int64
	Subtotal       float64
	TaxAmount      float64
	DiscountAmount float64
	IssueDate      time.Time
	DueDate        time.Time
	Notes          string
}

func (r *Repository) CreateInvoice(ctx context.Context, rec CreateInvoiceRecord) (models.Invoice, error) {
	var existing int64
	if err := r.db.WithContext(ctx).Model(&invoiceModel{}).
		Where("invoice_number = ?", rec.InvoiceNumber).Count(&existing).Error; err != nil {
		return models.Invoice{}, err
	}
	if existing > 0 {
		return models.Invoice{}, ErrInvoiceNumberTaken
	}

	now := time.Now().UTC()
	row := invoiceModel{
		ID:             uuid.New(),
		InvoiceNumber:  rec.InvoiceNumber,
		PatientID:      rec.PatientID,
		StudyID:        rec.StudyID,
		LabClientID:    rec.LabClientID,
		Status:         string(models.InvoicePending),
		Subtotal:       rec.Subtotal,
		TaxAmount:      rec.TaxAmount,
		DiscountAmount: rec.DiscountAmount,
		TotalAmount:    rec.Subtotal + rec.TaxAmount - rec.DiscountAmount,
		IssueDate:      rec.IssueDate,
		DueDate:        rec.DueDate,
		Notes:          rec.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Invoice{}, err
	}
	return mapInvoice(row), nil
}

func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (models.Invoice, error) {
	var row invoiceModel
	err := r.active(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return models.Invoice{}, err
	}
	return mapInvoice(row), nil
}

type InvoiceFilter struct {
	Status  models.InvoiceStatus
	Overdue bool
	Limit   int
}

func (r *Repository) ListInvoices(ctx context.Context, caller auth.Identity, filter InvoiceFilter) ([]models.Invoice, error) {
	query := r.active(ctx).Scopes(invoiceOwnership.Scope(caller))
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Overdue {
		query = query.Where("due_date < ? AND status IN ?", time.Now().UTC(),
			[]string{string(models.InvoicePending), string(models.InvoicePartiallyPaid)})
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var rows []invoiceModel
	if err := query.Order("issue_date DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	invoices := make([]models.Invoice, 0, len(rows))
	for _, row := range rows {
		invoices = append(invoices, mapInvoice(row))
	}
	return invoices, nil
}

// RecordPayment inserts the payment and rolls the invoice's paid
// amount and status forward in one transaction.
func (r *Repository) RecordPayment(ctx context.Context, invoiceID uuid.UUID, rec models.Payment) (models.Payment, models.Invoice, error) {
	var payment paymentModel
	var invoice invoiceModel

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND is_deleted = ?", invoiceID, false).First(&invoice).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvoiceNotFound
			}
			return err
		}

		now := time.Now().UTC()
		payment = paymentModel{
			ID:            uuid.New(),
			InvoiceID:     invoiceID,
			TransactionID: rec.TransactionID,
			Amount:        rec.Amount,
			Method:        rec.Method,
			Status:        string(models.PaymentCompleted),
			PaidAt:        &now,
			Notes:         rec.Notes,
			CreatedAt:     now,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}

		invoice.PaidAmount += rec.Amount
		invoice.UpdatedAt = now
		if invoice.PaidAmount >= invoice.TotalAmount {
			invoice.Status = string(models.InvoicePaid)
			invoice.PaidDate = &now
		} else {
			invoice.Status = string(models.InvoicePartiallyPaid)
		}
		return tx.Model(&invoiceModel{}).Where("id = ?", invoiceID).Updates(map[string]interface{}{
			"paid_amount": invoice.PaidAmount,
			"status":      invoice.Status,
			"paid_date":   invoice.PaidDate,
			"updated_at":  now,
		}).Error
	})
	if err != nil {
		return models.Payment{}, models.Invoice{}, err
	}
	return mapPayment(payment), mapInvoice(invoice), nil
}

func (r *Repository) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]models.Payment, error) {
	var rows []paymentModel
	if err := r.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).
		Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	payments := make([]models.Payment, 0, len(rows))
	for _, row := range rows {
		payments = append(payments, mapPayment(row))
	}
	return payments, nil
}

func (r *Repository) UpdateInvoice(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UTC()
	result := r.active(ctx).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *Repository) SoftDeleteInvoice(ctx context.Context, id uuid.UUID) error {
	return r.UpdateInvoice(ctx, id, map[string]interface{}{"is_deleted": true})
}

func mapInvoice(row invoiceModel) models.Invoice {
	return models.Invoice{
		ID:             row.ID,
		InvoiceNumber:  row.InvoiceNumber,
		PatientID:      row.PatientID,
		StudyID:        row.StudyID,
		LabClientID:    row.LabClientID,
		Status:         models.InvoiceStatus(row.Status),
		Subtotal:       row.Subtotal,
		TaxAmount:      row.TaxAmount,
		DiscountAmount: row.DiscountAmount,
		TotalAmount:    row.TotalAmount,
		PaidAmount:     row.PaidAmount,
		IssueDate:      row.IssueDate,
		DueDate:        row.DueDate,
		PaidDate:       row.PaidDate,
		Notes:          row.Notes,
		IsDeleted:      row.IsDeleted,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func mapPayment(row paymentModel) models.Payment {
	return models.Payment{
		ID:            row.ID,
		InvoiceID:     row.InvoiceID,
		TransactionID: row.TransactionID,
		Amount:        row.Amount,
		Method:        row.Method,
		Status:        models.PaymentStatus(row.Status),
		PaidAt:        row.PaidAt,
		Notes:         row.Notes,
		CreatedAt:     row.CreatedAt,
	}
}
