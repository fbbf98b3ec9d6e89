package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
)

type UserDirectory interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
}

// Notifier receives billing events.
type Notifier interface {
	InvoiceIssued(ctx context.Context, invoice models.Invoice)
	PaymentReceived(ctx context.Context, invoice models.Invoice, payment models.Payment)
}

// DashboardCache is notified after revenue-affecting writes.
type DashboardCache interface {
	Invalidate(ctx context.Context, labClientID *int64)
}

type Service struct {
	repo     *Repository
	users    UserDirectory
	notifier Notifier
	cache    DashboardCache
}

func NewService(repo *Repository, users UserDirectory, notifier Notifier, cache DashboardCache) *Service {
	return &Service{repo: repo, users: users, notifier: notifier, cache: cache}
}

func (s *Service) invalidate(ctx context.Context, labClientID *int64) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, labClientID)
	}
}

func (s *Service) CreateInvoice(ctx context.Context, caller auth.Identity, req models.CreateInvoiceRequest) (models.Invoice, error) {
	if !caller.IsStaff() {
		return models.Invoice{}, auth.ErrForbidden
	}
	if strings.TrimSpace(req.InvoiceNumber) == "" {
		return models.Invoice{}, validation.NewError("invoice_number", "invoice number is required")
	}
	if req.Subtotal < 0 || req.TaxAmount < 0 || req.DiscountAmount < 0 {
		return models.Invoice{}, validation.NewError("subtotal", "amounts cannot be negative")
	}
	if req.DueDate.Before(req.IssueDate) {
		return models.Invoice{}, validation.NewError("due_date", "due date cannot precede the issue date")
	}

	patient, err := s.users.GetUserByID(ctx, req.PatientID)
	if err != nil {
		return models.Invoice{}, validation.NewError("patient", "patient %s not found", req.PatientID)
	}
	if patient.Role != models.RolePatient {
		return models.Invoice{}, validation.NewError("patient", "user %s is not a patient", req.PatientID)
	}
	if caller.LabClientID != nil {
		if patient.LabClientID == nil || *patient.LabClientID != *caller.LabClientID {
			return models.Invoice{}, validation.NewError("patient", "patient %s does not belong to your laboratory", req.PatientID)
		}
	}

	invoice, err := s.repo.CreateInvoice(ctx, CreateInvoiceRecord{
		InvoiceNumber:  strings.TrimSpace(req.InvoiceNumber),
		PatientID:      req.PatientID,
		StudyID:        req.StudyID,
		LabClientID:    patient.LabClientID,
		Subtotal:       req.Subtotal,
		TaxAmount:      req.TaxAmount,
		DiscountAmount: req.DiscountAmount,
		IssueDate:      req.IssueDate,
		DueDate:        req.DueDate,
		Notes:          req.Notes,
	})
	if errors.Is(err, ErrInvoiceNumberTaken) {
		return models.Invoice{}, validation.NewError("invoice_number", "invoice number %q is already in use", req.InvoiceNumber)
	}
	if err != nil {
		return models.Invoice{}, err
	}

	s.invalidate(ctx, invoice.LabClientID)
	if s.notifier != nil {
		s.notifier.InvoiceIssued(ctx, invoice)
	}
	return invoice, nil
}

func (s *Service) GetInvoice(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Invoice, error) {
	invoice, err := s.repo.GetInvoice(ctx, id)
	if errors.Is(err, ErrInvoiceNotFound) {
		return models.Invoice{}, auth.ErrNotVisible
	}
	if err != nil {
		return models.Invoice{}, err
	}
	if !visible(caller, invoice) {
		return models.Invoice{}, auth.ErrNotVisible
	}
	return invoice, nil
}

func (s *Service) ListInvoices(ctx context.Context, caller auth.Identity, filter InvoiceFilter) ([]models.Invoice, error) {
	return s.repo.ListInvoices(ctx, caller, filter)
}

// RecordPayment applies a payment to an invoice the caller can see.
// Recording is staff work; the rollup of paid amount and status lives
// in the repository transaction.
func (s *Service) RecordPayment(ctx context.Context, caller auth.Identity, invoiceID uuid.UUID, req models.RecordPaymentRequest) (models.Payment, models.Invoice, error) {
	invoice, err := s.GetInvoice(ctx, caller, invoiceID)
	if err != nil {
		return models.Payment{}, models.Invoice{}, err
	}
	if !caller.IsStaff() {
		return models.Payment{}, models.Invoice{}, auth.ErrForbidden
	}
	if req.Amount <= 0 {
		return models.Payment{}, models.Invoice{}, validation.NewError("amount", "payment amount must be positive")
	}
	if req.Amount > invoice.BalanceDue() {
		return models.Payment{}, models.Invoice{}, validation.NewError("amount", "payment of %.2f exceeds the balance due of %.2f", req.Amount, invoice.BalanceDue())
	}
	if invoice.Status == models.InvoiceCancelled || invoice.Status == models.InvoiceRefunded {
		return models.Payment{}, models.Invoice{}, validation.NewError("invoice", "invoice %s does not accept payments", invoice.InvoiceNumber)
	}

	payment, updated, err := s.repo.RecordPayment(ctx, invoiceID, models.Payment{
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Method:        req.Method,
		Notes:         req.Notes,
	})
	if err != nil {
		return models.Payment{}, models.Invoice{}, err
	}

	s.invalidate(ctx, updated.LabClientID)
	if s.notifier != nil {
		s.notifier.PaymentReceived(ctx, updated, payment)
	}
	return payment, updated, nil
}

func (s *Service) ListPayments(ctx context.Context, caller auth.Identity, invoiceID uuid.UUID) ([]models.Payment, error) {
	if _, err := s.GetInvoice(ctx, caller, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListPayments(ctx, invoiceID)
}

func (s *Service) CancelInvoice(ctx context.Context, caller auth.Identity, id uuid.UUID) (models.Invoice, error) {
	invoice, err := s.GetInvoice(ctx, caller, id)
	if err != nil {
		return models.Invoice{}, err
	}
	if caller.Role != models.RoleAdmin {
		return models.Invoice{}, auth.ErrForbidden
	}
	if invoice.PaidAmount > 0 {
		return models.Invoice{}, validation.NewError("invoice", "invoice %s has recorded payments and cannot be cancelled", invoice.InvoiceNumber)
	}
	if err := s.repo.UpdateInvoice(ctx, id, map[string]interface{}{"status": string(models.InvoiceCancelled)}); err != nil {
		return models.Invoice{}, err
	}
	s.invalidate(ctx, invoice.LabClientID)
	return s.GetInvoice(ctx, caller, id)
}

func (s *Service) DeleteInvoice(ctx context.Context, caller auth.Identity, id uuid.UUID) error {
	if caller.Role != models.RoleAdmin {
		return auth.ErrForbidden
	}
	invoice, err := s.GetInvoice(ctx, caller, id)
	if err != nil {
		return err
	}
	if err := s.repo.SoftDeleteInvoice(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, invoice.LabClientID)
	return nil
}

func visible(caller auth.Identity, invoice models.Invoice) bool {
	return invoiceOwnership.Visible(caller, auth.Record{
		PatientID:   invoice.PatientID,
		LabClientID: invoice.LabClientID,
	})
}
