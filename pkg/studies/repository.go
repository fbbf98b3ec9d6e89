package studies

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"gorm.io/gorm"
)

var (
	ErrStudyNotFound       = errors.New("study not found")
	ErrPracticeNotFound    = errors.New("practice not found")
	ErrProtocolNumberTaken = errors.New("protocol number already in use")
)

// studyOwnership is the single visibility definition for study rows;
// every list and point lookup goes through it.
var studyOwnership = auth.Ownership{
	PatientColumn: "patient_id",
	DoctorColumn:  "ordered_by_id",
	TenantColumn:  "lab_client_id",
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type practiceModel struct {
	ID                    uuid.UUID `gorm:"primaryKey;column:id"`
	Name                  string    `gorm:"column:name;uniqueIndex"`
	Technique             string    `gorm:"column:technique"`
	SampleType            string    `gorm:"column:sample_type"`
	SampleQuantity        string    `gorm:"column:sample_quantity"`
	SampleInstructions    string    `gorm:"column:sample_instructions"`
	ConservationTransport string    `gorm:"column:conservation_transport"`
	DelayDays             int       `gorm:"column:delay_days"`
	Price                 float64   `gorm:"column:price"`
	IsActive              bool      `gorm:"column:is_active;index"`
	CreatedAt             time.Time `gorm:"column:created_at"`
	UpdatedAt             time.Time `gorm:"column:updated_at"`
}

func (practiceModel) TableName() string { return "practices" }

type studyModel struct {
	ID                uuid.UUID  `gorm:"primaryKey;column:id"`
	ProtocolNumber    string     `gorm:"column:protocol_number;uniqueIndex"`
	PatientID         uuid.UUID  `gorm:"column:patient_id;index:idx_studies_patient"`
	PracticeID        uuid.UUID  `gorm:"column:practice_id"`
	OrderedByID       *uuid.UUID `gorm:"column:ordered_by_id;index:idx_studies_ordered_by"`
	LabClientID       *int64     `gorm:"column:lab_client_id;index:idx_studies_lab_client"`
	Status            string     `gorm:"column:status;index:idx_studies_status"`
	SolicitedDate     *time.Time `gorm:"column:solicited_date"`
	SampleID          string     `gorm:"column:sample_id"`
	SampleCollectedAt *time.Time `gorm:"column:sample_collected_at"`
	Results           string     `gorm:"column:results"`
	ResultsFile       string     `gorm:"column:results_file"`
	ResultsFileType   string     `gorm:"column:results_file_type"`
	CompletedAt       *time.Time `gorm:"column:completed_at"`
	Notes             string     `gorm:"column:notes"`
	IsDeleted         bool       `gorm:"column:is_deleted;index:idx_studies_deleted"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

func (studyModel) TableName() string { return "studies" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&practiceModel{}, &studyModel{})
}

// active is the default accessor: soft-deleted rows do not exist here.
func (r *Repository) active(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&studyModel{}).Where("is_deleted = ?", false)
}

// withDeleted sees every row, soft-deleted included. Audit paths only.
func (r *Repository) withDeleted(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&studyModel{})
}

// --- practices ---

type PracticeInput struct {
	Name                  string
	Technique             string
	SampleType            string
	SampleQuantity        string
	SampleInstructions    string
	ConservationTransport string
	DelayDays             int
	Price                 float64
}

func (r *Repository) CreatePractice(ctx context.Context, input PracticeInput) (models.Practice, error) {
	now := time.Now().UTC()
	row := practiceModel{
		ID:                    uuid.New(),
		Name:                  strings.TrimSpace(input.Name),
		Technique:             input.Technique,
		SampleType:            input.SampleType,
		SampleQuantity:        input.SampleQuantity,
		SampleInstructions:    input.SampleInstructions,
		ConservationTransport: input.ConservationTransport,
		DelayDays:             input.DelayDays,
		Price:                 input.Price,
		IsActive:              true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Practice{}, err
	}
	return mapPractice(row), nil
}

// UpsertPractice inserts the practice or refreshes an existing one by
// name. Used by the catalog seeder so reruns stay idempotent.
func (r *Repository) UpsertPractice(ctx context.Context, input PracticeInput) (models.Practice, bool, error) {
	name := strings.TrimSpace(input.Name)

	var existing practiceModel
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created, cerr := r.CreatePractice(ctx, input)
		return created, true, cerr
	}
	if err != nil {
		return models.Practice{}, false, err
	}

	updates := map[string]interface{}{
		"technique":              input.Technique,
		"sample_type":            input.SampleType,
		"sample_quantity":        input.SampleQuantity,
		"sample_instructions":    input.SampleInstructions,
		"conservation_transport": input.ConservationTransport,
		"delay_days":             input.DelayDays,
		"price":                  input.Price,
		"updated_at":             time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Model(&practiceModel{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return models.Practice{}, false, err
	}
	refreshed, err := r.GetPractice(ctx, existing.ID)
	return refreshed, false, err
}

func (r *Repository) GetPractice(ctx context.Context, id uuid.UUID) (models.Practice, error) {
	var row practiceModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Practice{}, ErrPracticeNotFound
	}
	if err != nil {
		return models.Practice{}, err
	}
	return mapPractice(row), nil
}

func (r *Repository) ListPractices(ctx context.Context, includeInactive bool) ([]models.Practice, error) {
	query := r.db.WithContext(ctx).Model(&practiceModel{}).Order("name ASC")
	if !includeInactive {
		query = query.Where("is_active = ?", true)
	}
	var rows []practiceModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	practices := make([]models.Practice, 0, len(rows))
	for _, row := range rows {
		practices = append(practices, mapPractice(row))
	}
	return practices, nil
}

func (r *Repository) DeactivatePractice(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&practiceModel{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": false, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPracticeNotFound
	}
	return nil
}

// --- studies ---

type CreateStudyRecord struct {
	ProtocolNumber    string
	PatientID         uuid.UUID
	PracticeID        uuid.UUID
	OrderedByID       *uuid.UUID
	LabClientID       *int64
	SolicitedDate     *time.Time
	SampleID          string
	SampleCollectedAt *time.Time
	Results           string
	Notes             string
	Status            models.StudyStatus
}

func (r *Repository) CreateStudy(ctx context.Context, rec CreateStudyRecord) (models.Study, error) {
	var existing int64
	if err := r.withDeleted(ctx).Where("protocol_number = ?", rec.ProtocolNumber).Count(&existing).Error; err != nil {
		return models.Study{}, err
	}
	if existing > 0 {
		return models.Study{}, ErrProtocolNumberTaken
	}

	now := time.Now().UTC()
	row := studyModel{
		ID:                uuid.New(),
		ProtocolNumber:    rec.ProtocolNumber,
		PatientID:         rec.PatientID,
		PracticeID:        rec.PracticeID,
		OrderedByID:       rec.OrderedByID,
		LabClientID:       rec.LabClientID,
		Status:            string(rec.Status),
		SolicitedDate:     rec.SolicitedDate,
		SampleID:          rec.SampleID,
		SampleCollectedAt: rec.SampleCollectedAt,
		Results:           rec.Results,
		Notes:             rec.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Study{}, err
	}
	return r.hydrate(ctx, row)
}

// GetStudy loads one live study without any visibility filtering; the
// service decides what the caller may see.
func (r *Repository) GetStudy(ctx context.Context, id uuid.UUID) (models.Study, error) {
	return r.getFrom(ctx, r.active(ctx), id)
}

// GetStudyAny also returns soft-deleted rows. Admin audit paths only.
func (r *Repository) GetStudyAny(ctx context.Context, id uuid.UUID) (models.Study, error) {
	return r.getFrom(ctx, r.withDeleted(ctx), id)
}

func (r *Repository) getFrom(ctx context.Context, query *gorm.DB, id uuid.UUID) (models.Study, error) {
	var row studyModel
	err := query.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Study{}, ErrStudyNotFound
	}
	if err != nil {
		return models.Study{}, err
	}
	return r.hydrate(ctx, row)
}

type StudyFilter struct {
	Status     models.StudyStatus
	PatientID  *uuid.UUID
	PracticeID *uuid.UUID
	Since      *time.Time
	Limit      int
}

func (r *Repository) ListStudies(ctx context.Context, caller auth.Identity, filter StudyFilter) ([]models.Study, error) {
	query := r.active(ctx).Scopes(studyOwnership.Scope(caller))
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.PatientID != nil {
		query = query.Where("patient_id = ?", *filter.PatientID)
	}
	if filter.PracticeID != nil {
		query = query.Where("practice_id = ?", *filter.PracticeID)
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", *filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var rows []studyModel
	if err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return r.hydrateAll(ctx, rows)
}

// AvailableForUpload returns the caller's visible studies that can still
// receive a result file: live, not cancelled, nothing attached yet.
func (r *Repository) AvailableForUpload(ctx context.Context, caller auth.Identity) ([]models.Study, error) {
	var rows []studyModel
	err := r.active(ctx).Scopes(studyOwnership.Scope(caller)).
		Where("results_file = ''").
		Where("status <> ?", string(models.StudyCancelled)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return r.hydrateAll(ctx, rows)
}

// WithResults returns the caller's visible studies that carry a result
// file attachment.
func (r *Repository) WithResults(ctx context.Context, caller auth.Identity) ([]models.Study, error) {
	var rows []studyModel
	err := r.active(ctx).Scopes(studyOwnership.Scope(caller)).
		Where("results_file <> ''").
		Order("completed_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return r.hydrateAll(ctx, rows)
}

// LastProtocolNumber returns the most recently issued protocol number
// within the given laboratory, or "" when none exist yet.
func (r *Repository) LastProtocolNumber(ctx context.Context, labClientID *int64) (string, error) {
	var row studyModel
	query := r.withDeleted(ctx).Scopes(auth.TenantScope("lab_client_id", labClientID))
	err := query.Order("created_at DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.ProtocolNumber, nil
}

func (r *Repository) UpdateStudy(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UTC()
	result := r.active(ctx).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStudyNotFound
	}
	return nil
}

// AttachResult records the stored blob and completes the study in a
// single UPDATE so status and attachment can never disagree.
func (r *Repository) AttachResult(ctx context.Context, id uuid.UUID, blobKey, contentType string, completedAt time.Time) error {
	return r.UpdateStudy(ctx, id, map[string]interface{}{
		"results_file":      blobKey,
		"results_file_type": contentType,
		"status":            string(models.StudyCompleted),
		"completed_at":      completedAt,
	})
}

// ClearResult detaches the blob and reverts the study to in_progress,
// again in one UPDATE.
func (r *Repository) ClearResult(ctx context.Context, id uuid.UUID) error {
	return r.UpdateStudy(ctx, id, map[string]interface{}{
		"results_file":      "",
		"results_file_type": "",
		"results":           "",
		"status":            string(models.StudyInProgress),
		"completed_at":      gorm.Expr("NULL"),
	})
}

func (r *Repository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.UpdateStudy(ctx, id, map[string]interface{}{"is_deleted": true})
}

func (r *Repository) Restore(ctx context.Context, id uuid.UUID) error {
	result := r.withDeleted(ctx).Where("id = ? AND is_deleted = ?", id, true).
		Updates(map[string]interface{}{"is_deleted": false, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStudyNotFound
	}
	return nil
}

// --- mapping ---

type userNameRow struct {
	ID        uuid.UUID
	Email     string
	FirstName string
	LastName  string
}

func (r *Repository) hydrate(ctx context.Context, row studyModel) (models.Study, error) {
	studies, err := r.hydrateAll(ctx, []studyModel{row})
	if err != nil {
		return models.Study{}, err
	}
	return studies[0], nil
}

// hydrateAll maps rows to the API shape and fills in patient, doctor
// and practice details with two batched lookups.
func (r *Repository) hydrateAll(ctx context.Context, rows []studyModel) ([]models.Study, error) {
	if len(rows) == 0 {
		return []models.Study{}, nil
	}

	userIDs := make([]uuid.UUID, 0, len(rows)*2)
	practiceIDs := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		userIDs = append(userIDs, row.PatientID)
		if row.OrderedByID != nil {
			userIDs = append(userIDs, *row.OrderedByID)
		}
		practiceIDs = append(practiceIDs, row.PracticeID)
	}

	var nameRows []userNameRow
	if err := r.db.WithContext(ctx).Table("users").
		Select("id, email, first_name, last_name").
		Where("id IN ?", userIDs).
		Scan(&nameRows).Error; err != nil {
		return nil, err
	}
	names := make(map[uuid.UUID]userNameRow, len(nameRows))
	for _, n := range nameRows {
		names[n.ID] = n
	}

	var practiceRows []practiceModel
	if err := r.db.WithContext(ctx).Where("id IN ?", practiceIDs).Find(&practiceRows).Error; err != nil {
		return nil, err
	}
	practices := make(map[uuid.UUID]models.Practice, len(practiceRows))
	for _, p := range practiceRows {
		practices[p.ID] = mapPractice(p)
	}

	studies := make([]models.Study, 0, len(rows))
	for _, row := range rows {
		study := models.Study{
			ID:                row.ID,
			ProtocolNumber:    row.ProtocolNumber,
			PatientID:         row.PatientID,
			PracticeID:        row.PracticeID,
			OrderedByID:       row.OrderedByID,
			LabClientID:       row.LabClientID,
			Status:            models.StudyStatus(row.Status),
			SolicitedDate:     row.SolicitedDate,
			SampleID:          row.SampleID,
			SampleCollectedAt: row.SampleCollectedAt,
			Results:           row.Results,
			ResultsFile:       row.ResultsFile,
			ResultsFileType:   row.ResultsFileType,
			CompletedAt:       row.CompletedAt,
			Notes:             row.Notes,
			IsDeleted:         row.IsDeleted,
			CreatedAt:         row.CreatedAt,
			UpdatedAt:         row.UpdatedAt,
		}
		if patient, ok := names[row.PatientID]; ok {
			study.PatientEmail = patient.Email
			study.PatientName = strings.TrimSpace(patient.FirstName + " " + patient.LastName)
		}
		if row.OrderedByID != nil {
			if doctor, ok := names[*row.OrderedByID]; ok {
				study.OrderedByName = strings.TrimSpace(doctor.FirstName + " " + doctor.LastName)
			}
		}
		if practice, ok := practices[row.PracticeID]; ok {
			detail := practice
			study.PracticeDetail = &detail
		}
		studies = append(studies, study)
	}
	return studies, nil
}

func mapPractice(row practiceModel) models.Practice {
	return models.Practice{
		ID:                    row.ID,
		Name:                  row.Name,
		Technique:             row.Technique,
		SampleType:            row.SampleType,
		SampleQuantity:        row.SampleQuantity,
		SampleInstructions:    row.SampleInstructions,
		ConservationTransport: row.ConservationTransport,
		DelayDays:             row.DelayDays,
		Price:                 row.Price,
		IsActive:              row.IsActive,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}
}
