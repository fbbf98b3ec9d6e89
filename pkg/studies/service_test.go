package studies

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/blobstore"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
)

type fakeStore struct {
	practices map[uuid.UUID]models.Practice
	studies   map[uuid.UUID]models.Study
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		practices: map[uuid.UUID]models.Practice{},
		studies:   map[uuid.UUID]models.Study{},
	}
}

func (f *fakeStore) CreatePractice(_ context.Context, input PracticeInput) (models.Practice, error) {
	practice := models.Practice{ID: uuid.New(), Name: input.Name, Price: input.Price, IsActive: true}
	f.practices[practice.ID] = practice
	return practice, nil
}

func (f *fakeStore) GetPractice(_ context.Context, id uuid.UUID) (models.Practice, error) {
	practice, ok := f.practices[id]
	if !ok {
		return models.Practice{}, ErrPracticeNotFound
	}
	return practice, nil
}

func (f *fakeStore) ListPractices(_ context.Context, includeInactive bool) ([]models.Practice, error) {
	var out []models.Practice
	for _, p := range f.practices {
		if p.IsActive || includeInactive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) DeactivatePractice(_ context.Context, id uuid.UUID) error {
	practice, ok := f.practices[id]
	if !ok {
		return ErrPracticeNotFound
	}
	practice.IsActive = false
	f.practices[id] = practice
	return nil
}

func (f *fakeStore) CreateStudy(_ context.Context, rec CreateStudyRecord) (models.Study, error) {
	for _, existing := range f.studies {
		if existing.ProtocolNumber == rec.ProtocolNumber {
			return models.Study{}, ErrProtocolNumberTaken
		}
	}
	study := models.Study{
		ID:                uuid.New(),
		ProtocolNumber:    rec.ProtocolNumber,
		PatientID:         rec.PatientID,
		PracticeID:        rec.PracticeID,
		OrderedByID:       rec.OrderedByID,
		LabClientID:       rec.LabClientID,
		Status:            rec.Status,
		SampleID:          rec.SampleID,
		SampleCollectedAt: rec.SampleCollectedAt,
		Results:           rec.Results,
		Notes:             rec.Notes,
	}
	f.studies[study.ID] = study
	return study, nil
}

func (f *fakeStore) GetStudy(_ context.Context, id uuid.UUID) (models.Study, error) {
	study, ok := f.studies[id]
	if !ok || study.IsDeleted {
		return models.Study{}, ErrStudyNotFound
	}
	return study, nil
}

func (f *fakeStore) GetStudyAny(_ context.Context, id uuid.UUID) (models.Study, error) {
	study, ok := f.studies[id]
	if !ok {
		return models.Study{}, ErrStudyNotFound
	}
	return study, nil
}

func (f *fakeStore) ListStudies(_ context.Context, _ auth.Identity, _ StudyFilter) ([]models.Study, error) {
	return nil, nil
}

func (f *fakeStore) AvailableForUpload(_ context.Context, _ auth.Identity) ([]models.Study, error) {
	return nil, nil
}

func (f *fakeStore) WithResults(_ context.Context, _ auth.Identity) ([]models.Study, error) {
	return nil, nil
}

func (f *fakeStore) LastProtocolNumber(_ context.Context, _ *int64) (string, error) {
	return "", nil
}

func (f *fakeStore) UpdateStudy(_ context.Context, id uuid.UUID, updates map[string]interface{}) error {
	study, ok := f.studies[id]
	if !ok {
		return ErrStudyNotFound
	}
	if v, ok := updates["status"]; ok {
		study.Status = models.StudyStatus(v.(string))
	}
	if v, ok := updates["sample_collected_at"]; ok {
		at := v.(time.Time)
		study.SampleCollectedAt = &at
	}
	f.studies[id] = study
	return nil
}

func (f *fakeStore) AttachResult(_ context.Context, id uuid.UUID, blobKey, contentType string, completedAt time.Time) error {
	study, ok := f.studies[id]
	if !ok {
		return ErrStudyNotFound
	}
	study.ResultsFile = blobKey
	study.ResultsFileType = contentType
	study.Status = models.StudyCompleted
	study.CompletedAt = &completedAt
	f.studies[id] = study
	return nil
}

func (f *fakeStore) ClearResult(_ context.Context, id uuid.UUID) error {
	study, ok := f.studies[id]
	if !ok {
		return ErrStudyNotFound
	}
	study.ResultsFile = ""
	study.ResultsFileType = ""
	study.Results = ""
	study.CompletedAt = nil
	study.Status = models.StudyInProgress
	f.studies[id] = study
	return nil
}

func (f *fakeStore) SoftDelete(_ context.Context, id uuid.UUID) error {
	study, ok := f.studies[id]
	if !ok {
		return ErrStudyNotFound
	}
	study.IsDeleted = true
	f.studies[id] = study
	return nil
}

func (f *fakeStore) Restore(_ context.Context, id uuid.UUID) error {
	study, ok := f.studies[id]
	if !ok {
		return ErrStudyNotFound
	}
	study.IsDeleted = false
	f.studies[id] = study
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
	resultReady []models.Study
}

func (f *fakeNotifier) ResultReady(_ context.Context, study models.Study) {
	f.resultReady = append(f.resultReady, study)
}

type fakeCache struct {
	invalidations int
}

func (f *fakeCache) Invalidate(_ context.Context, _ *int64) { f.invalidations++ }

type serviceFixture struct {
	svc      *Service
	store    *fakeStore
	blobs    *blobstore.MemoryStore
	notifier *fakeNotifier
	cache    *fakeCache
	patient  models.User
	practice models.Practice
	admin    auth.Identity
	tech     auth.Identity
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	store := newFakeStore()
	blobs := blobstore.NewMemoryStore()
	notifier := &fakeNotifier{}
	cache := &fakeCache{}

	lab := int64(7)
	patient := models.User{ID: uuid.New(), Email: "eva@example.com", Role: models.RolePatient, LabClientID: &lab, IsActive: true}
	directory := &fakeDirectory{users: map[uuid.UUID]models.User{patient.ID: patient}}

	practice, err := store.CreatePractice(context.Background(), PracticeInput{Name: "Hemogram", Price: 40})
	if err != nil {
		t.Fatalf("seed practice: %v", err)
	}

	return &serviceFixture{
		svc:      NewService(store, directory, blobs, NewFileValidator(10<<20), notifier, cache),
		store:    store,
		blobs:    blobs,
		notifier: notifier,
		cache:    cache,
		patient:  patient,
		practice: practice,
		admin:    auth.Identity{UserID: uuid.New(), Role: models.RoleAdmin},
		tech:     auth.Identity{UserID: uuid.New(), Role: models.RoleLabStaff, LabClientID: &lab},
	}
}

func (fx *serviceFixture) createRequest(protocol string) models.CreateStudyRequest {
	return models.CreateStudyRequest{
		ProtocolNumber: protocol,
		PatientID:      fx.patient.ID,
		PracticeID:     fx.practice.ID,
	}
}

func resultPDF() models.ResultFile {
	return models.ResultFile{Filename: "report.pdf", Data: pdfBytes}
}

func TestCreateStudyRejectsDuplicateProtocol(t *testing.T) {
	fx := newServiceFixture(t)

	if _, err := fx.svc.CreateStudy(context.Background(), fx.admin, fx.createRequest("P-0001"), nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := fx.svc.CreateStudy(context.Background(), fx.admin, fx.createRequest("P-0001"), nil)
	var verr validation.Error
	if !errors.As(err, &verr) || verr.Field != "protocol_number" {
		t.Fatalf("expected protocol_number validation error, got %v", err)
	}
	if len(fx.store.studies) != 1 {
		t.Fatalf("duplicate create must not persist a second study, have %d", len(fx.store.studies))
	}
}

func TestCreateStudyWithoutFileSendsNoNotification(t *testing.T) {
	fx := newServiceFixture(t)

	study, err := fx.svc.CreateStudy(context.Background(), fx.admin, fx.createRequest("P-0002"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if study.Status != models.StudyPending {
		t.Fatalf("status = %s, want pending", study.Status)
	}
	if len(fx.notifier.resultReady) != 0 {
		t.Fatal("create without a file must not notify")
	}
}

func TestCreateStudyWithFileCompletesImmediately(t *testing.T) {
	fx := newServiceFixture(t)

	file := resultPDF()
	study, err := fx.svc.CreateStudy(context.Background(), fx.admin, fx.createRequest("P-0003"), &file)
	if err != nil {
		t.Fatalf("create with file: %v", err)
	}
	if study.Status != models.StudyCompleted {
		t.Fatalf("status = %s, want completed", study.Status)
	}
	if study.ResultsFile == "" || study.CompletedAt == nil {
		t.Fatal("expected result file attached and completion timestamp set")
	}
	if fx.blobs.Len() != 1 {
		t.Fatalf("expected one stored blob, have %d", fx.blobs.Len())
	}
	if len(fx.notifier.resultReady) != 1 {
		t.Fatalf("expected one result-ready notification, got %d", len(fx.notifier.resultReady))
	}
}

func TestCreateStudyRejectsBadFileBeforePersisting(t *testing.T) {
	fx := newServiceFixture(t)

	file := models.ResultFile{Filename: "notes.txt", Data: []byte("plain text, not a result")}
	_, err := fx.svc.CreateStudy(context.Background(), fx.admin, fx.createRequest("P-0004"), &file)
	var verr validation.Error
	if !errors.As(err, &verr) || verr.Field != "file" {
		t.Fatalf("expected file validation error, got %v", err)
	}
	if len(fx.store.studies) != 0 {
		t.Fatal("rejected file must leave no study row behind")
	}
	if fx.blobs.Len() != 0 {
		t.Fatal("rejected file must leave no blob behind")
	}
}

func TestUploadResultReplaceRequiresAdmin(t *testing.T) {
	fx := newServiceFixture(t)

	study, err := fx.svc.CreateStudy(context.Background(), fx.tech, fx.createRequest("P-0005"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := fx.svc.UploadResult(context.Background(), fx.tech, study.ID, resultPDF())
	if err != nil {
		t.Fatalf("first upload by technician: %v", err)
	}

	_, err = fx.svc.UploadResult(context.Background(), fx.tech, study.ID, resultPDF())
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected forbidden for technician replace, got %v", err)
	}
	unchanged, err := fx.store.GetStudy(context.Background(), study.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if unchanged.ResultsFile != first.ResultsFile {
		t.Fatal("denied replace must leave the attached file untouched")
	}
	if fx.blobs.Len() != 1 {
		t.Fatalf("denied replace must not add blobs, have %d", fx.blobs.Len())
	}

	replaced, err := fx.svc.UploadResult(context.Background(), fx.admin, study.ID, resultPDF())
	if err != nil {
		t.Fatalf("admin replace: %v", err)
	}
	if replaced.ResultsFile == first.ResultsFile {
		t.Fatal("admin replace must store a fresh blob")
	}
	if fx.blobs.Len() != 1 {
		t.Fatalf("replaced blob must be deleted, have %d", fx.blobs.Len())
	}
}

func TestUploadResultRejectedForCancelledStudy(t *testing.T) {
	fx := newServiceFixture(t)

	study, err := fx.svc.CreateStudy(context.Background(), fx.admin, fx.createRequest("P-0006"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fx.svc.Cancel(context.Background(), fx.admin, study.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = fx.svc.UploadResult(context.Background(), fx.admin, study.ID, resultPDF())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestDownloadResultHiddenFromOtherPatients(t *testing.T) {
	fx := newServiceFixture(t)

	file := resultPDF()
	study, err := fx.svc.CreateStudy(context.Background(), fx.admin, fx.createRequest("P-0007"), &file)
	if err != nil {
		t.Fatalf("create with file: %v", err)
	}

	owner := auth.Identity{UserID: fx.patient.ID, Role: models.RolePatient}
	if _, data, err := fx.svc.DownloadResult(context.Background(), owner, study.ID); err != nil || len(data) == 0 {
		t.Fatalf("owner download: data=%d err=%v", len(data), err)
	}

	stranger := auth.Identity{UserID: uuid.New(), Role: models.RolePatient}
	_, _, err = fx.svc.DownloadResult(context.Background(), stranger, study.ID)
	if !errors.Is(err, auth.ErrNotVisible) {
		t.Fatalf("expected not visible for another patient, got %v", err)
	}
}

func TestDeleteResultRevertsToInProgress(t *testing.T) {
	fx := newServiceFixture(t)

	file := resultPDF()
	study, err := fx.svc.CreateStudy(context.Background(), fx.admin, fx.createRequest("P-0008"), &file)
	if err != nil {
		t.Fatalf("create with file: %v", err)
	}

	reverted, err := fx.svc.DeleteResult(context.Background(), fx.admin, study.ID)
	if err != nil {
		t.Fatalf("delete result: %v", err)
	}
	if reverted.Status != models.StudyInProgress {
		t.Fatalf("status = %s, want in_progress", reverted.Status)
	}
	if reverted.HasResultFile() || reverted.CompletedAt != nil {
		t.Fatal("expected file reference and completion timestamp cleared")
	}
	if fx.blobs.Len() != 0 {
		t.Fatalf("expected detached blob removed, have %d", fx.blobs.Len())
	}
	if _, err := fx.svc.DeleteResult(context.Background(), fx.admin, study.ID); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected no-result error on second delete, got %v", err)
	}
}

func TestStudyMutationsInvalidateDashboard(t *testing.T) {
	fx := newServiceFixture(t)

	study, err := fx.svc.CreateStudy(context.Background(), fx.admin, fx.createRequest("P-0009"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if fx.cache.invalidations != 1 {
		t.Fatalf("create must invalidate the dashboard, got %d calls", fx.cache.invalidations)
	}
	if _, err := fx.svc.UpdateStatus(context.Background(), fx.admin, study.ID, models.StudySampleCollected); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if fx.cache.invalidations != 2 {
		t.Fatalf("status change must invalidate the dashboard, got %d calls", fx.cache.invalidations)
	}
}
