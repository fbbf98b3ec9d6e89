package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/common/models"
)

type fakeSender struct {
	failures int
	calls    int
	lastTo   string
	lastSubj string
}

func (f *fakeSender) Send(to, subject, _ string) error {
	f.calls++
	f.lastTo = to
	f.lastSubj = subject
	if f.calls <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

type fakeStatusStore struct {
	statuses map[uuid.UUID]models.NotificationStatus
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{statuses: map[uuid.UUID]models.NotificationStatus{}}
}

func (f *fakeStatusStore) UpdateStatus(_ context.Context, id uuid.UUID, status models.NotificationStatus, _ *time.Time) error {
	f.statuses[id] = status
	return nil
}

func emailJob(kind models.NotificationType) models.EmailJob {
	return models.EmailJob{
		ID:          uuid.NewString(),
		UserID:      uuid.New(),
		Recipient:   "eva@example.com",
		TemplateKey: kind,
		Params:      map[string]interface{}{"protocol_number": "P-0042", "practice_name": "Hemogram"},
	}
}

func TestWorkerDeliversAndRecordsStatus(t *testing.T) {
	sender := &fakeSender{}
	store := newFakeStatusStore()
	worker := NewWorker(sender, store, DefaultTemplates(), 3, time.Millisecond)

	job := emailJob(models.NotificationResultReady)
	if err := worker.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected one send, got %d", sender.calls)
	}
	if sender.lastTo != "eva@example.com" {
		t.Fatalf("sent to %q", sender.lastTo)
	}
	id := uuid.MustParse(job.ID)
	if store.statuses[id] != models.NotificationDelivered {
		t.Fatalf("status = %s, want delivered", store.statuses[id])
	}
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	sender := &fakeSender{failures: 2}
	store := newFakeStatusStore()
	worker := NewWorker(sender, store, DefaultTemplates(), 3, time.Millisecond)

	job := emailJob(models.NotificationResultReady)
	if err := worker.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected three attempts, got %d", sender.calls)
	}
	if store.statuses[uuid.MustParse(job.ID)] != models.NotificationDelivered {
		t.Fatal("expected delivery after retries")
	}
}

func TestWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	sender := &fakeSender{failures: 10}
	store := newFakeStatusStore()
	worker := NewWorker(sender, store, DefaultTemplates(), 3, time.Millisecond)

	job := emailJob(models.NotificationResultReady)
	if err := worker.Handle(context.Background(), job); err != nil {
		t.Fatalf("terminal failure must not bounce the job: %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected exactly three attempts, got %d", sender.calls)
	}
	if store.statuses[uuid.MustParse(job.ID)] != models.NotificationFailed {
		t.Fatal("expected notification marked failed")
	}
}

func TestWorkerDropsUnknownTemplate(t *testing.T) {
	sender := &fakeSender{}
	worker := NewWorker(sender, newFakeStatusStore(), DefaultTemplates(), 3, time.Millisecond)

	if err := worker.Handle(context.Background(), emailJob("totally_unknown")); err != nil {
		t.Fatalf("unknown template must be dropped, not retried: %v", err)
	}
	if sender.calls != 0 {
		t.Fatal("unknown template must never reach the sender")
	}
}

func TestWorkerBackoffDoublesPerAttempt(t *testing.T) {
	worker := NewWorker(&fakeSender{}, newFakeStatusStore(), DefaultTemplates(), 5, 100*time.Millisecond)

	for _, tc := range []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	} {
		if got := worker.delay(tc.attempt); got != tc.want {
			t.Errorf("delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	sender := &fakeSender{failures: 10}
	worker := NewWorker(sender, newFakeStatusStore(), DefaultTemplates(), 5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := worker.Handle(ctx, emailJob(models.NotificationResultReady))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTemplateRendering(t *testing.T) {
	templates := DefaultTemplates()

	subject, body, err := templates.Render(models.NotificationResultReady, map[string]interface{}{
		"protocol_number": "P-0042",
		"practice_name":   "Hemogram",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if subject != "Results ready for study P-0042" {
		t.Fatalf("subject = %q", subject)
	}
	if body == "" {
		t.Fatal("empty body")
	}

	if _, _, err := templates.Render("nope", nil); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}
