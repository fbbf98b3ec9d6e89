package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/common/models"
)

func newTestManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager("test-secret-0123456789abcdef", "labcontrol", "labcontrol-api", time.Hour)
	if err != nil {
		t.Fatalf("failed to create jwt manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyToken(t *testing.T) {
	m := newTestManager(t)
	lab := int64(4)
	user := models.User{
		ID:          uuid.New(),
		Email:       "staff@lab.example",
		Role:        models.RoleLabStaff,
		LabClientID: &lab,
	}

	token, err := m.IssueToken(user)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	caller, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("failed to verify token: %v", err)
	}
	if caller.UserID != user.ID {
		t.Errorf("user id = %s, want %s", caller.UserID, user.ID)
	}
	if caller.Role != models.RoleLabStaff {
		t.Errorf("role = %s, want lab_staff", caller.Role)
	}
	if caller.LabClientID == nil || *caller.LabClientID != lab {
		t.Errorf("lab client id = %v, want %d", caller.LabClientID, lab)
	}
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	m := newTestManager(t)
	m.nowFunc = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := m.IssueToken(models.User{ID: uuid.New(), Role: models.RolePatient})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	m.nowFunc = time.Now
	if _, err := m.VerifyToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifyTokenRejectsTampering(t *testing.T) {
	m := newTestManager(t)
	token, err := m.IssueToken(models.User{ID: uuid.New(), Role: models.RolePatient})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	tampered := token[:len(token)-4] + "AAAA"
	if _, err := m.VerifyToken(tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}

	other, _ := NewJWTManager("another-secret-0123456789abcdef", "labcontrol", "labcontrol-api", time.Hour)
	if _, err := other.VerifyToken(token); err == nil {
		t.Fatal("expected token signed with a different key to be rejected")
	}
}

func TestVerifyTokenRejectsUnknownRole(t *testing.T) {
	m := newTestManager(t)
	token, err := m.IssueToken(models.User{ID: uuid.New(), Role: "superuser"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if _, err := m.VerifyToken(token); err == nil {
		t.Fatal("expected unknown role to be rejected")
	}
}
