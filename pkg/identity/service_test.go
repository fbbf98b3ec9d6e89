package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
	"golang.org/x/crypto/bcrypt"
)

type fakeStore struct {
	users    map[string]models.User
	hashes   map[uuid.UUID]string
	lastIn   CreateUserInput
	verified []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]models.User{}, hashes: map[uuid.UUID]string{}}
}

func (f *fakeStore) CreateUser(_ context.Context, input CreateUserInput) (models.User, error) {
	if _, ok := f.users[input.Email]; ok {
		return models.User{}, ErrEmailAlreadyExists
	}
	f.lastIn = input
	user := models.User{
		ID:          uuid.New(),
		Email:       input.Email,
		FirstName:   input.FirstName,
		LastName:    input.LastName,
		Role:        input.Role,
		LabClientID: input.LabClientID,
		IsActive:    true,
	}
	f.users[input.Email] = user
	f.hashes[user.ID] = input.PasswordHash
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	user, ok := f.users[email]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id uuid.UUID) (models.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, ErrUserNotFound
}

func (f *fakeStore) GetPasswordHash(_ context.Context, id uuid.UUID) (string, error) {
	return f.hashes[id], nil
}

func (f *fakeStore) ListUsers(_ context.Context, _ auth.Identity, _ models.Role, _ int) ([]models.User, error) {
	return nil, nil
}

func (f *fakeStore) UpdateProfile(_ context.Context, _ uuid.UUID, _ map[string]interface{}) error {
	return nil
}

func (f *fakeStore) Deactivate(_ context.Context, _ uuid.UUID) error { return nil }

func (f *fakeStore) MarkVerified(_ context.Context, id uuid.UUID) error {
	f.verified = append(f.verified, id)
	return nil
}

func (f *fakeStore) TouchLastLogin(_ context.Context, _ uuid.UUID) error { return nil }

func TestRegisterAlwaysCreatesPatient(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	user, err := svc.Register(context.Background(), models.RegisterUserRequest{
		Email:    "eva@example.com",
		Password: "correct-horse",
		Role:     "admin",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != models.RolePatient {
		t.Fatalf("expected patient role, got %s", user.Role)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeStore())

	_, err := svc.Register(context.Background(), models.RegisterUserRequest{
		Email:    "eva@example.com",
		Password: "short",
	})
	var verr validation.Error
	if !errors.As(err, &verr) || verr.Field != "password" {
		t.Fatalf("expected password validation error, got %v", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	req := models.RegisterUserRequest{Email: "eva@example.com", Password: "correct-horse"}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.Register(context.Background(), req)
	var verr validation.Error
	if !errors.As(err, &verr) || verr.Field != "email" {
		t.Fatalf("expected email validation error, got %v", err)
	}
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	svc := NewService(newFakeStore())

	caller := auth.Identity{UserID: uuid.New(), Role: models.RoleLabStaff}
	_, err := svc.CreateUser(context.Background(), caller, models.RegisterUserRequest{
		Email:    "tech@example.com",
		Password: "correct-horse",
		Role:     "technician",
	})
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCreateUserTenantAdminPinsLab(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	lab := int64(7)
	otherLab := int64(9)
	caller := auth.Identity{UserID: uuid.New(), Role: models.RoleAdmin, LabClientID: &lab}

	user, err := svc.CreateUser(context.Background(), caller, models.RegisterUserRequest{
		Email:       "tech@example.com",
		Password:    "correct-horse",
		Role:        "technician",
		LabClientID: &otherLab,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Role != models.RoleLabStaff {
		t.Fatalf("expected technician to normalize to lab_staff, got %s", user.Role)
	}
	if user.LabClientID == nil || *user.LabClientID != lab {
		t.Fatalf("expected user pinned to caller's lab %d, got %v", lab, user.LabClientID)
	}
	if store.lastIn.CreatedBy == nil || *store.lastIn.CreatedBy != caller.UserID {
		t.Fatalf("expected created_by to record the admin")
	}
}

func TestCreateUserRejectsUnknownRole(t *testing.T) {
	svc := NewService(newFakeStore())

	caller := auth.Identity{UserID: uuid.New(), Role: models.RoleAdmin}
	_, err := svc.CreateUser(context.Background(), caller, models.RegisterUserRequest{
		Email:    "x@example.com",
		Password: "correct-horse",
		Role:     "superuser",
	})
	var verr validation.Error
	if !errors.As(err, &verr) || verr.Field != "role" {
		t.Fatalf("expected role validation error, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	hash, _ := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	user, err := store.CreateUser(context.Background(), CreateUserInput{
		Email:        "eva@example.com",
		Role:         models.RolePatient,
		PasswordHash: string(hash),
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}

	got, err := svc.Authenticate(context.Background(), "eva@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("authenticated wrong user")
	}

	if _, err := svc.Authenticate(context.Background(), "eva@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "nobody@example.com", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}

	disabled := store.users["eva@example.com"]
	disabled.IsActive = false
	store.users["eva@example.com"] = disabled
	if _, err := svc.Authenticate(context.Background(), "eva@example.com", "correct-horse"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected account disabled, got %v", err)
	}
}

func TestVerifyEmailRequiresAdmin(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	user, err := svc.Register(context.Background(), models.RegisterUserRequest{
		Email:    "eva@example.com",
		Password: "correct-horse",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	staff := auth.Identity{UserID: uuid.New(), Role: models.RoleLabStaff}
	if err := svc.VerifyEmail(context.Background(), staff, user.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected forbidden for non-admin, got %v", err)
	}
	if len(store.verified) != 0 {
		t.Fatal("denied verification must not reach the store")
	}

	admin := auth.Identity{UserID: uuid.New(), Role: models.RoleAdmin}
	if err := svc.VerifyEmail(context.Background(), admin, user.ID); err != nil {
		t.Fatalf("verify email: %v", err)
	}
	if len(store.verified) != 1 || store.verified[0] != user.ID {
		t.Fatalf("expected %s marked verified, got %v", user.ID, store.verified)
	}
}
