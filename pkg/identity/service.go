package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/common/validation"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
)

// Store is the persistence surface the service needs; satisfied by
// *Repository and by test fakes.
type Store interface {
	CreateUser(ctx context.Context, input CreateUserInput) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
	GetPasswordHash(ctx context.Context, id uuid.UUID) (string, error)
	ListUsers(ctx context.Context, caller auth.Identity, role models.Role, limit int) ([]models.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	MarkVerified(ctx context.Context, id uuid.UUID) error
	TouchLastLogin(ctx context.Context, id uuid.UUID) error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register handles patient self-registration. The role is always
// patient; staff and doctor accounts are provisioned by an admin.
func (s *Service) Register(ctx context.Context, req models.RegisterUserRequest) (models.User, error) {
	if strings.TrimSpace(req.Email) == "" {
		return models.User{}, validation.NewError("email", "email is required")
	}
	if len(req.Password) < 8 {
		return models.User{}, validation.NewError("password", "password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	user, err := s.store.CreateUser(ctx, CreateUserInput{
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		PhoneNumber:  req.PhoneNumber,
		Role:         models.RolePatient,
		LabClientID:  req.LabClientID,
		PasswordHash: string(hash),
	})
	if errors.Is(err, ErrEmailAlreadyExists) {
		return models.User{}, validation.NewError("email", "email already registered")
	}
	return user, err
}

// CreateUser provisions an account with an explicit role. Admin only;
// tenant-bound admins may only create users inside their own lab.
func (s *Service) CreateUser(ctx context.Context, caller auth.Identity, req models.RegisterUserRequest) (models.User, error) {
	if caller.Role != models.RoleAdmin {
		return models.User{}, auth.ErrForbidden
	}

	role := models.ParseRole(req.Role)
	if role == "" {
		return models.User{}, validation.NewError("role", "unknown role %q", req.Role)
	}
	if len(req.Password) < 8 {
		return models.User{}, validation.NewError("password", "password must be at least 8 characters")
	}

	labClientID := req.LabClientID
	if caller.LabClientID != nil {
		labClientID = caller.LabClientID
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	createdBy := caller.UserID
	user, err := s.store.CreateUser(ctx, CreateUserInput{
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		PhoneNumber:  req.PhoneNumber,
		Role:         role,
		LabClientID:  labClientID,
		PasswordHash: string(hash),
		CreatedBy:    &createdBy,
	})
	if errors.Is(err, ErrEmailAlreadyExists) {
		return models.User{}, validation.NewError("email", "email already registered")
	}
	return user, err
}

func (s *Service) Authenticate(ctx context.Context, email, password string) (models.User, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if !user.IsActive {
		return models.User{}, ErrAccountDisabled
	}
	if password == "" {
		return models.User{}, ErrInvalidCredentials
	}

	hash, err := s.store.GetPasswordHash(ctx, user.ID)
	if err != nil {
		return models.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return models.User{}, ErrInvalidCredentials
	}

	_ = s.store.TouchLastLogin(ctx, user.ID)
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (models.User, error) {
	return s.store.GetUserByID(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context, caller auth.Identity, role models.Role, limit int) ([]models.User, error) {
	if !caller.IsStaff() {
		return nil, auth.ErrForbidden
	}
	return s.store.ListUsers(ctx, caller, role, limit)
}

func (s *Service) UpdateProfile(ctx context.Context, caller auth.Identity, req models.UpdateProfileRequest) (models.User, error) {
	updates := map[string]interface{}{}
	if req.FirstName != nil {
		updates["first_name"] = *req.FirstName
	}
	if req.LastName != nil {
		updates["last_name"] = *req.LastName
	}
	if req.PhoneNumber != nil {
		updates["phone_number"] = *req.PhoneNumber
	}
	if len(updates) > 0 {
		if err := s.store.UpdateProfile(ctx, caller.UserID, updates); err != nil {
			return models.User{}, err
		}
	}
	return s.store.GetUserByID(ctx, caller.UserID)
}

// DeactivateUser soft-disables an account instead of deleting it.
func (s *Service) DeactivateUser(ctx context.Context, caller auth.Identity, id uuid.UUID) error {
	if caller.Role != models.RoleAdmin {
		return auth.ErrForbidden
	}
	return s.store.Deactivate(ctx, id)
}

// VerifyEmail marks an account's email as verified. Admin only; the
// original flow confirmed a mailed token, here the admin console is the
// confirmation channel.
func (s *Service) VerifyEmail(ctx context.Context, caller auth.Identity, id uuid.UUID) error {
	if caller.Role != models.RoleAdmin {
		return auth.ErrForbidden
	}
	return s.store.MarkVerified(ctx, id)
}
