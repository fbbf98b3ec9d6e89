package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailAlreadyExists = errors.New("email already registered")
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type UserModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"uniqueIndex"`
	FirstName    string
	LastName     string
	PhoneNumber  string
	Role         string `gorm:"index;index:idx_users_active_role,priority:2"`
	LabClientID  *int64 `gorm:"index"`
	PasswordHash string
	IsActive     bool `gorm:"index:idx_users_active_role,priority:1"`
	IsVerified   bool
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	DateJoined   time.Time
	LastLogin    *time.Time
	UpdatedAt    time.Time
	CreatedBy    *uuid.UUID `gorm:"type:uuid"`
}

func (UserModel) TableName() string {
	return "users"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&UserModel{})
}

type CreateUserInput struct {
	Email        string
	FirstName    string
	LastName     string
	PhoneNumber  string
	Role         models.Role
	LabClientID  *int64
	PasswordHash string
	CreatedBy    *uuid.UUID
	Metadata     map[string]interface{}
}

func (r *Repository) CreateUser(ctx context.Context, input CreateUserInput) (models.User, error) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(input.Email))

	var existing int64
	if err := r.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", normalizedEmail).Count(&existing).Error; err != nil {
		return models.User{}, err
	}
	if existing > 0 {
		return models.User{}, ErrEmailAlreadyExists
	}

	user := UserModel{
		ID:           uuid.New(),
		Email:        normalizedEmail,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		PhoneNumber:  input.PhoneNumber,
		Role:         string(input.Role),
		LabClientID:  input.LabClientID,
		PasswordHash: input.PasswordHash,
		IsActive:     true,
		Metadata:     datatypes.JSONMap(input.Metadata),
		DateJoined:   time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
		CreatedBy:    input.CreatedBy,
	}

	if err := r.db.WithContext(ctx).Create(&user).Error; err != nil {
		return models.User{}, err
	}

	return mapUserModel(user), nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	var user UserModel
	err := r.db.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return mapUserModel(user), nil
}

func (r *Repository) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	var user UserModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return mapUserModel(user), nil
}

func (r *Repository) GetPasswordHash(ctx context.Context, id uuid.UUID) (string, error) {
	var user UserModel
	err := r.db.WithContext(ctx).Select("password_hash").Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	return user.PasswordHash, nil
}

// ListUsers returns active users visible to the caller: global admins
// see every lab, tenant-bound staff only their own.
func (r *Repository) ListUsers(ctx context.Context, caller auth.Identity, role models.Role, limit int) ([]models.User, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := r.db.WithContext(ctx).
		Scopes(auth.TenantScope("lab_client_id", caller.LabClientID)).
		Where("is_active = ?", true)
	if role != "" {
		query = query.Where("role = ?", string(role))
	}

	var rows []UserModel
	if err := query.Order("date_joined DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, mapUserModel(row))
	}
	return users, nil
}

func (r *Repository) UpdateProfile(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Deactivate soft-disables an account. Accounts are never hard-deleted.
func (r *Repository) Deactivate(ctx context.Context, id uuid.UUID) error {
	return r.UpdateProfile(ctx, id, map[string]interface{}{"is_active": false})
}

func (r *Repository) MarkVerified(ctx context.Context, id uuid.UUID) error {
	return r.UpdateProfile(ctx, id, map[string]interface{}{"is_verified": true})
}

func (r *Repository) TouchLastLogin(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).
		Update("last_login", now).Error
}

func mapUserModel(user UserModel) models.User {
	return models.User{
		ID:          user.ID,
		Email:       user.Email,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		PhoneNumber: user.PhoneNumber,
		Role:        models.Role(user.Role),
		LabClientID: user.LabClientID,
		IsActive:    user.IsActive,
		IsVerified:  user.IsVerified,
		DateJoined:  user.DateJoined,
		LastLogin:   user.LastLogin,
		UpdatedAt:   user.UpdatedAt,
		CreatedBy:   user.CreatedBy,
		Metadata:    map[string]interface{}(user.Metadata),
	}
}
