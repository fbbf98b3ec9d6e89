package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/common/models"
)

var (
	// ErrForbidden denies a role-gated management action. Handlers map it
	// to 403; the target record's existence is allowed to be revealed.
	ErrForbidden = errors.New("forbidden")

	// ErrNotVisible means the caller's role/tenant does not entitle them
	// to the record at all. Handlers map it to 404, indistinguishable
	// from a record that does not exist.
	ErrNotVisible = errors.New("record not visible")
)

// Identity is the authenticated caller attached to every request.
// Admins operating across all laboratories carry a nil LabClientID.
type Identity struct {
	UserID      uuid.UUID
	Email       string
	Role        models.Role
	LabClientID *int64
}

func (id Identity) IsZero() bool {
	return id.UserID == uuid.Nil
}

func (id Identity) IsStaff() bool {
	return id.Role == models.RoleAdmin || id.Role == models.RoleLabStaff
}

type contextKey string

const callerContextKey contextKey = "labcontrol.caller"

func WithCaller(ctx context.Context, caller Identity) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

func CallerFrom(ctx context.Context) (Identity, bool) {
	caller, ok := ctx.Value(callerContextKey).(Identity)
	return caller, ok && !caller.IsZero()
}

// Caller returns the authenticated identity or a zero Identity when the
// request never passed the auth middleware. A zero identity carries no
// role, so every visibility resolver treats it as seeing nothing.
func Caller(ctx context.Context) Identity {
	caller, _ := CallerFrom(ctx)
	return caller
}
