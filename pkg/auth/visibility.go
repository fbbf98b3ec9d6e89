package auth

import (
	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"gorm.io/gorm"
)

// TenantScope restricts rows to one laboratory client. A nil id means
// the caller operates globally and the set is left unfiltered. This is
// a pure filter and is applied before any role-based narrowing.
func TenantScope(column string, labClientID *int64) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if labClientID == nil {
			return db
		}
		return db.Where(column+" = ?", *labClientID)
	}
}

// Ownership names the columns that tie an entity's rows to the users
// who may see them. One resolver serves every entity; the per-entity
// branching the role rules need lives here and nowhere else.
type Ownership struct {
	// PatientColumn holds the owning patient's user id.
	PatientColumn string
	// DoctorColumn holds the ordering doctor's user id. Entities with no
	// doctor ownership leave it empty; doctors then see no rows.
	DoctorColumn string
	// TenantColumn holds the laboratory client id.
	TenantColumn string
}

// Scope returns the caller's visible row set as a gorm scope.
//
// Policy:
//   - admin with no lab: every row, across labs
//   - admin with a lab, or lab_staff: every row in their lab
//   - doctor: only rows they ordered, regardless of lab
//   - patient: only their own rows
//   - anyone else: nothing
func (o Ownership) Scope(caller Identity) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		switch caller.Role {
		case models.RoleAdmin:
			return TenantScope(o.TenantColumn, caller.LabClientID)(db)
		case models.RoleLabStaff:
			if caller.LabClientID == nil {
				return db.Where("1 = 0")
			}
			return db.Where(o.TenantColumn+" = ?", *caller.LabClientID)
		case models.RoleDoctor:
			if o.DoctorColumn == "" {
				return db.Where("1 = 0")
			}
			return db.Where(o.DoctorColumn+" = ?", caller.UserID)
		case models.RolePatient:
			return db.Where(o.PatientColumn+" = ?", caller.UserID)
		default:
			return db.Where("1 = 0")
		}
	}
}

// Record is the ownership projection of a single loaded row, used for
// point lookups where the row is already in hand.
type Record struct {
	PatientID   uuid.UUID
	DoctorID    *uuid.UUID
	LabClientID *int64
}

// Visible mirrors Scope for a single record.
func (o Ownership) Visible(caller Identity, rec Record) bool {
	switch caller.Role {
	case models.RoleAdmin:
		if caller.LabClientID == nil {
			return true
		}
		return rec.LabClientID != nil && *rec.LabClientID == *caller.LabClientID
	case models.RoleLabStaff:
		if caller.LabClientID == nil {
			return false
		}
		return rec.LabClientID != nil && *rec.LabClientID == *caller.LabClientID
	case models.RoleDoctor:
		if o.DoctorColumn == "" || rec.DoctorID == nil {
			return false
		}
		return *rec.DoctorID == caller.UserID
	case models.RolePatient:
		return rec.PatientID == caller.UserID
	default:
		return false
	}
}
