package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/common/models"
)

func int64Ptr(v int64) *int64 { return &v }

func TestVisibilityPolicyMatrix(t *testing.T) {
	patient := uuid.New()
	doctor := uuid.New()
	otherDoctor := uuid.New()

	studyOwnership := Ownership{
		PatientColumn: "patient_id",
		DoctorColumn:  "ordered_by_id",
		TenantColumn:  "lab_client_id",
	}

	record := Record{
		PatientID:   patient,
		DoctorID:    &doctor,
		LabClientID: int64Ptr(7),
	}

	cases := []struct {
		name    string
		caller  Identity
		visible bool
	}{
		{"global admin sees everything", Identity{UserID: uuid.New(), Role: models.RoleAdmin}, true},
		{"tenant admin sees own lab", Identity{UserID: uuid.New(), Role: models.RoleAdmin, LabClientID: int64Ptr(7)}, true},
		{"tenant admin blocked from other lab", Identity{UserID: uuid.New(), Role: models.RoleAdmin, LabClientID: int64Ptr(9)}, false},
		{"lab staff sees own lab", Identity{UserID: uuid.New(), Role: models.RoleLabStaff, LabClientID: int64Ptr(7)}, true},
		{"lab staff blocked from other lab", Identity{UserID: uuid.New(), Role: models.RoleLabStaff, LabClientID: int64Ptr(8)}, false},
		{"lab staff without lab sees nothing", Identity{UserID: uuid.New(), Role: models.RoleLabStaff}, false},
		{"ordering doctor sees own order", Identity{UserID: doctor, Role: models.RoleDoctor, LabClientID: int64Ptr(7)}, true},
		{"other doctor blocked even in same lab", Identity{UserID: otherDoctor, Role: models.RoleDoctor, LabClientID: int64Ptr(7)}, false},
		{"owning patient sees own study", Identity{UserID: patient, Role: models.RolePatient, LabClientID: int64Ptr(7)}, true},
		{"other patient blocked", Identity{UserID: uuid.New(), Role: models.RolePatient, LabClientID: int64Ptr(7)}, false},
		{"unknown role sees nothing", Identity{UserID: uuid.New(), Role: "auditor"}, false},
		{"zero identity sees nothing", Identity{}, false},
	}

	for _, tc := range cases {
		if got := studyOwnership.Visible(tc.caller, record); got != tc.visible {
			t.Errorf("%s: visible = %v, want %v", tc.name, got, tc.visible)
		}
	}
}

func TestVisibilityDoctorBlockedWithoutDoctorColumn(t *testing.T) {
	doctor := uuid.New()
	invoiceOwnership := Ownership{
		PatientColumn: "patient_id",
		TenantColumn:  "lab_client_id",
	}
	rec := Record{PatientID: uuid.New(), DoctorID: &doctor, LabClientID: int64Ptr(3)}

	caller := Identity{UserID: doctor, Role: models.RoleDoctor, LabClientID: int64Ptr(3)}
	if invoiceOwnership.Visible(caller, rec) {
		t.Fatal("doctor should not see entities without a doctor ownership column")
	}
}

func TestVisibilityRecordWithoutTenant(t *testing.T) {
	o := Ownership{PatientColumn: "patient_id", TenantColumn: "lab_client_id"}
	rec := Record{PatientID: uuid.New()}

	staff := Identity{UserID: uuid.New(), Role: models.RoleLabStaff, LabClientID: int64Ptr(1)}
	if o.Visible(staff, rec) {
		t.Fatal("tenant-scoped staff should not see records with no lab assignment")
	}

	admin := Identity{UserID: uuid.New(), Role: models.RoleAdmin}
	if !o.Visible(admin, rec) {
		t.Fatal("global admin should see records with no lab assignment")
	}
}
