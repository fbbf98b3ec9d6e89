package models

import "testing"

func TestParseRole(t *testing.T) {
	cases := []struct {
		in   string
		want Role
	}{
		{"admin", RoleAdmin},
		{"lab_staff", RoleLabStaff},
		{"lab_manager", RoleLabStaff},
		{"technician", RoleLabStaff},
		{"staff", RoleLabStaff},
		{"doctor", RoleDoctor},
		{"patient", RolePatient},
		{"  Admin ", RoleAdmin},
		{"superuser", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ParseRole(tc.in); got != tc.want {
			t.Errorf("ParseRole(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUserFullName(t *testing.T) {
	u := User{FirstName: "Eva", LastName: "Moreno", Email: "eva@example.com"}
	if u.FullName() != "Eva Moreno" {
		t.Fatalf("full name = %q", u.FullName())
	}
	anonymous := User{Email: "eva@example.com"}
	if anonymous.FullName() != "eva@example.com" {
		t.Fatalf("fallback full name = %q", anonymous.FullName())
	}
}

func TestInvoiceBalanceDue(t *testing.T) {
	inv := Invoice{TotalAmount: 150, PaidAmount: 40}
	if inv.BalanceDue() != 110 {
		t.Fatalf("balance = %v", inv.BalanceDue())
	}
	overpaid := Invoice{TotalAmount: 100, PaidAmount: 120}
	if overpaid.BalanceDue() != 0 {
		t.Fatalf("overpaid balance = %v, want 0", overpaid.BalanceDue())
	}
}

func TestStudyCompletionMirrorsAttachment(t *testing.T) {
	s := Study{Status: StudyCompleted, ResultsFile: "2026/08/abc.pdf"}
	if !s.IsCompleted() || !s.HasResultFile() {
		t.Fatal("completed study with attachment misreported")
	}
	pending := Study{Status: StudyPending}
	if pending.IsCompleted() || pending.HasResultFile() {
		t.Fatal("pending study misreported")
	}
}
