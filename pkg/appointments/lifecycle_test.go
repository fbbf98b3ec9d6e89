package appointments

import (
	"testing"

	"github.com/labcontrol-io/platform/pkg/common/models"
)

func TestAppointmentTransitions(t *testing.T) {
	cases := []struct {
		from    models.AppointmentStatus
		to      models.AppointmentStatus
		allowed bool
	}{
		{models.AppointmentScheduled, models.AppointmentConfirmed, true},
		{models.AppointmentScheduled, models.AppointmentCancelled, true},
		{models.AppointmentScheduled, models.AppointmentNoShow, true},
		{models.AppointmentScheduled, models.AppointmentInProgress, false},
		{models.AppointmentConfirmed, models.AppointmentInProgress, true},
		{models.AppointmentConfirmed, models.AppointmentCancelled, true},
		{models.AppointmentConfirmed, models.AppointmentCompleted, false},
		{models.AppointmentInProgress, models.AppointmentCompleted, true},
		{models.AppointmentInProgress, models.AppointmentCancelled, false},
		{models.AppointmentCompleted, models.AppointmentCancelled, false},
		{models.AppointmentCancelled, models.AppointmentScheduled, false},
		{models.AppointmentNoShow, models.AppointmentScheduled, false},
	}

	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.allowed {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}
