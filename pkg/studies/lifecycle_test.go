package studies

import (
	"testing"

	"github.com/labcontrol-io/platform/pkg/common/models"
)

func TestLifecycleTransitions(t *testing.T) {
	cases := []struct {
		from    models.StudyStatus
		to      models.StudyStatus
		allowed bool
	}{
		{models.StudyPending, models.StudySampleCollected, true},
		{models.StudyPending, models.StudyCancelled, true},
		{models.StudyPending, models.StudyInProgress, false},
		{models.StudyPending, models.StudyCompleted, false},
		{models.StudySampleCollected, models.StudyInProgress, true},
		{models.StudySampleCollected, models.StudyCancelled, true},
		{models.StudySampleCollected, models.StudyPending, false},
		{models.StudyInProgress, models.StudyCancelled, true},
		{models.StudyInProgress, models.StudySampleCollected, false},
		// Completion never happens through a status change.
		{models.StudyInProgress, models.StudyCompleted, false},
		// Terminal states admit nothing.
		{models.StudyCompleted, models.StudyCancelled, false},
		{models.StudyCompleted, models.StudyInProgress, false},
		{models.StudyCancelled, models.StudyPending, false},
		{models.StudyCancelled, models.StudyCompleted, false},
	}

	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.allowed {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestCompletedNeverReachableFromTransitionTable(t *testing.T) {
	for from, targets := range studyTransitions {
		for _, to := range targets {
			if to == models.StudyCompleted {
				t.Fatalf("transition table allows %s -> completed", from)
			}
		}
	}
	if _, ok := studyTransitions[models.StudyCompleted]; ok {
		t.Fatal("completed must be terminal")
	}
	if _, ok := studyTransitions[models.StudyCancelled]; ok {
		t.Fatal("cancelled must be terminal")
	}
}
