package config

import (
	"testing"
	"time"
)

func TestReminderKnobsAreIndependent(t *testing.T) {
	t.Setenv("REMINDER_INTERVAL", "30m")
	t.Setenv("REMINDER_LEAD_TIME", "48h")

	cfg := Load()
	if cfg.ReminderInterval != 30*time.Minute {
		t.Fatalf("ReminderInterval = %s, want 30m", cfg.ReminderInterval)
	}
	if cfg.ReminderLeadTime != 48*time.Hour {
		t.Fatalf("ReminderLeadTime = %s, want 48h", cfg.ReminderLeadTime)
	}
}

func TestReminderLeadTimeDefaultsToADay(t *testing.T) {
	t.Setenv("REMINDER_LEAD_TIME", "")

	cfg := Load()
	if cfg.ReminderLeadTime != 24*time.Hour {
		t.Fatalf("ReminderLeadTime = %s, want 24h", cfg.ReminderLeadTime)
	}
}
