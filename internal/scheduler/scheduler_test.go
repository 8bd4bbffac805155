package scheduler

import "testing"

func TestAddJobRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("not a cron expression", func() {}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
	if err := s.AddJob("@every 1s", func() {}); err == nil {
		t.Error("descriptor expressions should be rejected by the 5-field parser")
	}
}

func TestDefaultSchedulesParse(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob(DefaultFollowUpSchedule, func() {}); err != nil {
		t.Errorf("default follow-up schedule invalid: %v", err)
	}
	if err := s.AddJob(DefaultRetentionSchedule, func() {}); err != nil {
		t.Errorf("default retention schedule invalid: %v", err)
	}
}
