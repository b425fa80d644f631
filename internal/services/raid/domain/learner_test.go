package domain

import (
	"errors"
	"testing"
	"time"
)

var learnerEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestCreateLearner(t *testing.T) {
	learner, err := CreateLearner(CreateLearnerInput{DisplayName: "  Maya  ", Cohort: 3}, func() time.Time {
		return learnerEpoch
	}, func() (string, error) {
		return "learner1", nil
	})
	if err != nil {
		t.Fatalf("create learner: %v", err)
	}

	if learner.ID != "learner1" {
		t.Fatalf("expected generated id, got %q", learner.ID)
	}
	if learner.DisplayName != "Maya" {
		t.Fatalf("expected trimmed display name, got %q", learner.DisplayName)
	}
	if learner.Cohort != 3 || !learner.Active {
		t.Fatalf("unexpected learner %+v", learner)
	}
	if !learner.CreatedAt.Equal(learnerEpoch) || !learner.UpdatedAt.Equal(learnerEpoch) {
		t.Fatalf("expected stamped timestamps, got created=%v updated=%v", learner.CreatedAt, learner.UpdatedAt)
	}
}

func TestCreateLearnerRequiresDisplayName(t *testing.T) {
	_, err := CreateLearner(CreateLearnerInput{DisplayName: "   "}, nil, nil)
	if !errors.Is(err, ErrEmptyDisplayName) {
		t.Fatalf("expected ErrEmptyDisplayName, got %v", err)
	}
}

func TestClampCohort(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{-2, MinCohort},
		{0, MinCohort},
		{1, 1},
		{4, 4},
		{6, 6},
		{9, MaxCohort},
	}
	for _, tt := range tests {
		if got := ClampCohort(tt.in); got != tt.want {
			t.Fatalf("clamp %d: expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestRecordAnswerAccumulatesStats(t *testing.T) {
	learner := Learner{ID: "learner1", Cohort: 2, Active: true}

	learner.RecordAnswer(true, 3000, learnerEpoch)
	learner.RecordAnswer(false, 5000, learnerEpoch.Add(time.Second))
	learner.RecordAnswer(true, 1000, learnerEpoch.Add(2*time.Second))
	learner.RecordAnswer(true, -40, learnerEpoch.Add(3*time.Second))

	if learner.Attempts != 4 || learner.Correct != 3 {
		t.Fatalf("expected 4 attempts 3 correct, got %d/%d", learner.Correct, learner.Attempts)
	}
	if learner.TotalLatencyMs != 9000 {
		t.Fatalf("expected negative latency clamped to zero, total %d", learner.TotalLatencyMs)
	}
	if learner.BestLatencyMs != 0 {
		t.Fatalf("expected best latency 0 after clamped attempt, got %d", learner.BestLatencyMs)
	}
	if got := learner.AvgLatencyMs(); got != 2250 {
		t.Fatalf("expected avg 2250, got %d", got)
	}
	if !learner.UpdatedAt.Equal(learnerEpoch.Add(3 * time.Second)) {
		t.Fatalf("expected UpdatedAt to advance, got %v", learner.UpdatedAt)
	}
}

func TestSetCohortReportsChange(t *testing.T) {
	learner := Learner{ID: "learner1", Cohort: 2, Active: true}

	if !learner.SetCohort(4, learnerEpoch) {
		t.Fatal("expected cohort change to be reported")
	}
	if learner.SetCohort(4, learnerEpoch.Add(time.Second)) {
		t.Fatal("expected same-cohort set to be a no-op")
	}
	if learner.SetCohort(99, learnerEpoch); learner.Cohort != MaxCohort {
		t.Fatalf("expected clamped cohort %d, got %d", MaxCohort, learner.Cohort)
	}
}

func TestDeactivateLearner(t *testing.T) {
	learner := Learner{ID: "learner1", Active: true}
	learner.Deactivate(learnerEpoch)
	if learner.Active {
		t.Fatal("expected learner inactive")
	}
	if !learner.UpdatedAt.Equal(learnerEpoch) {
		t.Fatalf("expected UpdatedAt stamp, got %v", learner.UpdatedAt)
	}
}
