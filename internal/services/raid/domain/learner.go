package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spolepaka/mathraid/internal/id"
)

const (
	// MinCohort is the lowest cohort/grade profile.
	MinCohort = 1
	// MaxCohort is the highest cohort/grade profile with its own threshold.
	MaxCohort = 6
)

var (
	// ErrEmptyDisplayName indicates a missing learner display name.
	ErrEmptyDisplayName = errors.New("display name is required")
)

// Learner is a stable identity with cumulative practice statistics.
// Learners are never deleted, only deactivated.
type Learner struct {
	ID              string
	DisplayName     string
	Cohort          int
	Attempts        int64
	Correct         int64
	BestLatencyMs   int64
	TotalLatencyMs  int64
	ActiveSessionID string
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateLearnerInput describes the data needed to create a learner.
type CreateLearnerInput struct {
	DisplayName string
	Cohort      int
}

// CreateLearner creates a new learner with a generated ID and timestamps.
func CreateLearner(input CreateLearnerInput, now func() time.Time, idGenerator func() (string, error)) (Learner, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateLearnerInput(input)
	if err != nil {
		return Learner{}, err
	}

	learnerID, err := idGenerator()
	if err != nil {
		return Learner{}, fmt.Errorf("generate learner id: %w", err)
	}

	createdAt := now().UTC()
	return Learner{
		ID:          learnerID,
		DisplayName: normalized.DisplayName,
		Cohort:      normalized.Cohort,
		Active:      true,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

// NormalizeCreateLearnerInput trims and validates learner input.
func NormalizeCreateLearnerInput(input CreateLearnerInput) (CreateLearnerInput, error) {
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	if input.DisplayName == "" {
		return CreateLearnerInput{}, ErrEmptyDisplayName
	}
	input.Cohort = ClampCohort(input.Cohort)
	return input, nil
}

// ClampCohort bounds a cohort value into the supported range.
func ClampCohort(cohort int) int {
	if cohort < MinCohort {
		return MinCohort
	}
	if cohort > MaxCohort {
		return MaxCohort
	}
	return cohort
}

// RecordAnswer folds one answer into the learner's cumulative statistics.
func (l *Learner) RecordAnswer(correct bool, latencyMs int, now time.Time) {
	l.Attempts++
	if correct {
		l.Correct++
	}
	latency := int64(latencyMs)
	if latency < 0 {
		latency = 0
	}
	l.TotalLatencyMs += latency
	if l.BestLatencyMs == 0 || latency < l.BestLatencyMs {
		l.BestLatencyMs = latency
	}
	l.UpdatedAt = now.UTC()
}

// AvgLatencyMs returns the mean answer latency across all attempts.
func (l *Learner) AvgLatencyMs() int64 {
	if l.Attempts == 0 {
		return 0
	}
	return l.TotalLatencyMs / l.Attempts
}

// SetCohort moves the learner to a new cohort profile. It reports whether the
// cohort actually changed so callers know to recompute cached mastery levels.
func (l *Learner) SetCohort(cohort int, now time.Time) bool {
	cohort = ClampCohort(cohort)
	if cohort == l.Cohort {
		return false
	}
	l.Cohort = cohort
	l.UpdatedAt = now.UTC()
	return true
}

// Deactivate retires the learner without deleting history.
func (l *Learner) Deactivate(now time.Time) {
	l.Active = false
	l.UpdatedAt = now.UTC()
}
