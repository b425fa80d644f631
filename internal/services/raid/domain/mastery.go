package domain

import "time"

const (
	// AttemptWindow is how many recent attempts feed the mastery level.
	AttemptWindow = 3
	// MasteryLevels is the number of ordinal mastery levels (0..5).
	MasteryLevels = 6
	// MasteryMax is the highest ("mastered") level.
	MasteryMax = MasteryLevels - 1
)

// Attempt is one raw answer against a fact.
type Attempt struct {
	Correct   bool
	LatencyMs int
	At        time.Time
}

// FactRecord is the per-(learner, fact) rolling history and its derived
// mastery level. Level is always recomputed from Window; it is never set by
// hand.
type FactRecord struct {
	LearnerID string
	FactKey   string
	Attempts  int64
	Correct   int64
	Window    []Attempt
	Level     int
	UpdatedAt time.Time
}

// FastThresholdMs returns the cohort's "fast enough" answer latency.
// Thresholds tighten as the cohort level increases.
func FastThresholdMs(cohort int) int {
	switch ClampCohort(cohort) {
	case 1:
		return 5000
	case 2:
		return 4000
	case 3:
		return 3000
	case 4:
		return 2500
	case 5:
		return 2000
	default:
		return 1500
	}
}

// MasteryLevel derives the ordinal level for a rolling attempt window against
// a fast-latency threshold:
//
//	5  at least 2 of the last 3 attempts correct at or under the threshold
//	4  at least one correct attempt at or under 2x the threshold
//	3  at least one correct attempt at or under 3x the threshold
//	2  at least 2 correct attempts, any speed
//	1  at least 1 correct attempt
//	0  no correct attempts
//
// Every criterion is monotone in the threshold, so tightening it can only
// lower the level.
func MasteryLevel(window []Attempt, fastMs int) int {
	if len(window) > AttemptWindow {
		window = window[len(window)-AttemptWindow:]
	}

	fastHits := 0
	correct := 0
	under2x := false
	under3x := false
	for _, attempt := range window {
		if !attempt.Correct {
			continue
		}
		correct++
		if attempt.LatencyMs <= fastMs {
			fastHits++
		}
		if attempt.LatencyMs <= 2*fastMs {
			under2x = true
		}
		if attempt.LatencyMs <= 3*fastMs {
			under3x = true
		}
	}

	switch {
	case fastHits >= 2:
		return 5
	case under2x:
		return 4
	case under3x:
		return 3
	case correct >= 2:
		return 2
	case correct >= 1:
		return 1
	default:
		return 0
	}
}

// RecordAttempt folds a new attempt into the record and recomputes the level.
func (r *FactRecord) RecordAttempt(attempt Attempt, fastMs int) {
	if attempt.LatencyMs < 0 {
		attempt.LatencyMs = 0
	}
	r.Attempts++
	if attempt.Correct {
		r.Correct++
	}
	r.Window = append(r.Window, attempt)
	if len(r.Window) > AttemptWindow {
		r.Window = r.Window[len(r.Window)-AttemptWindow:]
	}
	r.Level = MasteryLevel(r.Window, fastMs)
	r.UpdatedAt = attempt.At.UTC()
}

// Recompute refreshes the cached level against a new threshold. It is the
// bulk-invalidation hook for cohort changes.
func (r *FactRecord) Recompute(fastMs int, now time.Time) {
	r.Level = MasteryLevel(r.Window, fastMs)
	r.UpdatedAt = now.UTC()
}
