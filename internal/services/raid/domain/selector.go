package domain

import (
	"errors"
	"math/rand"
)

const (
	// RecentWindow is how many previously served items are de-prioritized.
	RecentWindow = 10

	// recentPenalty multiplies the weight of facts seen in the recent window.
	// It de-prioritizes without excluding, which is what lets the selector
	// serve more items than there are facts.
	recentPenalty = 0.1
)

// levelWeights maps mastery level to selection weight. Weakest facts are
// roughly 30x more likely than mastered ones.
var levelWeights = [MasteryLevels]float64{30, 15, 8, 4, 2, 1}

var (
	// ErrNoEligibleFacts indicates an empty candidate set for the learner's
	// cohort and track. With a non-empty catalog this is a configuration bug.
	ErrNoEligibleFacts = errors.New("no eligible facts for cohort and track")
)

// SelectorInput bundles everything one weighted draw needs.
type SelectorInput struct {
	// Candidates is the fact set permitted for the learner's cohort and track.
	Candidates []Fact
	// Records holds the learner's fact records keyed by fact key. Facts with
	// no record (or no attempts) draw at the level-0 weight.
	Records map[string]FactRecord
	// Recent lists served fact keys, most recent last. The last entry is
	// excluded outright; the rest of the window is penalized.
	Recent []string
}

// NextFact performs one weighted-random draw over the candidate set.
//
// The fact served immediately before gets weight zero, so back-to-back
// repeats cannot happen for candidate pools of two or more. A pool of exactly
// one fact has nothing else to serve and repeats by necessity.
func NextFact(input SelectorInput, rng *rand.Rand) (Fact, error) {
	if len(input.Candidates) == 0 {
		return Fact{}, ErrNoEligibleFacts
	}
	if len(input.Candidates) == 1 {
		return input.Candidates[0], nil
	}

	last := ""
	if len(input.Recent) > 0 {
		last = input.Recent[len(input.Recent)-1]
	}
	recent := recentSet(input.Recent)

	weights := make([]float64, len(input.Candidates))
	total := 0.0
	for i, fact := range input.Candidates {
		key := fact.Key()
		if key == last {
			continue
		}
		weight := levelWeights[0]
		if record, ok := input.Records[key]; ok && record.Attempts > 0 {
			level := record.Level
			if level < 0 {
				level = 0
			}
			if level > MasteryMax {
				level = MasteryMax
			}
			weight = levelWeights[level]
		}
		if _, seen := recent[key]; seen {
			weight *= recentPenalty
		}
		weights[i] = weight
		total += weight
	}
	if total <= 0 {
		return Fact{}, ErrNoEligibleFacts
	}

	draw := rng.Float64() * total
	for i, weight := range weights {
		if weight <= 0 {
			continue
		}
		draw -= weight
		if draw < 0 {
			return input.Candidates[i], nil
		}
	}
	// Floating point can leave a sliver; fall back to the last weighted fact.
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return input.Candidates[i], nil
		}
	}
	return Fact{}, ErrNoEligibleFacts
}

// BuildBatch draws count facts against a frozen mastery snapshot. Records are
// not updated between draws; the only state carried forward is the spacing
// window, exactly as the live selector would see it.
func BuildBatch(input SelectorInput, count int, rng *rand.Rand) ([]Fact, error) {
	if count <= 0 {
		return nil, nil
	}

	recent := make([]string, len(input.Recent))
	copy(recent, input.Recent)

	facts := make([]Fact, 0, count)
	for i := 0; i < count; i++ {
		fact, err := NextFact(SelectorInput{
			Candidates: input.Candidates,
			Records:    input.Records,
			Recent:     recent,
		}, rng)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
		recent = AppendRecent(recent, fact.Key())
	}
	return facts, nil
}

// AppendRecent pushes a served fact key onto a spacing window, trimming it to
// RecentWindow entries.
func AppendRecent(recent []string, key string) []string {
	recent = append(recent, key)
	if len(recent) > RecentWindow {
		recent = recent[len(recent)-RecentWindow:]
	}
	return recent
}

func recentSet(recent []string) map[string]struct{} {
	if len(recent) > RecentWindow {
		recent = recent[len(recent)-RecentWindow:]
	}
	set := make(map[string]struct{}, len(recent))
	for _, key := range recent {
		set[key] = struct{}{}
	}
	return set
}
