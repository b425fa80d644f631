package domain

import (
	"errors"
	"math/rand"
	"testing"
)

func selectorCandidates(n int) []Fact {
	facts := make([]Fact, 0, n)
	for i := 0; i < n; i++ {
		facts = append(facts, Fact{Op: OpAdd, A: i, B: 1})
	}
	return facts
}

func TestNextFactEmptyCandidates(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := NextFact(SelectorInput{}, rng)
	if !errors.Is(err, ErrNoEligibleFacts) {
		t.Fatalf("expected ErrNoEligibleFacts, got %v", err)
	}
}

func TestNextFactNeverRepeatsImmediately(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	candidates := selectorCandidates(3)

	var recent []string
	last := ""
	for i := 0; i < 10000; i++ {
		fact, err := NextFact(SelectorInput{Candidates: candidates, Recent: recent}, rng)
		if err != nil {
			t.Fatalf("draw %d: %v", i, err)
		}
		if fact.Key() == last {
			t.Fatalf("draw %d repeated fact %q back to back", i, last)
		}
		last = fact.Key()
		recent = AppendRecent(recent, last)
	}
}

func TestNextFactWeightsFavorWeakFacts(t *testing.T) {
	// Statistical property: a level-0 fact must be drawn far more often than
	// a level-5 fact, all else equal.
	rng := rand.New(rand.NewSource(7))
	weak := Fact{Op: OpMul, A: 7, B: 8}
	strong := Fact{Op: OpMul, A: 2, B: 2}
	records := map[string]FactRecord{
		weak.Key():   {FactKey: weak.Key(), Attempts: 3, Level: 0},
		strong.Key(): {FactKey: strong.Key(), Attempts: 3, Level: 5},
	}
	// A third fact keeps the no-repeat rule from forcing alternation.
	third := Fact{Op: OpMul, A: 3, B: 3}
	records[third.Key()] = FactRecord{FactKey: third.Key(), Attempts: 3, Level: 5}

	counts := map[string]int{}
	var recent []string
	for i := 0; i < 20000; i++ {
		fact, err := NextFact(SelectorInput{
			Candidates: []Fact{weak, strong, third},
			Records:    records,
			Recent:     recent,
		}, rng)
		if err != nil {
			t.Fatalf("draw %d: %v", i, err)
		}
		counts[fact.Key()]++
		recent = AppendRecent(recent, fact.Key())
	}

	// The no-repeat rule forces an alternation, so the weak fact tops out
	// near half of all draws while the two mastered facts split the rest.
	if 5*counts[weak.Key()] <= 6*counts[strong.Key()] {
		t.Fatalf("expected weak fact to dominate, got weak=%d strong=%d", counts[weak.Key()], counts[strong.Key()])
	}
}

func TestNextFactPenalizesRecentlyServed(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	candidates := selectorCandidates(20)

	// Mark facts 0..9 as recently served; fact 19 served last.
	var recent []string
	for i := 0; i < 9; i++ {
		recent = AppendRecent(recent, candidates[i].Key())
	}
	recent = AppendRecent(recent, candidates[19].Key())

	penalized := 0
	fresh := 0
	for i := 0; i < 20000; i++ {
		fact, err := NextFact(SelectorInput{Candidates: candidates, Recent: recent}, rng)
		if err != nil {
			t.Fatalf("draw %d: %v", i, err)
		}
		if fact.Key() == candidates[19].Key() {
			t.Fatalf("draw %d served the immediately preceding fact", i)
		}
		idx := fact.A
		if idx < 9 {
			penalized++
		} else if idx < 19 {
			fresh++
		}
	}

	// 9 penalized facts at 0.1 weight vs 10 fresh facts at full weight.
	if penalized*5 >= fresh {
		t.Fatalf("expected recent facts to be strongly de-prioritized, got penalized=%d fresh=%d", penalized, fresh)
	}
}

func TestNextFactSingleCandidateRepeats(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	only := Fact{Op: OpAdd, A: 1, B: 1}
	input := SelectorInput{Candidates: []Fact{only}, Recent: []string{only.Key()}}

	fact, err := NextFact(input, rng)
	if err != nil {
		t.Fatalf("single candidate draw: %v", err)
	}
	if fact.Key() != only.Key() {
		t.Fatalf("expected the only fact, got %q", fact.Key())
	}
}

func TestNextFactUnattemptedDrawsAtLevelZeroWeight(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	unseen := Fact{Op: OpSub, A: 9, B: 4}
	mastered := Fact{Op: OpSub, A: 5, B: 2}
	filler := Fact{Op: OpSub, A: 6, B: 3}
	records := map[string]FactRecord{
		mastered.Key(): {FactKey: mastered.Key(), Attempts: 10, Level: 5},
		filler.Key():   {FactKey: filler.Key(), Attempts: 10, Level: 5},
	}

	counts := map[string]int{}
	var recent []string
	for i := 0; i < 10000; i++ {
		fact, err := NextFact(SelectorInput{
			Candidates: []Fact{unseen, mastered, filler},
			Records:    records,
			Recent:     recent,
		}, rng)
		if err != nil {
			t.Fatalf("draw %d: %v", i, err)
		}
		counts[fact.Key()]++
		recent = AppendRecent(recent, fact.Key())
	}

	if counts[unseen.Key()] <= counts[mastered.Key()] {
		t.Fatalf("expected unseen fact to be favored, got unseen=%d mastered=%d", counts[unseen.Key()], counts[mastered.Key()])
	}
}

func TestBuildBatchDrawsAgainstFrozenSnapshot(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	candidates := selectorCandidates(6)

	facts, err := BuildBatch(SelectorInput{Candidates: candidates}, 250, rng)
	if err != nil {
		t.Fatalf("build batch: %v", err)
	}
	if len(facts) != 250 {
		t.Fatalf("expected 250 facts, got %d", len(facts))
	}
	for i := 1; i < len(facts); i++ {
		if facts[i].Key() == facts[i-1].Key() {
			t.Fatalf("batch item %d repeats %q back to back", i, facts[i].Key())
		}
	}
}

func TestBuildBatchPropagatesExhaustion(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	if _, err := BuildBatch(SelectorInput{}, 10, rng); !errors.Is(err, ErrNoEligibleFacts) {
		t.Fatalf("expected ErrNoEligibleFacts, got %v", err)
	}
}
