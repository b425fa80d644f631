package content

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spolepaka/mathraid/internal/services/raid/domain"
)

func TestBuildCohortProgression(t *testing.T) {
	catalog := Build()

	for cohort := domain.MinCohort; cohort <= domain.MaxCohort; cohort++ {
		if catalog.Size(cohort) == 0 {
			t.Fatalf("cohort %d has an empty catalog", cohort)
		}
	}

	// Cohort 1 stays within 10 and has no multiplication.
	for _, fact := range catalog.Facts(1, domain.TrackMixed) {
		if fact.Op == domain.OpMul || fact.Op == domain.OpDiv {
			t.Fatalf("cohort 1 must not include %s", fact.Key())
		}
		if fact.Op == domain.OpAdd && fact.Answer() > 10 {
			t.Fatalf("cohort 1 addition beyond 10: %s", fact.Key())
		}
	}

	if len(catalog.Facts(3, domain.TrackMultiplication)) == 0 {
		t.Fatal("cohort 3 must include multiplication facts")
	}
	if catalog.Size(4) <= catalog.Size(3) {
		t.Fatalf("cohort 4 must extend cohort 3, got %d <= %d", catalog.Size(4), catalog.Size(3))
	}
}

func TestDivisionFactsHaveWholeAnswers(t *testing.T) {
	catalog := Build()
	for _, fact := range catalog.Facts(domain.MaxCohort, domain.TrackDivision) {
		if fact.B == 0 {
			t.Fatalf("division by zero in catalog: %s", fact.Key())
		}
		if fact.A%fact.B != 0 {
			t.Fatalf("non-whole division fact: %s", fact.Key())
		}
	}
}

func TestFactsFiltersByTrack(t *testing.T) {
	catalog := Build()
	for _, fact := range catalog.Facts(2, domain.TrackSubtraction) {
		if fact.Op != domain.OpSub {
			t.Fatalf("subtraction track returned %s", fact.Key())
		}
	}
}

func TestFactsHaveUniqueKeys(t *testing.T) {
	catalog := Build()
	for cohort := domain.MinCohort; cohort <= domain.MaxCohort; cohort++ {
		seen := make(map[string]struct{})
		for _, fact := range catalog.Facts(cohort, domain.TrackMixed) {
			if _, ok := seen[fact.Key()]; ok {
				t.Fatalf("cohort %d duplicates %s", cohort, fact.Key())
			}
			seen[fact.Key()] = struct{}{}
		}
	}
}

func TestLoadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	override := `cohorts:
  - cohort: 2
    facts:
      - add:1:1
      - mul:6:7
`
	if err := os.WriteFile(path, []byte(override), 0o600); err != nil {
		t.Fatalf("write override: %v", err)
	}

	catalog := Build()
	cohort3Before := catalog.Size(3)
	if err := LoadOverride(catalog, path); err != nil {
		t.Fatalf("load override: %v", err)
	}

	facts := catalog.Facts(2, domain.TrackMixed)
	if len(facts) != 2 {
		t.Fatalf("expected 2 overridden facts, got %d", len(facts))
	}
	if catalog.Size(3) != cohort3Before {
		t.Fatal("override must not touch other cohorts")
	}
}

func TestLoadOverrideRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad fact key", body: "cohorts:\n  - cohort: 2\n    facts: [\"pow:2:3\"]\n"},
		{name: "cohort out of range", body: "cohorts:\n  - cohort: 99\n    facts: [\"add:1:1\"]\n"},
		{name: "empty fact list", body: "cohorts:\n  - cohort: 2\n    facts: []\n"},
		{name: "not yaml", body: "{{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "catalog.yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0o600); err != nil {
				t.Fatalf("write override: %v", err)
			}
			if err := LoadOverride(Build(), path); err == nil {
				t.Fatal("expected override error")
			}
		})
	}
}
