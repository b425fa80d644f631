// Package content builds the arithmetic fact catalog each cohort draws from.
package content

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/spolepaka/mathraid/internal/services/raid/domain"
)

// Catalog holds the drillable facts available per cohort. Facts are generated
// once at startup; the selector filters them by track per session.
type Catalog struct {
	byCohort map[int][]domain.Fact
}

// Build generates the default catalog for every supported cohort.
//
// Cohort 1 covers addition and subtraction within 10. Cohort 2 extends both to
// 20. Cohort 3 adds the multiplication and division tables through 10, and
// cohorts 4 and up extend the tables through 12. Division facts are derived
// from the multiplication tables so every answer is a whole number.
func Build() *Catalog {
	catalog := &Catalog{byCohort: make(map[int][]domain.Fact)}
	for cohort := domain.MinCohort; cohort <= domain.MaxCohort; cohort++ {
		catalog.byCohort[cohort] = generate(cohort)
	}
	return catalog
}

func generate(cohort int) []domain.Fact {
	seen := make(map[string]struct{})
	var facts []domain.Fact
	add := func(fact domain.Fact) {
		key := fact.Key()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		facts = append(facts, fact)
	}

	addSubLimit := 10
	if cohort >= 2 {
		addSubLimit = 20
	}
	for a := 0; a <= addSubLimit; a++ {
		for b := 0; a+b <= addSubLimit; b++ {
			add(domain.Fact{Op: domain.OpAdd, A: a, B: b})
			add(domain.Fact{Op: domain.OpSub, A: a + b, B: b})
		}
	}

	if cohort >= 3 {
		tableLimit := 10
		if cohort >= 4 {
			tableLimit = 12
		}
		for a := 1; a <= tableLimit; a++ {
			for b := 1; b <= tableLimit; b++ {
				add(domain.Fact{Op: domain.OpMul, A: a, B: b})
				add(domain.Fact{Op: domain.OpDiv, A: a * b, B: b})
			}
		}
	}

	sort.Slice(facts, func(i, j int) bool { return facts[i].Key() < facts[j].Key() })
	return facts
}

// Facts returns the facts eligible for a cohort and track. The returned slice
// is shared; callers must not mutate it.
func (c *Catalog) Facts(cohort int, track domain.Track) []domain.Fact {
	all := c.byCohort[domain.ClampCohort(cohort)]
	if track == domain.TrackMixed {
		return all
	}
	var filtered []domain.Fact
	for _, fact := range all {
		if fact.MatchesTrack(track) {
			filtered = append(filtered, fact)
		}
	}
	return filtered
}

// Size returns the number of facts available to a cohort.
func (c *Catalog) Size(cohort int) int {
	return len(c.byCohort[domain.ClampCohort(cohort)])
}

type overrideFile struct {
	Cohorts []cohortOverride `yaml:"cohorts"`
}

type cohortOverride struct {
	Cohort int      `yaml:"cohort"`
	Facts  []string `yaml:"facts"`
}

// LoadOverride replaces cohort fact lists from a YAML file. Cohorts absent
// from the file keep their generated facts.
func LoadOverride(catalog *Catalog, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog override: %w", err)
	}

	var file overrideFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("unmarshal catalog override: %w", err)
	}

	for _, override := range file.Cohorts {
		if override.Cohort < domain.MinCohort || override.Cohort > domain.MaxCohort {
			return fmt.Errorf("catalog override: cohort %d out of range", override.Cohort)
		}
		if len(override.Facts) == 0 {
			return fmt.Errorf("catalog override: cohort %d has no facts", override.Cohort)
		}
		facts := make([]domain.Fact, 0, len(override.Facts))
		for _, key := range override.Facts {
			fact, err := domain.ParseFactKey(key)
			if err != nil {
				return fmt.Errorf("catalog override: cohort %d: %w", override.Cohort, err)
			}
			facts = append(facts, fact)
		}
		catalog.byCohort[override.Cohort] = facts
	}
	return nil
}
