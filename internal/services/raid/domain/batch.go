package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProblem indicates an answer referencing a problem the server
	// never served for the session.
	ErrUnknownProblem = errors.New("answer references an unknown problem")
)

// BatchAnswer is one raw client answer within a bulk submission. The client
// reports what it saw and when; it never reports correctness.
type BatchAnswer struct {
	ProblemID string
	Answer    int
	LatencyMs int
}

// GradedAnswer is a batch answer after authoritative server-side grading.
type GradedAnswer struct {
	Fact      Fact
	Answer    int
	Correct   bool
	LatencyMs int
}

// GradeBatch recomputes correctness for every answer from the stored problem
// definitions. Grading is the same arithmetic the live path uses, so batch
// play can never diverge from live scoring.
func GradeBatch(problems map[string]Fact, answers []BatchAnswer) ([]GradedAnswer, error) {
	graded := make([]GradedAnswer, 0, len(answers))
	for _, answer := range answers {
		fact, ok := problems[answer.ProblemID]
		if !ok {
			return nil, fmt.Errorf("problem %q: %w", answer.ProblemID, ErrUnknownProblem)
		}
		latency := answer.LatencyMs
		if latency < 0 {
			latency = 0
		}
		graded = append(graded, GradedAnswer{
			Fact:      fact,
			Answer:    answer.Answer,
			Correct:   answer.Answer == fact.Answer(),
			LatencyMs: latency,
		})
	}
	return graded, nil
}
