package service

import (
	"context"
	std "errors"
	"log"
	"time"

	"github.com/spolepaka/mathraid/internal/errors"
	"github.com/spolepaka/mathraid/internal/services/raid/domain"
	"github.com/spolepaka/mathraid/internal/services/raid/storage"
)

// BatchAnswerInput is one raw answer inside a bulk submission.
type BatchAnswerInput struct {
	ProblemID string `json:"problem_id"`
	Answer    int    `json:"answer"`
	LatencyMs int    `json:"latency_ms"`
}

// BatchInput is one bulk submission for an offline-played batch session.
type BatchInput struct {
	SessionID string
	LearnerID string
	Token     string
	Answers   []BatchAnswerInput
}

// BatchResult is the reconciliation outcome. Replayed marks responses served
// from a stored receipt instead of a fresh reconciliation.
type BatchResult struct {
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"`
	Answers   int    `json:"answers"`
	Progress  int    `json:"progress"`
	Replayed  bool   `json:"replayed"`
}

// buildBatchLocked front-loads the item list for a batch session against a
// mastery snapshot taken once, and mints the idempotency token the bulk
// submission must echo.
func (s *Service) buildBatchLocked(rt *sessionRuntime, learnerID string) ([]ProblemView, string, error) {
	learner, ok := rt.learners[learnerID]
	if !ok {
		return nil, "", errors.Newf(errors.CodeIdentityUnresolved, "learner %s is not loaded", learnerID)
	}

	facts, err := domain.BuildBatch(domain.SelectorInput{
		Candidates: s.catalog.Facts(learner.Cohort, rt.session.Track),
		Records:    learnerRecords(rt, learnerID),
		Recent:     rt.recent[learnerID],
	}, s.cfg.BatchSize, rt.rng)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.CodeContentExhausted, "build batch items")
	}

	items := make([]ProblemView, 0, len(facts))
	for _, fact := range facts {
		problem, err := domain.NewProblem(fact, s.newID)
		if err != nil {
			return nil, "", errors.Wrap(err, errors.CodeUnknown, "mint problem")
		}
		rt.problems[problem.ID] = problemRef{learnerID: learnerID, fact: fact}
		items = append(items, ProblemView{ID: problem.ID, Prompt: problem.Prompt})
	}

	token, err := s.newID()
	if err != nil {
		return nil, "", errors.Wrap(err, errors.CodeUnknown, "mint idempotency token")
	}
	rt.batchToken = token
	return items, token, nil
}

// SubmitBatch reconciles a bulk submission. The operation is idempotent: a
// replayed (session, token) pair returns the stored receipt, and a
// submission against an already-settled session is a no-op success.
func (s *Service) SubmitBatch(ctx context.Context, input BatchInput) (BatchResult, error) {
	s.mu.Lock()
	rt, ok := s.sessions[input.SessionID]
	s.mu.Unlock()

	if !ok {
		return s.settledBatchResult(ctx, input)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.Mode != domain.ModeBatch {
		return BatchResult{}, errors.Newf(errors.CodeSessionWrongMode, "session %s is not a batch session", input.SessionID)
	}
	if rt.session.Terminal() {
		return s.settledBatchResult(ctx, input)
	}

	// A dropped acknowledgment can race the finalize write; the stored
	// receipt is the source of truth for replays.
	if receipt, err := s.store.GetBatchReceipt(ctx, input.SessionID, input.Token); err == nil {
		return replayResult(receipt), nil
	} else if !std.Is(err, storage.ErrNotFound) {
		return BatchResult{}, errors.Wrap(err, errors.CodeUnknown, "load batch receipt")
	}

	if input.Token != rt.batchToken {
		// A stale or foreign token on a still-open session is treated as a
		// fresh submission for the open session.
		log.Printf("batch token mismatch session_id=%s", input.SessionID)
	}

	problems := make(map[string]domain.Fact, len(rt.problems))
	for problemID, ref := range rt.problems {
		problems[problemID] = ref.fact
	}
	answers := make([]domain.BatchAnswer, 0, len(input.Answers))
	for _, answer := range input.Answers {
		answers = append(answers, domain.BatchAnswer{
			ProblemID: answer.ProblemID,
			Answer:    answer.Answer,
			LatencyMs: answer.LatencyMs,
		})
	}
	graded, err := domain.GradeBatch(problems, answers)
	if err != nil {
		return BatchResult{}, errors.Wrap(err, errors.CodeSessionUnknownProblem, "grade batch")
	}

	learnerID := input.LearnerID
	if learnerID == "" {
		for id := range rt.learners {
			learnerID = id
		}
	}
	learner, ok := rt.learners[learnerID]
	if !ok {
		return BatchResult{}, errors.Newf(errors.CodeIdentityUnresolved, "learner %s is not loaded", learnerID)
	}

	now := s.now()
	for _, answer := range graded {
		// Once the boss falls the session is terminal and stops absorbing
		// progress, but the remaining answers still count as practice.
		if rt.session.Terminal() {
			s.recordPracticeLocked(rt, learner, answer, now)
			continue
		}
		if _, _, _, err := s.applyAnswerLocked(rt, learner, answer.Fact, answer.Correct, answer.LatencyMs, now); err != nil {
			return BatchResult{}, err
		}
	}

	if !rt.session.Terminal() {
		// The submission closes the raid; a surviving boss means failure.
		if err := rt.session.FailDeadline(); err != nil {
			return BatchResult{}, mapSessionError(err, rt.session.ID)
		}
	}

	receipt := storage.BatchReceipt{
		SessionID: rt.session.ID,
		Token:     input.Token,
		Answers:   len(graded),
		Progress:  rt.session.Progress,
		Outcome:   rt.session.State().String(),
		CreatedAt: now.UTC(),
	}
	if err := s.finalizeLocked(ctx, rt, &receipt); err != nil {
		return BatchResult{}, err
	}

	log.Printf("batch reconciled session_id=%s answers=%d outcome=%s", rt.session.ID, len(graded), receipt.Outcome)
	return BatchResult{
		SessionID: receipt.SessionID,
		Outcome:   receipt.Outcome,
		Answers:   receipt.Answers,
		Progress:  receipt.Progress,
	}, nil
}

// recordPracticeLocked folds an answer into learner stats and mastery history
// without touching session progress. Used for answers arriving after the
// session already went terminal mid-batch.
func (s *Service) recordPracticeLocked(rt *sessionRuntime, learner *domain.Learner, answer domain.GradedAnswer, now time.Time) {
	fastMs := domain.FastThresholdMs(learner.Cohort)
	learner.RecordAnswer(answer.Correct, answer.LatencyMs, now)
	key := recordKey(learner.ID, answer.Fact.Key())
	record, ok := rt.records[key]
	if !ok {
		record = &domain.FactRecord{LearnerID: learner.ID, FactKey: answer.Fact.Key()}
		rt.records[key] = record
	}
	record.RecordAttempt(domain.Attempt{Correct: answer.Correct, LatencyMs: answer.LatencyMs, At: now}, fastMs)
}

// settledBatchResult answers a submission for a session that already left the
// registry: the stored receipt wins, a bare snapshot is a no-op success, and
// anything else is unknown.
func (s *Service) settledBatchResult(ctx context.Context, input BatchInput) (BatchResult, error) {
	receipt, err := s.store.GetBatchReceipt(ctx, input.SessionID, input.Token)
	if err == nil {
		return replayResult(receipt), nil
	}
	if !std.Is(err, storage.ErrNotFound) {
		return BatchResult{}, errors.Wrap(err, errors.CodeUnknown, "load batch receipt")
	}

	snapshot, _, err := s.store.GetSessionSnapshot(ctx, input.SessionID)
	if err == nil {
		return BatchResult{
			SessionID: snapshot.SessionID,
			Outcome:   snapshot.Outcome,
			Progress:  snapshot.Progress,
			Replayed:  true,
		}, nil
	}
	if std.Is(err, storage.ErrNotFound) {
		return BatchResult{}, errors.Newf(errors.CodeNotFound, "unknown session %s", input.SessionID)
	}
	return BatchResult{}, errors.Wrap(err, errors.CodeUnknown, "load session snapshot")
}

func replayResult(receipt storage.BatchReceipt) BatchResult {
	return BatchResult{
		SessionID: receipt.SessionID,
		Outcome:   receipt.Outcome,
		Answers:   receipt.Answers,
		Progress:  receipt.Progress,
		Replayed:  true,
	}
}
