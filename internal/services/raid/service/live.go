package service

import (
	"context"
	std "errors"
	"time"

	"github.com/spolepaka/mathraid/internal/errors"
	"github.com/spolepaka/mathraid/internal/services/raid/domain"
)

// AnswerInput is one live answer submission.
type AnswerInput struct {
	LearnerID string
	ProblemID string
	Answer    int
	LatencyMs int
}

// AnswerResult is the per-answer acknowledgment. Correctness and damage are
// always the server's computation, never the client's.
type AnswerResult struct {
	Correct       bool   `json:"correct"`
	CorrectAnswer int    `json:"correct_answer"`
	Damage        int    `json:"damage"`
	MasteryLevel  int    `json:"mastery_level"`
	Progress      int    `json:"progress"`
	Capacity      int    `json:"capacity"`
	State         string `json:"state"`
}

// SubmitAnswer grades one live answer, applies damage, and persists the
// learner and mastery updates atomically.
func (s *Service) SubmitAnswer(ctx context.Context, input AnswerInput) (AnswerResult, error) {
	rt, err := s.lookupLearnerSession(input.LearnerID)
	if err != nil {
		return AnswerResult{}, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.Mode != domain.ModeLive {
		return AnswerResult{}, errors.Newf(errors.CodeSessionWrongMode, "session %s is a batch session", rt.session.ID)
	}

	ref, ok := rt.problems[input.ProblemID]
	if !ok || ref.learnerID != input.LearnerID {
		return AnswerResult{}, errors.Newf(errors.CodeSessionUnknownProblem, "problem %s was not served to learner %s", input.ProblemID, input.LearnerID)
	}

	learner, ok := rt.learners[input.LearnerID]
	if !ok {
		return AnswerResult{}, errors.Newf(errors.CodeIdentityUnresolved, "learner %s is not loaded", input.LearnerID)
	}

	now := s.now()
	correct := input.Answer == ref.fact.Answer()
	damage, victory, record, err := s.applyAnswerLocked(rt, learner, ref.fact, correct, input.LatencyMs, now)
	if err != nil {
		return AnswerResult{}, err
	}

	delete(rt.problems, input.ProblemID)
	if rt.outstanding[input.LearnerID] == input.ProblemID {
		delete(rt.outstanding, input.LearnerID)
	}

	if err := s.store.ApplyAnswer(ctx, *learner, *record); err != nil {
		return AnswerResult{}, errors.Wrap(err, errors.CodeUnknown, "persist answer")
	}

	s.feed.publish(Event{Type: EventProgress, SessionID: rt.session.ID, Payload: ProgressPayload{
		LearnerID: input.LearnerID,
		Damage:    damage,
		Progress:  rt.session.Progress,
		Capacity:  rt.session.Capacity,
	}})
	s.feed.publish(Event{Type: EventMastery, SessionID: rt.session.ID, Payload: MasteryPayload{
		LearnerID: input.LearnerID,
		FactKey:   record.FactKey,
		Level:     record.Level,
	}})

	if victory {
		if err := s.finalizeLocked(ctx, rt, nil); err != nil {
			return AnswerResult{}, err
		}
	}

	return AnswerResult{
		Correct:       correct,
		CorrectAnswer: ref.fact.Answer(),
		Damage:        damage,
		MasteryLevel:  record.Level,
		Progress:      rt.session.Progress,
		Capacity:      rt.session.Capacity,
		State:         rt.session.State().String(),
	}, nil
}

// applyAnswerLocked is the single grading path shared by live answers and
// batch reconciliation: damage, session progress, learner stats, and the
// fact record all move together.
func (s *Service) applyAnswerLocked(rt *sessionRuntime, learner *domain.Learner, fact domain.Fact, correct bool, latencyMs int, now time.Time) (damage int, victory bool, record *domain.FactRecord, err error) {
	fastMs := domain.FastThresholdMs(learner.Cohort)
	damage = domain.AnswerDamage(correct, latencyMs, fastMs)

	victory, err = rt.session.ApplyProgress(learner.ID, damage, correct)
	if err != nil {
		return 0, false, nil, mapSessionError(err, rt.session.ID)
	}

	learner.RecordAnswer(correct, latencyMs, now)

	key := recordKey(learner.ID, fact.Key())
	record, ok := rt.records[key]
	if !ok {
		record = &domain.FactRecord{LearnerID: learner.ID, FactKey: fact.Key()}
		rt.records[key] = record
	}
	record.RecordAttempt(domain.Attempt{Correct: correct, LatencyMs: latencyMs, At: now}, fastMs)
	return damage, victory, record, nil
}

// NextProblem serves the learner's next live item.
func (s *Service) NextProblem(ctx context.Context, learnerID string) (ProblemView, error) {
	rt, err := s.lookupLearnerSession(learnerID)
	if err != nil {
		return ProblemView{}, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.Mode != domain.ModeLive {
		return ProblemView{}, errors.Newf(errors.CodeSessionWrongMode, "session %s is a batch session", rt.session.ID)
	}
	switch rt.session.State() {
	case domain.StateInProgress:
	case domain.StatePaused:
		return ProblemView{}, errors.Newf(errors.CodeSessionPaused, "session %s is paused", rt.session.ID)
	case domain.StateVictory, domain.StateFailed:
		return ProblemView{}, errors.Newf(errors.CodeSessionAlreadyEnded, "session %s has ended", rt.session.ID)
	default:
		return ProblemView{}, errors.Newf(errors.CodeSessionNotInProgress, "session %s is not in progress", rt.session.ID)
	}

	return s.serveProblemLocked(rt, learnerID)
}

func mapSessionError(err error, sessionID string) error {
	switch {
	case std.Is(err, domain.ErrSessionEnded):
		return errors.Wrap(err, errors.CodeSessionAlreadyEnded, "session "+sessionID)
	case std.Is(err, domain.ErrSessionPaused):
		return errors.Wrap(err, errors.CodeSessionPaused, "session "+sessionID)
	case std.Is(err, domain.ErrSessionNotInProgress):
		return errors.Wrap(err, errors.CodeSessionNotInProgress, "session "+sessionID)
	case std.Is(err, domain.ErrUnknownParticipant):
		return errors.Wrap(err, errors.CodeIdentityUnresolved, "session "+sessionID)
	default:
		return errors.Wrap(err, errors.CodeUnknown, "session "+sessionID)
	}
}
