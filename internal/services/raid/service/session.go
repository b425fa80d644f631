package service

import (
	"context"
	std "errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/spolepaka/mathraid/internal/errors"
	"github.com/spolepaka/mathraid/internal/services/raid/domain"
	"github.com/spolepaka/mathraid/internal/services/raid/scheduler"
	"github.com/spolepaka/mathraid/internal/services/raid/storage"
)

type problemRef struct {
	learnerID string
	fact      domain.Fact
}

// sessionRuntime is the in-memory working set of one live session: the state
// machine, the participating learners, their fact records, and every problem
// served. Its mutex serializes all mutation for the session.
type sessionRuntime struct {
	mu          sync.Mutex
	session     *domain.Session
	learners    map[string]*domain.Learner
	records     map[string]*domain.FactRecord
	baseline    map[string]int
	problems    map[string]problemRef
	outstanding map[string]string
	recent      map[string][]string
	batchToken  string
	deadline    scheduler.Handle
	rng         *rand.Rand
}

func recordKey(learnerID, factKey string) string {
	return learnerID + "|" + factKey
}

// SessionState is the session view pushed to clients and returned from
// session operations.
type SessionState struct {
	SessionID    string             `json:"session_id"`
	State        string             `json:"state"`
	Mode         string             `json:"mode"`
	Track        string             `json:"track"`
	Capacity     int                `json:"capacity"`
	Progress     int                `json:"progress"`
	RemainingMs  int64              `json:"remaining_ms"`
	Participants []ParticipantState `json:"participants"`
}

// ParticipantState is one participant's share of the session view.
type ParticipantState struct {
	LearnerID string `json:"learner_id"`
	Role      string `json:"role"`
	Progress  int    `json:"progress"`
	Answers   int64  `json:"answers"`
	Correct   int64  `json:"correct"`
	Active    bool   `json:"active"`
}

// ProblemView is one served item as clients see it.
type ProblemView struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// StartInput describes a session start request.
type StartInput struct {
	LearnerID string
	Track     string
	Mode      string
	RematchOf string
}

// StartResult is the session handle returned from StartSession. Live sessions
// carry the first problem; batch sessions carry the full item list and the
// idempotency token the eventual bulk submission must echo.
type StartResult struct {
	Session          SessionState  `json:"session"`
	Problem          *ProblemView  `json:"problem,omitempty"`
	Items            []ProblemView `json:"items,omitempty"`
	IdempotencyToken string        `json:"idempotency_token,omitempty"`
}

// StartSession creates and starts a session with the learner as leader.
func (s *Service) StartSession(ctx context.Context, input StartInput) (StartResult, error) {
	learner, err := s.store.GetLearner(ctx, input.LearnerID)
	if err != nil {
		if std.Is(err, storage.ErrNotFound) {
			return StartResult{}, errors.Newf(errors.CodeIdentityUnresolved, "unknown learner %s", input.LearnerID)
		}
		return StartResult{}, errors.Wrap(err, errors.CodeUnknown, "load learner")
	}

	track, err := domain.ParseTrack(input.Track)
	if err != nil {
		return StartResult{}, errors.Wrap(err, errors.CodeUnknown, "parse track")
	}
	mode, err := parseMode(input.Mode)
	if err != nil {
		return StartResult{}, err
	}

	// Check-and-claim must be atomic: the empty placeholder holds the
	// learner's slot while this start is in flight, so a concurrent start
	// cannot pass the same check. It is replaced with the real session id
	// on registration and dropped on failure.
	s.mu.Lock()
	if sessionID, active := s.sessionByLearner[learner.ID]; active {
		s.mu.Unlock()
		if sessionID == "" {
			return StartResult{}, errors.Newf(errors.CodeSessionAlreadyActive, "learner %s has a session start in flight", learner.ID)
		}
		return StartResult{}, errors.Newf(errors.CodeSessionAlreadyActive, "learner %s is already in session %s", learner.ID, sessionID)
	}
	s.sessionByLearner[learner.ID] = ""
	s.mu.Unlock()

	deadline := s.cfg.LiveDeadline
	if mode == domain.ModeBatch {
		deadline = s.cfg.BatchDeadline
	}
	session, err := domain.CreateSession(domain.CreateSessionInput{
		LeaderID:  learner.ID,
		Mode:      mode,
		Track:     track,
		Capacity:  s.cfg.Capacity,
		Deadline:  deadline,
		RematchOf: input.RematchOf,
	}, s.now, s.newID)
	if err != nil {
		s.releaseStartClaim(learner.ID)
		return StartResult{}, errors.Wrap(err, errors.CodeUnknown, "create session")
	}

	now := s.now()
	if err := session.Begin(now); err != nil {
		s.releaseStartClaim(learner.ID)
		return StartResult{}, errors.Wrap(err, errors.CodeUnknown, "begin session")
	}

	rt := &sessionRuntime{
		session:     session,
		learners:    make(map[string]*domain.Learner),
		records:     make(map[string]*domain.FactRecord),
		baseline:    make(map[string]int),
		problems:    make(map[string]problemRef),
		outstanding: make(map[string]string),
		recent:      make(map[string][]string),
		rng:         s.newRNG(),
	}
	if err := s.admitLearner(ctx, rt, &learner); err != nil {
		s.releaseStartClaim(learner.ID)
		return StartResult{}, err
	}

	s.mu.Lock()
	s.sessions[session.ID] = rt
	s.sessionByLearner[learner.ID] = session.ID
	s.mu.Unlock()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	result := StartResult{}
	if mode == domain.ModeLive {
		problem, err := s.serveProblemLocked(rt, learner.ID)
		if err != nil {
			s.evictSession(session.ID)
			return StartResult{}, err
		}
		result.Problem = &problem
	} else {
		items, token, err := s.buildBatchLocked(rt, learner.ID)
		if err != nil {
			s.evictSession(session.ID)
			return StartResult{}, err
		}
		result.Items = items
		result.IdempotencyToken = token
	}

	rt.deadline = s.sched.Schedule(session.ID, session.DeadlineAt())
	result.Session = sessionStateLocked(rt, now)

	log.Printf("session started session_id=%s learner_id=%s mode=%s track=%s capacity=%d", session.ID, learner.ID, mode, track, session.Capacity)
	s.feed.publish(Event{Type: EventState, SessionID: session.ID, Payload: StatePayload{
		State:       session.State().String(),
		RemainingMs: session.RemainingAt(now).Milliseconds(),
	}})
	return result, nil
}

// JoinInput describes a request to join a running session.
type JoinInput struct {
	LearnerID string
	SessionID string
}

// JoinSession adds a learner to an existing live session as a follower and
// serves their first problem.
func (s *Service) JoinSession(ctx context.Context, input JoinInput) (StartResult, error) {
	learner, err := s.store.GetLearner(ctx, input.LearnerID)
	if err != nil {
		if std.Is(err, storage.ErrNotFound) {
			return StartResult{}, errors.Newf(errors.CodeIdentityUnresolved, "unknown learner %s", input.LearnerID)
		}
		return StartResult{}, errors.Wrap(err, errors.CodeUnknown, "load learner")
	}

	// Same atomic check-and-claim as StartSession: the placeholder keeps a
	// concurrent start or join from slipping past the check while this one
	// is still admitting the learner.
	s.mu.Lock()
	if sessionID, active := s.sessionByLearner[learner.ID]; active && sessionID != input.SessionID {
		s.mu.Unlock()
		if sessionID == "" {
			return StartResult{}, errors.Newf(errors.CodeSessionAlreadyActive, "learner %s has a session start in flight", learner.ID)
		}
		return StartResult{}, errors.Newf(errors.CodeSessionAlreadyActive, "learner %s is already in session %s", learner.ID, sessionID)
	}
	claimed := false
	if _, active := s.sessionByLearner[learner.ID]; !active {
		s.sessionByLearner[learner.ID] = ""
		claimed = true
	}
	rt, ok := s.sessions[input.SessionID]
	s.mu.Unlock()
	if !ok {
		if claimed {
			s.releaseStartClaim(learner.ID)
		}
		return StartResult{}, errors.Newf(errors.CodeNotFound, "unknown session %s", input.SessionID)
	}

	rt.mu.Lock()
	if rt.session.Terminal() {
		rt.mu.Unlock()
		if claimed {
			s.releaseStartClaim(learner.ID)
		}
		return StartResult{}, errors.Newf(errors.CodeSessionAlreadyEnded, "session %s has ended", input.SessionID)
	}
	if rt.session.Mode != domain.ModeLive {
		rt.mu.Unlock()
		if claimed {
			s.releaseStartClaim(learner.ID)
		}
		return StartResult{}, errors.Newf(errors.CodeSessionWrongMode, "session %s is not a live session", input.SessionID)
	}
	if _, err := rt.session.Join(learner.ID, domain.RoleFollower); err != nil {
		rt.mu.Unlock()
		if claimed {
			s.releaseStartClaim(learner.ID)
		}
		return StartResult{}, errors.Wrap(err, errors.CodeUnknown, "join session")
	}
	rt.mu.Unlock()

	if err := s.admitLearner(ctx, rt, &learner); err != nil {
		if claimed {
			s.releaseStartClaim(learner.ID)
		}
		return StartResult{}, err
	}

	s.mu.Lock()
	s.sessionByLearner[learner.ID] = input.SessionID
	s.mu.Unlock()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	problem, err := s.serveProblemLocked(rt, learner.ID)
	if err != nil {
		return StartResult{}, err
	}
	now := s.now()
	log.Printf("session joined session_id=%s learner_id=%s", input.SessionID, learner.ID)
	return StartResult{
		Session: sessionStateLocked(rt, now),
		Problem: &problem,
	}, nil
}

// admitLearner loads a learner's working set into the runtime and stamps the
// active-session reference.
func (s *Service) admitLearner(ctx context.Context, rt *sessionRuntime, learner *domain.Learner) error {
	records, err := s.store.ListFactRecords(ctx, learner.ID)
	if err != nil {
		return errors.Wrap(err, errors.CodeUnknown, "list fact records")
	}

	rt.mu.Lock()
	learner.ActiveSessionID = rt.session.ID
	learner.UpdatedAt = s.now().UTC()
	rt.learners[learner.ID] = learner
	for i := range records {
		record := records[i]
		key := recordKey(record.LearnerID, record.FactKey)
		rt.records[key] = &record
		rt.baseline[key] = record.Level
	}
	rt.mu.Unlock()

	if err := s.store.PutLearner(ctx, *learner); err != nil {
		return errors.Wrap(err, errors.CodeUnknown, "persist learner")
	}
	return nil
}

// rejoinSession reactivates a participant on reconnect and resumes the
// session if the disconnect had paused it.
func (s *Service) rejoinSession(ctx context.Context, rt *sessionRuntime, learner *domain.Learner) (*SessionState, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.Terminal() {
		return nil, errors.Newf(errors.CodeSessionAlreadyEnded, "session %s has ended", rt.session.ID)
	}
	if _, err := rt.session.Join(learner.ID, domain.RoleFollower); err != nil {
		return nil, errors.Wrap(err, errors.CodeUnknown, "rejoin session")
	}
	if cached, ok := rt.learners[learner.ID]; ok {
		*learner = *cached
	}

	now := s.now()
	if _, paused := rt.session.PausedSince(); paused {
		remaining, err := rt.session.Resume(now)
		if err != nil {
			if std.Is(err, domain.ErrResumeClockSkew) {
				log.Printf("resume rejected for clock skew session_id=%s err=%v", rt.session.ID, err)
				return nil, errors.Wrap(err, errors.CodeResumeClockSkew, "resume session")
			}
			return nil, errors.Wrap(err, errors.CodeUnknown, "resume session")
		}
		if remaining == 0 {
			// The pause consumed the rest of the raid timer.
			log.Printf("session failed on resume session_id=%s", rt.session.ID)
			if err := s.finalizeLocked(ctx, rt, nil); err != nil {
				return nil, err
			}
			state := sessionStateLocked(rt, now)
			return &state, nil
		}
		rt.deadline = s.sched.Schedule(rt.session.ID, rt.session.DeadlineAt())
		log.Printf("session resumed session_id=%s learner_id=%s remaining_ms=%d", rt.session.ID, learner.ID, remaining.Milliseconds())
		s.feed.publish(Event{Type: EventState, SessionID: rt.session.ID, Payload: StatePayload{
			State:       rt.session.State().String(),
			RemainingMs: remaining.Milliseconds(),
		}})
	}

	state := sessionStateLocked(rt, now)
	return &state, nil
}

// serveProblemLocked mints the learner's next problem, re-serving the
// outstanding one on reconnect instead of advancing the spacing window.
func (s *Service) serveProblemLocked(rt *sessionRuntime, learnerID string) (ProblemView, error) {
	if problemID, ok := rt.outstanding[learnerID]; ok {
		if ref, live := rt.problems[problemID]; live {
			return ProblemView{ID: problemID, Prompt: ref.fact.Prompt()}, nil
		}
	}

	learner, ok := rt.learners[learnerID]
	if !ok {
		return ProblemView{}, errors.Newf(errors.CodeIdentityUnresolved, "learner %s is not loaded", learnerID)
	}

	fact, err := domain.NextFact(domain.SelectorInput{
		Candidates: s.catalog.Facts(learner.Cohort, rt.session.Track),
		Records:    learnerRecords(rt, learnerID),
		Recent:     rt.recent[learnerID],
	}, rt.rng)
	if err != nil {
		return ProblemView{}, errors.Wrap(err, errors.CodeContentExhausted, "select next fact")
	}

	problem, err := domain.NewProblem(fact, s.newID)
	if err != nil {
		return ProblemView{}, errors.Wrap(err, errors.CodeUnknown, "mint problem")
	}
	rt.problems[problem.ID] = problemRef{learnerID: learnerID, fact: fact}
	rt.outstanding[learnerID] = problem.ID
	rt.recent[learnerID] = domain.AppendRecent(rt.recent[learnerID], fact.Key())
	return ProblemView{ID: problem.ID, Prompt: problem.Prompt}, nil
}

func learnerRecords(rt *sessionRuntime, learnerID string) map[string]domain.FactRecord {
	records := make(map[string]domain.FactRecord)
	for _, record := range rt.records {
		if record.LearnerID == learnerID {
			records[record.FactKey] = *record
		}
	}
	return records
}

// handleDeadline is the scheduler callback for session deadlines.
func (s *Service) handleDeadline(sessionID string) {
	s.mu.Lock()
	rt, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		log.Printf("stale deadline fire session_id=%s", sessionID)
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.Terminal() {
		return
	}
	if _, paused := rt.session.PausedSince(); paused {
		// Pause cancels the timer, so a fire landing here lost that race.
		log.Printf("deadline fired for paused session session_id=%s", sessionID)
		return
	}

	now := s.now()
	if rt.session.RemainingAt(now) > 0 {
		// A resume shifted the deadline after this fire was already in
		// flight. The resume scheduled its own handle for the shifted
		// deadline, so this stale fire must not re-arm over it.
		return
	}

	if err := rt.session.FailDeadline(); err != nil {
		log.Printf("deadline fail rejected session_id=%s err=%v", sessionID, err)
		return
	}
	log.Printf("session failed on deadline session_id=%s progress=%d capacity=%d", sessionID, rt.session.Progress, rt.session.Capacity)
	if err := s.finalizeLocked(context.Background(), rt, nil); err != nil {
		log.Printf("finalize after deadline failed session_id=%s err=%v", sessionID, err)
	}
}

// RunSweeper periodically force-fails sessions paused past the grace window.
// It blocks until the context is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAbandoned(ctx)
		}
	}
}

func (s *Service) sweepAbandoned(ctx context.Context) {
	s.mu.Lock()
	runtimes := make([]*sessionRuntime, 0, len(s.sessions))
	for _, rt := range s.sessions {
		runtimes = append(runtimes, rt)
	}
	s.mu.Unlock()

	now := s.now()
	for _, rt := range runtimes {
		rt.mu.Lock()
		if rt.session.FailAbandoned(now, s.cfg.PauseGrace) {
			log.Printf("session failed as abandoned session_id=%s", rt.session.ID)
			if err := s.finalizeLocked(ctx, rt, nil); err != nil {
				log.Printf("finalize after sweep failed session_id=%s err=%v", rt.session.ID, err)
			}
		}
		rt.mu.Unlock()
	}
}

// finalizeLocked writes the end-of-session set and unregisters the runtime.
// The caller holds rt.mu; the session must already be terminal. Participants
// disconnected at finalization keep full credit for their contributions.
func (s *Service) finalizeLocked(ctx context.Context, rt *sessionRuntime, receipt *storage.BatchReceipt) error {
	session := rt.session
	now := s.now().UTC()

	var learners []domain.Learner
	for _, learner := range rt.learners {
		learner.ActiveSessionID = ""
		learner.UpdatedAt = now
		learners = append(learners, *learner)
	}
	var records []domain.FactRecord
	for _, record := range rt.records {
		records = append(records, *record)
	}

	snapshot := storage.SessionSnapshot{
		SessionID:  session.ID,
		Mode:       session.Mode.String(),
		Track:      string(session.Track),
		Outcome:    session.State().String(),
		Capacity:   session.Capacity,
		Progress:   session.Progress,
		Accuracy:   session.Accuracy(),
		DurationMs: now.Sub(session.StartedAt).Milliseconds(),
		RematchOf:  session.RematchOf,
		StartedAt:  session.StartedAt,
		EndedAt:    now,
		CreatedAt:  now,
	}
	participants := make([]storage.ParticipantSnapshot, 0, len(session.Participants()))
	for _, participant := range session.Participants() {
		cohort := 0
		if learner, ok := rt.learners[participant.LearnerID]; ok {
			cohort = learner.Cohort
		}
		participants = append(participants, storage.ParticipantSnapshot{
			SessionID:    session.ID,
			LearnerID:    participant.LearnerID,
			Role:         participant.Role.String(),
			Cohort:       cohort,
			Progress:     participant.Progress,
			Answers:      participant.Answers,
			Correct:      participant.Correct,
			MasteryDelta: masteryDelta(rt, participant.LearnerID),
		})
	}

	if err := s.store.FinalizeSession(ctx, learners, records, snapshot, participants, receipt); err != nil {
		return errors.Wrap(err, errors.CodeUnknown, "finalize session")
	}

	s.sched.Cancel(rt.deadline)
	rt.deadline = scheduler.Handle{}
	s.evictSession(session.ID)

	log.Printf("session finalized session_id=%s outcome=%s progress=%d capacity=%d duration_ms=%d", session.ID, snapshot.Outcome, snapshot.Progress, snapshot.Capacity, snapshot.DurationMs)
	s.feed.publish(Event{Type: EventState, SessionID: session.ID, Payload: StatePayload{
		State:   session.State().String(),
		Outcome: snapshot.Outcome,
	}})
	return nil
}

func masteryDelta(rt *sessionRuntime, learnerID string) int {
	delta := 0
	for key, record := range rt.records {
		if record.LearnerID != learnerID {
			continue
		}
		delta += record.Level - rt.baseline[key]
	}
	return delta
}

// evictSession drops a session's registry entries. Safe to call while holding
// a runtime lock: s.mu is never held while a runtime lock is being acquired.
func (s *Service) evictSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	for learnerID := range rt.learners {
		if s.sessionByLearner[learnerID] == sessionID {
			delete(s.sessionByLearner, learnerID)
		}
	}
}

// releaseStartClaim drops a learner's in-flight placeholder claim. A claim
// that was already replaced with a real session id is left alone.
func (s *Service) releaseStartClaim(learnerID string) {
	s.mu.Lock()
	if s.sessionByLearner[learnerID] == "" {
		delete(s.sessionByLearner, learnerID)
	}
	s.mu.Unlock()
}

func sessionStateLocked(rt *sessionRuntime, now time.Time) SessionState {
	session := rt.session
	remaining := int64(0)
	if session.State() == domain.StateInProgress {
		if left := session.RemainingAt(now); left > 0 {
			remaining = left.Milliseconds()
		}
	}
	state := SessionState{
		SessionID:   session.ID,
		State:       session.State().String(),
		Mode:        session.Mode.String(),
		Track:       string(session.Track),
		Capacity:    session.Capacity,
		Progress:    session.Progress,
		RemainingMs: remaining,
	}
	for _, participant := range session.Participants() {
		state.Participants = append(state.Participants, ParticipantState{
			LearnerID: participant.LearnerID,
			Role:      participant.Role.String(),
			Progress:  participant.Progress,
			Answers:   participant.Answers,
			Correct:   participant.Correct,
			Active:    participant.Active,
		})
	}
	return state
}

func parseMode(raw string) (domain.Mode, error) {
	switch raw {
	case "live", "":
		return domain.ModeLive, nil
	case "batch":
		return domain.ModeBatch, nil
	default:
		return domain.ModeUnspecified, errors.Newf(errors.CodeSessionWrongMode, "unknown mode %q", raw)
	}
}
