// Package service orchestrates raid sessions: identity resolution, the live
// and batch play paths, deadline handling, and the pushed state feed.
package service

import (
	"context"
	std "errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/spolepaka/mathraid/internal/errors"
	"github.com/spolepaka/mathraid/internal/id"
	"github.com/spolepaka/mathraid/internal/services/raid/content"
	"github.com/spolepaka/mathraid/internal/services/raid/domain"
	"github.com/spolepaka/mathraid/internal/services/raid/scheduler"
	"github.com/spolepaka/mathraid/internal/services/raid/storage"
)

// Config tunes session defaults. Zero values fall back to the defaults below.
type Config struct {
	// Capacity is the boss hit-point target per session.
	Capacity int
	// LiveDeadline is the raid timer for live sessions.
	LiveDeadline time.Duration
	// BatchDeadline is how long a batch session may stay open for submission.
	BatchDeadline time.Duration
	// BatchSize is how many items a batch session front-loads.
	BatchSize int
	// PauseGrace is how long a paused session survives before the sweep
	// force-fails it.
	PauseGrace time.Duration
	// SweepInterval is how often the abandoned-pause sweep runs.
	SweepInterval time.Duration
}

const (
	defaultCapacity      = 900
	defaultLiveDeadline  = 150 * time.Second
	defaultBatchDeadline = 10 * time.Minute
	defaultBatchSize     = 250
	defaultPauseGrace    = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.LiveDeadline <= 0 {
		c.LiveDeadline = defaultLiveDeadline
	}
	if c.BatchDeadline <= 0 {
		c.BatchDeadline = defaultBatchDeadline
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PauseGrace <= 0 {
		c.PauseGrace = defaultPauseGrace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// NewServiceInput bundles the dependencies of a Service. Store and Catalog
// are required; nil clock, id generator, and rng constructor fall back to
// production defaults.
type NewServiceInput struct {
	Store   storage.Store
	Catalog *content.Catalog
	Config  Config

	Now    func() time.Time
	NewID  func() (string, error)
	NewRNG func() *rand.Rand
}

// Service is the session authority. All session mutation funnels through the
// owning runtime's lock; the service lock only guards the registry maps and
// is never held while a runtime lock is being acquired.
type Service struct {
	store   storage.Store
	catalog *content.Catalog
	cfg     Config
	now     func() time.Time
	newID   func() (string, error)
	newRNG  func() *rand.Rand
	sched   *scheduler.Scheduler
	feed    *eventFeed

	mu               sync.Mutex
	conns            map[string]string
	sessions         map[string]*sessionRuntime
	sessionByLearner map[string]string
}

// NewService builds a running service. Call Stop when done.
func NewService(input NewServiceInput) *Service {
	if input.Now == nil {
		input.Now = time.Now
	}
	if input.NewID == nil {
		input.NewID = id.NewID
	}
	if input.NewRNG == nil {
		input.NewRNG = func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		}
	}

	s := &Service{
		store:            input.Store,
		catalog:          input.Catalog,
		cfg:              input.Config.withDefaults(),
		now:              input.Now,
		newID:            input.NewID,
		newRNG:           input.NewRNG,
		feed:             newEventFeed(),
		conns:            make(map[string]string),
		sessions:         make(map[string]*sessionRuntime),
		sessionByLearner: make(map[string]string),
	}
	s.sched = scheduler.New(s.handleDeadline, input.Now)
	return s
}

// Stop shuts down the deadline scheduler. Live sessions are left in place;
// storage already holds everything finalized.
func (s *Service) Stop() {
	s.sched.Stop()
}

// Subscribe returns the pushed event feed and its cancel func.
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.feed.subscribe()
}

// ConnectInput identifies a learner on a new connection. A known learner
// passes LearnerID; a first contact passes DisplayName (and optionally a
// cohort) instead.
type ConnectInput struct {
	ConnID      string
	LearnerID   string
	DisplayName string
	Cohort      int
}

// ConnectResult is the learner snapshot returned on connect. Session is
// non-nil when the connect resumed an interrupted session.
type ConnectResult struct {
	Learner domain.Learner
	Session *SessionState
}

// Connect resolves or creates the learner and resumes their interrupted
// session if one is waiting.
func (s *Service) Connect(ctx context.Context, input ConnectInput) (ConnectResult, error) {
	learner, err := s.resolveLearner(ctx, input)
	if err != nil {
		return ConnectResult{}, err
	}

	s.mu.Lock()
	s.conns[input.ConnID] = learner.ID
	var rt *sessionRuntime
	if learner.ActiveSessionID != "" {
		rt = s.sessions[learner.ActiveSessionID]
	}
	s.mu.Unlock()

	if learner.ActiveSessionID != "" && rt == nil {
		// The referenced session is gone (finalized or lost to a restart);
		// clear the stale pointer so the learner can start fresh.
		learner.ActiveSessionID = ""
		learner.UpdatedAt = s.now().UTC()
		if err := s.store.PutLearner(ctx, learner); err != nil {
			return ConnectResult{}, errors.Wrap(err, errors.CodeUnknown, "clear stale session reference")
		}
		return ConnectResult{Learner: learner}, nil
	}
	if rt == nil {
		return ConnectResult{Learner: learner}, nil
	}

	state, err := s.rejoinSession(ctx, rt, &learner)
	if err != nil {
		return ConnectResult{}, err
	}
	return ConnectResult{Learner: learner, Session: state}, nil
}

func (s *Service) resolveLearner(ctx context.Context, input ConnectInput) (domain.Learner, error) {
	if input.LearnerID != "" {
		learner, err := s.store.GetLearner(ctx, input.LearnerID)
		if err != nil {
			if std.Is(err, storage.ErrNotFound) {
				return domain.Learner{}, errors.Newf(errors.CodeIdentityUnresolved, "unknown learner %s", input.LearnerID)
			}
			return domain.Learner{}, errors.Wrap(err, errors.CodeUnknown, "load learner")
		}
		if !learner.Active {
			return domain.Learner{}, errors.Newf(errors.CodeIdentityUnresolved, "learner %s is deactivated", input.LearnerID)
		}
		return learner, nil
	}

	learner, err := domain.CreateLearner(domain.CreateLearnerInput{
		DisplayName: input.DisplayName,
		Cohort:      input.Cohort,
	}, s.now, s.newID)
	if err != nil {
		return domain.Learner{}, errors.Wrap(err, errors.CodeIdentityUnresolved, "create learner")
	}
	if err := s.store.PutLearner(ctx, learner); err != nil {
		return domain.Learner{}, errors.Wrap(err, errors.CodeUnknown, "persist learner")
	}
	log.Printf("learner created learner_id=%s cohort=%d", learner.ID, learner.Cohort)
	return learner, nil
}

// Disconnect drops a connection. When the leaving learner was the last active
// participant of a running session, the session pauses.
func (s *Service) Disconnect(ctx context.Context, connID string) {
	s.mu.Lock()
	learnerID, ok := s.conns[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, connID)
	var rt *sessionRuntime
	if sessionID, active := s.sessionByLearner[learnerID]; active {
		rt = s.sessions[sessionID]
	}
	s.mu.Unlock()

	if rt == nil {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	wasLast, err := rt.session.Deactivate(learnerID)
	if err != nil {
		log.Printf("deactivate on disconnect failed session_id=%s learner_id=%s err=%v", rt.session.ID, learnerID, err)
		return
	}
	if !wasLast || rt.session.State() != domain.StateInProgress {
		return
	}

	now := s.now()
	if err := rt.session.Pause(now); err != nil {
		log.Printf("pause on disconnect failed session_id=%s err=%v", rt.session.ID, err)
		return
	}
	s.sched.Cancel(rt.deadline)
	rt.deadline = scheduler.Handle{}
	log.Printf("session paused session_id=%s learner_id=%s", rt.session.ID, learnerID)
	s.feed.publish(Event{Type: EventState, SessionID: rt.session.ID, Payload: StatePayload{
		State: rt.session.State().String(),
	}})
}

// SetLearnerCohort moves a learner to a new cohort and bulk-recomputes every
// cached mastery level against the new threshold.
func (s *Service) SetLearnerCohort(ctx context.Context, learnerID string, cohort int) (domain.Learner, error) {
	learner, err := s.store.GetLearner(ctx, learnerID)
	if err != nil {
		if std.Is(err, storage.ErrNotFound) {
			return domain.Learner{}, errors.Newf(errors.CodeIdentityUnresolved, "unknown learner %s", learnerID)
		}
		return domain.Learner{}, errors.Wrap(err, errors.CodeUnknown, "load learner")
	}

	now := s.now()
	if !learner.SetCohort(cohort, now) {
		return learner, nil
	}
	if err := s.store.PutLearner(ctx, learner); err != nil {
		return domain.Learner{}, errors.Wrap(err, errors.CodeUnknown, "persist learner")
	}

	fastMs := domain.FastThresholdMs(learner.Cohort)
	records, err := s.store.ListFactRecords(ctx, learnerID)
	if err != nil {
		return domain.Learner{}, errors.Wrap(err, errors.CodeUnknown, "list fact records")
	}
	for i := range records {
		records[i].Recompute(fastMs, now)
		if err := s.store.PutFactRecord(ctx, records[i]); err != nil {
			return domain.Learner{}, errors.Wrap(err, errors.CodeUnknown, "persist fact record")
		}
	}
	log.Printf("cohort changed learner_id=%s cohort=%d recomputed=%d", learnerID, learner.Cohort, len(records))

	// A live session keeps its own working set; recompute it too.
	s.mu.Lock()
	var rt *sessionRuntime
	if sessionID, active := s.sessionByLearner[learnerID]; active {
		rt = s.sessions[sessionID]
	}
	s.mu.Unlock()
	if rt != nil {
		rt.mu.Lock()
		if cached, ok := rt.learners[learnerID]; ok {
			cached.Cohort = learner.Cohort
			cached.UpdatedAt = learner.UpdatedAt
		}
		for key, record := range rt.records {
			if record.LearnerID == learnerID {
				record.Recompute(fastMs, now)
				rt.records[key] = record
			}
		}
		rt.mu.Unlock()
	}
	return learner, nil
}

func (s *Service) lookupLearnerSession(learnerID string) (*sessionRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.sessionByLearner[learnerID]
	if !ok {
		return nil, errors.Newf(errors.CodeSessionNotInProgress, "learner %s has no active session", learnerID)
	}
	rt, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.Newf(errors.CodeSessionNotInProgress, "session %s is gone", sessionID)
	}
	return rt, nil
}
