package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spolepaka/mathraid/internal/id"
)

// State describes the lifecycle state of a session.
type State int

const (
	// StateUnspecified represents an invalid state value.
	StateUnspecified State = iota
	// StateMatchmaking indicates the session is forming.
	StateMatchmaking
	// StateInProgress indicates the raid timer is running.
	StateInProgress
	// StatePaused indicates every participant has disconnected.
	StatePaused
	// StateVictory indicates the boss capacity was reached in time. Terminal.
	StateVictory
	// StateFailed indicates the deadline elapsed or the raid was abandoned. Terminal.
	StateFailed
)

// String renders the state for logs and the subscription feed.
func (s State) String() string {
	switch s {
	case StateMatchmaking:
		return "matchmaking"
	case StateInProgress:
		return "in_progress"
	case StatePaused:
		return "paused"
	case StateVictory:
		return "victory"
	case StateFailed:
		return "failed"
	default:
		return "unspecified"
	}
}

// Mode selects between per-item live play and offline batch play.
type Mode int

const (
	// ModeUnspecified represents an invalid mode value.
	ModeUnspecified Mode = iota
	// ModeLive serves one item per round trip.
	ModeLive
	// ModeBatch front-loads the item list and reconciles once.
	ModeBatch
)

// String renders the mode for persistence and the feed.
func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeBatch:
		return "batch"
	default:
		return "unspecified"
	}
}

// Role describes a participant's position in the session.
type Role int

const (
	// RoleUnspecified represents an invalid role value.
	RoleUnspecified Role = iota
	// RoleLeader started the session.
	RoleLeader
	// RoleFollower joined an existing session.
	RoleFollower
)

// String renders the role for persistence.
func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return "unspecified"
	}
}

var (
	// ErrEmptyLeaderID indicates a missing session leader.
	ErrEmptyLeaderID = errors.New("leader learner id is required")
	// ErrInvalidMode indicates a missing or invalid session mode.
	ErrInvalidMode = errors.New("session mode is required")
	// ErrInvalidCapacity indicates a non-positive boss capacity.
	ErrInvalidCapacity = errors.New("boss capacity must be positive")
	// ErrInvalidDeadline indicates a non-positive session deadline.
	ErrInvalidDeadline = errors.New("session deadline must be positive")
	// ErrSessionEnded indicates an operation against a terminal session.
	ErrSessionEnded = errors.New("session has already ended")
	// ErrSessionPaused indicates an operation that requires a running session.
	ErrSessionPaused = errors.New("session is paused")
	// ErrSessionNotInProgress indicates the session never started or is forming.
	ErrSessionNotInProgress = errors.New("session is not in progress")
	// ErrSessionNotPaused indicates a resume against a non-paused session.
	ErrSessionNotPaused = errors.New("session is not paused")
	// ErrResumeClockSkew indicates a resume that would move the session start
	// into the future. Rejected, never clamped.
	ErrResumeClockSkew = errors.New("resume would move session start into the future")
	// ErrUnknownParticipant indicates a learner that never joined the session.
	ErrUnknownParticipant = errors.New("learner is not a session participant")
)

// Participant is one learner's membership in a session.
type Participant struct {
	LearnerID string
	Role      Role
	Progress  int
	Answers   int64
	Correct   int64
	Active    bool
}

// Session is one timed practice attempt ("raid") against a boss capacity.
//
// The lifecycle state and the pause timestamp are private and move in
// lockstep: pauseStartedAt is set if and only if the state is StatePaused.
// State is the single source of truth; nothing outside this type can pull
// the two fields apart.
type Session struct {
	ID        string
	Mode      Mode
	Track     Track
	Capacity  int
	Progress  int
	Deadline  time.Duration
	StartedAt time.Time
	RematchOf string
	CreatedAt time.Time

	state          State
	pauseStartedAt time.Time
	participants   []*Participant
}

// CreateSessionInput describes the data needed to create a session.
type CreateSessionInput struct {
	LeaderID  string
	Mode      Mode
	Track     Track
	Capacity  int
	Deadline  time.Duration
	RematchOf string
}

// CreateSession creates a forming session with the leader already joined.
func CreateSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (*Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateSessionInput(input)
	if err != nil {
		return nil, err
	}

	sessionID, err := idGenerator()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	createdAt := now().UTC()
	session := &Session{
		ID:        sessionID,
		Mode:      normalized.Mode,
		Track:     normalized.Track,
		Capacity:  normalized.Capacity,
		Deadline:  normalized.Deadline,
		RematchOf: normalized.RematchOf,
		CreatedAt: createdAt,
		state:     StateMatchmaking,
	}
	session.participants = append(session.participants, &Participant{
		LearnerID: normalized.LeaderID,
		Role:      RoleLeader,
		Active:    true,
	})
	return session, nil
}

// NormalizeCreateSessionInput trims and validates session input.
func NormalizeCreateSessionInput(input CreateSessionInput) (CreateSessionInput, error) {
	input.LeaderID = strings.TrimSpace(input.LeaderID)
	if input.LeaderID == "" {
		return CreateSessionInput{}, ErrEmptyLeaderID
	}
	if input.Mode != ModeLive && input.Mode != ModeBatch {
		return CreateSessionInput{}, ErrInvalidMode
	}
	if input.Capacity <= 0 {
		return CreateSessionInput{}, ErrInvalidCapacity
	}
	if input.Deadline <= 0 {
		return CreateSessionInput{}, ErrInvalidDeadline
	}
	if input.Track == "" {
		input.Track = TrackMixed
	}
	input.RematchOf = strings.TrimSpace(input.RematchOf)
	return input, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// PausedSince returns the pause timestamp. The second return is false unless
// the session is currently paused.
func (s *Session) PausedSince() (time.Time, bool) {
	if s.state != StatePaused {
		return time.Time{}, false
	}
	return s.pauseStartedAt, true
}

// Terminal reports whether the session reached an absorbing state.
func (s *Session) Terminal() bool {
	return s.state == StateVictory || s.state == StateFailed
}

// Begin moves a forming session into progress and stamps the start time.
func (s *Session) Begin(now time.Time) error {
	if s.Terminal() {
		return ErrSessionEnded
	}
	if s.state != StateMatchmaking {
		return fmt.Errorf("begin from %s: %w", s.state, ErrSessionNotInProgress)
	}
	s.state = StateInProgress
	s.StartedAt = now.UTC()
	return nil
}

// DeadlineAt returns the wall-clock moment the session fails if the boss
// survives. Only meaningful while in progress.
func (s *Session) DeadlineAt() time.Time {
	return s.StartedAt.Add(s.Deadline)
}

// RemainingAt returns how much raid time is left at the given instant.
func (s *Session) RemainingAt(now time.Time) time.Duration {
	return s.DeadlineAt().Sub(now)
}

// Join adds a learner to the session, or reactivates an existing membership.
func (s *Session) Join(learnerID string, role Role) (*Participant, error) {
	learnerID = strings.TrimSpace(learnerID)
	if learnerID == "" {
		return nil, ErrEmptyLeaderID
	}
	if s.Terminal() {
		return nil, ErrSessionEnded
	}
	if existing, ok := s.participant(learnerID); ok {
		existing.Active = true
		return existing, nil
	}
	if role != RoleLeader && role != RoleFollower {
		role = RoleFollower
	}
	participant := &Participant{LearnerID: learnerID, Role: role, Active: true}
	s.participants = append(s.participants, participant)
	return participant, nil
}

// ActiveParticipants counts currently connected participants.
func (s *Session) ActiveParticipants() int {
	active := 0
	for _, p := range s.participants {
		if p.Active {
			active++
		}
	}
	return active
}

// Deactivate marks a participant disconnected. It reports whether that
// participant was the last active one, reading the count before the flip so
// "last one out" is distinguishable from "one of several".
func (s *Session) Deactivate(learnerID string) (wasLast bool, err error) {
	participant, ok := s.participant(learnerID)
	if !ok {
		return false, ErrUnknownParticipant
	}
	if !participant.Active {
		return false, nil
	}
	activeBefore := s.ActiveParticipants()
	participant.Active = false
	return activeBefore == 1, nil
}

// Pause freezes a running session. Callers fire it only when the active
// participant count has dropped to zero.
func (s *Session) Pause(now time.Time) error {
	switch s.state {
	case StateInProgress:
	case StateVictory, StateFailed:
		return ErrSessionEnded
	case StatePaused:
		return ErrSessionPaused
	default:
		return ErrSessionNotInProgress
	}
	s.state = StatePaused
	s.pauseStartedAt = now.UTC()
	return nil
}

// Resume unfreezes a paused session by shifting StartedAt forward by the
// pause duration, so all deadline math behaves as if time stood still while
// paused. A pause timestamp in the future is clock skew and is rejected.
// If no raid time remains after the shift the session fails immediately.
func (s *Session) Resume(now time.Time) (remaining time.Duration, err error) {
	if s.Terminal() {
		return 0, ErrSessionEnded
	}
	if s.state != StatePaused {
		return 0, ErrSessionNotPaused
	}

	now = now.UTC()
	pauseDuration := now.Sub(s.pauseStartedAt)
	if pauseDuration < 0 {
		return 0, fmt.Errorf("paused at %s, resumed at %s: %w", s.pauseStartedAt.Format(time.RFC3339), now.Format(time.RFC3339), ErrResumeClockSkew)
	}

	s.StartedAt = s.StartedAt.Add(pauseDuration)
	s.pauseStartedAt = time.Time{}
	s.state = StateInProgress

	remaining = s.RemainingAt(now)
	if remaining <= 0 {
		s.state = StateFailed
		return 0, nil
	}
	return remaining, nil
}

// ApplyProgress credits damage to a participant and the session. It reports
// whether the contribution pushed cumulative progress to the boss capacity.
func (s *Session) ApplyProgress(learnerID string, damage int, correct bool) (victory bool, err error) {
	switch s.state {
	case StateInProgress:
	case StatePaused:
		return false, ErrSessionPaused
	case StateVictory, StateFailed:
		return false, ErrSessionEnded
	default:
		return false, ErrSessionNotInProgress
	}

	participant, ok := s.participant(learnerID)
	if !ok {
		return false, ErrUnknownParticipant
	}

	participant.Answers++
	if correct {
		participant.Correct++
	}
	if damage > 0 {
		participant.Progress += damage
		s.Progress += damage
	}

	if s.Progress >= s.Capacity {
		s.state = StateVictory
		return true, nil
	}
	return false, nil
}

// FailDeadline moves a running session to failed when its deadline fires.
// A deadline firing against a paused session is the caller's anomaly to log;
// it does not change state.
func (s *Session) FailDeadline() error {
	switch s.state {
	case StateInProgress:
		s.state = StateFailed
		return nil
	case StatePaused:
		return ErrSessionPaused
	case StateVictory, StateFailed:
		return ErrSessionEnded
	default:
		return ErrSessionNotInProgress
	}
}

// FailAbandoned fails a session paused longer than the grace window. It is
// idempotent: sessions outside the window or not paused are left alone.
func (s *Session) FailAbandoned(now time.Time, grace time.Duration) bool {
	if s.state != StatePaused {
		return false
	}
	if now.UTC().Sub(s.pauseStartedAt) < grace {
		return false
	}
	s.state = StateFailed
	return true
}

// Participants returns a copy of the participant rows.
func (s *Session) Participants() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}

// ParticipantFor returns a copy of one learner's membership.
func (s *Session) ParticipantFor(learnerID string) (Participant, bool) {
	participant, ok := s.participant(learnerID)
	if !ok {
		return Participant{}, false
	}
	return *participant, true
}

// IsParticipant reports whether a learner belongs to the session.
func (s *Session) IsParticipant(learnerID string) bool {
	_, ok := s.participant(learnerID)
	return ok
}

// Accuracy returns the fraction of correct answers across participants.
func (s *Session) Accuracy() float64 {
	var answers, correct int64
	for _, p := range s.participants {
		answers += p.Answers
		correct += p.Correct
	}
	if answers == 0 {
		return 0
	}
	return float64(correct) / float64(answers)
}

func (s *Session) participant(learnerID string) (*Participant, bool) {
	for _, p := range s.participants {
		if p.LearnerID == learnerID {
			return p, true
		}
	}
	return nil, false
}
