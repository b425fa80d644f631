// Package storage defines persistence contracts for raid service state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/spolepaka/mathraid/internal/services/raid/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// SessionSnapshot is the performance record written once at finalization.
// Live session state never touches storage; only the outcome does.
type SessionSnapshot struct {
	SessionID  string
	Mode       string
	Track      string
	Outcome    string
	Capacity   int
	Progress   int
	Accuracy   float64
	DurationMs int64
	RematchOf  string
	StartedAt  time.Time
	EndedAt    time.Time
	CreatedAt  time.Time
}

// ParticipantSnapshot is one learner's share of a finished session.
type ParticipantSnapshot struct {
	SessionID    string
	LearnerID    string
	Role         string
	Cohort       int
	Progress     int
	Answers      int64
	Correct      int64
	MasteryDelta int
}

// BatchReceipt records one accepted bulk submission so replays of the same
// idempotency token return the original result instead of double-counting.
type BatchReceipt struct {
	SessionID string
	Token     string
	Answers   int
	Progress  int
	Outcome   string
	CreatedAt time.Time
}

// LearnerStore persists learner identities and cumulative statistics.
type LearnerStore interface {
	PutLearner(ctx context.Context, learner domain.Learner) error
	GetLearner(ctx context.Context, learnerID string) (domain.Learner, error)
}

// FactRecordStore persists per-(learner, fact) attempt history and cached
// mastery levels.
type FactRecordStore interface {
	PutFactRecord(ctx context.Context, record domain.FactRecord) error
	GetFactRecord(ctx context.Context, learnerID string, factKey string) (domain.FactRecord, error)
	ListFactRecords(ctx context.Context, learnerID string) ([]domain.FactRecord, error)
}

// SnapshotStore persists finalized session outcomes.
type SnapshotStore interface {
	PutSessionSnapshot(ctx context.Context, snapshot SessionSnapshot, participants []ParticipantSnapshot) error
	GetSessionSnapshot(ctx context.Context, sessionID string) (SessionSnapshot, []ParticipantSnapshot, error)
	ListLearnerSnapshots(ctx context.Context, learnerID string, limit int) ([]SessionSnapshot, error)
}

// BatchStore persists bulk submission receipts for idempotent replay.
type BatchStore interface {
	PutBatchReceipt(ctx context.Context, receipt BatchReceipt) error
	GetBatchReceipt(ctx context.Context, sessionID string, token string) (BatchReceipt, error)
}

// Store bundles every persistence contract the raid service needs.
//
// ApplyAnswer writes one answer's learner and fact-record updates atomically
// so a crash between the two cannot skew mastery history. FinalizeSession
// does the same for the end-of-session write set, optionally including a
// batch receipt when the session was settled by a bulk submission.
type Store interface {
	LearnerStore
	FactRecordStore
	SnapshotStore
	BatchStore

	ApplyAnswer(ctx context.Context, learner domain.Learner, record domain.FactRecord) error
	FinalizeSession(ctx context.Context, learners []domain.Learner, records []domain.FactRecord, snapshot SessionSnapshot, participants []ParticipantSnapshot, receipt *BatchReceipt) error

	Close() error
}
