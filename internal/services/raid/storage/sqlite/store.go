// Package sqlite provides a SQLite-backed raid storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/spolepaka/mathraid/internal/platform/storage/sqlitemigrate"
	"github.com/spolepaka/mathraid/internal/services/raid/domain"
	"github.com/spolepaka/mathraid/internal/services/raid/storage"
	"github.com/spolepaka/mathraid/internal/services/raid/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists raid state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite raid store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type attemptRow struct {
	Correct   bool  `json:"correct"`
	LatencyMs int   `json:"latency_ms"`
	At        int64 `json:"at"`
}

func encodeWindow(window []domain.Attempt) (string, error) {
	rows := make([]attemptRow, 0, len(window))
	for _, attempt := range window {
		rows = append(rows, attemptRow{
			Correct:   attempt.Correct,
			LatencyMs: attempt.LatencyMs,
			At:        toMillis(attempt.At),
		})
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode attempt window: %w", err)
	}
	return string(raw), nil
}

func decodeWindow(raw string) ([]domain.Attempt, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var rows []attemptRow
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, fmt.Errorf("decode attempt window: %w", err)
	}
	window := make([]domain.Attempt, 0, len(rows))
	for _, row := range rows {
		window = append(window, domain.Attempt{
			Correct:   row.Correct,
			LatencyMs: row.LatencyMs,
			At:        fromMillis(row.At),
		})
	}
	return window, nil
}

// PutLearner upserts one learner row.
func (s *Store) PutLearner(ctx context.Context, learner domain.Learner) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(learner.ID) == "" {
		return fmt.Errorf("learner id is required")
	}
	return putLearner(ctx, s.sqlDB, learner)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putLearner(ctx context.Context, db execer, learner domain.Learner) error {
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO learners (id, display_name, cohort, attempts, correct, best_latency_ms, total_latency_ms, active_session_id, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name = excluded.display_name,
		   cohort = excluded.cohort,
		   attempts = excluded.attempts,
		   correct = excluded.correct,
		   best_latency_ms = excluded.best_latency_ms,
		   total_latency_ms = excluded.total_latency_ms,
		   active_session_id = excluded.active_session_id,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		learner.ID,
		learner.DisplayName,
		learner.Cohort,
		learner.Attempts,
		learner.Correct,
		learner.BestLatencyMs,
		learner.TotalLatencyMs,
		learner.ActiveSessionID,
		boolToInt(learner.Active),
		toMillis(learner.CreatedAt),
		toMillis(learner.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put learner: %w", err)
	}
	return nil
}

// GetLearner returns one learner row.
func (s *Store) GetLearner(ctx context.Context, learnerID string) (domain.Learner, error) {
	if err := ctx.Err(); err != nil {
		return domain.Learner{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Learner{}, fmt.Errorf("storage is not configured")
	}
	learnerID = strings.TrimSpace(learnerID)
	if learnerID == "" {
		return domain.Learner{}, fmt.Errorf("learner id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, display_name, cohort, attempts, correct, best_latency_ms, total_latency_ms, active_session_id, active, created_at, updated_at
		 FROM learners WHERE id = ?`,
		learnerID,
	)

	var learner domain.Learner
	var active int
	var createdAt, updatedAt int64
	err := row.Scan(
		&learner.ID,
		&learner.DisplayName,
		&learner.Cohort,
		&learner.Attempts,
		&learner.Correct,
		&learner.BestLatencyMs,
		&learner.TotalLatencyMs,
		&learner.ActiveSessionID,
		&active,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Learner{}, storage.ErrNotFound
		}
		return domain.Learner{}, fmt.Errorf("get learner: %w", err)
	}
	learner.Active = active != 0
	learner.CreatedAt = fromMillis(createdAt)
	learner.UpdatedAt = fromMillis(updatedAt)
	return learner, nil
}

// PutFactRecord upserts one per-(learner, fact) history row.
func (s *Store) PutFactRecord(ctx context.Context, record domain.FactRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.LearnerID) == "" {
		return fmt.Errorf("learner id is required")
	}
	if strings.TrimSpace(record.FactKey) == "" {
		return fmt.Errorf("fact key is required")
	}
	return putFactRecord(ctx, s.sqlDB, record)
}

func putFactRecord(ctx context.Context, db execer, record domain.FactRecord) error {
	windowJSON, err := encodeWindow(record.Window)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(
		ctx,
		`INSERT INTO fact_records (learner_id, fact_key, attempts, correct, window_json, level, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(learner_id, fact_key) DO UPDATE SET
		   attempts = excluded.attempts,
		   correct = excluded.correct,
		   window_json = excluded.window_json,
		   level = excluded.level,
		   updated_at = excluded.updated_at`,
		record.LearnerID,
		record.FactKey,
		record.Attempts,
		record.Correct,
		windowJSON,
		record.Level,
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put fact record: %w", err)
	}
	return nil
}

// GetFactRecord returns one per-(learner, fact) history row.
func (s *Store) GetFactRecord(ctx context.Context, learnerID string, factKey string) (domain.FactRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.FactRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.FactRecord{}, fmt.Errorf("storage is not configured")
	}
	learnerID = strings.TrimSpace(learnerID)
	factKey = strings.TrimSpace(factKey)
	if learnerID == "" {
		return domain.FactRecord{}, fmt.Errorf("learner id is required")
	}
	if factKey == "" {
		return domain.FactRecord{}, fmt.Errorf("fact key is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT learner_id, fact_key, attempts, correct, window_json, level, updated_at
		 FROM fact_records WHERE learner_id = ? AND fact_key = ?`,
		learnerID,
		factKey,
	)
	record, err := scanFactRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FactRecord{}, storage.ErrNotFound
		}
		return domain.FactRecord{}, fmt.Errorf("get fact record: %w", err)
	}
	return record, nil
}

// ListFactRecords returns every history row for a learner.
func (s *Store) ListFactRecords(ctx context.Context, learnerID string) ([]domain.FactRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	learnerID = strings.TrimSpace(learnerID)
	if learnerID == "" {
		return nil, fmt.Errorf("learner id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT learner_id, fact_key, attempts, correct, window_json, level, updated_at
		 FROM fact_records WHERE learner_id = ? ORDER BY fact_key`,
		learnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list fact records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []domain.FactRecord
	for rows.Next() {
		record, err := scanFactRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list fact records: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fact records: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFactRecord(row rowScanner) (domain.FactRecord, error) {
	var record domain.FactRecord
	var windowJSON string
	var updatedAt int64
	err := row.Scan(
		&record.LearnerID,
		&record.FactKey,
		&record.Attempts,
		&record.Correct,
		&windowJSON,
		&record.Level,
		&updatedAt,
	)
	if err != nil {
		return domain.FactRecord{}, err
	}
	record.Window, err = decodeWindow(windowJSON)
	if err != nil {
		return domain.FactRecord{}, err
	}
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// PutSessionSnapshot writes a finalized session outcome and its participant
// rows in one transaction.
func (s *Store) PutSessionSnapshot(ctx context.Context, snapshot storage.SessionSnapshot, participants []storage.ParticipantSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(snapshot.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := putSessionSnapshot(ctx, tx, snapshot, participants); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session snapshot: %w", err)
	}
	return nil
}

func putSessionSnapshot(ctx context.Context, tx *sql.Tx, snapshot storage.SessionSnapshot, participants []storage.ParticipantSnapshot) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO session_snapshots (session_id, mode, track, outcome, capacity, progress, accuracy, duration_ms, rematch_of, started_at, ended_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		snapshot.SessionID,
		snapshot.Mode,
		snapshot.Track,
		snapshot.Outcome,
		snapshot.Capacity,
		snapshot.Progress,
		snapshot.Accuracy,
		snapshot.DurationMs,
		snapshot.RematchOf,
		toMillis(snapshot.StartedAt),
		toMillis(snapshot.EndedAt),
		toMillis(snapshot.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put session snapshot: %w", err)
	}

	for _, participant := range participants {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO session_participants (session_id, learner_id, role, cohort, progress, answers, correct, mastery_delta)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, learner_id) DO NOTHING`,
			participant.SessionID,
			participant.LearnerID,
			participant.Role,
			participant.Cohort,
			participant.Progress,
			participant.Answers,
			participant.Correct,
			participant.MasteryDelta,
		)
		if err != nil {
			return fmt.Errorf("put session participant: %w", err)
		}
	}
	return nil
}

// GetSessionSnapshot returns a finalized session outcome with its participants.
func (s *Store) GetSessionSnapshot(ctx context.Context, sessionID string) (storage.SessionSnapshot, []storage.ParticipantSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionSnapshot{}, nil, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SessionSnapshot{}, nil, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.SessionSnapshot{}, nil, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT session_id, mode, track, outcome, capacity, progress, accuracy, duration_ms, rematch_of, started_at, ended_at, created_at
		 FROM session_snapshots WHERE session_id = ?`,
		sessionID,
	)

	var snapshot storage.SessionSnapshot
	var startedAt, endedAt, createdAt int64
	err := row.Scan(
		&snapshot.SessionID,
		&snapshot.Mode,
		&snapshot.Track,
		&snapshot.Outcome,
		&snapshot.Capacity,
		&snapshot.Progress,
		&snapshot.Accuracy,
		&snapshot.DurationMs,
		&snapshot.RematchOf,
		&startedAt,
		&endedAt,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionSnapshot{}, nil, storage.ErrNotFound
		}
		return storage.SessionSnapshot{}, nil, fmt.Errorf("get session snapshot: %w", err)
	}
	snapshot.StartedAt = fromMillis(startedAt)
	snapshot.EndedAt = fromMillis(endedAt)
	snapshot.CreatedAt = fromMillis(createdAt)

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT session_id, learner_id, role, cohort, progress, answers, correct, mastery_delta
		 FROM session_participants WHERE session_id = ? ORDER BY learner_id`,
		sessionID,
	)
	if err != nil {
		return storage.SessionSnapshot{}, nil, fmt.Errorf("get session participants: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var participants []storage.ParticipantSnapshot
	for rows.Next() {
		var participant storage.ParticipantSnapshot
		err := rows.Scan(
			&participant.SessionID,
			&participant.LearnerID,
			&participant.Role,
			&participant.Cohort,
			&participant.Progress,
			&participant.Answers,
			&participant.Correct,
			&participant.MasteryDelta,
		)
		if err != nil {
			return storage.SessionSnapshot{}, nil, fmt.Errorf("get session participants: %w", err)
		}
		participants = append(participants, participant)
	}
	if err := rows.Err(); err != nil {
		return storage.SessionSnapshot{}, nil, fmt.Errorf("get session participants: %w", err)
	}
	return snapshot, participants, nil
}

// ListLearnerSnapshots returns a learner's most recent session outcomes.
func (s *Store) ListLearnerSnapshots(ctx context.Context, learnerID string, limit int) ([]storage.SessionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	learnerID = strings.TrimSpace(learnerID)
	if learnerID == "" {
		return nil, fmt.Errorf("learner id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT s.session_id, s.mode, s.track, s.outcome, s.capacity, s.progress, s.accuracy, s.duration_ms, s.rematch_of, s.started_at, s.ended_at, s.created_at
		 FROM session_snapshots s
		 JOIN session_participants p ON p.session_id = s.session_id
		 WHERE p.learner_id = ?
		 ORDER BY s.ended_at DESC
		 LIMIT ?`,
		learnerID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list learner snapshots: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var snapshots []storage.SessionSnapshot
	for rows.Next() {
		var snapshot storage.SessionSnapshot
		var startedAt, endedAt, createdAt int64
		err := rows.Scan(
			&snapshot.SessionID,
			&snapshot.Mode,
			&snapshot.Track,
			&snapshot.Outcome,
			&snapshot.Capacity,
			&snapshot.Progress,
			&snapshot.Accuracy,
			&snapshot.DurationMs,
			&snapshot.RematchOf,
			&startedAt,
			&endedAt,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("list learner snapshots: %w", err)
		}
		snapshot.StartedAt = fromMillis(startedAt)
		snapshot.EndedAt = fromMillis(endedAt)
		snapshot.CreatedAt = fromMillis(createdAt)
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list learner snapshots: %w", err)
	}
	return snapshots, nil
}

// PutBatchReceipt records one accepted bulk submission.
func (s *Store) PutBatchReceipt(ctx context.Context, receipt storage.BatchReceipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(receipt.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(receipt.Token) == "" {
		return fmt.Errorf("idempotency token is required")
	}
	return putBatchReceipt(ctx, s.sqlDB, receipt)
}

func putBatchReceipt(ctx context.Context, db execer, receipt storage.BatchReceipt) error {
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO batch_receipts (session_id, token, answers, progress, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, token) DO NOTHING`,
		receipt.SessionID,
		receipt.Token,
		receipt.Answers,
		receipt.Progress,
		receipt.Outcome,
		toMillis(receipt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put batch receipt: %w", err)
	}
	return nil
}

// GetBatchReceipt returns one bulk submission receipt.
func (s *Store) GetBatchReceipt(ctx context.Context, sessionID string, token string) (storage.BatchReceipt, error) {
	if err := ctx.Err(); err != nil {
		return storage.BatchReceipt{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.BatchReceipt{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	token = strings.TrimSpace(token)
	if sessionID == "" {
		return storage.BatchReceipt{}, fmt.Errorf("session id is required")
	}
	if token == "" {
		return storage.BatchReceipt{}, fmt.Errorf("idempotency token is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT session_id, token, answers, progress, outcome, created_at
		 FROM batch_receipts WHERE session_id = ? AND token = ?`,
		sessionID,
		token,
	)

	var receipt storage.BatchReceipt
	var createdAt int64
	err := row.Scan(
		&receipt.SessionID,
		&receipt.Token,
		&receipt.Answers,
		&receipt.Progress,
		&receipt.Outcome,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.BatchReceipt{}, storage.ErrNotFound
		}
		return storage.BatchReceipt{}, fmt.Errorf("get batch receipt: %w", err)
	}
	receipt.CreatedAt = fromMillis(createdAt)
	return receipt, nil
}

// ApplyAnswer writes one answer's learner and fact-record updates atomically.
func (s *Store) ApplyAnswer(ctx context.Context, learner domain.Learner, record domain.FactRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(learner.ID) == "" {
		return fmt.Errorf("learner id is required")
	}
	if strings.TrimSpace(record.FactKey) == "" {
		return fmt.Errorf("fact key is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := putLearner(ctx, tx, learner); err != nil {
		return err
	}
	if err := putFactRecord(ctx, tx, record); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit answer: %w", err)
	}
	return nil
}

// FinalizeSession writes the end-of-session set in one transaction: updated
// learners, updated fact records, the outcome snapshot with participant rows,
// and the batch receipt when the session settled through a bulk submission.
func (s *Store) FinalizeSession(ctx context.Context, learners []domain.Learner, records []domain.FactRecord, snapshot storage.SessionSnapshot, participants []storage.ParticipantSnapshot, receipt *storage.BatchReceipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(snapshot.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, learner := range learners {
		if err := putLearner(ctx, tx, learner); err != nil {
			return err
		}
	}
	for _, record := range records {
		if err := putFactRecord(ctx, tx, record); err != nil {
			return err
		}
	}
	if err := putSessionSnapshot(ctx, tx, snapshot, participants); err != nil {
		return err
	}
	if receipt != nil {
		if err := putBatchReceipt(ctx, tx, *receipt); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session finalization: %w", err)
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
