package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Checkpoint statuses. A unit is reprocessed only when its record is
// absent, failed, or a force rerun is requested.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrCompleted is returned when a put would overwrite a completed record
// without the overwrite flag.
var ErrCompleted = errors.New("checkpoint already completed")

// Key identifies one unit of checkpointed work.
type Key struct {
	ConversationID string
	Analysis       string
}

func (k Key) String() string { return k.ConversationID + "/" + k.Analysis }

// Record is the persisted state of one work unit.
type Record struct {
	Key              Key
	Status           string
	Category         string
	GenerationModel  string
	PromptVersion    string
	ShieldModel      string
	Intervened       *bool
	InterventionType string
	RawResponse      string
	Attempts         int
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store wraps SQLite access for checkpoint records. A single connection is
// used so writes are serialized; SQLite transactions make each put atomic
// with respect to process crash.
type Store struct {
	db *sql.DB

	// corrupt counts rows that could not be decoded during reads.
	corrupt atomic.Int64
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			conversation_id TEXT NOT NULL,
			analysis TEXT NOT NULL,
			status TEXT NOT NULL,
			category TEXT,
			generation_model TEXT,
			prompt_version TEXT,
			shield_model TEXT,
			intervened INTEGER,
			intervention_type TEXT,
			raw_response TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP,
			updated_at TIMESTAMP,
			PRIMARY KEY(conversation_id, analysis)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(analysis, status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const recordCols = `conversation_id, analysis, status, category, generation_model,
	prompt_version, shield_model, intervened, intervention_type, raw_response,
	attempts, last_error, created_at, updated_at`

// Get returns the record for key, or nil when absent. A row that cannot be
// decoded is treated as absent so the unit gets reprocessed.
func (s *Store) Get(ctx context.Context, key Key) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM checkpoints WHERE conversation_id=? AND analysis=?`,
		key.ConversationID, key.Analysis)
	rec, err := scanRecord(row.Scan)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case isCorruption(err):
		s.corrupt.Add(1)
		log.Printf("store: corrupt checkpoint %s, treating as absent: %v", key, err)
		return nil, nil
	default:
		return nil, err
	}
}

// Put upserts a record. Overwriting a completed record is refused unless
// overwrite is set, preserving the never-silently-overwritten invariant.
func (s *Store) Put(ctx context.Context, rec *Record, overwrite bool) error {
	if !overwrite {
		existing, err := s.Get(ctx, rec.Key)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == StatusCompleted && rec.Status != StatusCompleted {
			return ErrCompleted
		}
	}
	var intervened *int64
	if rec.Intervened != nil {
		v := int64(0)
		if *rec.Intervened {
			v = 1
		}
		intervened = &v
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO checkpoints(`+recordCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(conversation_id, analysis) DO UPDATE SET
			status=excluded.status,
			category=excluded.category,
			generation_model=excluded.generation_model,
			prompt_version=excluded.prompt_version,
			shield_model=excluded.shield_model,
			intervened=excluded.intervened,
			intervention_type=excluded.intervention_type,
			raw_response=excluded.raw_response,
			attempts=excluded.attempts,
			last_error=excluded.last_error,
			updated_at=excluded.updated_at`,
		rec.Key.ConversationID, rec.Key.Analysis, rec.Status, rec.Category,
		rec.GenerationModel, rec.PromptVersion, rec.ShieldModel, intervened,
		rec.InterventionType, rec.RawResponse, rec.Attempts, rec.LastError,
		rec.CreatedAt, rec.UpdatedAt)
	return err
}

// List returns records for one analysis, optionally filtered by status.
// Undecodable rows are skipped and counted rather than aborting the scan.
func (s *Store) List(ctx context.Context, analysis, status string) ([]Record, error) {
	query := `SELECT ` + recordCols + ` FROM checkpoints WHERE analysis=?`
	args := []any{analysis}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY conversation_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			s.corrupt.Add(1)
			log.Printf("store: skipping corrupt checkpoint row: %v", err)
			continue
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ReclaimStale resets in_progress records to pending. Called once at
// startup: an on-disk in_progress unit means a previous run died mid-call.
func (s *Store) ReclaimStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status=?, updated_at=? WHERE status=?`,
		StatusPending, time.Now().UTC(), StatusInProgress)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StatusCounts summarizes one analysis for reporting.
type StatusCounts struct {
	Completed int
	Failed    int
	Pending   int
	Total     int
}

func (s *Store) Counts(ctx context.Context, analysis string) (StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM checkpoints WHERE analysis=? GROUP BY status`, analysis)
	if err != nil {
		return StatusCounts{}, err
	}
	defer rows.Close()
	var c StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, err
		}
		switch status {
		case StatusCompleted:
			c.Completed += n
		case StatusFailed:
			c.Failed += n
		default:
			c.Pending += n
		}
		c.Total += n
	}
	return c, rows.Err()
}

// CorruptCount reports how many undecodable rows were seen since open.
func (s *Store) CorruptCount() int64 { return s.corrupt.Load() }

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

func scanRecord(scan func(...any) error) (*Record, error) {
	var rec Record
	var category, genModel, promptVersion, shieldModel sql.NullString
	var interventionType, rawResponse, lastErr sql.NullString
	var intervened sql.NullInt64
	var created, updated sql.NullTime
	err := scan(&rec.Key.ConversationID, &rec.Key.Analysis, &rec.Status,
		&category, &genModel, &promptVersion, &shieldModel,
		&intervened, &interventionType, &rawResponse,
		&rec.Attempts, &lastErr, &created, &updated)
	if err != nil {
		return nil, err
	}
	if !validStatus(rec.Status) {
		return nil, fmt.Errorf("invalid status %q for %s", rec.Status, rec.Key)
	}
	rec.Category = category.String
	rec.GenerationModel = genModel.String
	rec.PromptVersion = promptVersion.String
	rec.ShieldModel = shieldModel.String
	if intervened.Valid {
		v := intervened.Int64 != 0
		rec.Intervened = &v
	}
	rec.InterventionType = interventionType.String
	rec.RawResponse = rawResponse.String
	rec.LastError = lastErr.String
	if created.Valid {
		rec.CreatedAt = created.Time
	}
	if updated.Valid {
		rec.UpdatedAt = updated.Time
	}
	return &rec, nil
}

func validStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func isCorruption(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	// Scan conversion failures and invalid-status rows are record-level
	// corruption; anything touching the connection is not.
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
