package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
)

// Session statuses as stored.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// SessionRecord is the persisted metadata of one session.
type SessionRecord struct {
	ID             string    `db:"id" json:"id"`
	Backend        string    `db:"backend" json:"backend"`
	WorkingDir     string    `db:"working_dir" json:"working_dir"`
	Model          string    `db:"model" json:"model,omitempty"`
	PlanMode       bool      `db:"plan_mode" json:"plan_mode,omitempty"`
	AgentSessionID string    `db:"agent_session_id" json:"agent_session_id,omitempty"`
	Status         string    `db:"status" json:"status"`
	Turns          int       `db:"turns" json:"turns"`
	InputTokens    int64     `db:"input_tokens" json:"input_tokens"`
	OutputTokens   int64     `db:"output_tokens" json:"output_tokens"`
	CachedTokens   int64     `db:"cached_tokens" json:"cached_tokens"`
	TotalTokens    int64     `db:"total_tokens" json:"total_tokens"`
	LastError      string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// SessionStore reads and writes session metadata.
type SessionStore interface {
	Upsert(ctx context.Context, rec *SessionRecord) error
	Get(ctx context.Context, id string) (*SessionRecord, error)
	List(ctx context.Context) ([]*SessionRecord, error)
	Delete(ctx context.Context, id string) error
	// MarkAbandoned moves every active session to abandoned. It runs at
	// startup, when no session of a previous process can still be live.
	MarkAbandoned(ctx context.Context) (int64, error)
}

type sqliteStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ SessionStore = (*sqliteStore)(nil)

// NewSessionStore creates the sessions table if needed.
func NewSessionStore(pool *Pool) (SessionStore, error) {
	s := &sqliteStore{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("sessions schema init: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		backend          TEXT NOT NULL,
		working_dir      TEXT NOT NULL,
		model            TEXT NOT NULL DEFAULT '',
		plan_mode        INTEGER NOT NULL DEFAULT 0,
		agent_session_id TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'active',
		turns            INTEGER NOT NULL DEFAULT 0,
		input_tokens     INTEGER NOT NULL DEFAULT 0,
		output_tokens    INTEGER NOT NULL DEFAULT 0,
		cached_tokens    INTEGER NOT NULL DEFAULT 0,
		total_tokens     INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Upsert(ctx context.Context, rec *SessionRecord) error {
	if rec.ID == "" {
		return apperrors.BadRequest("session record without id")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, backend, working_dir, model, plan_mode, agent_session_id, status, turns,
			input_tokens, output_tokens, cached_tokens, total_tokens, last_error, created_at, updated_at)
		VALUES (:id, :backend, :working_dir, :model, :plan_mode, :agent_session_id, :status, :turns,
			:input_tokens, :output_tokens, :cached_tokens, :total_tokens, :last_error, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			backend = excluded.backend,
			working_dir = excluded.working_dir,
			model = excluded.model,
			plan_mode = excluded.plan_mode,
			agent_session_id = excluded.agent_session_id,
			status = excluded.status,
			turns = excluded.turns,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cached_tokens = excluded.cached_tokens,
			total_tokens = excluded.total_tokens,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`, rec)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.ro.GetContext(ctx, &rec, `SELECT * FROM sessions WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]*SessionRecord, error) {
	var recs []*SessionRecord
	if err := s.ro.SelectContext(ctx, &recs, `SELECT * FROM sessions ORDER BY created_at ASC, id ASC`); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

func (s *sqliteStore) MarkAbandoned(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE status = ?`,
		StatusAbandoned, time.Now().UTC(), StatusActive)
	if err != nil {
		return 0, fmt.Errorf("mark sessions abandoned: %w", err)
	}
	return res.RowsAffected()
}
