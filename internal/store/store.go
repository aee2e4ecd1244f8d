package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/jackc/pgx/v5"
)

// ErrSessionNotFound is returned when no session matches the given id.
var ErrSessionNotFound = errors.New("capture session not found")

// Store manages the PostgreSQL connection holding recorded capture sessions.
type Store struct {
	// pgx.Conn is not safe for concurrent use.
	mu   sync.Mutex
	conn *pgx.Conn
}

// Session is one recorded Ready→Capturing→Ready cycle.
type Session struct {
	ID        string
	Name      string
	Source    string
	StartedAt time.Time
	EndedAt   *time.Time
	Samples   int
}

// Sample is one stored publication.
type Sample struct {
	Seq        uint64
	CapturedAt time.Time
	Faces      int
	Emotions   types.Distribution
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS capture_sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS distribution_samples (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES capture_sessions(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			faces INT NOT NULL,
			emotions JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS distribution_samples_session_idx ON distribution_samples (session_id, captured_at);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// StartSession registers a capture session. Starting an existing id clears its samples.
func (s *Store) StartSession(ctx context.Context, id, source string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clean up old data to keep a restarted session idempotent
	if _, err := s.conn.Exec(ctx, "DELETE FROM distribution_samples WHERE session_id = $1", id); err != nil {
		return err
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO capture_sessions (id, source, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET started_at = EXCLUDED.started_at, source = EXCLUDED.source, ended_at = NULL
	`, id, source, startedAt)
	return err
}

func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, "UPDATE capture_sessions SET ended_at = $1 WHERE id = $2", endedAt, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// InsertSample stores one publication. The distribution is kept as {"label": percentage}.
func (s *Store) InsertSample(ctx context.Context, sessionID string, sample Sample) error {
	emotions := sample.Emotions
	if emotions == nil {
		emotions = types.Distribution{}
	}
	b, err := json.Marshal(emotions)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.conn.Exec(ctx, `
		INSERT INTO distribution_samples (session_id, seq, captured_at, faces, emotions)
		VALUES ($1, $2, $3, $4, $5)
	`, sessionID, int64(sample.Seq), sample.CapturedAt, sample.Faces, b)
	return err
}

// ListSessions returns every session, newest first, with its sample count.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT c.id, c.name, c.source, c.started_at, c.ended_at, COUNT(d.id)
		FROM capture_sessions c
		LEFT JOIN distribution_samples d ON d.session_id = c.id
		GROUP BY c.id
		ORDER BY c.started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.Source, &sess.StartedAt, &sess.EndedAt, &sess.Samples); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ResolveSession expands a unique id prefix to the full session id.
func (s *Store) ResolveSession(ctx context.Context, prefix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, "SELECT id FROM capture_sessions WHERE id LIKE $1 || '%' LIMIT 2", prefix)
	if err != nil {
		return "", err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", ErrSessionNotFound
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("session prefix %q is ambiguous", prefix)
	}
}

// GetSamples returns the samples of a session in capture order. limit <= 0 returns all.
func (s *Store) GetSamples(ctx context.Context, sessionID string, limit int) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT seq, captured_at, faces, emotions FROM distribution_samples WHERE session_id = $1 ORDER BY captured_at, id`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			sample Sample
			seq    int64
			raw    []byte
		)
		if err := rows.Scan(&seq, &sample.CapturedAt, &sample.Faces, &raw); err != nil {
			return nil, err
		}
		sample.Seq = uint64(seq)
		if err := json.Unmarshal(raw, &sample.Emotions); err != nil {
			return nil, fmt.Errorf("sample %d: %w", seq, err)
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

// RenameSession updates the display name of a session.
func (s *Store) RenameSession(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, "UPDATE capture_sessions SET name = $1 WHERE id = $2", name, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// The next New recreates them.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS distribution_samples CASCADE;
		DROP TABLE IF EXISTS capture_sessions CASCADE;
	`)
	return err
}
