package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Session is the audit row of one synthesis session.
type Session struct {
	ID         string
	WireID     uint64
	Voice      string
	Status     string
	Code       string
	Chunks     int
	CreatedAt  time.Time
	FinishedAt time.Time
}

// SessionEvent is one entry of a session's lifecycle timeline.
type SessionEvent struct {
	ID        int64
	SessionID string
	Type      string
	Detail    string
	CreatedAt time.Time
}

// BeginSession inserts the audit row of a new session.
func (s *Store) BeginSession(ctx context.Context, id string, wireID uint64, voiceToken string) error {
	if s.ephemeral() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, wire_id, voice, created_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		id, int64(wireID), voiceToken, s.clock().UnixMilli())
	return err
}

// AppendSessionEvent records a lifecycle step of a session.
func (s *Store) AppendSessionEvent(ctx context.Context, sessionID, eventType, detail string) error {
	if s.ephemeral() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events(session_id, event_type, detail, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, eventType, detail, s.clock().UnixMilli())
	return err
}

// FinishSession stamps the terminal status of a session.
func (s *Store) FinishSession(ctx context.Context, id, status, code string, chunks int) error {
	if s.ephemeral() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, code = ?, chunks = ?, finished_at = ? WHERE session_id = ?`,
		status, code, chunks, s.clock().UnixMilli(), id)
	return err
}

// GetSession returns the audit row of a session.
func (s *Store) GetSession(ctx context.Context, id string) (Session, bool, error) {
	if s.ephemeral() {
		return Session{}, false, nil
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	return sess, true, nil
}

// RecentSessions returns up to limit sessions, newest first, optionally
// restricted to one voice.
func (s *Store) RecentSessions(ctx context.Context, voiceToken string, limit int) ([]Session, error) {
	if s.ephemeral() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if voiceToken != "" {
		query += ` WHERE voice = ?`
		args = append(args, voiceToken)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

const sessionColumns = `session_id, wire_id, voice, status, code, chunks, created_at, finished_at`

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var wire, created int64
	var finished *int64
	if err := row.Scan(&sess.ID, &wire, &sess.Voice, &sess.Status, &sess.Code, &sess.Chunks, &created, &finished); err != nil {
		return Session{}, err
	}
	sess.WireID = uint64(wire)
	sess.CreatedAt = time.UnixMilli(created).UTC()
	if finished != nil {
		sess.FinishedAt = time.UnixMilli(*finished).UTC()
	}
	return sess, nil
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	if s.ephemeral() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, detail, created_at
		 FROM session_events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
