package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionRecord is one row of the voice session journal.
type SessionRecord struct {
	ID          string
	ServerID    string
	Endpoint    string
	SSRC        int64
	StartedAt   time.Time
	EndedAt     sql.NullTime
	PacketsSent int64
	BytesSent   int64
	Disposition string // "active", "completed", or "failed"
	Failure     string // error text for failed sessions
}

// SessionLogRepository persists voice session lifecycle records.
type SessionLogRepository interface {
	Create(ctx context.Context, rec *SessionRecord) error
	Finish(ctx context.Context, id string, endedAt time.Time, packetsSent, bytesSent int64, failure string) error
	GetByID(ctx context.Context, id string) (*SessionRecord, error)
	Recent(ctx context.Context, limit int) ([]*SessionRecord, error)
}

// sessionLogRepo implements SessionLogRepository.
type sessionLogRepo struct {
	db *DB
}

// NewSessionLogRepository creates a new SessionLogRepository.
func NewSessionLogRepository(db *DB) SessionLogRepository {
	return &sessionLogRepo{db: db}
}

// Create inserts a journal row for a newly established session.
func (r *sessionLogRepo) Create(ctx context.Context, rec *SessionRecord) error {
	if rec.Disposition == "" {
		rec.Disposition = "active"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_log (id, server_id, endpoint, ssrc, started_at,
		 packets_sent, bytes_sent, disposition, failure)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ServerID, rec.Endpoint, rec.SSRC, rec.StartedAt,
		rec.PacketsSent, rec.BytesSent, rec.Disposition, rec.Failure,
	)
	if err != nil {
		return fmt.Errorf("inserting session record: %w", err)
	}
	return nil
}

// Finish closes out a journal row with final counters. An empty failure
// marks the session completed, anything else marks it failed.
func (r *sessionLogRepo) Finish(ctx context.Context, id string, endedAt time.Time, packetsSent, bytesSent int64, failure string) error {
	disposition := "completed"
	if failure != "" {
		disposition = "failed"
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE session_log SET ended_at = ?, packets_sent = ?, bytes_sent = ?,
		 disposition = ?, failure = ? WHERE id = ?`,
		endedAt, packetsSent, bytesSent, disposition, failure, id,
	)
	if err != nil {
		return fmt.Errorf("finishing session record: %w", err)
	}
	return nil
}

// GetByID returns a session record by ID.
func (r *sessionLogRepo) GetByID(ctx context.Context, id string) (*SessionRecord, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, server_id, endpoint, ssrc, started_at, ended_at,
		 packets_sent, bytes_sent, disposition, failure
		 FROM session_log WHERE id = ?`, id,
	))
}

// Recent returns the most recently started sessions, newest first.
func (r *sessionLogRepo) Recent(ctx context.Context, limit int) ([]*SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, server_id, endpoint, ssrc, started_at, ended_at,
		 packets_sent, bytes_sent, disposition, failure
		 FROM session_log ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec := &SessionRecord{}
		if err := rows.Scan(&rec.ID, &rec.ServerID, &rec.Endpoint, &rec.SSRC,
			&rec.StartedAt, &rec.EndedAt, &rec.PacketsSent, &rec.BytesSent,
			&rec.Disposition, &rec.Failure); err != nil {
			return nil, fmt.Errorf("scanning session record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *sessionLogRepo) scanOne(row *sql.Row) (*SessionRecord, error) {
	rec := &SessionRecord{}
	err := row.Scan(&rec.ID, &rec.ServerID, &rec.Endpoint, &rec.SSRC,
		&rec.StartedAt, &rec.EndedAt, &rec.PacketsSent, &rec.BytesSent,
		&rec.Disposition, &rec.Failure)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session record: %w", err)
	}
	return rec, nil
}
