package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore persists calls and signals via database/sql with the pgx
// stdlib driver.
//
// NOTE: This repository assumes the following schema:
//
//	CREATE TABLE calls (
//	    id             UUID PRIMARY KEY,
//	    caller_id      TEXT NOT NULL,
//	    callee_id      TEXT NOT NULL,
//	    status         TEXT NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    updated_at     TIMESTAMPTZ NOT NULL,
//	    accepted_at    TIMESTAMPTZ,
//	    ended_at       TIMESTAMPTZ,
//	    end_reason     TEXT NOT NULL DEFAULT '',
//	    client_version TEXT NOT NULL DEFAULT ''
//	);
//
//	-- At most one active call per unordered pair, either direction.
//	CREATE UNIQUE INDEX calls_unique_active_pair_idx ON calls (
//	    LEAST(caller_id, callee_id), GREATEST(caller_id, callee_id)
//	) WHERE status IN ('ringing', 'accepted');
//
//	CREATE TABLE call_signals (
//	    id           UUID PRIMARY KEY,
//	    call_id      UUID NOT NULL REFERENCES calls (id),
//	    sender_id    TEXT NOT NULL,
//	    recipient_id TEXT NOT NULL DEFAULT '',
//	    type         TEXT NOT NULL,
//	    payload      JSONB NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX call_signals_call_idx ON call_signals (call_id, created_at);
type PostgresStore struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

const callColumns = `id, caller_id, callee_id, status, created_at, updated_at, accepted_at, ended_at, end_reason, client_version`

func (p *PostgresStore) Insert(ctx context.Context, c Call) (Call, error) {
	if c.CallerID == "" || c.CalleeID == "" || c.CallerID == c.CalleeID {
		return Call{}, ErrInvalidArgument
	}

	now := p.clock().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusRinging
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	const q = `
INSERT INTO calls (id, caller_id, callee_id, status, created_at, updated_at, end_reason, client_version)
VALUES ($1, $2, $3, $4, $5, $6, '', $7)
`
	_, err := p.db.ExecContext(ctx, q, c.ID, c.CallerID, c.CalleeID, c.Status, c.CreatedAt, c.UpdatedAt, c.ClientVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return Call{}, ErrConflict
		}
		return Call{}, err
	}
	return c, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	return scanCall(p.db.QueryRowContext(ctx, q, id))
}

func (p *PostgresStore) FindActiveBetween(ctx context.Context, userA, userB string) (Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE status IN ('ringing', 'accepted')
  AND ((caller_id = $1 AND callee_id = $2) OR (caller_id = $2 AND callee_id = $1))
ORDER BY created_at DESC
LIMIT 1
`
	return scanCall(p.db.QueryRowContext(ctx, q, userA, userB))
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from []CallStatus, to CallStatus, reason string) (Call, error) {
	now := p.clock().UTC()

	// The from-status guard lives in the WHERE clause so two racing
	// transitions cannot both succeed.
	const q = `
UPDATE calls
SET status      = $2,
    updated_at  = $3,
    accepted_at = CASE WHEN $2 = 'accepted' THEN $3 ELSE accepted_at END,
    ended_at    = CASE WHEN $2 IN ('declined', 'missed', 'cancelled', 'ended') THEN $3 ELSE ended_at END,
    end_reason  = CASE WHEN $4 <> '' THEN $4 ELSE end_reason END
WHERE id = $1 AND status = ANY($5)
RETURNING ` + callColumns

	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	c, err := scanCallErr(p.db.QueryRowContext(ctx, q, id, to, now, reason, fromStrs))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Call{}, err
	}

	// Distinguish "no such call" from "guard rejected".
	if _, getErr := p.Get(ctx, id); getErr != nil {
		return Call{}, getErr
	}
	return Call{}, ErrInvalidTransition
}

func (p *PostgresStore) ListRingingBefore(ctx context.Context, cutoff time.Time) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE status = 'ringing' AND created_at <= $1
ORDER BY created_at ASC
`
	rows, err := p.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCalls(rows)
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]Call, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 {
		limit = 50
	}

	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE caller_id = $1 OR callee_id = $1
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := p.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCalls(rows)
}

func (p *PostgresStore) AppendSignal(ctx context.Context, s Signal) (Signal, error) {
	if s.CallID == "" || s.SenderID == "" || !s.Type.Valid() {
		return Signal{}, ErrInvalidArgument
	}

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = p.clock().UTC()

	const q = `
INSERT INTO call_signals (id, call_id, sender_id, recipient_id, type, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := p.db.ExecContext(ctx, q, s.ID, s.CallID, s.SenderID, s.RecipientID, s.Type, []byte(s.Payload), s.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return Signal{}, ErrNotFound
		}
		return Signal{}, err
	}
	return s, nil
}

func (p *PostgresStore) SignalsSince(ctx context.Context, callID string, since time.Time) ([]Signal, error) {
	const q = `
SELECT id, call_id, sender_id, recipient_id, type, payload, created_at
FROM call_signals
WHERE call_id = $1 AND created_at > $2
ORDER BY created_at ASC
`
	rows, err := p.db.QueryContext(ctx, q, callID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var s Signal
		var payload []byte
		if err := rows.Scan(&s.ID, &s.CallID, &s.SenderID, &s.RecipientID, &s.Type, &payload, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Payload = payload
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	c, err := scanCallErr(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func scanCallErr(row rowScanner) (Call, error) {
	var c Call
	err := row.Scan(
		&c.ID,
		&c.CallerID,
		&c.CalleeID,
		&c.Status,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.AcceptedAt,
		&c.EndedAt,
		&c.EndReason,
		&c.ClientVersion,
	)
	if err != nil {
		return Call{}, err
	}
	return c, nil
}

func collectCalls(rows *sql.Rows) ([]Call, error) {
	var out []Call
	for rows.Next() {
		c, err := scanCallErr(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
