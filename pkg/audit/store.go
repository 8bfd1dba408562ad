package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// chainLockID serialises appends to the single global audit chain.
const chainLockID = 0x61756469 // "audi"

// Store persists the hash-chained audit trail in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new audit store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append canonicalizes ev, links it to the chain head, and inserts it.
// An advisory lock serialises appends so concurrent writers cannot fork
// the chain. The stored event's Seq, Hash, PrevHash, and Canon are
// filled in on return.
func (s *Store) Append(ctx context.Context, ev *Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("audit.Append begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", chainLockID); err != nil {
		return fmt.Errorf("audit.Append advisory lock: %w", err)
	}

	var prevHash string
	err = tx.QueryRow(ctx, `
		SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if errors.Is(err, pgx.ErrNoRows) {
		prevHash = ""
	} else if err != nil {
		return fmt.Errorf("audit.Append chain head: %w", err)
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	canon, err := CanonicalJSON(struct {
		ID              string `json:"id"`
		RequestID       string `json:"request_id"`
		ExpenseReportID string `json:"expense_report_id"`
		ActorID         string `json:"actor_id"`
		Action          string `json:"action"`
		FromStatus      string `json:"from_status"`
		ToStatus        string `json:"to_status"`
		StepIndex       int    `json:"step_index"`
		Comment         string `json:"comment,omitempty"`
		At              string `json:"at"`
	}{
		ID: ev.ID, RequestID: ev.RequestID, ExpenseReportID: ev.ExpenseReportID,
		ActorID: ev.ActorID, Action: ev.Action,
		FromStatus: ev.FromStatus, ToStatus: ev.ToStatus,
		StepIndex: ev.StepIndex, Comment: ev.Comment,
		At: ev.At.UTC().Format("2006-01-02T15:04:05.000000Z"),
	})
	if err != nil {
		return fmt.Errorf("audit.Append canonical: %w", err)
	}

	ev.Canon = canon
	ev.PrevHash = prevHash
	ev.Hash = ChainHash(prevHash, canon)

	err = tx.QueryRow(ctx, `
		INSERT INTO audit_events (
			id, request_id, expense_report_id, actor_id, action,
			from_status, to_status, step_index, comment, at,
			canon, hash, prev_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING seq`,
		ev.ID, ev.RequestID, ev.ExpenseReportID, ev.ActorID, ev.Action,
		ev.FromStatus, ev.ToStatus, ev.StepIndex, ev.Comment, ev.At,
		canon, ev.Hash, ev.PrevHash,
	).Scan(&ev.Seq)
	if err != nil {
		return fmt.Errorf("audit.Append insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("audit.Append commit: %w", err)
	}
	return nil
}

// EventsForRequest returns the audit entries for one approval request,
// oldest first.
func (s *Store) EventsForRequest(ctx context.Context, requestID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, request_id, expense_report_id, actor_id, action,
		       from_status, to_status, step_index, comment, at,
		       canon, hash, prev_hash
		FROM audit_events
		WHERE request_id = $1
		ORDER BY seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("audit.EventsForRequest: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns up to limit chain entries with seq greater than
// afterSeq, in chain order. Used by the archiver to bundle verified
// segments.
func (s *Store) EventsAfter(ctx context.Context, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, request_id, expense_report_id, actor_id, action,
		       from_status, to_status, step_index, comment, at,
		       canon, hash, prev_hash
		FROM audit_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("audit.EventsAfter: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// HashAtSeq returns the chain hash stored at the given seq, or "" when
// seq is zero (the start of the chain).
func (s *Store) HashAtSeq(ctx context.Context, seq int64) (string, error) {
	if seq == 0 {
		return "", nil
	}
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT hash FROM audit_events WHERE seq = $1`, seq).Scan(&hash)
	if err != nil {
		return "", fmt.Errorf("audit.HashAtSeq: %w", err)
	}
	return hash, nil
}

// GetArchiveCheckpoint returns where the archiver left off: the last
// archived seq and its chain hash. A fresh chain returns (0, "").
func (s *Store) GetArchiveCheckpoint(ctx context.Context) (int64, string, error) {
	var seq int64
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT last_seq, last_hash FROM audit_archive_checkpoint WHERE id = 1`).Scan(&seq, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("audit.GetArchiveCheckpoint: %w", err)
	}
	return seq, hash, nil
}

// UpsertArchiveCheckpoint records the new archive frontier.
func (s *Store) UpsertArchiveCheckpoint(ctx context.Context, seq int64, hash string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_archive_checkpoint (id, last_seq, last_hash, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET last_seq = EXCLUDED.last_seq, last_hash = EXCLUDED.last_hash, updated_at = NOW()`,
		seq, hash)
	if err != nil {
		return fmt.Errorf("audit.UpsertArchiveCheckpoint: %w", err)
	}
	return nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEvents(rows pgxRows) ([]Event, error) {
	events := make([]Event, 0)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(
			&ev.Seq, &ev.ID, &ev.RequestID, &ev.ExpenseReportID, &ev.ActorID, &ev.Action,
			&ev.FromStatus, &ev.ToStatus, &ev.StepIndex, &ev.Comment, &ev.At,
			&ev.Canon, &ev.Hash, &ev.PrevHash,
		); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit iteration: %w", err)
	}
	return events, nil
}
