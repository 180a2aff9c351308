package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"ivlab/internal/eventing"
)

const (
	defaultOutboxTable  = "event_outbox"
	defaultClaimTimeout = 5 * time.Minute
)

// OutboxStore is a Postgres outbox. Records are delivered in insertion order.
type OutboxStore struct {
	db           *sql.DB
	table        string
	claimTimeout time.Duration
	now          func() time.Time
}

// OutboxOption configures the outbox store.
type OutboxOption func(*OutboxStore)

// WithOutboxTable overrides the table name.
func WithOutboxTable(table string) OutboxOption {
	return func(store *OutboxStore) {
		if table != "" {
			store.table = table
		}
	}
}

// WithClaimTimeout sets how long a claimed record may stay undelivered before
// another dispatcher takes it over.
func WithClaimTimeout(d time.Duration) OutboxOption {
	return func(store *OutboxStore) {
		if d > 0 {
			store.claimTimeout = d
		}
	}
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	store := &OutboxStore{
		db:           db,
		table:        defaultOutboxTable,
		claimTimeout: defaultClaimTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Insert writes an envelope as a pending record.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("outbox store: nil db")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	outboxID := eventing.NewEventID()
	query := fmt.Sprintf(`
INSERT INTO %s (id, event_id, event_type, run_id, payload, status, attempts)
VALUES ($1, $2, $3, $4, $5, 'pending', 0)
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.db.ExecContext(ctx, query, outboxID, env.EventID, env.EventType, nullString(env.RunID), payload); err != nil {
		return "", err
	}
	return outboxID, nil
}

// ClaimPending marks up to limit pending records as dispatching and returns
// them, oldest first. Rows locked by a concurrent claim are skipped, and
// records claimed longer than the claim timeout ago are taken over.
func (s *OutboxStore) ClaimPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("outbox store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	now := s.now()
	query := fmt.Sprintf(`
UPDATE %[1]s
SET status = 'dispatching', claimed_at = $1
WHERE id IN (
	SELECT id
	FROM %[1]s
	WHERE status = 'pending' OR (status = 'dispatching' AND claimed_at < $2)
	ORDER BY seq ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING seq, id, payload`, s.table)

	rows, err := s.db.QueryContext(ctx, query, now, now.Add(-s.claimTimeout), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type claimed struct {
		seq    int64
		record eventing.OutboxRecord
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		var payload []byte
		if err := rows.Scan(&c.seq, &c.record.ID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &c.record.Envelope); err != nil {
			return nil, err
		}
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not keep the subquery order.
	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
	result := make([]eventing.OutboxRecord, 0, len(batch))
	for _, c := range batch {
		result = append(result, c.record)
	}
	return result, nil
}

// MarkSent marks a record delivered.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`UPDATE %s SET status = 'sent', sent_at = $1 WHERE id = $2`, s.table)
	_, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	return err
}

// MarkFailed marks a record failed and counts the attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`UPDATE %s SET status = 'failed', attempts = attempts + 1 WHERE id = $1`, s.table)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// Purge deletes sent records older than before and returns how many were removed.
func (s *OutboxStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = 'sent' AND sent_at < $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
