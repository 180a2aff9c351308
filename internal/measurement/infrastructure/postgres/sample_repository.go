package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	measurement "ivlab/internal/measurement/domain"
)

const defaultSampleTable = "raw_samples"

// SampleRepository is a Postgres append-only sample store.
type SampleRepository struct {
	db    *sql.DB
	table string
}

// SampleOption configures the repository.
type SampleOption func(*SampleRepository)

// WithSampleTable overrides the default table.
func WithSampleTable(table string) SampleOption {
	return func(repo *SampleRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewSampleRepository constructs a repository.
func NewSampleRepository(db *sql.DB, opts ...SampleOption) *SampleRepository {
	repo := &SampleRepository{db: db, table: defaultSampleTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Append inserts a batch of samples in one transaction. Existing (smu, seq)
// pairs are never overwritten.
func (r *SampleRepository) Append(ctx context.Context, samples []measurement.RawSample) error {
	if r == nil || r.db == nil {
		return errors.New("sample repo: nil db")
	}
	if len(samples) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	smu_id,
	seq,
	t,
	voltage,
	current,
	status
) VALUES (
	$1, $2, $3, $4, $5, $6
)`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		if s.SMUID == "" || s.Seq < 1 {
			_ = tx.Rollback()
			return errors.New("sample repo: invalid sample")
		}
		if _, err := stmt.ExecContext(ctx, s.SMUID, s.Seq, s.Time, s.Voltage, s.Current, int64(s.Status)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// LastSequence returns the highest stored sequence for an SMU, or 0.
func (r *SampleRepository) LastSequence(ctx context.Context, smuID string) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("sample repo: nil db")
	}
	query := fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s WHERE smu_id = $1`, r.table)
	var last int64
	if err := r.db.QueryRowContext(ctx, query, smuID).Scan(&last); err != nil {
		return 0, err
	}
	return last, nil
}

// Range returns the samples of [first, first+count) in sequence order.
func (r *SampleRepository) Range(ctx context.Context, smuID string, first, count int64) ([]measurement.RawSample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sample repo: nil db")
	}
	if count <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT seq, t, voltage, current, status
FROM %s
WHERE smu_id = $1 AND seq >= $2 AND seq < $3
ORDER BY seq ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, smuID, first, first+count)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []measurement.RawSample
	for rows.Next() {
		s := measurement.RawSample{SMUID: smuID}
		var status int64
		if err := rows.Scan(&s.Seq, &s.Time, &s.Voltage, &s.Current, &status); err != nil {
			return nil, err
		}
		s.Status = measurement.StatusWord(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
