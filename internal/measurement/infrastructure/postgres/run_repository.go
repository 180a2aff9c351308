package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	measurement "ivlab/internal/measurement/domain"
)

// RunRepository is a Postgres repository for runs and their slot mappings.
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository constructs a repository.
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a run and its parameter assignments.
func (r *RunRepository) Create(ctx context.Context, run *measurement.Run) error {
	if r == nil || r.db == nil {
		return errors.New("run repo: nil db")
	}
	if run == nil {
		return errors.New("run repo: nil run")
	}
	if err := run.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO runs (id, user_id, operator, description, setup_id, status, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.UserID, run.Operator, run.Description, run.SetupID, string(run.Status), run.StartedAt.UTC()); err != nil {
		_ = tx.Rollback()
		return err
	}
	for name, values := range run.Params {
		for substrateID, value := range values {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO run_parameters (run_id, name, substrate_id, value)
VALUES ($1, $2, $3, $4)`, run.ID, name, substrateID, value); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
	}
	return tx.Commit()
}

// Close sets the terminal status of a run.
func (r *RunRepository) Close(ctx context.Context, id string, status measurement.RunStatus, closedAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("run repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `UPDATE runs SET status = $1, closed_at = $2 WHERE id = $3`, string(status), closedAt.UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return measurement.ErrNotFound
	}
	return nil
}

// Get loads a run with its parameters.
func (r *RunRepository) Get(ctx context.Context, id string) (*measurement.Run, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("run repo: nil db")
	}
	run := &measurement.Run{ID: id}
	var status string
	var closedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
SELECT user_id, operator, description, setup_id, status, started_at, closed_at
FROM runs
WHERE id = $1`, id).Scan(&run.UserID, &run.Operator, &run.Description, &run.SetupID, &status, &run.StartedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, measurement.ErrNotFound
		}
		return nil, err
	}
	run.Status = measurement.RunStatus(status)
	if closedAt.Valid {
		run.ClosedAt = closedAt.Time
	}

	rows, err := r.db.QueryContext(ctx, `SELECT name, substrate_id, value FROM run_parameters WHERE run_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name, substrateID, value string
		if err := rows.Scan(&name, &substrateID, &value); err != nil {
			return nil, err
		}
		if run.Params == nil {
			run.Params = make(measurement.RunParameters)
		}
		if run.Params[name] == nil {
			run.Params[name] = make(map[string]string)
		}
		run.Params[name][substrateID] = value
	}
	return run, rows.Err()
}

// SaveMappings replaces the slot mappings of a run.
func (r *RunRepository) SaveMappings(ctx context.Context, runID string, substrates []measurement.SlotSubstrateMapping, smus []measurement.SlotSMUMapping) error {
	if r == nil || r.db == nil {
		return errors.New("run repo: nil db")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM slot_substrate_mappings WHERE run_id = $1`,
		`DELETE FROM slot_smu_mappings WHERE run_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, runID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, m := range substrates {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO slot_substrate_mappings (run_id, slot_id, substrate_id) VALUES ($1, $2, $3)`, runID, m.SlotID, m.SubstrateID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, m := range smus {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO slot_smu_mappings (run_id, slot_id, smu_id) VALUES ($1, $2, $3)`, runID, m.SlotID, m.SMUID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Mappings returns the slot mappings of a run.
func (r *RunRepository) Mappings(ctx context.Context, runID string) ([]measurement.SlotSubstrateMapping, []measurement.SlotSMUMapping, error) {
	if r == nil || r.db == nil {
		return nil, nil, errors.New("run repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `SELECT slot_id, substrate_id FROM slot_substrate_mappings WHERE run_id = $1 ORDER BY slot_id`, runID)
	if err != nil {
		return nil, nil, err
	}
	var substrates []measurement.SlotSubstrateMapping
	for rows.Next() {
		m := measurement.SlotSubstrateMapping{RunID: runID}
		if err := rows.Scan(&m.SlotID, &m.SubstrateID); err != nil {
			rows.Close()
			return nil, nil, err
		}
		substrates = append(substrates, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = r.db.QueryContext(ctx, `SELECT slot_id, smu_id FROM slot_smu_mappings WHERE run_id = $1 ORDER BY slot_id`, runID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var smus []measurement.SlotSMUMapping
	for rows.Next() {
		m := measurement.SlotSMUMapping{RunID: runID}
		if err := rows.Scan(&m.SlotID, &m.SMUID); err != nil {
			return nil, nil, err
		}
		smus = append(smus, m)
	}
	return substrates, smus, rows.Err()
}
