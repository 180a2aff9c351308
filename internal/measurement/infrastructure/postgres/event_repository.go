package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	measurement "ivlab/internal/measurement/domain"
)

const eventColumns = `
	e.id, e.kind, e.run_id, e.device_id, e.smu_id, e.first_seq, e.sample_count,
	e.source, e.area, e.status, e.abort_reason, e.opened_at, e.closed_at,
	sw.low, sw.high, sw.points, sw.direction, sw.light, sw.step_delay_ms,
	sw.voc, sw.isc, sw.vmpp, sw.impp, sw.pmax,
	ss.setpoint, ss.duration_ms,
	mp.algorithm, mp.version, mp.params, mp.duration_ms, mp.cycles, mp.center`

const eventJoins = `
FROM events e
LEFT JOIN sweep_events sw ON sw.event_id = e.id
LEFT JOIN ss_events ss ON ss.event_id = e.id
LEFT JOIN mppt_events mp ON mp.event_id = e.id`

// EventRepository stores event headers in events and payloads in one table per kind.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository constructs a repository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Open inserts the header and payload of a newly opened event.
func (r *EventRepository) Open(ctx context.Context, event *measurement.Event) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}
	if event == nil {
		return errors.New("event repo: nil event")
	}
	h := event.Header

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO events (
	id, kind, run_id, device_id, smu_id, first_seq, sample_count,
	source, area, status, abort_reason, opened_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)`,
		h.ID, string(h.Kind), h.RunID, h.DeviceID, h.SMUID, h.FirstSeq, h.Count,
		string(h.Source), h.Area, string(h.Status), h.AbortReason, h.OpenedAt.UTC())
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	switch p := event.Payload.(type) {
	case measurement.SweepPayload:
		_, err = tx.ExecContext(ctx, `
INSERT INTO sweep_events (event_id, low, high, points, direction, light, step_delay_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			h.ID, p.Low, p.High, p.Points, string(p.Direction), p.Light, p.StepDelay.Milliseconds())
	case measurement.SteadyStatePayload:
		_, err = tx.ExecContext(ctx, `
INSERT INTO ss_events (event_id, setpoint, duration_ms) VALUES ($1, $2, $3)`,
			h.ID, p.Setpoint, p.Duration.Milliseconds())
	case measurement.MPPTPayload:
		var params []byte
		params, err = json.Marshal(p.Params)
		if err == nil {
			_, err = tx.ExecContext(ctx, `
INSERT INTO mppt_events (event_id, algorithm, version, params, duration_ms, cycles, center)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				h.ID, p.Algorithm, p.Version, params, p.Duration.Milliseconds(), p.Cycles, p.Center)
		}
	default:
		err = fmt.Errorf("event repo: unsupported payload %T", event.Payload)
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close writes the final range, status and sweep summary. Only open events can be closed.
func (r *EventRepository) Close(ctx context.Context, event *measurement.Event) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}
	if event == nil {
		return errors.New("event repo: nil event")
	}
	h := event.Header

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE events
SET sample_count = $1, status = $2, abort_reason = $3, closed_at = $4
WHERE id = $5 AND status = 'open'`,
		h.Count, string(h.Status), h.AbortReason, h.ClosedAt.UTC(), h.ID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if affected == 0 {
		_ = tx.Rollback()
		return measurement.AttributionErrorf("event %s is not open", h.ID)
	}
	if sweep, ok := event.Sweep(); ok && sweep.Summary != nil {
		s := sweep.Summary
		if _, err := tx.ExecContext(ctx, `
UPDATE sweep_events SET voc = $1, isc = $2, vmpp = $3, impp = $4, pmax = $5 WHERE event_id = $6`,
			nullFloat(s.Voc), nullFloat(s.Isc), nullFloat(s.Vmpp), nullFloat(s.Impp), nullFloat(s.Pmax), h.ID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Get loads one event.
func (r *EventRepository) Get(ctx context.Context, id string) (*measurement.Event, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `SELECT`+eventColumns+eventJoins+`
WHERE e.id = $1`, id)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, measurement.ErrNotFound
		}
		return nil, err
	}
	return &event, nil
}

// ListByRun returns the events of a run ordered by open time.
func (r *EventRepository) ListByRun(ctx context.Context, runID string) ([]measurement.Event, error) {
	return r.list(ctx, `
WHERE e.run_id = $1
ORDER BY e.opened_at ASC, e.smu_id ASC, e.first_seq ASC`, runID)
}

// ListBySMU returns the events recorded on an SMU ordered by first sequence.
func (r *EventRepository) ListBySMU(ctx context.Context, smuID string) ([]measurement.Event, error) {
	return r.list(ctx, `
WHERE e.smu_id = $1
ORDER BY e.first_seq ASC, e.sample_count ASC`, smuID)
}

func (r *EventRepository) list(ctx context.Context, where, arg string) ([]measurement.Event, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `SELECT`+eventColumns+eventJoins+where, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []measurement.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (measurement.Event, error) {
	var (
		h                          measurement.EventHeader
		kind, source, status       string
		closedAt                   sql.NullTime
		swLow, swHigh              sql.NullFloat64
		swPoints                   sql.NullInt64
		swDirection                sql.NullString
		swLight                    sql.NullBool
		swDelay                    sql.NullInt64
		voc, isc, vmpp, impp, pmax sql.NullFloat64
		ssSetpoint                 sql.NullFloat64
		ssDuration                 sql.NullInt64
		mpAlgorithm, mpVersion     sql.NullString
		mpParams                   []byte
		mpDuration                 sql.NullInt64
		mpCycles                   sql.NullInt64
		mpCenter                   sql.NullFloat64
	)
	if err := row.Scan(
		&h.ID, &kind, &h.RunID, &h.DeviceID, &h.SMUID, &h.FirstSeq, &h.Count,
		&source, &h.Area, &status, &h.AbortReason, &h.OpenedAt, &closedAt,
		&swLow, &swHigh, &swPoints, &swDirection, &swLight, &swDelay,
		&voc, &isc, &vmpp, &impp, &pmax,
		&ssSetpoint, &ssDuration,
		&mpAlgorithm, &mpVersion, &mpParams, &mpDuration, &mpCycles, &mpCenter,
	); err != nil {
		return measurement.Event{}, err
	}
	h.Kind = measurement.EventKind(kind)
	h.Source = measurement.SourceMode(source)
	h.Status = measurement.EventStatus(status)
	if closedAt.Valid {
		h.ClosedAt = closedAt.Time
	}

	event := measurement.Event{Header: h}
	switch h.Kind {
	case measurement.EventKindSweep:
		p := measurement.SweepPayload{
			Low:       swLow.Float64,
			High:      swHigh.Float64,
			Points:    int(swPoints.Int64),
			Direction: measurement.SweepDirection(swDirection.String),
			Light:     swLight.Bool,
			StepDelay: time.Duration(swDelay.Int64) * time.Millisecond,
		}
		if h.Status != measurement.EventStatusOpen {
			p.Summary = &measurement.SweepSummary{
				Voc:  floatOrNaN(voc),
				Isc:  floatOrNaN(isc),
				Vmpp: floatOrNaN(vmpp),
				Impp: floatOrNaN(impp),
				Pmax: floatOrNaN(pmax),
			}
		}
		event.Payload = p
	case measurement.EventKindSteadyState:
		event.Payload = measurement.SteadyStatePayload{
			Setpoint: ssSetpoint.Float64,
			Duration: time.Duration(ssDuration.Int64) * time.Millisecond,
		}
	case measurement.EventKindMPPT:
		p := measurement.MPPTPayload{
			Algorithm: mpAlgorithm.String,
			Version:   mpVersion.String,
			Duration:  time.Duration(mpDuration.Int64) * time.Millisecond,
			Cycles:    int(mpCycles.Int64),
			Center:    mpCenter.Float64,
		}
		if len(mpParams) > 0 {
			if err := json.Unmarshal(mpParams, &p.Params); err != nil {
				return measurement.Event{}, fmt.Errorf("event repo: decode mppt params: %w", err)
			}
		}
		event.Payload = p
	default:
		return measurement.Event{}, fmt.Errorf("event repo: unknown kind %q", kind)
	}
	return event, nil
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
