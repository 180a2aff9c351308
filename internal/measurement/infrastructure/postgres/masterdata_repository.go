package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	measurement "ivlab/internal/measurement/domain"
)

// MasterdataRepository is a Postgres repository for setups, layouts, substrates, SMUs and devices.
type MasterdataRepository struct {
	db *sql.DB
}

// NewMasterdataRepository constructs a repository.
func NewMasterdataRepository(db *sql.DB) *MasterdataRepository {
	return &MasterdataRepository{db: db}
}

func (r *MasterdataRepository) ready() error {
	if r == nil || r.db == nil {
		return errors.New("masterdata repo: nil db")
	}
	return nil
}

// EnsureUser returns the user with name, creating it on first use.
func (r *MasterdataRepository) EnsureUser(ctx context.Context, name string) (*measurement.User, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, measurement.ConfigurationErrorf("empty user name")
	}
	user := &measurement.User{Name: name}
	err := r.db.QueryRowContext(ctx, `
INSERT INTO users (id, name) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, uuid.NewString(), name).Scan(&user.ID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SaveSetup upserts a setup and its slots.
func (r *MasterdataRepository) SaveSetup(ctx context.Context, setup *measurement.Setup, slots []measurement.Slot) error {
	if err := r.ready(); err != nil {
		return err
	}
	if setup == nil || setup.ID == "" {
		return measurement.ConfigurationErrorf("setup requires an id")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO setups (id, name) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, setup.ID, setup.Name); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, slot := range slots {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO slots (id, setup_id, designator, position, pads) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	designator = EXCLUDED.designator,
	position = EXCLUDED.position,
	pads = EXCLUDED.pads`, slot.ID, setup.ID, slot.Designator, slot.Position, slot.Pads); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Setup loads a setup.
func (r *MasterdataRepository) Setup(ctx context.Context, id string) (*measurement.Setup, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	setup := &measurement.Setup{ID: id}
	if err := r.db.QueryRowContext(ctx, `SELECT name FROM setups WHERE id = $1`, id).Scan(&setup.Name); err != nil {
		return nil, notFound(err)
	}
	return setup, nil
}

// Slots lists the slots of a setup by position.
func (r *MasterdataRepository) Slots(ctx context.Context, setupID string) ([]measurement.Slot, error) {
	if _, err := r.Setup(ctx, setupID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, designator, position, pads
FROM slots
WHERE setup_id = $1
ORDER BY position ASC`, setupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []measurement.Slot
	for rows.Next() {
		slot := measurement.Slot{SetupID: setupID}
		if err := rows.Scan(&slot.ID, &slot.Designator, &slot.Position, &slot.Pads); err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

// SaveLayout upserts a layout and its pixels.
func (r *MasterdataRepository) SaveLayout(ctx context.Context, layout *measurement.Layout, pixels []measurement.LayoutPixel) error {
	if err := r.ready(); err != nil {
		return err
	}
	if layout == nil || layout.ID == "" {
		return measurement.ConfigurationErrorf("layout requires an id")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO layouts (id, name, version) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, version = EXCLUDED.version`, layout.ID, layout.Name, layout.Version); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, px := range pixels {
		if px.LayoutID != layout.ID {
			_ = tx.Rollback()
			return measurement.ConfigurationErrorf("pixel %s belongs to layout %s, not %s", px.ID, px.LayoutID, layout.ID)
		}
		if err := px.Validate(); err != nil {
			_ = tx.Rollback()
			return measurement.ConfigurationErrorf("%v", err)
		}
		var outline []byte
		if len(px.Outline) > 0 {
			if outline, err = json.Marshal(px.Outline); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO layout_pixels (id, layout_id, number, light_area, dark_area, shape, outline)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	number = EXCLUDED.number,
	light_area = EXCLUDED.light_area,
	dark_area = EXCLUDED.dark_area,
	shape = EXCLUDED.shape,
	outline = EXCLUDED.outline`, px.ID, layout.ID, px.Number, px.LightArea, px.DarkArea, px.Shape, outline); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Layout loads a layout.
func (r *MasterdataRepository) Layout(ctx context.Context, id string) (*measurement.Layout, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	layout := &measurement.Layout{ID: id}
	if err := r.db.QueryRowContext(ctx, `SELECT name, version FROM layouts WHERE id = $1`, id).Scan(&layout.Name, &layout.Version); err != nil {
		return nil, notFound(err)
	}
	return layout, nil
}

// Pixels lists the pixels of a layout by number.
func (r *MasterdataRepository) Pixels(ctx context.Context, layoutID string) ([]measurement.LayoutPixel, error) {
	if _, err := r.Layout(ctx, layoutID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, number, light_area, dark_area, shape, outline
FROM layout_pixels
WHERE layout_id = $1
ORDER BY number ASC`, layoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []measurement.LayoutPixel
	for rows.Next() {
		px := measurement.LayoutPixel{LayoutID: layoutID}
		var outline []byte
		if err := rows.Scan(&px.ID, &px.Number, &px.LightArea, &px.DarkArea, &px.Shape, &outline); err != nil {
			return nil, err
		}
		if len(outline) > 0 {
			if err := json.Unmarshal(outline, &px.Outline); err != nil {
				return nil, err
			}
		}
		out = append(out, px)
	}
	return out, rows.Err()
}

// SaveSubstrateType upserts a substrate type.
func (r *MasterdataRepository) SaveSubstrateType(ctx context.Context, st *measurement.SubstrateType) error {
	if err := r.ready(); err != nil {
		return err
	}
	if st == nil || st.ID == "" {
		return measurement.ConfigurationErrorf("substrate type requires an id")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO substrate_types (id, name, manufacturer, batch, tco_type, sheet_resistance, optical_transmission)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	manufacturer = EXCLUDED.manufacturer,
	batch = EXCLUDED.batch,
	tco_type = EXCLUDED.tco_type,
	sheet_resistance = EXCLUDED.sheet_resistance,
	optical_transmission = EXCLUDED.optical_transmission`,
		st.ID, st.Name, st.Manufacturer, st.Batch, st.TCOType, st.SheetResistance, st.OpticalTransmission)
	return err
}

// SaveSubstrate upserts a substrate. A stored label is never replaced by a different one.
func (r *MasterdataRepository) SaveSubstrate(ctx context.Context, substrate *measurement.Substrate) error {
	if err := r.ready(); err != nil {
		return err
	}
	if substrate == nil || substrate.ID == "" {
		return measurement.ConfigurationErrorf("substrate requires an id")
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO substrates (id, type_id, layout_id, label) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
	type_id = EXCLUDED.type_id,
	layout_id = EXCLUDED.layout_id,
	label = COALESCE(substrates.label, EXCLUDED.label)
WHERE substrates.label IS NULL OR EXCLUDED.label IS NULL OR substrates.label = EXCLUDED.label`,
		substrate.ID, nullString(substrate.TypeID), substrate.LayoutID, nullString(substrate.Label))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return measurement.ErrLabelAssigned
	}
	return nil
}

// Substrate loads a substrate.
func (r *MasterdataRepository) Substrate(ctx context.Context, id string) (*measurement.Substrate, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	substrate := &measurement.Substrate{ID: id}
	var typeID, label sql.NullString
	if err := r.db.QueryRowContext(ctx, `SELECT type_id, layout_id, label FROM substrates WHERE id = $1`, id).
		Scan(&typeID, &substrate.LayoutID, &label); err != nil {
		return nil, notFound(err)
	}
	substrate.TypeID = typeID.String
	substrate.Label = label.String
	return substrate, nil
}

// SaveSMU upserts an SMU.
func (r *MasterdataRepository) SaveSMU(ctx context.Context, smu *measurement.SMU) error {
	if err := r.ready(); err != nil {
		return err
	}
	if smu == nil || smu.ID == "" {
		return measurement.ConfigurationErrorf("smu requires an id")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO smus (id, name, idn) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, idn = EXCLUDED.idn`, smu.ID, smu.Name, smu.IDN)
	return err
}

// SMU loads an SMU.
func (r *MasterdataRepository) SMU(ctx context.Context, id string) (*measurement.SMU, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	smu := &measurement.SMU{ID: id}
	if err := r.db.QueryRowContext(ctx, `SELECT name, idn FROM smus WHERE id = $1`, id).Scan(&smu.Name, &smu.IDN); err != nil {
		return nil, notFound(err)
	}
	return smu, nil
}

// FindDevice loads the device on a substrate pixel.
func (r *MasterdataRepository) FindDevice(ctx context.Context, substrateID, pixelID string) (*measurement.Device, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	device := &measurement.Device{SubstrateID: substrateID, PixelID: pixelID}
	var deviceType string
	err := r.db.QueryRowContext(ctx, `
SELECT id, type, area_override
FROM devices
WHERE substrate_id = $1 AND pixel_id = $2`, substrateID, pixelID).Scan(&device.ID, &deviceType, &device.AreaOverride)
	if err != nil {
		return nil, notFound(err)
	}
	device.Type = measurement.DeviceType(deviceType)
	return device, nil
}

// SaveDevice inserts a device. Existing devices are left untouched.
func (r *MasterdataRepository) SaveDevice(ctx context.Context, device *measurement.Device) error {
	if err := r.ready(); err != nil {
		return err
	}
	if device == nil || device.ID == "" {
		return measurement.ConfigurationErrorf("device requires an id")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO devices (id, substrate_id, pixel_id, type, area_override) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (substrate_id, pixel_id) DO NOTHING`,
		device.ID, device.SubstrateID, device.PixelID, string(device.Type), device.AreaOverride)
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return measurement.ErrNotFound
	}
	return err
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
