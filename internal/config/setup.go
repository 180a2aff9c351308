package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	measurement "ivlab/internal/measurement/domain"
)

// StationFile describes the physical stations, layouts, substrates and SMUs known to a deployment.
type StationFile struct {
	Setups         []SetupDef         `yaml:"setups"`
	Layouts        []LayoutDef        `yaml:"layouts"`
	SubstrateTypes []SubstrateTypeDef `yaml:"substrate_types"`
	Substrates     []SubstrateDef     `yaml:"substrates"`
	SMUs           []SMUDef           `yaml:"smus"`
}

// SetupDef is one setup with its slots.
type SetupDef struct {
	ID    string    `yaml:"id"`
	Name  string    `yaml:"name"`
	Slots []SlotDef `yaml:"slots"`
}

// SlotDef is one substrate position.
type SlotDef struct {
	ID         string `yaml:"id"`
	Designator string `yaml:"designator"`
	Position   int    `yaml:"position"`
	Pads       int    `yaml:"pads"`
}

// LayoutDef is one versioned pixel layout.
type LayoutDef struct {
	ID      string     `yaml:"id"`
	Name    string     `yaml:"name"`
	Version string     `yaml:"version"`
	Pixels  []PixelDef `yaml:"pixels"`
}

// PixelDef is one pixel of a layout. Areas are in cm².
type PixelDef struct {
	ID        string              `yaml:"id"`
	Number    int                 `yaml:"number"`
	LightArea float64             `yaml:"light_area"`
	DarkArea  float64             `yaml:"dark_area"`
	Shape     string              `yaml:"shape"`
	Outline   []measurement.Point `yaml:"outline"`
}

// SubstrateTypeDef is one substrate family.
type SubstrateTypeDef struct {
	ID                  string  `yaml:"id"`
	Name                string  `yaml:"name"`
	Manufacturer        string  `yaml:"manufacturer"`
	Batch               string  `yaml:"batch"`
	TCOType             string  `yaml:"tco_type"`
	SheetResistance     float64 `yaml:"sheet_resistance"`
	OpticalTransmission float64 `yaml:"optical_transmission"`
}

// SubstrateDef is one substrate known before it is measured.
type SubstrateDef struct {
	ID       string `yaml:"id"`
	TypeID   string `yaml:"type_id"`
	LayoutID string `yaml:"layout_id"`
	Label    string `yaml:"label"`
}

// SMUDef is one source-measure unit.
type SMUDef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	IDN  string `yaml:"idn"`
}

// LoadStationFile parses a station file from disk.
func LoadStationFile(path string) (*StationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseStationFile(data)
}

// ParseStationFile decodes and validates a station file.
func ParseStationFile(data []byte) (*StationFile, error) {
	var file StationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("station file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks ids and references inside the file.
func (f *StationFile) Validate() error {
	layouts := make(map[string]bool, len(f.Layouts))
	for _, layout := range f.Layouts {
		if layout.ID == "" {
			return fmt.Errorf("station file: layout without id")
		}
		numbers := make(map[int]bool, len(layout.Pixels))
		for _, px := range layout.Pixels {
			if px.ID == "" || px.Number <= 0 {
				return fmt.Errorf("station file: layout %s has a pixel without id or number", layout.ID)
			}
			if numbers[px.Number] {
				return fmt.Errorf("station file: layout %s repeats pixel %d", layout.ID, px.Number)
			}
			numbers[px.Number] = true
		}
		layouts[layout.ID] = true
	}
	for _, setup := range f.Setups {
		if setup.ID == "" {
			return fmt.Errorf("station file: setup without id")
		}
		designators := make(map[string]bool, len(setup.Slots))
		for _, slot := range setup.Slots {
			if slot.ID == "" || slot.Designator == "" {
				return fmt.Errorf("station file: setup %s has a slot without id or designator", setup.ID)
			}
			if slot.Pads <= 0 {
				return fmt.Errorf("station file: slot %s needs at least one pad", slot.ID)
			}
			if designators[slot.Designator] {
				return fmt.Errorf("station file: setup %s repeats slot %s", setup.ID, slot.Designator)
			}
			designators[slot.Designator] = true
		}
	}
	for _, substrate := range f.Substrates {
		if substrate.ID == "" {
			return fmt.Errorf("station file: substrate without id")
		}
		if !layouts[substrate.LayoutID] {
			return fmt.Errorf("station file: substrate %s references unknown layout %q", substrate.ID, substrate.LayoutID)
		}
	}
	for _, smu := range f.SMUs {
		if smu.ID == "" {
			return fmt.Errorf("station file: smu without id")
		}
	}
	return nil
}

// Seed writes every definition to the masterdata repository. Types and layouts
// go first so that substrates can reference them.
func (f *StationFile) Seed(ctx context.Context, repo measurement.MasterdataRepository) error {
	for _, st := range f.SubstrateTypes {
		if err := repo.SaveSubstrateType(ctx, &measurement.SubstrateType{
			ID:                  st.ID,
			Name:                st.Name,
			Manufacturer:        st.Manufacturer,
			Batch:               st.Batch,
			TCOType:             st.TCOType,
			SheetResistance:     st.SheetResistance,
			OpticalTransmission: st.OpticalTransmission,
		}); err != nil {
			return fmt.Errorf("seed substrate type %s: %w", st.ID, err)
		}
	}
	for _, def := range f.Layouts {
		pixels := make([]measurement.LayoutPixel, 0, len(def.Pixels))
		for _, px := range def.Pixels {
			pixels = append(pixels, measurement.LayoutPixel{
				ID:        px.ID,
				LayoutID:  def.ID,
				Number:    px.Number,
				LightArea: px.LightArea,
				DarkArea:  px.DarkArea,
				Shape:     px.Shape,
				Outline:   px.Outline,
			})
		}
		if err := repo.SaveLayout(ctx, &measurement.Layout{ID: def.ID, Name: def.Name, Version: def.Version}, pixels); err != nil {
			return fmt.Errorf("seed layout %s: %w", def.ID, err)
		}
	}
	for _, def := range f.Setups {
		slots := make([]measurement.Slot, 0, len(def.Slots))
		for _, s := range def.Slots {
			slots = append(slots, measurement.Slot{ID: s.ID, SetupID: def.ID, Designator: s.Designator, Position: s.Position, Pads: s.Pads})
		}
		if err := repo.SaveSetup(ctx, &measurement.Setup{ID: def.ID, Name: def.Name}, slots); err != nil {
			return fmt.Errorf("seed setup %s: %w", def.ID, err)
		}
	}
	for _, def := range f.Substrates {
		if err := repo.SaveSubstrate(ctx, &measurement.Substrate{ID: def.ID, TypeID: def.TypeID, LayoutID: def.LayoutID, Label: def.Label}); err != nil {
			return fmt.Errorf("seed substrate %s: %w", def.ID, err)
		}
	}
	for _, def := range f.SMUs {
		if err := repo.SaveSMU(ctx, &measurement.SMU{ID: def.ID, Name: def.Name, IDN: def.IDN}); err != nil {
			return fmt.Errorf("seed smu %s: %w", def.ID, err)
		}
	}
	return nil
}
