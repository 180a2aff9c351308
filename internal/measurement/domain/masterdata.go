package measurement

import (
	"context"
	"errors"
	"fmt"
)

// ErrLabelAssigned is returned when a substrate label is set twice.
var ErrLabelAssigned = errors.New("substrate: label already assigned")

// SubstrateType describes a family of substrates.
type SubstrateType struct {
	ID                  string
	Name                string
	Manufacturer        string
	Batch               string
	TCOType             string
	SheetResistance     float64
	OpticalTransmission float64
}

// Substrate is one physical carrier of devices.
type Substrate struct {
	ID       string
	TypeID   string
	LayoutID string
	Label    string
}

// AssignLabel sets the label once.
func (s *Substrate) AssignLabel(label string) error {
	if label == "" {
		return errors.New("substrate: empty label")
	}
	if s.Label != "" && s.Label != label {
		return fmt.Errorf("%w: %s is %q", ErrLabelAssigned, s.ID, s.Label)
	}
	s.Label = label
	return nil
}

// Layout is a versioned pattern of pixels on a substrate.
type Layout struct {
	ID      string
	Name    string
	Version string
}

// Point is one outline vertex in millimetres.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// LayoutPixel is one pixel position of a layout.
type LayoutPixel struct {
	ID        string
	LayoutID  string
	Number    int
	LightArea float64
	DarkArea  float64
	Shape     string
	Outline   []Point
}

// Validate checks pixel invariants.
func (p LayoutPixel) Validate() error {
	if p.LayoutID == "" {
		return errors.New("layout pixel: empty layout id")
	}
	if p.Number <= 0 {
		return errors.New("layout pixel: number must be positive")
	}
	if p.LightArea < 0 || p.DarkArea < 0 {
		return errors.New("layout pixel: negative area")
	}
	return nil
}

// DeviceType distinguishes solar cells from LEDs.
type DeviceType string

const (
	DeviceTypeSolarCell DeviceType = "solar_cell"
	DeviceTypeLED       DeviceType = "led"
)

// Device is one pixel on one substrate. Devices are never mutated after creation.
type Device struct {
	ID           string
	SubstrateID  string
	PixelID      string
	Type         DeviceType
	AreaOverride float64
}

// EffectiveArea returns the override when set, else the pixel's light or dark area.
func (d Device) EffectiveArea(pixel LayoutPixel, light bool) float64 {
	if d.AreaOverride > 0 {
		return d.AreaOverride
	}
	if light {
		return pixel.LightArea
	}
	return pixel.DarkArea
}

// Setup is a measurement station.
type Setup struct {
	ID   string
	Name string
}

// Slot is a physical substrate position in a setup.
type Slot struct {
	ID         string
	SetupID    string
	Designator string
	Position   int
	Pads       int
}

// SMU is a source-measure unit.
type SMU struct {
	ID   string
	Name string
	IDN  string
}

// MasterdataRepository provides access to stations, substrates and devices.
type MasterdataRepository interface {
	EnsureUser(ctx context.Context, name string) (*User, error)
	SaveSetup(ctx context.Context, setup *Setup, slots []Slot) error
	Setup(ctx context.Context, id string) (*Setup, error)
	Slots(ctx context.Context, setupID string) ([]Slot, error)
	SaveLayout(ctx context.Context, layout *Layout, pixels []LayoutPixel) error
	Layout(ctx context.Context, id string) (*Layout, error)
	Pixels(ctx context.Context, layoutID string) ([]LayoutPixel, error)
	SaveSubstrateType(ctx context.Context, st *SubstrateType) error
	SaveSubstrate(ctx context.Context, substrate *Substrate) error
	Substrate(ctx context.Context, id string) (*Substrate, error)
	SaveSMU(ctx context.Context, smu *SMU) error
	SMU(ctx context.Context, id string) (*SMU, error)
	FindDevice(ctx context.Context, substrateID, pixelID string) (*Device, error)
	SaveDevice(ctx context.Context, device *Device) error
}
