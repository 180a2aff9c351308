package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	measurement "ivlab/internal/measurement/domain"
)

// MasterdataRepository is an in-memory store for setups, layouts, substrates, SMUs and devices.
type MasterdataRepository struct {
	mu         sync.RWMutex
	users      map[string]measurement.User
	setups     map[string]measurement.Setup
	slots      map[string][]measurement.Slot
	layouts    map[string]measurement.Layout
	pixels     map[string][]measurement.LayoutPixel
	types      map[string]measurement.SubstrateType
	substrates map[string]measurement.Substrate
	smus       map[string]measurement.SMU
	devices    map[string]measurement.Device
}

// NewMasterdataRepository constructs a repository.
func NewMasterdataRepository() *MasterdataRepository {
	return &MasterdataRepository{
		users:      make(map[string]measurement.User),
		setups:     make(map[string]measurement.Setup),
		slots:      make(map[string][]measurement.Slot),
		layouts:    make(map[string]measurement.Layout),
		pixels:     make(map[string][]measurement.LayoutPixel),
		types:      make(map[string]measurement.SubstrateType),
		substrates: make(map[string]measurement.Substrate),
		smus:       make(map[string]measurement.SMU),
		devices:    make(map[string]measurement.Device),
	}
}

// EnsureUser returns the user with name, creating it on first use.
func (r *MasterdataRepository) EnsureUser(ctx context.Context, name string) (*measurement.User, error) {
	_ = ctx
	if name == "" {
		return nil, measurement.ConfigurationErrorf("empty user name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[name]
	if !ok {
		user = measurement.User{ID: uuid.NewString(), Name: name}
		r.users[name] = user
	}
	return &user, nil
}

// SaveSetup stores a setup and replaces its slots.
func (r *MasterdataRepository) SaveSetup(ctx context.Context, setup *measurement.Setup, slots []measurement.Slot) error {
	_ = ctx
	if setup == nil || setup.ID == "" {
		return measurement.ConfigurationErrorf("setup requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setups[setup.ID] = *setup
	r.slots[setup.ID] = append([]measurement.Slot(nil), slots...)
	return nil
}

// Setup loads a setup.
func (r *MasterdataRepository) Setup(ctx context.Context, id string) (*measurement.Setup, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	setup, ok := r.setups[id]
	if !ok {
		return nil, measurement.ErrNotFound
	}
	return &setup, nil
}

// Slots lists the slots of a setup.
func (r *MasterdataRepository) Slots(ctx context.Context, setupID string) ([]measurement.Slot, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.setups[setupID]; !ok {
		return nil, measurement.ErrNotFound
	}
	return append([]measurement.Slot(nil), r.slots[setupID]...), nil
}

// SaveLayout stores a layout and replaces its pixels.
func (r *MasterdataRepository) SaveLayout(ctx context.Context, layout *measurement.Layout, pixels []measurement.LayoutPixel) error {
	_ = ctx
	if layout == nil || layout.ID == "" {
		return measurement.ConfigurationErrorf("layout requires an id")
	}
	for _, px := range pixels {
		if px.LayoutID != layout.ID {
			return measurement.ConfigurationErrorf("pixel %s belongs to layout %s, not %s", px.ID, px.LayoutID, layout.ID)
		}
		if err := px.Validate(); err != nil {
			return measurement.ConfigurationErrorf("%v", err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layouts[layout.ID] = *layout
	r.pixels[layout.ID] = append([]measurement.LayoutPixel(nil), pixels...)
	return nil
}

// Layout loads a layout.
func (r *MasterdataRepository) Layout(ctx context.Context, id string) (*measurement.Layout, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	layout, ok := r.layouts[id]
	if !ok {
		return nil, measurement.ErrNotFound
	}
	return &layout, nil
}

// Pixels lists the pixels of a layout.
func (r *MasterdataRepository) Pixels(ctx context.Context, layoutID string) ([]measurement.LayoutPixel, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.layouts[layoutID]; !ok {
		return nil, measurement.ErrNotFound
	}
	return append([]measurement.LayoutPixel(nil), r.pixels[layoutID]...), nil
}

// SaveSubstrateType stores a substrate type.
func (r *MasterdataRepository) SaveSubstrateType(ctx context.Context, st *measurement.SubstrateType) error {
	_ = ctx
	if st == nil || st.ID == "" {
		return measurement.ConfigurationErrorf("substrate type requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[st.ID] = *st
	return nil
}

// SaveSubstrate stores a substrate. A label, once stored, cannot change.
func (r *MasterdataRepository) SaveSubstrate(ctx context.Context, substrate *measurement.Substrate) error {
	_ = ctx
	if substrate == nil || substrate.ID == "" {
		return measurement.ConfigurationErrorf("substrate requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.substrates[substrate.ID]; ok && current.Label != "" && current.Label != substrate.Label {
		return measurement.ErrLabelAssigned
	}
	r.substrates[substrate.ID] = *substrate
	return nil
}

// Substrate loads a substrate.
func (r *MasterdataRepository) Substrate(ctx context.Context, id string) (*measurement.Substrate, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	substrate, ok := r.substrates[id]
	if !ok {
		return nil, measurement.ErrNotFound
	}
	return &substrate, nil
}

// SaveSMU stores an SMU.
func (r *MasterdataRepository) SaveSMU(ctx context.Context, smu *measurement.SMU) error {
	_ = ctx
	if smu == nil || smu.ID == "" {
		return measurement.ConfigurationErrorf("smu requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.smus[smu.ID] = *smu
	return nil
}

// SMU loads an SMU.
func (r *MasterdataRepository) SMU(ctx context.Context, id string) (*measurement.SMU, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	smu, ok := r.smus[id]
	if !ok {
		return nil, measurement.ErrNotFound
	}
	return &smu, nil
}

// FindDevice loads the device on a substrate pixel.
func (r *MasterdataRepository) FindDevice(ctx context.Context, substrateID, pixelID string) (*measurement.Device, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[substrateID+"/"+pixelID]
	if !ok {
		return nil, measurement.ErrNotFound
	}
	return &device, nil
}

// SaveDevice stores a device. Devices are immutable once stored.
func (r *MasterdataRepository) SaveDevice(ctx context.Context, device *measurement.Device) error {
	_ = ctx
	if device == nil || device.ID == "" {
		return measurement.ConfigurationErrorf("device requires an id")
	}
	key := device.SubstrateID + "/" + device.PixelID
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.devices[key]; ok {
		if current.ID != device.ID {
			return measurement.ConfigurationErrorf("pixel %s of substrate %s already has device %s", device.PixelID, device.SubstrateID, current.ID)
		}
		return nil
	}
	r.devices[key] = *device
	return nil
}
