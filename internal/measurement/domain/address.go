package measurement

import (
	"math/big"
	"strconv"
	"strings"
)

// DeviceAddress names a pixel by slot designator and pixel number, e.g. "A1".
type DeviceAddress struct {
	Slot  string
	Pixel int
}

// String renders the letter-number form.
func (a DeviceAddress) String() string {
	return a.Slot + strconv.Itoa(a.Pixel)
}

// ParseDeviceAddress decodes the letter-number form.
func ParseDeviceAddress(value string) (DeviceAddress, error) {
	raw := strings.TrimSpace(value)
	split := strings.IndexFunc(raw, func(r rune) bool { return r >= '0' && r <= '9' })
	if split <= 0 {
		return DeviceAddress{}, ConfigurationErrorf("device address %q: expected slot letters followed by pixel number", value)
	}
	slot := strings.ToUpper(raw[:split])
	for _, r := range slot {
		if r < 'A' || r > 'Z' {
			return DeviceAddress{}, ConfigurationErrorf("device address %q: invalid slot designator", value)
		}
	}
	pixel, err := strconv.Atoi(raw[split:])
	if err != nil || pixel <= 0 {
		return DeviceAddress{}, ConfigurationErrorf("device address %q: invalid pixel number", value)
	}
	return DeviceAddress{Slot: slot, Pixel: pixel}, nil
}

// ExpandBitmask decodes a hex pixel mask. Bits are consumed slot by slot in the
// given order, pads bits per slot, least significant bit first; bit n of a slot
// selects pixel n+1.
func ExpandBitmask(mask string, slots []string, pads int) ([]DeviceAddress, error) {
	if pads <= 0 {
		return nil, ConfigurationErrorf("bitmask: pads per slot must be positive")
	}
	raw := strings.TrimSpace(mask)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if raw == "" {
		return nil, ConfigurationErrorf("bitmask %q: empty", mask)
	}
	bits, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return nil, ConfigurationErrorf("bitmask %q: not hexadecimal", mask)
	}
	if bits.BitLen() > len(slots)*pads {
		return nil, ConfigurationErrorf("bitmask %q: selects pixels beyond %d slots of %d pads", mask, len(slots), pads)
	}
	var out []DeviceAddress
	for i, slot := range slots {
		for n := 0; n < pads; n++ {
			if bits.Bit(i*pads+n) == 1 {
				out = append(out, DeviceAddress{Slot: strings.ToUpper(slot), Pixel: n + 1})
			}
		}
	}
	return out, nil
}

// IsBitmask reports whether value uses the hex mask form.
func IsBitmask(value string) bool {
	v := strings.TrimSpace(value)
	return strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X")
}
