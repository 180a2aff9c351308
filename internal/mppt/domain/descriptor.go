package mppt

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidDescriptor is returned for malformed or out-of-range strategy strings.
var ErrInvalidDescriptor = errors.New("mppt: invalid descriptor")

// Strategy names a tracking algorithm.
type Strategy string

const (
	StrategyBasic           Strategy = "basic"
	StrategyGradientDescent Strategy = "gradient_descent"
)

const descriptorSeparator = "://"

var strategyAliases = map[string]Strategy{
	"basic":            StrategyBasic,
	"gradient_descent": StrategyGradientDescent,
	"gd":               StrategyGradientDescent,
}

type paramSpec struct {
	name     string
	fallback float64
	check    func(float64) bool
	rule     string
}

type strategySpec struct {
	version string
	params  []paramSpec
}

var strategies = map[Strategy]strategySpec{
	StrategyBasic: {
		version: "1",
		params: []paramSpec{
			{name: "degrees", fallback: 7, check: positive, rule: "> 0"},
			{name: "dwell_seconds", fallback: 10, check: nonNegative, rule: ">= 0"},
			{name: "step", fallback: 1, check: positive, rule: "> 0"},
		},
	},
	StrategyGradientDescent: {
		version: "1",
		params: []paramSpec{
			{name: "alpha", fallback: 10, check: positive, rule: "> 0"},
			{name: "min_step", fallback: 0.001, check: nonNegative, rule: ">= 0"},
			{name: "fade_in_seconds", fallback: 10, check: nonNegative, rule: ">= 0"},
			{name: "max_step", fallback: 0.1, check: positive, rule: "> 0"},
		},
	},
}

func positive(v float64) bool    { return v > 0 }
func nonNegative(v float64) bool { return v >= 0 }

// Descriptor is a validated strategy selection with defaults filled in.
type Descriptor struct {
	strategy Strategy
	version  string
	names    []string
	values   []float64
}

// ParseDescriptor decodes "strategy://p1:p2:...".
func ParseDescriptor(value string) (Descriptor, error) {
	raw := strings.TrimSpace(value)
	name, rest, ok := strings.Cut(raw, descriptorSeparator)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q missing %q", ErrInvalidDescriptor, value, descriptorSeparator)
	}
	strategy, ok := strategyAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: unknown strategy %q", ErrInvalidDescriptor, name)
	}
	spec := strategies[strategy]

	var fields []string
	if strings.TrimSpace(rest) != "" {
		fields = strings.Split(rest, ":")
	}
	if len(fields) > len(spec.params) {
		return Descriptor{}, fmt.Errorf("%w: %s takes at most %d parameters, got %d", ErrInvalidDescriptor, strategy, len(spec.params), len(fields))
	}

	d := Descriptor{
		strategy: strategy,
		version:  spec.version,
		names:    make([]string, len(spec.params)),
		values:   make([]float64, len(spec.params)),
	}
	for i, p := range spec.params {
		d.names[i] = p.name
		d.values[i] = p.fallback
		if i >= len(fields) {
			continue
		}
		field := strings.TrimSpace(fields[i])
		v, err := strconv.ParseFloat(field, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Descriptor{}, fmt.Errorf("%w: %s %q is not a number", ErrInvalidDescriptor, p.name, field)
		}
		if !p.check(v) {
			return Descriptor{}, fmt.Errorf("%w: %s must be %s, got %g", ErrInvalidDescriptor, p.name, p.rule, v)
		}
		d.values[i] = v
	}

	if strategy == StrategyGradientDescent {
		minStep, _ := d.Param("min_step")
		maxStep, _ := d.Param("max_step")
		if minStep > maxStep {
			return Descriptor{}, fmt.Errorf("%w: min_step %g exceeds max_step %g", ErrInvalidDescriptor, minStep, maxStep)
		}
	}
	return d, nil
}

// Strategy returns the selected algorithm.
func (d Descriptor) Strategy() Strategy { return d.strategy }

// Version returns the algorithm version recorded with MPPT events.
func (d Descriptor) Version() string { return d.version }

// Params returns the named parameter values, defaults included.
func (d Descriptor) Params() map[string]float64 {
	out := make(map[string]float64, len(d.names))
	for i, name := range d.names {
		out[name] = d.values[i]
	}
	return out
}

// Param returns one named parameter.
func (d Descriptor) Param(name string) (float64, bool) {
	for i, n := range d.names {
		if n == name {
			return d.values[i], true
		}
	}
	return 0, false
}

// IsZero reports whether d was never parsed.
func (d Descriptor) IsZero() bool { return d.strategy == "" }

// String renders the canonical form with every parameter spelled out.
func (d Descriptor) String() string {
	if d.IsZero() {
		return ""
	}
	parts := make([]string, len(d.values))
	for i, v := range d.values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return string(d.strategy) + descriptorSeparator + strings.Join(parts, ":")
}

func (d Descriptor) mustParam(name string) float64 {
	v, _ := d.Param(name)
	return v
}
