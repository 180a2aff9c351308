package virtual

import "math"

const (
	boltzmann      = 1.3806488e-23
	electronCharge = 1.60217657e-19
	solveSteps     = 80
)

// Cell is a single-diode solar cell model.
type Cell struct {
	Rs    float64 // series resistance, ohm
	Rsh   float64 // shunt resistance, ohm
	N     float64 // ideality factor
	I0    float64 // saturation current, A
	Iph   float64 // photocurrent, A
	TempC float64
}

// DefaultCell returns a small lab cell with Voc near 0.94 V.
func DefaultCell() Cell {
	return Cell{Rs: 9.28, Rsh: 1e6, N: 3.58, I0: 260.4e-9, Iph: 6.293e-3, TempC: 29}
}

func (c Cell) thermalVoltage() float64 {
	return boltzmann * (273.15 + c.TempC) / electronCharge
}

// residual is zero at the operating point (v, i). It decreases in i and in v.
func (c Cell) residual(v, i, iph float64) float64 {
	vd := v + i*c.Rs
	return iph - c.I0*(math.Exp(vd/(c.N*c.thermalVoltage()))-1) - vd/c.Rsh - i
}

// Current returns the current delivered at terminal voltage v, positive in the
// power quadrant.
func (c Cell) Current(v float64, light bool) float64 {
	iph := 0.0
	if light {
		iph = c.Iph
	}
	lo, hi := -1.0, 1.0
	for k := 0; k < solveSteps; k++ {
		mid := (lo + hi) / 2
		if c.residual(v, mid, iph) > 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// Voltage returns the terminal voltage at which the cell delivers current i.
func (c Cell) Voltage(i float64, light bool) float64 {
	lo, hi := -20.0, 20.0
	for k := 0; k < solveSteps; k++ {
		mid := (lo + hi) / 2
		if c.Current(mid, light) > i {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}
