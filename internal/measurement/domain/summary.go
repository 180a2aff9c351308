package measurement

import "math"

// SweepSummary holds the figures of merit extracted from a sweep.
type SweepSummary struct {
	Voc  float64
	Isc  float64
	Vmpp float64
	Impp float64
	Pmax float64
}

// SummarizeSweep computes Voc, Isc and the maximum power point from sweep samples.
// Power is V*I; a solar cell in the power quadrant reports positive current.
// Voc and Isc are linearly interpolated at the first zero crossing and are NaN
// when the sweep does not cross zero.
func SummarizeSweep(samples []RawSample) SweepSummary {
	summary := SweepSummary{Voc: math.NaN(), Isc: math.NaN(), Vmpp: math.NaN(), Impp: math.NaN(), Pmax: math.NaN()}
	if len(samples) == 0 {
		return summary
	}
	for i, s := range samples {
		p := s.Power()
		if i == 0 || p > summary.Pmax {
			summary.Pmax = p
			summary.Vmpp = s.Voltage
			summary.Impp = s.Current
		}
	}
	for i := 1; i < len(samples); i++ {
		a, b := samples[i-1], samples[i]
		if math.IsNaN(summary.Voc) && crosses(a.Current, b.Current) {
			summary.Voc = interpolate(a.Current, a.Voltage, b.Current, b.Voltage)
		}
		if math.IsNaN(summary.Isc) && crosses(a.Voltage, b.Voltage) {
			summary.Isc = interpolate(a.Voltage, a.Current, b.Voltage, b.Current)
		}
	}
	return summary
}

func crosses(a, b float64) bool {
	return (a <= 0 && b >= 0) || (a >= 0 && b <= 0)
}

// interpolate returns y at x=0 on the line through (x0,y0) and (x1,y1).
func interpolate(x0, y0, x1, y1 float64) float64 {
	if x1 == x0 {
		return y0
	}
	return y0 - x0*(y1-y0)/(x1-x0)
}
