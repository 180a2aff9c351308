package virtual

import (
	"context"
	"errors"
	"math"
	"testing"

	measurement "ivlab/internal/measurement/domain"
)

func TestCellOperatingPoints(t *testing.T) {
	cell := DefaultCell()
	isc := cell.Current(0, true)
	if math.Abs(isc-cell.Iph) > 1e-4 {
		t.Fatalf("expected Isc near Iph, got %v", isc)
	}
	voc := cell.Voltage(0, true)
	if voc < 0.85 || voc > 1.0 {
		t.Fatalf("expected Voc near 0.94 V, got %v", voc)
	}
	if got := cell.Current(voc, true); math.Abs(got) > 1e-6 {
		t.Fatalf("expected zero current at Voc, got %v", got)
	}
	if dark := cell.Current(0, false); math.Abs(dark) > 1e-9 {
		t.Fatalf("expected no current in the dark at 0 V, got %v", dark)
	}
}

func TestSMUMeasureVoltageSource(t *testing.T) {
	ctx := context.Background()
	smu := NewSMU()
	if err := smu.SetSource(ctx, measurement.SourceVoltage, 0.5); err != nil {
		t.Fatalf("set source: %v", err)
	}
	r, err := smu.Measure(ctx)
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	if r.Voltage != 0.5 || r.Current <= 0 {
		t.Fatalf("expected power quadrant reading, got %+v", r)
	}
	if mode, ok := r.Status.Source(); !ok || mode != measurement.SourceVoltage {
		t.Fatalf("expected voltage source status, got %v", r.Status)
	}
}

func TestSMUComplianceBit(t *testing.T) {
	ctx := context.Background()
	smu := NewSMU(WithCompliance(0.001, 0))
	_ = smu.SetSource(ctx, measurement.SourceVoltage, 0)
	r, err := smu.Measure(ctx)
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	if !r.Status.Compliance() || r.Current != 0.001 {
		t.Fatalf("expected current clipped at compliance, got %+v", r)
	}
}

func TestSMUFailAfter(t *testing.T) {
	ctx := context.Background()
	smu := NewSMU(WithFailAfter(2))
	_ = smu.SetSource(ctx, measurement.SourceVoltage, 0.1)
	for k := 0; k < 2; k++ {
		if _, err := smu.Measure(ctx); err != nil {
			t.Fatalf("reading %d: %v", k, err)
		}
	}
	if _, err := smu.Measure(ctx); !errors.Is(err, ErrInjectedFault) {
		t.Fatalf("expected injected fault, got %v", err)
	}
}

func TestSMUNoSampleBeforeReading(t *testing.T) {
	ctx := context.Background()
	smu := NewSMU(WithNoSample(2))
	_ = smu.SetSource(ctx, measurement.SourceCurrent, 0)
	for k := 0; k < 2; k++ {
		if _, err := smu.Measure(ctx); !errors.Is(err, measurement.ErrNoSample) {
			t.Fatalf("expected ErrNoSample, got %v", err)
		}
	}
	if _, err := smu.Measure(ctx); err != nil {
		t.Fatalf("expected reading, got %v", err)
	}
}

func TestPoolReusesChannel(t *testing.T) {
	pool := NewPool()
	a, err := pool.Source(measurement.SMU{ID: "smu-1"})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	b, _ := pool.Source(measurement.SMU{ID: "smu-1"})
	if a != b {
		t.Fatalf("expected the same channel for the same smu")
	}
	if _, err := pool.Source(measurement.SMU{}); err == nil {
		t.Fatalf("expected error for smu without id")
	}
}
