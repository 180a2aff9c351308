package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ivlab/internal/measurement/infrastructure/memory"
)

const stationYAML = `
setups:
  - id: setup-1
    name: bench
    slots:
      - {id: slot-a, designator: A, position: 0, pads: 6}
      - {id: slot-b, designator: B, position: 1, pads: 6}
layouts:
  - id: layout-6px
    name: six pixel
    version: "2"
    pixels:
      - {id: px-1, number: 1, light_area: 0.15, dark_area: 0.2, shape: rect}
      - {id: px-2, number: 2, light_area: 0.15, dark_area: 0.2}
substrate_types:
  - {id: ito, name: ITO glass, sheet_resistance: 15}
substrates:
  - {id: sub-1, type_id: ito, layout_id: layout-6px}
smus:
  - {id: smu-1, name: keithley-a}
`

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("SAMPLE_BATCH_SIZE", "10")
	t.Setenv("MPPT_TICK", "250ms")
	t.Setenv("ERROR_POLICY", "abort_run")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Executor.BatchSize != 10 || cfg.Executor.Tick != 250*time.Millisecond {
		t.Fatalf("unexpected executor config %+v", cfg.Executor)
	}
	if cfg.ErrorPolicy != "abort_run" || cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadFileWithOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("http_addr: \":9090\"\nauth:\n  disabled: true\nexecutor:\n  batch_size: 7\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SAMPLE_BATCH_SIZE", "12")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected file value, got %q", cfg.HTTPAddr)
	}
	if cfg.Executor.BatchSize != 12 {
		t.Fatalf("expected env override, got %d", cfg.Executor.BatchSize)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("ERROR_POLICY", "retry")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestStationFileSeed(t *testing.T) {
	file, err := ParseStationFile([]byte(stationYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	repo := memory.NewMasterdataRepository()
	ctx := context.Background()
	if err := file.Seed(ctx, repo); err != nil {
		t.Fatalf("seed: %v", err)
	}

	slots, err := repo.Slots(ctx, "setup-1")
	if err != nil || len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %v %v", slots, err)
	}
	pixels, err := repo.Pixels(ctx, "layout-6px")
	if err != nil || len(pixels) != 2 || pixels[0].LightArea != 0.15 {
		t.Fatalf("unexpected pixels %v %v", pixels, err)
	}
	if _, err := repo.Substrate(ctx, "sub-1"); err != nil {
		t.Fatalf("substrate: %v", err)
	}
	if smu, err := repo.SMU(ctx, "smu-1"); err != nil || smu.Name != "keithley-a" {
		t.Fatalf("unexpected smu %v %v", smu, err)
	}

	// seeding twice is idempotent
	if err := file.Seed(ctx, repo); err != nil {
		t.Fatalf("reseed: %v", err)
	}
}

func TestStationFileValidation(t *testing.T) {
	cases := map[string]string{
		"unknown layout":  "substrates:\n  - {id: sub-1, layout_id: nope}\n",
		"no pads":         "setups:\n  - id: s\n    slots:\n      - {id: a, designator: A, pads: 0}\n",
		"duplicate slot":  "setups:\n  - id: s\n    slots:\n      - {id: a, designator: A, pads: 1}\n      - {id: b, designator: A, pads: 1}\n",
		"duplicate pixel": "layouts:\n  - id: l\n    pixels:\n      - {id: p1, number: 1}\n      - {id: p2, number: 1}\n",
		"bad yaml":        "setups: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseStationFile([]byte(doc)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
