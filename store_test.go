package main

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConfigDefaults(t *testing.T) {
	s := newTestStore(t)

	port, err := s.GetConfigValue(ConfigKeyWebPort)
	if err != nil {
		t.Fatalf("GetConfigValue: %v", err)
	}
	if port != DefaultWebPort {
		t.Errorf("default web port = %q, want %q", port, DefaultWebPort)
	}

	if err := s.SetConfigValue(ConfigKeyWebPort, "9000"); err != nil {
		t.Fatalf("SetConfigValue: %v", err)
	}
	port, _ = s.GetConfigValue(ConfigKeyWebPort)
	if port != "9000" {
		t.Errorf("updated web port = %q, want 9000", port)
	}
}

func TestPrinterCRUD(t *testing.T) {
	s := newTestStore(t)

	p := Printer{
		Serial:      "01S00C123400001",
		Name:        "Workshop X1C",
		Model:       "X1C",
		IPAddress:   "192.168.1.50",
		AccessCode:  "12345678",
		AutoConnect: true,
	}
	if err := s.SavePrinter(p); err != nil {
		t.Fatalf("SavePrinter: %v", err)
	}

	got, err := s.GetPrinter(p.Serial)
	if err != nil {
		t.Fatalf("GetPrinter: %v", err)
	}
	if got == nil || *got != p {
		t.Errorf("GetPrinter = %+v, want %+v", got, p)
	}

	auto, err := s.GetAutoConnectPrinters()
	if err != nil {
		t.Fatalf("GetAutoConnectPrinters: %v", err)
	}
	if len(auto) != 1 || auto[0].Serial != p.Serial {
		t.Errorf("auto-connect printers = %+v", auto)
	}

	if missing, _ := s.GetPrinter("NOPE"); missing != nil {
		t.Errorf("GetPrinter for unknown serial = %+v, want nil", missing)
	}

	if err := s.DeletePrinter(p.Serial); err != nil {
		t.Fatalf("DeletePrinter: %v", err)
	}
	if gone, _ := s.GetPrinter(p.Serial); gone != nil {
		t.Error("printer survived delete")
	}
}

func TestSpoolLifecycle(t *testing.T) {
	s := newTestStore(t)

	sp, err := s.CreateSpool(Spool{Name: "Red PLA", Brand: "Bambu Lab", Material: "PLA", Color: "FF0000FF"})
	if err != nil {
		t.Fatalf("CreateSpool: %v", err)
	}
	if sp.ID == 0 {
		t.Fatal("CreateSpool returned zero id")
	}
	if sp.LabelWeight != 1000 || sp.CoreWeight != 250 {
		t.Errorf("defaults = %d/%d, want 1000/250", sp.LabelWeight, sp.CoreWeight)
	}

	// Rebase consumption from a scale measurement.
	if err := s.SetSpoolWeight(sp.ID, 600); err != nil {
		t.Fatalf("SetSpoolWeight: %v", err)
	}
	got, _ := s.GetSpool(sp.ID)
	if got.Consumed != 400 {
		t.Errorf("consumed after weighing = %d, want 400", got.Consumed)
	}

	if err := s.AddSpoolConsumption(sp.ID, 49.6); err != nil {
		t.Fatalf("AddSpoolConsumption: %v", err)
	}
	got, _ = s.GetSpool(sp.ID)
	if got.Consumed != 450 {
		t.Errorf("consumed after print = %d, want 450", got.Consumed)
	}

	if err := s.DeleteSpool(sp.ID); err != nil {
		t.Fatalf("DeleteSpool: %v", err)
	}
	if gone, _ := s.GetSpool(sp.ID); gone != nil {
		t.Error("spool survived delete")
	}
}

func TestSlotAssignmentLastWriteWins(t *testing.T) {
	s := newTestStore(t)

	a, _ := s.CreateSpool(Spool{Name: "A", Material: "PLA"})
	b, _ := s.CreateSpool(Spool{Name: "B", Material: "PETG"})

	if err := s.AssignSlot("SER1", 0, 2, a.ID); err != nil {
		t.Fatalf("AssignSlot: %v", err)
	}
	// Second write overwrites without error.
	if err := s.AssignSlot("SER1", 0, 2, b.ID); err != nil {
		t.Fatalf("AssignSlot overwrite: %v", err)
	}

	got, err := s.GetSlotSpool("SER1", 0, 2)
	if err != nil {
		t.Fatalf("GetSlotSpool: %v", err)
	}
	if got == nil || got.ID != b.ID {
		t.Errorf("slot spool = %+v, want id %d", got, b.ID)
	}

	if empty, _ := s.GetSlotSpool("SER1", 1, 0); empty != nil {
		t.Errorf("unassigned slot returned %+v", empty)
	}

	if err := s.UnassignSlot("SER1", 0, 2); err != nil {
		t.Fatalf("UnassignSlot: %v", err)
	}
	if gone, _ := s.GetSlotSpool("SER1", 0, 2); gone != nil {
		t.Error("assignment survived unassign")
	}
}

func TestCalibrationCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)

	profiles := []CalibrationProfile{
		{CaliIdx: 1, FilamentID: "GFA00", Name: "Bambu PLA Basic", KValue: 0.02, NozzleDiameter: "0.4", Extruder: 0},
		{CaliIdx: 2, FilamentID: "GFG00", Name: "Bambu PETG HF", KValue: 0.04, NozzleDiameter: "0.4", Extruder: -1},
	}
	if err := s.SaveCalibrations("SER1", profiles); err != nil {
		t.Fatalf("SaveCalibrations: %v", err)
	}

	got, err := s.GetCalibrations("SER1")
	if err != nil {
		t.Fatalf("GetCalibrations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("cached profiles = %d, want 2", len(got))
	}
	if got[0] != profiles[0] || got[1] != profiles[1] {
		t.Errorf("round trip mismatch: %+v vs %+v", got, profiles)
	}

	// A later save replaces the cache, it never accumulates.
	if err := s.SaveCalibrations("SER1", profiles[:1]); err != nil {
		t.Fatalf("SaveCalibrations replace: %v", err)
	}
	got, _ = s.GetCalibrations("SER1")
	if len(got) != 1 {
		t.Errorf("cache after replace = %d profiles, want 1", len(got))
	}

	if other, _ := s.GetCalibrations("OTHER"); len(other) != 0 {
		t.Errorf("cache leaked across serials: %+v", other)
	}
}

func TestUsageHistory(t *testing.T) {
	s := newTestStore(t)
	sp, _ := s.CreateSpool(Spool{Name: "A", Material: "PLA"})

	if err := s.LogUsage(sp.ID, "SER1", "benchy", 12.5); err != nil {
		t.Fatalf("LogUsage: %v", err)
	}
	if err := s.LogUsage(sp.ID, "SER1", "calicat", 7.0); err != nil {
		t.Fatalf("LogUsage: %v", err)
	}

	history, err := s.GetUsageHistory(sp.ID, 10)
	if err != nil {
		t.Fatalf("GetUsageHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}

	all, _ := s.GetUsageHistory(0, 10)
	if len(all) != 2 {
		t.Errorf("unfiltered history length = %d, want 2", len(all))
	}
}
