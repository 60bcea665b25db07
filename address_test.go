package main

import "testing"

func TestTrayToUnitSlot(t *testing.T) {
	tests := []struct {
		name   string
		global int
		amsID  int
		trayID int
		ok     bool
	}{
		{"first slot", 0, 0, 0, true},
		{"unit 0 last slot", 3, 0, 3, true},
		{"unit 1 slot 2", 6, 1, 2, true},
		{"unit 3 last slot", 15, 3, 3, true},
		{"first HT unit", 16, 128, 0, true},
		{"last HT unit", 23, 135, 0, true},
		{"sentinel 254", 254, 0, 0, false},
		{"sentinel 255", 255, 0, 0, false},
		{"out of range", 24, 0, 0, false},
		{"negative", -1, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amsID, trayID, ok := trayToUnitSlot(tt.global)
			if ok != tt.ok {
				t.Fatalf("trayToUnitSlot(%d) ok = %v, want %v", tt.global, ok, tt.ok)
			}
			if !ok {
				return
			}
			if amsID != tt.amsID || trayID != tt.trayID {
				t.Errorf("trayToUnitSlot(%d) = (%d,%d), want (%d,%d)",
					tt.global, amsID, trayID, tt.amsID, tt.trayID)
			}
		})
	}
}

func TestUnitSlotToTrayRoundTrip(t *testing.T) {
	// Every decodable global index must encode back to itself.
	for global := 0; global <= 23; global++ {
		amsID, trayID, ok := trayToUnitSlot(global)
		if !ok {
			t.Fatalf("trayToUnitSlot(%d) unexpectedly not ok", global)
		}
		if back := unitSlotToTray(amsID, trayID); back != global {
			t.Errorf("round trip %d -> (%d,%d) -> %d", global, amsID, trayID, back)
		}
	}
}

func TestUnitSlotToTrayInvalid(t *testing.T) {
	tests := []struct {
		name   string
		amsID  int
		trayID int
	}{
		{"slot out of range", 0, 4},
		{"negative slot", 1, -1},
		{"HT unit nonzero slot", 128, 1},
		{"external unit", 255, 0},
		{"unknown unit", 50, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := unitSlotToTray(tt.amsID, tt.trayID); got != TrayIndexNone {
				t.Errorf("unitSlotToTray(%d,%d) = %d, want %d", tt.amsID, tt.trayID, got, TrayIndexNone)
			}
		})
	}
}

func TestActiveTrayForUnit(t *testing.T) {
	tests := []struct {
		name   string
		unit   AmsUnit
		state  PrinterState
		trayID int
		ok     bool
	}{
		{
			name:   "single extruder active in this unit",
			unit:   AmsUnit{ID: 1, Extruder: -1},
			state:  PrinterState{TrayNow: 6, TrayNowLeft: TrayIndexNone, TrayNowRight: TrayIndexNone},
			trayID: 2,
			ok:     true,
		},
		{
			name:  "single extruder active elsewhere",
			unit:  AmsUnit{ID: 0, Extruder: -1},
			state: PrinterState{TrayNow: 6, TrayNowLeft: TrayIndexNone, TrayNowRight: TrayIndexNone},
			ok:    false,
		},
		{
			name:  "single extruder nothing active",
			unit:  AmsUnit{ID: 0, Extruder: -1},
			state: PrinterState{TrayNow: TrayIndexNone, TrayNowLeft: TrayIndexNone, TrayNowRight: TrayIndexNone},
			ok:    false,
		},
		{
			name:   "dual extruder right nozzle",
			unit:   AmsUnit{ID: 0, Extruder: 0},
			state:  PrinterState{TrayNow: TrayIndexNone, TrayNowLeft: 5, TrayNowRight: 1},
			trayID: 1,
			ok:     true,
		},
		{
			name:   "dual extruder left nozzle",
			unit:   AmsUnit{ID: 1, Extruder: 1},
			state:  PrinterState{TrayNow: TrayIndexNone, TrayNowLeft: 5, TrayNowRight: 1},
			trayID: 1,
			ok:     true,
		},
		{
			name:  "dual extruder unit without affinity",
			unit:  AmsUnit{ID: 2, Extruder: -1},
			state: PrinterState{TrayNow: TrayIndexNone, TrayNowLeft: 5, TrayNowRight: 1},
			ok:    false,
		},
		{
			name:   "HT unit active",
			unit:   AmsUnit{ID: 130, Extruder: -1},
			state:  PrinterState{TrayNow: 18, TrayNowLeft: TrayIndexNone, TrayNowRight: TrayIndexNone},
			trayID: 0,
			ok:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trayID, ok := activeTrayForUnit(tt.unit, &tt.state)
			if ok != tt.ok {
				t.Fatalf("activeTrayForUnit ok = %v, want %v", ok, tt.ok)
			}
			if ok && trayID != tt.trayID {
				t.Errorf("activeTrayForUnit = %d, want %d", trayID, tt.trayID)
			}
		})
	}
}

func TestNormalizeTrayIndex(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 0},
		{15, 15},
		{23, 23},
		{254, TrayIndexNone},
		{255, TrayIndexNone},
		{300, TrayIndexNone},
		{-2, TrayIndexNone},
	}
	for _, tt := range tests {
		if got := normalizeTrayIndex(tt.in); got != tt.want {
			t.Errorf("normalizeTrayIndex(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
