package main

import (
	"testing"
)

type capturedEmit struct {
	serial   string
	diff     map[string]any
	snapshot PrinterState
}

func newTestProcessor() (*MessageProcessor, *[]capturedEmit) {
	store := NewStateStore()
	links := NewLinkRegistry()
	dispatcher := NewCommandDispatcher(links, 0)
	p := NewMessageProcessor(store, links, dispatcher, nil, NameMatcher{})

	var emits []capturedEmit
	p.SetBroadcast(func(serial string, diff map[string]any, snapshot PrinterState) {
		emits = append(emits, capturedEmit{serial, diff, snapshot})
	})
	return p, &emits
}

func TestHandleMessageFullReport(t *testing.T) {
	p, _ := newTestProcessor()

	payload := []byte(`{"print":{
		"command":"push_status","msg":0,"sequence_id":"1001",
		"gcode_state":"RUNNING","mc_percent":"42","layer_num":10,"total_layer_num":100,
		"subtask_name":"benchy","mc_remaining_time":55,
		"ams":{
			"ams":[
				{"id":"0","humidity":"4","temp":"28.0","tray":[
					{"id":"0","tray_type":"PLA","tray_color":"FF0000FF","remain":"80","cali_idx":"-1"},
					{"id":"1","tray_type":"","tray_color":"00000000","remain":"-1"}
				]},
				{"id":"128","tray":[{"id":"0","tray_type":"PETG","remain":60}]}
			],
			"tray_now":"0"
		}
	}}`)
	p.HandleMessage("SER1", payload)

	st, ok := p.store.Snapshot("SER1")
	if !ok {
		t.Fatal("no state after full report")
	}
	if !st.Connected {
		t.Error("first message did not set connected")
	}
	if st.GcodeState != GcodeStateRunning || st.PrintProgress != 42 || st.LayerNum != 10 {
		t.Errorf("scalars not applied: %+v", st)
	}
	if len(st.AmsUnits) != 2 {
		t.Fatalf("unit count = %d, want 2", len(st.AmsUnits))
	}
	u0 := findUnit(st.AmsUnits, 0)
	if u0 == nil || len(u0.Trays) != 2 {
		t.Fatalf("unit 0 = %+v, want 2 trays", u0)
	}
	if u0.Trays[0].TrayType != "PLA" || u0.Trays[0].Remain != 80 {
		t.Errorf("tray 0 = %+v", u0.Trays[0])
	}
	ht := findUnit(st.AmsUnits, 128)
	if ht == nil || len(ht.Trays) != 1 || ht.Trays[0].TrayType != "PETG" {
		t.Errorf("HT unit = %+v", ht)
	}
	if st.TrayNow != 0 {
		t.Errorf("TrayNow = %d, want 0", st.TrayNow)
	}
}

func TestHandleMessageIncrementalMerge(t *testing.T) {
	p, _ := newTestProcessor()

	full := []byte(`{"print":{"command":"push_status","msg":0,"ams":{"ams":[
		{"id":0,"tray":[{"id":0,"tray_type":"PLA","remain":80}]},
		{"id":1,"tray":[{"id":2,"tray_type":"PETG","remain":55}]}
	]}}}`)
	p.HandleMessage("SER1", full)

	incr := []byte(`{"print":{"command":"push_status","msg":1,"ams":{"ams":[
		{"id":1,"tray":[{"id":2,"remain":54}]}
	]}}}`)
	p.HandleMessage("SER1", incr)

	st, _ := p.store.Snapshot("SER1")
	if len(st.AmsUnits) != 2 {
		t.Fatalf("incremental delta changed unit count: %d", len(st.AmsUnits))
	}
	u0 := findUnit(st.AmsUnits, 0)
	if u0.Trays[0].Remain != 80 {
		t.Errorf("unit 0 touched by delta for unit 1: %+v", u0.Trays[0])
	}
	u1 := findUnit(st.AmsUnits, 1)
	if u1.Trays[0].Remain != 54 || u1.Trays[0].TrayType != "PETG" {
		t.Errorf("unit 1 tray = %+v, want remain 54 type PETG", u1.Trays[0])
	}
}

func TestHandleMessageMalformedFieldsSkipped(t *testing.T) {
	p, _ := newTestProcessor()

	// One unit with a garbage id, one valid unit holding a garbage tray
	// and a valid tray, plus an out-of-range remain.
	payload := []byte(`{"print":{"command":"push_status","msg":0,"ams":{"ams":[
		{"id":"not-a-number","tray":[]},
		{"id":0,"tray":[
			{"id":"bogus","tray_type":"PLA"},
			{"id":1,"tray_type":"ABS","remain":400}
		]}
	]}}}`)
	p.HandleMessage("SER1", payload)

	st, _ := p.store.Snapshot("SER1")
	if len(st.AmsUnits) != 1 {
		t.Fatalf("unit count = %d, want 1 (bad unit skipped)", len(st.AmsUnits))
	}
	u := st.AmsUnits[0]
	if len(u.Trays) != 1 {
		t.Fatalf("tray count = %d, want 1 (bad tray skipped)", len(u.Trays))
	}
	if u.Trays[0].ID != 1 || u.Trays[0].TrayType != "ABS" {
		t.Errorf("surviving tray = %+v", u.Trays[0])
	}
	if u.Trays[0].Remain != -1 {
		t.Errorf("out-of-range remain = %d, want -1", u.Trays[0].Remain)
	}
}

func TestHandleMessageConnectivityEmittedOnce(t *testing.T) {
	p, emits := newTestProcessor()

	msg := []byte(`{"print":{"command":"push_status","gcode_state":"IDLE"}}`)
	p.HandleMessage("SER1", msg)
	p.HandleMessage("SER1", msg)

	connectedEmits := 0
	for _, e := range *emits {
		if v, ok := e.diff["connected"]; ok && v == true {
			connectedEmits++
		}
	}
	if connectedEmits != 1 {
		t.Errorf("connected emitted %d times, want 1", connectedEmits)
	}

	// After a disconnect the next message raises the flag again.
	p.HandleDisconnect("SER1")
	p.HandleMessage("SER1", msg)

	last := (*emits)[len(*emits)-2] // connected emit precedes the status emit
	if v, ok := last.diff["connected"]; !ok || v != true {
		t.Errorf("reconnect did not re-emit connected, got %+v", last.diff)
	}
}

func TestHandleMessageTrayNowSentinel(t *testing.T) {
	p, _ := newTestProcessor()

	p.HandleMessage("SER1", []byte(`{"print":{"command":"push_status","msg":0,"ams":{
		"ams":[{"id":0,"tray":[{"id":0}]}],"tray_now":"255"}}}`))

	st, _ := p.store.Snapshot("SER1")
	if st.TrayNow != TrayIndexNone {
		t.Errorf("TrayNow = %d, want %d for sentinel 255", st.TrayNow, TrayIndexNone)
	}
}

func TestHandleMessageResolvesKValue(t *testing.T) {
	p, _ := newTestProcessor()
	p.profiles["SER1"] = []CalibrationProfile{
		{CaliIdx: 1, Name: "Generic PLA", KValue: 0.021, Extruder: -1},
		{CaliIdx: 2, Name: "Generic PETG", KValue: 0.045, Extruder: -1},
	}

	p.HandleMessage("SER1", []byte(`{"print":{"command":"push_status","msg":0,"ams":{"ams":[
		{"id":0,"tray":[
			{"id":0,"tray_type":"PLA"},
			{"id":1,"tray_type":"TPU"}
		]}
	]}}}`))

	st, _ := p.store.Snapshot("SER1")
	trays := st.AmsUnits[0].Trays
	if trays[0].KValue == nil || *trays[0].KValue != 0.021 {
		t.Errorf("PLA tray KValue = %v, want 0.021", trays[0].KValue)
	}
	if trays[1].KValue != nil {
		t.Errorf("TPU tray KValue = %v, want nil (no matching profile)", *trays[1].KValue)
	}
}

func TestHandleCalibrationList(t *testing.T) {
	p, _ := newTestProcessor()

	p.HandleMessage("SER1", []byte(`{"print":{
		"command":"extrusion_cali_get","sequence_id":"0","nozzle_diameter":"0.4",
		"filaments":[
			{"cali_idx":"1","filament_id":"GFA00","name":"Bambu PLA Basic","k_value":"0.020","extruder_id":"0"},
			{"cali_idx":"2","filament_id":"GFG00","name":"Bambu PETG HF","k_value":"0.040"},
			{"cali_idx":"3","filament_id":"X","name":"Broken","k_value":"not-a-number"}
		]
	}}`))

	profiles := p.Profiles("SER1")
	if len(profiles) != 2 {
		t.Fatalf("profile count = %d, want 2 (unusable k skipped)", len(profiles))
	}
	if profiles[0].CaliIdx != 1 || profiles[0].KValue != 0.020 || profiles[0].Extruder != 0 {
		t.Errorf("profile 0 = %+v", profiles[0])
	}
	if profiles[1].NozzleDiameter != "0.4" {
		t.Errorf("nozzle diameter = %q, want inherited 0.4", profiles[1].NozzleDiameter)
	}
	if profiles[1].Extruder != -1 {
		t.Errorf("extruder = %d, want -1 when absent", profiles[1].Extruder)
	}
}

func TestFlexParsers(t *testing.T) {
	tests := []struct {
		raw    string
		want   int
		wantOK bool
	}{
		{`42`, 42, true},
		{`"42"`, 42, true},
		{`"-1"`, -1, true},
		{`3.0`, 3, true},
		{`null`, 0, false},
		{`""`, 0, false},
		{`"abc"`, 0, false},
		{``, 0, false},
	}
	for _, tt := range tests {
		got, ok := flexInt([]byte(tt.raw))
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("flexInt(%q) = (%d,%v), want (%d,%v)", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}

	if f, ok := flexFloat([]byte(`"0.020"`)); !ok || f != 0.020 {
		t.Errorf(`flexFloat("0.020") = (%v,%v)`, f, ok)
	}
	if s, ok := flexString([]byte(`2021`)); !ok || s != "2021" {
		t.Errorf("flexString(2021) = (%q,%v)", s, ok)
	}
	if _, ok := flexString(nil); ok {
		t.Error("flexString(nil) reported ok")
	}
}
