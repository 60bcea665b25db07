package main

import (
	"sync"
	"time"
)

// AmsTray is one physical slot in a carrier unit. An empty TrayType means
// the slot is empty. KValue nil means the printer applies its built-in
// default pressure advance; it never means zero.
type AmsTray struct {
	ID            int      `json:"id"`
	TrayType      string   `json:"tray_type"`
	TrayColor     string   `json:"tray_color"` // 8 hex digits, RGBA
	TraySubBrands string   `json:"tray_sub_brands,omitempty"`
	Remain        int      `json:"remain"` // 0-100, -1 = unknown
	KValue        *float64 `json:"k_value,omitempty"`
	CaliIdx       int      `json:"cali_idx"` // -1 = none
}

// AmsUnit is one filament-carrier module. Extruder is the physical nozzle
// this unit feeds on dual-extruder printers, -1 when not reported.
type AmsUnit struct {
	ID          int       `json:"id"`
	Extruder    int       `json:"extruder"`
	Humidity    string    `json:"humidity,omitempty"`
	Temperature string    `json:"temp,omitempty"`
	Trays       []AmsTray `json:"trays"`
}

// PrinterState is the canonical snapshot of one printer. It is created on
// first successful session establishment and survives disconnects with
// Connected=false and its last-known values frozen.
type PrinterState struct {
	Serial        string    `json:"serial"`
	Name          string    `json:"name"`
	Model         string    `json:"model,omitempty"`
	Connected     bool      `json:"connected"`
	GcodeState    string    `json:"gcode_state,omitempty"`
	PrintProgress int       `json:"print_progress"`
	LayerNum      int       `json:"layer_num"`
	TotalLayerNum int       `json:"total_layer_num"`
	SubtaskName   string    `json:"subtask_name,omitempty"`
	RemainingTime int       `json:"mc_remaining_time"`
	AmsUnits      []AmsUnit `json:"ams_units"`
	VtTray        *AmsTray  `json:"vt_tray,omitempty"`
	TrayNow       int       `json:"tray_now"`
	TrayNowLeft   int       `json:"tray_now_left"`
	TrayNowRight  int       `json:"tray_now_right"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CalibrationProfile is one pressure-advance (K-value) profile cached
// from the printer. Extruder is -1 when the profile has no affinity.
type CalibrationProfile struct {
	CaliIdx        int     `json:"cali_idx"`
	FilamentID     string  `json:"filament_id"`
	Name           string  `json:"name"`
	KValue         float64 `json:"k_value"`
	NozzleDiameter string  `json:"nozzle_diameter"`
	Extruder       int     `json:"extruder"`
}

// StateDelta is a partial update produced by the message processor. Nil
// pointer fields were absent from the telemetry message and must retain
// their previous value; non-nil fields are merged.
type StateDelta struct {
	Name          *string
	Model         *string
	GcodeState    *string
	PrintProgress *int
	LayerNum      *int
	TotalLayerNum *int
	SubtaskName   *string
	RemainingTime *int
	TrayNow       *int
	TrayNowLeft   *int
	TrayNowRight  *int
	// AmsUnits carries only the units present in the message; units are
	// merged by id, and within a unit trays are merged by id. FullAms
	// marks a complete AMS report, which replaces the unit list so that
	// removed hardware disappears.
	AmsUnits []AmsUnitDelta
	FullAms  bool
	VtTray   *AmsTrayDelta
}

// AmsUnitDelta is a partial update for one carrier unit.
type AmsUnitDelta struct {
	ID          int
	Extruder    *int
	Humidity    *string
	Temperature *string
	Trays       []AmsTrayDelta
}

// AmsTrayDelta is a partial update for one slot.
type AmsTrayDelta struct {
	ID            int
	TrayType      *string
	TrayColor     *string
	TraySubBrands *string
	Remain        *int
	KValue        *float64
	KValueSet     bool // distinguishes "set to nil" from "absent"
	CaliIdx       *int
}

// StateStore holds the authoritative snapshot per printer serial. All
// mutations for one serial are serialized through that printer's entry
// lock; different printers merge independently.
type StateStore struct {
	mu      sync.RWMutex
	entries map[string]*stateEntry
}

type stateEntry struct {
	mu    sync.Mutex
	state PrinterState
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{entries: make(map[string]*stateEntry)}
}

func (s *StateStore) entry(serial string) *stateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[serial]
	if !ok {
		e = &stateEntry{state: PrinterState{
			Serial:       serial,
			TrayNow:      TrayIndexNone,
			TrayNowLeft:  TrayIndexNone,
			TrayNowRight: TrayIndexNone,
		}}
		s.entries[serial] = e
	}
	return e
}

// ApplyDelta merges a partial delta into the printer's snapshot and
// returns a copy of the post-merge state. Only fields present in the
// delta are written; a delta reporting unit 1 never erases unit 0.
func (s *StateStore) ApplyDelta(serial string, d StateDelta) PrinterState {
	e := s.entry(serial)
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &e.state
	if d.Name != nil {
		st.Name = *d.Name
	}
	if d.Model != nil {
		st.Model = *d.Model
	}
	if d.GcodeState != nil {
		st.GcodeState = *d.GcodeState
	}
	if d.PrintProgress != nil {
		st.PrintProgress = *d.PrintProgress
	}
	if d.LayerNum != nil {
		st.LayerNum = *d.LayerNum
	}
	if d.TotalLayerNum != nil {
		st.TotalLayerNum = *d.TotalLayerNum
	}
	if d.SubtaskName != nil {
		st.SubtaskName = *d.SubtaskName
	}
	if d.RemainingTime != nil {
		st.RemainingTime = *d.RemainingTime
	}
	if d.TrayNow != nil {
		st.TrayNow = *d.TrayNow
	}
	if d.TrayNowLeft != nil {
		st.TrayNowLeft = *d.TrayNowLeft
	}
	if d.TrayNowRight != nil {
		st.TrayNowRight = *d.TrayNowRight
	}

	if d.FullAms {
		// A full report is authoritative about which units exist, but
		// still merges tray fields so values absent from the report
		// survive.
		var units []AmsUnit
		for _, ud := range d.AmsUnits {
			prev := findUnit(st.AmsUnits, ud.ID)
			units = append(units, mergeUnit(prev, ud))
		}
		st.AmsUnits = units
	} else {
		for _, ud := range d.AmsUnits {
			if prev := findUnit(st.AmsUnits, ud.ID); prev != nil {
				merged := mergeUnit(prev, ud)
				for i := range st.AmsUnits {
					if st.AmsUnits[i].ID == ud.ID {
						st.AmsUnits[i] = merged
					}
				}
			} else {
				st.AmsUnits = append(st.AmsUnits, mergeUnit(nil, ud))
			}
		}
	}

	if d.VtTray != nil {
		var prev *AmsTray
		if st.VtTray != nil {
			prev = st.VtTray
		}
		merged := mergeTray(prev, *d.VtTray)
		st.VtTray = &merged
	}

	st.UpdatedAt = time.Now()
	return copyState(*st)
}

// Snapshot returns an immutable copy of the printer's state. The second
// return is false when no session has ever been established for the
// serial.
func (s *StateStore) Snapshot(serial string) (PrinterState, bool) {
	s.mu.RLock()
	e, ok := s.entries[serial]
	s.mu.RUnlock()
	if !ok {
		return PrinterState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyState(e.state), true
}

// Snapshots returns copies of all known printer states.
func (s *StateStore) Snapshots() []PrinterState {
	s.mu.RLock()
	entries := make([]*stateEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]PrinterState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, copyState(e.state))
		e.mu.Unlock()
	}
	return out
}

// MarkConnected flips the connectivity flag on and returns the snapshot.
func (s *StateStore) MarkConnected(serial string) PrinterState {
	e := s.entry(serial)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Connected = true
	e.state.UpdatedAt = time.Now()
	return copyState(e.state)
}

// MarkDisconnected flips the connectivity flag off without discarding any
// data, so the UI keeps showing last-known values.
func (s *StateStore) MarkDisconnected(serial string) PrinterState {
	e := s.entry(serial)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Connected = false
	e.state.UpdatedAt = time.Now()
	return copyState(e.state)
}

// SetTrayKValue writes a resolved K-value onto one tray. Used after
// calibration matching; passing nil reverts the tray to the device
// default.
func (s *StateStore) SetTrayKValue(serial string, amsID, trayID int, k *float64, caliIdx int) (PrinterState, bool) {
	e := s.entry(serial)
	e.mu.Lock()
	defer e.mu.Unlock()

	if amsID == AmsIDExternal || amsID == AmsIDExternalL {
		if e.state.VtTray == nil {
			return PrinterState{}, false
		}
		e.state.VtTray.KValue = k
		e.state.VtTray.CaliIdx = caliIdx
		return copyState(e.state), true
	}
	for i := range e.state.AmsUnits {
		if e.state.AmsUnits[i].ID != amsID {
			continue
		}
		for j := range e.state.AmsUnits[i].Trays {
			if e.state.AmsUnits[i].Trays[j].ID == trayID {
				e.state.AmsUnits[i].Trays[j].KValue = k
				e.state.AmsUnits[i].Trays[j].CaliIdx = caliIdx
				return copyState(e.state), true
			}
		}
	}
	return PrinterState{}, false
}

func findUnit(units []AmsUnit, id int) *AmsUnit {
	for i := range units {
		if units[i].ID == id {
			return &units[i]
		}
	}
	return nil
}

func mergeUnit(prev *AmsUnit, d AmsUnitDelta) AmsUnit {
	u := AmsUnit{ID: d.ID, Extruder: -1}
	if prev != nil {
		u = *prev
		u.Trays = append([]AmsTray(nil), prev.Trays...)
	}
	if d.Extruder != nil {
		u.Extruder = *d.Extruder
	}
	if d.Humidity != nil {
		u.Humidity = *d.Humidity
	}
	if d.Temperature != nil {
		u.Temperature = *d.Temperature
	}
	for _, td := range d.Trays {
		found := false
		for i := range u.Trays {
			if u.Trays[i].ID == td.ID {
				u.Trays[i] = mergeTray(&u.Trays[i], td)
				found = true
				break
			}
		}
		if !found {
			u.Trays = append(u.Trays, mergeTray(nil, td))
		}
	}
	return u
}

func mergeTray(prev *AmsTray, d AmsTrayDelta) AmsTray {
	t := AmsTray{ID: d.ID, Remain: -1, CaliIdx: -1}
	if prev != nil {
		t = *prev
	}
	if d.TrayType != nil {
		t.TrayType = *d.TrayType
	}
	if d.TrayColor != nil {
		t.TrayColor = *d.TrayColor
	}
	if d.TraySubBrands != nil {
		t.TraySubBrands = *d.TraySubBrands
	}
	if d.Remain != nil {
		t.Remain = *d.Remain
	}
	if d.KValueSet {
		t.KValue = d.KValue
	}
	if d.CaliIdx != nil {
		t.CaliIdx = *d.CaliIdx
	}
	return t
}

func copyState(st PrinterState) PrinterState {
	out := st
	out.AmsUnits = make([]AmsUnit, len(st.AmsUnits))
	for i, u := range st.AmsUnits {
		out.AmsUnits[i] = u
		out.AmsUnits[i].Trays = append([]AmsTray(nil), u.Trays...)
	}
	if st.VtTray != nil {
		vt := *st.VtTray
		out.VtTray = &vt
	}
	return out
}
