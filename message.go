package main

import (
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
)

// rawReport is the outer envelope of a telemetry message. Only the keys
// present in a message are written to state; everything else retains its
// previous value.
type rawReport struct {
	Print json.RawMessage `json:"print"`
}

// rawPrint mirrors the printer's report fields. Numeric ids and indices
// arrive inconsistently as strings or numbers depending on firmware, so
// everything positional goes through flexInt.
type rawPrint struct {
	Command       string          `json:"command"`
	SequenceID    json.RawMessage `json:"sequence_id"`
	Msg           *int            `json:"msg"`
	Result        string          `json:"result"`
	GcodeState    *string         `json:"gcode_state"`
	McPercent     json.RawMessage `json:"mc_percent"`
	LayerNum      *int            `json:"layer_num"`
	TotalLayerNum *int            `json:"total_layer_num"`
	SubtaskName   *string         `json:"subtask_name"`
	RemainingTime *int            `json:"mc_remaining_time"`
	Ams           *rawAms         `json:"ams"`
	VtTray        json.RawMessage `json:"vt_tray"`
	Filaments     json.RawMessage `json:"filaments"`
	NozzleDiam    json.RawMessage `json:"nozzle_diameter"`
}

type rawAms struct {
	Units        []json.RawMessage `json:"ams"`
	TrayNow      json.RawMessage   `json:"tray_now"`
	TrayNowLeft  json.RawMessage   `json:"tray_now_left"`
	TrayNowRight json.RawMessage   `json:"tray_now_right"`
}

type rawAmsUnit struct {
	ID       json.RawMessage   `json:"id"`
	Extruder json.RawMessage   `json:"extruder"`
	Humidity *string           `json:"humidity"`
	Temp     *string           `json:"temp"`
	Trays    []json.RawMessage `json:"tray"`
}

type rawTray struct {
	ID            json.RawMessage `json:"id"`
	TrayType      *string         `json:"tray_type"`
	TrayColor     *string         `json:"tray_color"`
	TraySubBrands *string         `json:"tray_sub_brands"`
	Remain        json.RawMessage `json:"remain"`
	CaliIdx       json.RawMessage `json:"cali_idx"`
}

type rawKProfile struct {
	CaliIdx    json.RawMessage `json:"cali_idx"`
	FilamentID string          `json:"filament_id"`
	Name       string          `json:"name"`
	KValue     json.RawMessage `json:"k_value"`
	NozzleDiam json.RawMessage `json:"nozzle_diameter"`
	ExtruderID json.RawMessage `json:"extruder_id"`
}

// flexInt parses a value that may arrive as a JSON number or a quoted
// decimal string. The second return is false for anything else.
func flexInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	s := strings.TrimSpace(string(raw))
	s = strings.Trim(s, `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f), true
	}
	return 0, false
}

// flexFloat is flexInt for fractional values (K-values arrive as quoted
// strings like "0.020").
func flexFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// flexString reads a value that may be a string or a bare number.
func flexString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	out := strings.TrimSpace(string(raw))
	if out == "" || out == "null" {
		return "", false
	}
	return out, true
}

// MessageProcessor decodes telemetry, normalizes unit/slot identifiers,
// applies deltas to the state store, resolves tray K-values against the
// calibration cache, and routes command acknowledgments back to the
// dispatcher. A single bad field is logged and skipped; it never discards
// an otherwise-valid delta.
type MessageProcessor struct {
	store      *StateStore
	links      *LinkRegistry
	dispatcher *CommandDispatcher
	db         *Store
	matcher    ProfileMatcher
	broadcast  func(serial string, diff map[string]any, snapshot PrinterState)

	mu       sync.RWMutex
	profiles map[string][]CalibrationProfile // serial -> cached K-profiles
}

// NewMessageProcessor wires the processor to its collaborators. The
// broadcast callback receives the changed-field diff and the commit-time
// snapshot after every successful merge.
func NewMessageProcessor(store *StateStore, links *LinkRegistry, dispatcher *CommandDispatcher, db *Store, matcher ProfileMatcher) *MessageProcessor {
	return &MessageProcessor{
		store:      store,
		links:      links,
		dispatcher: dispatcher,
		db:         db,
		matcher:    matcher,
		profiles:   make(map[string][]CalibrationProfile),
	}
}

// SetBroadcast installs the fan-out callback. Broadcasting runs after the
// merge commits, from the returned snapshot, never under the write lock.
func (p *MessageProcessor) SetBroadcast(fn func(string, map[string]any, PrinterState)) {
	p.broadcast = fn
}

// Profiles returns the cached calibration profiles for a printer.
func (p *MessageProcessor) Profiles(serial string) []CalibrationProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]CalibrationProfile(nil), p.profiles[serial]...)
}

// HandleMessage processes one inbound telemetry payload.
func (p *MessageProcessor) HandleMessage(serial string, payload []byte) {
	var report rawReport
	if err := json.Unmarshal(payload, &report); err != nil {
		log.Printf("[%s] unreadable report: %v", serial, err)
		return
	}
	if len(report.Print) == 0 {
		return
	}
	var pr rawPrint
	if err := json.Unmarshal(report.Print, &pr); err != nil {
		log.Printf("[%s] unreadable print section: %v", serial, err)
		return
	}

	// Connectivity clears on the first message after (re)connect, not on
	// session establishment.
	if snap, ok := p.store.Snapshot(serial); !ok || !snap.Connected {
		st := p.store.MarkConnected(serial)
		p.emit(serial, map[string]any{"connected": true}, st)
	}

	switch pr.Command {
	case "push_status", "":
		p.handleStatus(serial, pr)
	case "extrusion_cali_get":
		p.handleCalibrationList(serial, pr)
		p.resolveAck(pr)
	case "ams_filament_setting", "extrusion_cali_sel", "pushall":
		p.resolveAck(pr)
	default:
		// Unknown commands still resolve any pending request and are
		// otherwise ignored.
		p.resolveAck(pr)
	}
}

// handleStatus merges a full or incremental report into the state store.
// A full report (pushall result) replaces the unit list; incremental
// pushes merge by unit/slot id.
func (p *MessageProcessor) handleStatus(serial string, pr rawPrint) {
	delta := StateDelta{
		GcodeState:    pr.GcodeState,
		LayerNum:      pr.LayerNum,
		TotalLayerNum: pr.TotalLayerNum,
		SubtaskName:   pr.SubtaskName,
		RemainingTime: pr.RemainingTime,
	}
	diff := make(map[string]any)

	if pr.GcodeState != nil {
		diff["gcode_state"] = *pr.GcodeState
	}
	if progress, ok := flexInt(pr.McPercent); ok {
		delta.PrintProgress = &progress
		diff["print_progress"] = progress
	}
	if pr.LayerNum != nil {
		diff["layer_num"] = *pr.LayerNum
	}
	if pr.TotalLayerNum != nil {
		diff["total_layer_num"] = *pr.TotalLayerNum
	}
	if pr.SubtaskName != nil {
		diff["subtask_name"] = *pr.SubtaskName
	}
	if pr.RemainingTime != nil {
		diff["mc_remaining_time"] = *pr.RemainingTime
	}

	full := pr.Msg != nil && *pr.Msg == 0 && pr.Ams != nil && len(pr.Ams.Units) > 0
	delta.FullAms = full

	changedUnits := map[int]bool{}
	if pr.Ams != nil {
		for _, rawUnit := range pr.Ams.Units {
			ud, ok := p.decodeUnit(serial, rawUnit)
			if !ok {
				continue
			}
			delta.AmsUnits = append(delta.AmsUnits, ud)
			changedUnits[ud.ID] = true
		}
		if v, ok := flexInt(pr.Ams.TrayNow); ok {
			n := normalizeTrayIndex(v)
			delta.TrayNow = &n
			diff["tray_now"] = n
		}
		if v, ok := flexInt(pr.Ams.TrayNowLeft); ok {
			n := normalizeTrayIndex(v)
			delta.TrayNowLeft = &n
			diff["tray_now_left"] = n
		}
		if v, ok := flexInt(pr.Ams.TrayNowRight); ok {
			n := normalizeTrayIndex(v)
			delta.TrayNowRight = &n
			diff["tray_now_right"] = n
		}
	}

	if len(pr.VtTray) > 0 && string(pr.VtTray) != "null" {
		var rt rawTray
		if err := json.Unmarshal(pr.VtTray, &rt); err != nil {
			log.Printf("[%s] bad vt_tray, keeping previous: %v", serial, err)
		} else {
			td := p.decodeTray(serial, rt, AmsIDExternal, -1)
			delta.VtTray = &td
		}
	}

	if len(diff) == 0 && len(delta.AmsUnits) == 0 && delta.VtTray == nil {
		return
	}

	snapshot := p.store.ApplyDelta(serial, delta)

	if full {
		if link := p.links.Get(serial); link != nil {
			link.ResyncComplete()
		}
	}

	// Diff carries complete post-merge unit objects for every unit the
	// message touched.
	if len(changedUnits) > 0 {
		var units []AmsUnit
		for _, u := range snapshot.AmsUnits {
			if changedUnits[u.ID] || full {
				units = append(units, u)
			}
		}
		diff["ams_units"] = units
	}
	if delta.VtTray != nil {
		diff["vt_tray"] = snapshot.VtTray
	}

	p.emit(serial, diff, snapshot)
}

// decodeUnit validates a reported carrier unit field-by-field. A bad
// tray inside a unit drops only that tray.
func (p *MessageProcessor) decodeUnit(serial string, raw json.RawMessage) (AmsUnitDelta, bool) {
	var ru rawAmsUnit
	if err := json.Unmarshal(raw, &ru); err != nil {
		log.Printf("[%s] bad ams unit, skipping: %v", serial, err)
		return AmsUnitDelta{}, false
	}
	id, ok := flexInt(ru.ID)
	if !ok || !validAmsID(id) {
		log.Printf("[%s] ams unit with unusable id %q, skipping", serial, string(ru.ID))
		return AmsUnitDelta{}, false
	}

	ud := AmsUnitDelta{
		ID:          id,
		Humidity:    ru.Humidity,
		Temperature: ru.Temp,
	}
	if ext, ok := flexInt(ru.Extruder); ok {
		ud.Extruder = &ext
	}
	maxSlot := SlotsPerAmsUnit - 1
	if id > AmsIDRegularMax {
		maxSlot = 0 // HT and external units carry exactly one slot
	}
	for _, rawT := range ru.Trays {
		var rt rawTray
		if err := json.Unmarshal(rawT, &rt); err != nil {
			log.Printf("[%s] bad tray in ams %d, skipping: %v", serial, id, err)
			continue
		}
		trayID, ok := flexInt(rt.ID)
		if !ok || trayID < 0 || trayID > maxSlot {
			log.Printf("[%s] tray with unusable id %q in ams %d, skipping", serial, string(rt.ID), id)
			continue
		}
		ud.Trays = append(ud.Trays, p.decodeTray(serial, rt, id, trayID))
	}
	return ud, true
}

// decodeTray builds a tray delta and resolves its K-value against the
// cached calibration profiles. No matching profile is not an error: the
// K-value stays nil, meaning the device default applies.
func (p *MessageProcessor) decodeTray(serial string, rt rawTray, amsID, trayID int) AmsTrayDelta {
	if trayID < 0 {
		trayID = 0
	}
	td := AmsTrayDelta{
		ID:            trayID,
		TrayType:      rt.TrayType,
		TrayColor:     rt.TrayColor,
		TraySubBrands: rt.TraySubBrands,
	}
	if remain, ok := flexInt(rt.Remain); ok {
		if remain < 0 || remain > 100 {
			remain = -1 // explicitly unknown, never negative
		}
		td.Remain = &remain
	}
	if caliIdx, ok := flexInt(rt.CaliIdx); ok {
		td.CaliIdx = &caliIdx
	}

	if rt.TrayType != nil {
		td.KValueSet = true
		td.KValue = p.resolveK(serial, amsID, trayID, *rt.TrayType, rt.TraySubBrands)
	}
	return td
}

// resolveK finds the K-value to apply to a slot: the assigned spool's
// identity when one is on record, otherwise the slot's reported material
// text, matched against the cached profiles.
func (p *MessageProcessor) resolveK(serial string, amsID, trayID int, trayType string, subBrands *string) *float64 {
	if trayType == "" {
		return nil
	}
	spool := Spool{Material: trayType}
	if subBrands != nil {
		spool.Brand = *subBrands
	}
	if p.db != nil {
		if assigned, err := p.db.GetSlotSpool(serial, amsID, trayID); err == nil && assigned != nil {
			spool = *assigned
		}
	}

	p.mu.RLock()
	profiles := p.profiles[serial]
	p.mu.RUnlock()

	matches := matchingProfiles(p.matcher, profiles, spool)
	if len(matches) == 0 {
		return nil
	}
	selected := autoSelectProfiles(matches)
	extruder := p.unitExtruder(serial, amsID)
	if prof, ok := selected[extruder]; ok {
		k := prof.KValue
		return &k
	}
	// Fall back to any group when the unit's affinity has no profiles.
	for _, prof := range selected {
		k := prof.KValue
		return &k
	}
	return nil
}

func (p *MessageProcessor) unitExtruder(serial string, amsID int) int {
	snap, ok := p.store.Snapshot(serial)
	if !ok {
		return -1
	}
	if u := findUnit(snap.AmsUnits, amsID); u != nil {
		return u.Extruder
	}
	return -1
}

// handleCalibrationList ingests an extrusion_cali_get reply into the
// per-printer profile cache and persists it.
func (p *MessageProcessor) handleCalibrationList(serial string, pr rawPrint) {
	if len(pr.Filaments) == 0 {
		return
	}
	var raws []rawKProfile
	if err := json.Unmarshal(pr.Filaments, &raws); err != nil {
		log.Printf("[%s] bad calibration list: %v", serial, err)
		return
	}

	nozzle, _ := flexString(pr.NozzleDiam)
	profiles := make([]CalibrationProfile, 0, len(raws))
	for _, r := range raws {
		prof := CalibrationProfile{
			FilamentID:     r.FilamentID,
			Name:           r.Name,
			NozzleDiameter: nozzle,
			Extruder:       -1,
			CaliIdx:        -1,
		}
		if idx, ok := flexInt(r.CaliIdx); ok {
			prof.CaliIdx = idx
		}
		if k, ok := flexFloat(r.KValue); ok {
			prof.KValue = k
		} else {
			log.Printf("[%s] profile %q has unusable k_value %q, skipping", serial, r.Name, string(r.KValue))
			continue
		}
		if nd, ok := flexString(r.NozzleDiam); ok && nd != "" {
			prof.NozzleDiameter = nd
		}
		if ext, ok := flexInt(r.ExtruderID); ok {
			prof.Extruder = ext
		}
		profiles = append(profiles, prof)
	}

	p.mu.Lock()
	p.profiles[serial] = profiles
	p.mu.Unlock()

	if p.db != nil {
		if err := p.db.SaveCalibrations(serial, profiles); err != nil {
			log.Printf("[%s] failed to persist calibration cache: %v", serial, err)
		}
	}
	log.Printf("[%s] cached %d calibration profiles", serial, len(profiles))
}

// LoadCachedProfiles primes the in-memory profile cache from the
// database, so matching works before the first extrusion_cali_get reply.
func (p *MessageProcessor) LoadCachedProfiles(serial string) {
	if p.db == nil {
		return
	}
	profiles, err := p.db.GetCalibrations(serial)
	if err != nil {
		log.Printf("[%s] failed to load calibration cache: %v", serial, err)
		return
	}
	p.mu.Lock()
	p.profiles[serial] = profiles
	p.mu.Unlock()
}

// resolveAck routes a command acknowledgment to the dispatcher.
func (p *MessageProcessor) resolveAck(pr rawPrint) {
	seq, ok := flexString(pr.SequenceID)
	if !ok || seq == "" || seq == "0" {
		return
	}
	p.dispatcher.Resolve(seq, CommandResult{
		Command: pr.Command,
		Result:  pr.Result,
	})
}

// HandleDisconnect freezes the printer's state with the connectivity
// flag down and tells subscribers.
func (p *MessageProcessor) HandleDisconnect(serial string) {
	st := p.store.MarkDisconnected(serial)
	p.emit(serial, map[string]any{"connected": false}, st)
}

func (p *MessageProcessor) emit(serial string, diff map[string]any, snapshot PrinterState) {
	if p.broadcast != nil && len(diff) > 0 {
		p.broadcast(serial, diff, snapshot)
	}
}

func validAmsID(id int) bool {
	return (id >= 0 && id <= AmsIDRegularMax) ||
		(id >= AmsIDHTFirst && id <= AmsIDHTLast) ||
		id == AmsIDExternalL || id == AmsIDExternal
}

// normalizeTrayIndex collapses all sentinel values to TrayIndexNone. The
// firmware's numbering is untrusted; anything out of range means no
// active tray.
func normalizeTrayIndex(v int) int {
	if v < 0 || v >= TrayIndexSentinel {
		return TrayIndexNone
	}
	return v
}
