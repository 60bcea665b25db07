package main

import (
	"log"
	"sync"
)

// trayKey identifies one physical slot within a printer.
type trayKey struct {
	AmsID  int
	TrayID int
}

// printSession captures the tray fill levels at print start so the
// consumed delta can be computed when the print ends.
type printSession struct {
	printName       string
	startProgress   int
	trayRemainStart map[trayKey]int
	activeTray      int
}

// UsageTracker watches gcode state transitions and converts tray
// remain-percentage drops into logged spool consumption.
type UsageTracker struct {
	db *Store

	mutex     sync.Mutex
	sessions  map[string]*printSession
	prevGcode map[string]string
}

func NewUsageTracker(db *Store) *UsageTracker {
	return &UsageTracker{
		db:        db,
		sessions:  make(map[string]*printSession),
		prevGcode: make(map[string]string),
	}
}

// OnStateUpdate inspects a state transition for a printer. It remembers
// the previous gcode state per serial, so it can be fed every committed
// snapshot in order.
func (u *UsageTracker) OnStateUpdate(serial string, state PrinterState) {
	u.mutex.Lock()
	prevGcode := u.prevGcode[serial]
	u.prevGcode[serial] = state.GcodeState
	u.mutex.Unlock()

	switch {
	case state.GcodeState == GcodeStateRunning && prevGcode != GcodeStateRunning:
		u.onPrintStart(serial, state)
	case (state.GcodeState == GcodeStateFinish || state.GcodeState == GcodeStateIdle ||
		state.GcodeState == GcodeStateFailed) && prevGcode == GcodeStateRunning:
		u.onPrintEnd(serial, state, state.GcodeState == GcodeStateFinish)
	case state.GcodeState == GcodeStateFinish && prevGcode == GcodeStatePause:
		u.onPrintEnd(serial, state, true)
	}
}

func (u *UsageTracker) onPrintStart(serial string, state PrinterState) {
	printName := state.SubtaskName
	if printName == "" {
		printName = "Unknown"
	}

	trayRemain := captureRemain(state)

	u.mutex.Lock()
	u.sessions[serial] = &printSession{
		printName:       printName,
		startProgress:   state.PrintProgress,
		trayRemainStart: trayRemain,
		activeTray:      state.TrayNow,
	}
	u.mutex.Unlock()

	log.Printf("Print started on %s: %q, tracking %d tray(s)", serial, printName, len(trayRemain))
}

func (u *UsageTracker) onPrintEnd(serial string, state PrinterState, success bool) {
	u.mutex.Lock()
	session := u.sessions[serial]
	delete(u.sessions, serial)
	u.mutex.Unlock()

	if session == nil {
		return
	}

	currentRemain := captureRemain(state)

	trayUsage := make(map[trayKey]int)
	for key, startRemain := range session.trayRemainStart {
		endRemain, ok := currentRemain[key]
		if !ok {
			log.Printf("Warning: tray (%d,%d) on %s tracked at start but missing at end",
				key.AmsID, key.TrayID, serial)
			continue
		}
		if startRemain > endRemain {
			trayUsage[key] = startRemain - endRemain
		}
	}

	status := "completed"
	if !success {
		status = "failed"
	}
	log.Printf("Print %s on %s: %q, %d tray(s) with usage", status, serial, session.printName, len(trayUsage))

	for key, usedPercent := range trayUsage {
		u.logTrayUsage(serial, session.printName, key, usedPercent)
	}
}

// logTrayUsage resolves the slot's assigned spool and records the
// estimated consumption against it. Slots without an assignment are
// skipped.
func (u *UsageTracker) logTrayUsage(serial, printName string, key trayKey, usedPercent int) {
	spool, err := u.db.GetSlotSpool(serial, key.AmsID, key.TrayID)
	if err != nil {
		log.Printf("Error looking up spool for slot (%s,%d,%d): %v", serial, key.AmsID, key.TrayID, err)
		return
	}
	if spool == nil {
		return
	}

	grams := estimateWeightFromPercent(usedPercent, spool.LabelWeight)
	if err := u.db.LogUsage(spool.ID, serial, printName, grams); err != nil {
		log.Printf("Error logging usage for spool %d: %v", spool.ID, err)
		return
	}
	if err := u.db.AddSpoolConsumption(spool.ID, grams); err != nil {
		log.Printf("Error updating consumption for spool %d: %v", spool.ID, err)
	}
	log.Printf("Logged %.1fg usage on spool %d (%s)", grams, spool.ID, spool.Name)
}

// ActiveSessions returns a summary of in-progress print sessions.
func (u *UsageTracker) ActiveSessions() map[string]map[string]any {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	out := make(map[string]map[string]any, len(u.sessions))
	for serial, session := range u.sessions {
		out[serial] = map[string]any{
			"print_name":    session.printName,
			"active_tray":   session.activeTray,
			"trays_tracked": len(session.trayRemainStart),
		}
	}
	return out
}

// captureRemain collects every known tray fill percentage, including
// the external spool on its reserved unit id.
func captureRemain(state PrinterState) map[trayKey]int {
	out := make(map[trayKey]int)
	for _, unit := range state.AmsUnits {
		for _, tray := range unit.Trays {
			if tray.Remain >= 0 {
				out[trayKey{AmsID: unit.ID, TrayID: tray.ID}] = tray.Remain
			}
		}
	}
	if state.VtTray != nil && state.VtTray.Remain >= 0 {
		out[trayKey{AmsID: AmsIDExternal, TrayID: 0}] = state.VtTray.Remain
	}
	return out
}

// estimateWeightFromPercent converts a remain-percentage drop back to
// grams. The percentage tracks filament weight only, not the core.
func estimateWeightFromPercent(usedPercent, labelWeight int) float64 {
	if labelWeight <= 0 {
		labelWeight = 1000
	}
	return float64(usedPercent) / 100.0 * float64(labelWeight)
}
