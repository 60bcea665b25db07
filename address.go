package main

// The printer firmware numbers every slot across all carrier units with a
// single flat "global tray index". The rest of the system addresses slots
// as (ams_id, tray_id) pairs, so every translation between the two schemes
// lives in this file and nowhere else. The firmware's numbering is treated
// as untrusted input: out-of-range values decode to "none", never panic.

// trayToUnitSlot converts a global tray index to an (amsID, trayID) pair.
// Regular units occupy indices 0-15 (four slots each), HT units map
// one-to-one from 16-23 onto unit ids 128-135 slot 0, and any index at or
// above the sentinel range means no tray is active.
func trayToUnitSlot(global int) (amsID, trayID int, ok bool) {
	switch {
	case global < 0:
		return 0, 0, false
	case global < TrayIndexHTFirst:
		return global / SlotsPerAmsUnit, global % SlotsPerAmsUnit, true
	case global <= TrayIndexHTLast:
		return AmsIDHTFirst + (global - TrayIndexHTFirst), 0, true
	default:
		// Sentinels (254, 255) and anything else out of range.
		return 0, 0, false
	}
}

// unitSlotToTray is the inverse of trayToUnitSlot. Unit ids outside the
// known ranges return TrayIndexNone.
func unitSlotToTray(amsID, trayID int) int {
	switch {
	case amsID >= 0 && amsID <= AmsIDRegularMax:
		if trayID < 0 || trayID >= SlotsPerAmsUnit {
			return TrayIndexNone
		}
		return amsID*SlotsPerAmsUnit + trayID
	case amsID >= AmsIDHTFirst && amsID <= AmsIDHTLast:
		if trayID != 0 {
			return TrayIndexNone
		}
		return TrayIndexHTFirst + (amsID - AmsIDHTFirst)
	default:
		return TrayIndexNone
	}
}

// activeTrayForUnit reports which of a unit's slots is currently feeding
// an extruder, if any. Dual-extruder printers report two global indices
// (left/right); the unit's extruder affinity selects which one applies
// before the normal decode rule runs. Single-extruder printers carry one
// index in TrayNow.
func activeTrayForUnit(unit AmsUnit, st *PrinterState) (trayID int, ok bool) {
	global := st.TrayNow
	if st.TrayNowLeft != TrayIndexNone || st.TrayNowRight != TrayIndexNone {
		// Dual-extruder: extruder 0 is the right nozzle.
		switch unit.Extruder {
		case 0:
			global = st.TrayNowRight
		case 1:
			global = st.TrayNowLeft
		default:
			return 0, false
		}
	}
	amsID, trayID, ok := trayToUnitSlot(global)
	if !ok || amsID != unit.ID {
		return 0, false
	}
	return trayID, true
}
