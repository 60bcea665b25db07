package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ErrCommandTimeout is returned when a printer never acknowledges a
// command within the dispatch timeout. It is distinct from a
// printer-reported failure so the UI can tell "no answer" from
// "rejected".
var ErrCommandTimeout = errors.New("command timed out")

// CommandResult is the printer's acknowledgment of a command.
type CommandResult struct {
	Command string
	Result  string
	Raw     json.RawMessage
}

// CommandDispatcher builds outbound command payloads, tags each with a
// sequence id, and correlates replies arriving back through the
// telemetry path. Delivery is fire-and-forget at the transport level;
// only acknowledgment-or-timeout is observable to the caller.
type CommandDispatcher struct {
	links   *LinkRegistry
	timeout time.Duration

	mu      sync.Mutex
	nextSeq int
	pending map[string]chan CommandResult // sequence id -> waiter
}

// NewCommandDispatcher creates a dispatcher over the link registry.
func NewCommandDispatcher(links *LinkRegistry, timeout time.Duration) *CommandDispatcher {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout * time.Second
	}
	return &CommandDispatcher{
		links:   links,
		timeout: timeout,
		nextSeq: 1,
		pending: make(map[string]chan CommandResult),
	}
}

func (d *CommandDispatcher) sequenceID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.nextSeq
	d.nextSeq++
	return strconv.Itoa(seq)
}

// send publishes a payload and waits for the matching reply or the
// timeout, whichever fires first. Exactly one of the two wins: the reply
// path and the timer both contend on removing the pending entry.
func (d *CommandDispatcher) send(serial, seqID string, payload []byte) (CommandResult, error) {
	link := d.links.Get(serial)
	if link == nil {
		return CommandResult{}, ErrNotConnected
	}

	ch := make(chan CommandResult, 1)
	d.mu.Lock()
	d.pending[seqID] = ch
	d.mu.Unlock()

	if err := link.Publish(payload); err != nil {
		d.mu.Lock()
		delete(d.pending, seqID)
		d.mu.Unlock()
		return CommandResult{}, err
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		d.mu.Lock()
		_, stillPending := d.pending[seqID]
		delete(d.pending, seqID)
		d.mu.Unlock()
		if !stillPending {
			// Reply won the race; it is already buffered.
			return <-ch, nil
		}
		return CommandResult{}, ErrCommandTimeout
	}
}

// Resolve delivers a reply to the waiting sender. Returns false when no
// command with that sequence id is pending (late reply after timeout, or
// an unsolicited ack).
func (d *CommandDispatcher) Resolve(seqID string, res CommandResult) bool {
	d.mu.Lock()
	ch, ok := d.pending[seqID]
	delete(d.pending, seqID)
	d.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// SetFilament assigns filament settings to a slot, the command behind
// spool assignment.
func (d *CommandDispatcher) SetFilament(serial string, amsID, trayID int, trayInfoIdx, trayType, trayColor string, tempMin, tempMax int) error {
	seq := d.sequenceID()
	payload, err := json.Marshal(map[string]any{
		"print": map[string]any{
			"sequence_id":     seq,
			"command":         "ams_filament_setting",
			"ams_id":          amsID,
			"tray_id":         trayID,
			"tray_info_idx":   trayInfoIdx,
			"tray_type":       trayType,
			"tray_color":      trayColor,
			"nozzle_temp_min": tempMin,
			"nozzle_temp_max": tempMax,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal filament setting: %w", err)
	}
	res, err := d.send(serial, seq, payload)
	if err != nil {
		return err
	}
	if res.Result == "fail" {
		return fmt.Errorf("printer rejected filament setting for slot (%d,%d)", amsID, trayID)
	}
	return nil
}

// ResetSlot clears a slot's filament settings, which makes the printer
// re-read the RFID tag on the next operation.
func (d *CommandDispatcher) ResetSlot(serial string, amsID, trayID int) error {
	// An empty tray_info_idx with tray_type "" is the reset form of the
	// same command.
	return d.SetFilament(serial, amsID, trayID, "", "", "FFFFFFFF", 0, 0)
}

// SetCalibration selects a calibration profile (K-value) for a slot.
// caliIdx -1 reverts the slot to the device default.
func (d *CommandDispatcher) SetCalibration(serial string, amsID, trayID, caliIdx int, filamentID, nozzleDiameter string) error {
	seq := d.sequenceID()
	payload, err := json.Marshal(map[string]any{
		"print": map[string]any{
			"sequence_id":     seq,
			"command":         "extrusion_cali_sel",
			"ams_id":          amsID,
			"tray_id":         trayID,
			"cali_idx":        caliIdx,
			"filament_id":     filamentID,
			"nozzle_diameter": nozzleDiameter,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal calibration select: %w", err)
	}
	res, err := d.send(serial, seq, payload)
	if err != nil {
		return err
	}
	if res.Result == "fail" {
		return fmt.Errorf("printer rejected calibration %d for slot (%d,%d)", caliIdx, amsID, trayID)
	}
	return nil
}

// RequestCalibrations asks the printer for its stored K-profiles for a
// nozzle diameter. The reply is also routed to the profile cache by the
// message processor; the return here is the raw acknowledgment.
func (d *CommandDispatcher) RequestCalibrations(serial, nozzleDiameter string) (CommandResult, error) {
	seq := d.sequenceID()
	payload, err := json.Marshal(map[string]any{
		"print": map[string]any{
			"sequence_id":     seq,
			"command":         "extrusion_cali_get",
			"filament_id":     "",
			"nozzle_diameter": nozzleDiameter,
		},
	})
	if err != nil {
		return CommandResult{}, fmt.Errorf("marshal calibration get: %w", err)
	}
	return d.send(serial, seq, payload)
}
