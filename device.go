package main

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// DeviceStatus is the reported connection state of the companion
// display/scale device.
type DeviceStatus struct {
	Connected       bool    `json:"connected"`
	LastSeen        *int64  `json:"last_seen"` // unix seconds, nil when never seen
	FirmwareVersion string  `json:"firmware_version,omitempty"`
	UpdateAvailable bool    `json:"update_available"`
	LastWeight      float64 `json:"last_weight"`
	WeightStable    bool    `json:"weight_stable"`
}

// DeviceManager tracks the companion hardware device (NFC reader plus
// scale). The device talks to us two ways: a heartbeat poll that also
// picks up queued commands, and a websocket session that pushes tag and
// weight events. Heartbeat-based presence means a crashed device is
// noticed within the timeout even if its socket lingers.
type DeviceManager struct {
	db  *Store
	hub *Broadcaster

	mutex           sync.Mutex
	lastSeen        time.Time
	connected       bool
	pendingCommand  string
	firmwareVersion string
	updateAvailable bool
	lastWeight      float64
	weightStable    bool

	timeout time.Duration
}

func NewDeviceManager(db *Store, hub *Broadcaster, timeout time.Duration) *DeviceManager {
	m := &DeviceManager{
		db:      db,
		hub:     hub,
		timeout: timeout,
	}
	go m.watchTimeout()
	return m
}

// Heartbeat records a device check-in and returns the pending command
// to execute, if any. version and updateAvailable come from the
// device's own report and may be empty.
func (m *DeviceManager) Heartbeat(version string, updateAvailable *bool) string {
	m.mutex.Lock()
	wasConnected := m.connected
	m.lastSeen = time.Now()
	m.connected = true
	if version != "" {
		m.firmwareVersion = version
	}
	updateChanged := false
	if updateAvailable != nil && *updateAvailable != m.updateAvailable {
		m.updateAvailable = *updateAvailable
		updateChanged = true
	}
	cmd := m.pendingCommand
	m.pendingCommand = ""
	m.mutex.Unlock()

	if !wasConnected {
		log.Printf("Device connected")
		m.hub.PublishEvent(map[string]any{"type": "device_connected"})
	}
	if updateChanged {
		m.hub.PublishEvent(map[string]any{
			"type":             "device_update_available",
			"update_available": *updateAvailable,
		})
	}
	if cmd != "" {
		log.Printf("Sending command to device: %s", cmd)
	}
	return cmd
}

// QueueCommand stores a command for the device to pick up on its next
// heartbeat. Only one command is held; a newer one replaces it.
func (m *DeviceManager) QueueCommand(cmd string) {
	m.mutex.Lock()
	m.pendingCommand = cmd
	m.mutex.Unlock()
	log.Printf("Queued device command: %s", cmd)
}

// Status returns the current device connection state.
func (m *DeviceManager) Status() DeviceStatus {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	status := DeviceStatus{
		Connected:       m.connected && time.Since(m.lastSeen) < m.timeout,
		FirmwareVersion: m.firmwareVersion,
		UpdateAvailable: m.updateAvailable,
		LastWeight:      m.lastWeight,
		WeightStable:    m.weightStable,
	}
	if !m.lastSeen.IsZero() {
		ts := m.lastSeen.Unix()
		status.LastSeen = &ts
	}
	return status
}

// watchTimeout flips the device to disconnected when heartbeats stop.
func (m *DeviceManager) watchTimeout() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.mutex.Lock()
		timedOut := m.connected && time.Since(m.lastSeen) >= m.timeout
		if timedOut {
			m.connected = false
		}
		m.mutex.Unlock()

		if timedOut {
			log.Printf("Device disconnected (heartbeat timeout)")
			m.hub.PublishEvent(map[string]any{"type": "device_disconnected"})
		}
	}
}

// HandleInbound routes a websocket message from any session. Tag and
// weight events originate on the device; everything else is UI chatter
// and is ignored.
func (m *DeviceManager) HandleInbound(client *wsClient, payload []byte) {
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("Ignoring non-JSON session message: %v", err)
		return
	}
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "tag_detected":
		m.handleTagDetected(msg)
	case "tag_removed":
		m.hub.PublishEvent(map[string]any{"type": "tag_removed"})
	case "weight":
		m.handleWeight(msg)
	case "tare_scale":
		m.QueueCommand("scale_tare")
	case "calibrate_scale":
		if grams, ok := msg["known_weight"].(float64); ok && grams > 0 {
			m.QueueCommand(fmt.Sprintf("scale_calibrate:%.1f", grams))
		}
	case "heartbeat":
		// Socket-level heartbeat is equivalent to the REST poll.
		m.Heartbeat("", nil)
	default:
	}
}

// RequestTagWrite asks the device to write a spool's identity onto the
// tag currently on the reader.
func (m *DeviceManager) RequestTagWrite(sp Spool) {
	m.hub.PublishEvent(map[string]any{
		"type":       "write_tag",
		"request_id": fmt.Sprintf("spool-%d", sp.ID),
		"data": map[string]any{
			"spool_id": sp.ID,
			"tag_uid":  sp.TagUID,
			"name":     sp.Name,
			"material": sp.Material,
			"color":    sp.Color,
		},
	})
}

// Notify pushes a user-facing notification to every session.
func (m *DeviceManager) Notify(message string, durationSeconds int) {
	m.hub.PublishEvent(map[string]any{
		"type":     "notification",
		"message":  message,
		"duration": durationSeconds,
	})
}

// handleTagDetected matches a scanned tag id against known spools and
// broadcasts the result to every session.
func (m *DeviceManager) handleTagDetected(msg map[string]any) {
	tagID, _ := msg["tag_id"].(string)
	tagType, _ := msg["tag_type"].(string)
	log.Printf("Tag detected: id=%s type=%s", tagID, tagType)

	response := map[string]any{
		"type":     "tag_result",
		"tag_id":   tagID,
		"tag_type": tagType,
	}
	if data, ok := msg["data"].(map[string]any); ok {
		response["data"] = data
	}

	spool, err := m.db.GetSpoolByTag(tagID)
	if err != nil {
		log.Printf("Error matching tag %s: %v", tagID, err)
	} else if spool != nil {
		response["matched_spool_id"] = spool.ID
		log.Printf("Tag matched to spool %d", spool.ID)
	}

	m.hub.PublishEvent(response)
	if err == nil && spool == nil && tagID != "" {
		m.Notify("Unknown tag scanned, no matching spool", 5)
	}
}

// handleWeight records the latest scale reading and forwards it.
func (m *DeviceManager) handleWeight(msg map[string]any) {
	grams, _ := msg["grams"].(float64)
	stable, _ := msg["stable"].(bool)

	m.mutex.Lock()
	m.lastWeight = grams
	m.weightStable = stable
	m.mutex.Unlock()

	m.hub.PublishEvent(map[string]any{
		"type":   "weight",
		"grams":  grams,
		"stable": stable,
	})
}
