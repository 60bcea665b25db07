package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsEnvelope struct {
	Type   string          `json:"type"`
	Serial string          `json:"serial"`
	State  json.RawMessage `json:"state"`
}

func dialTestHub(t *testing.T, b *Broadcaster) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := b.Subscribe(w, r, false); err != nil {
			t.Errorf("Subscribe: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env wsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", payload, err)
	}
	return env
}

func TestSubscribeSnapshotThenDiff(t *testing.T) {
	store := NewStateStore()
	store.ApplyDelta("SER1", StateDelta{
		GcodeState: strp(GcodeStateRunning),
		AmsUnits:   []AmsUnitDelta{{ID: 0, Trays: []AmsTrayDelta{{ID: 0, TrayType: strp("PLA")}}}},
		FullAms:    true,
	})
	b := NewBroadcaster(store)

	conn := dialTestHub(t, b)

	// A new session's first message per printer is a full snapshot.
	env := readEnvelope(t, conn)
	if env.Type != "printer_snapshot" || env.Serial != "SER1" {
		t.Fatalf("first message = %s/%s, want printer_snapshot/SER1", env.Type, env.Serial)
	}
	var snap PrinterState
	if err := json.Unmarshal(env.State, &snap); err != nil {
		t.Fatalf("snapshot payload: %v", err)
	}
	if snap.GcodeState != GcodeStateRunning || len(snap.AmsUnits) != 1 {
		t.Errorf("snapshot = %+v, want full state", snap)
	}

	// Subsequent updates arrive as diffs.
	b.PublishDiff("SER1", map[string]any{"print_progress": 55})
	env = readEnvelope(t, conn)
	if env.Type != "printer_state" || env.Serial != "SER1" {
		t.Fatalf("second message = %s/%s, want printer_state/SER1", env.Type, env.Serial)
	}
	var diff map[string]any
	if err := json.Unmarshal(env.State, &diff); err != nil {
		t.Fatalf("diff payload: %v", err)
	}
	if diff["print_progress"] != float64(55) {
		t.Errorf("diff = %v, want print_progress 55", diff)
	}
}

func TestSubscribeEmptyStore(t *testing.T) {
	b := NewBroadcaster(NewStateStore())
	conn := dialTestHub(t, b)

	deadline := time.Now().Add(time.Second)
	for b.SessionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// No snapshots queued; an event published after the subscription is
	// the first thing the client sees.
	b.PublishEvent(map[string]any{"type": "device_connected"})
	env := readEnvelope(t, conn)
	if env.Type != "device_connected" {
		t.Errorf("first message = %s, want device_connected", env.Type)
	}
}

func TestSessionCount(t *testing.T) {
	b := NewBroadcaster(NewStateStore())

	conn := dialTestHub(t, b)
	deadline := time.Now().Add(time.Second)
	for b.SessionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := b.SessionCount(); n != 1 {
		t.Fatalf("SessionCount = %d, want 1", n)
	}

	conn.Close()
	deadline = time.Now().Add(time.Second)
	for b.SessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := b.SessionCount(); n != 0 {
		t.Errorf("SessionCount = %d after close, want 0", n)
	}
}

func TestInboundRouting(t *testing.T) {
	b := NewBroadcaster(NewStateStore())
	received := make(chan []byte, 1)
	b.SetInbound(func(_ *wsClient, payload []byte) {
		received <- payload
	})

	conn := dialTestHub(t, b)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tag_removed"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case payload := <-received:
		if !strings.Contains(string(payload), "tag_removed") {
			t.Errorf("inbound payload = %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound handler never invoked")
	}
}
