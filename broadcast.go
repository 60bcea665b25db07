package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Broadcaster pushes printer state to every connected UI and device
// session. A session that subscribes mid-stream first receives one full
// snapshot per known printer, then diffs, so new subscribers are never
// missing fields relative to the authoritative state. Fan-out is
// decoupled from the state-store write path: diffs are computed from the
// commit-time snapshot, and a slow client is dropped rather than allowed
// to block the hub.
type Broadcaster struct {
	store *StateStore

	clients    map[*wsClient]bool
	unregister chan *wsClient
	broadcast  chan []byte
	mutex      sync.RWMutex

	// inbound receives messages sent by sessions (device tag events,
	// scale passthrough). Installed by the device handler.
	inbound func(client *wsClient, payload []byte)
}

// wsClient is one websocket session (UI browser or on-device display).
type wsClient struct {
	hub    *Broadcaster
	conn   *websocket.Conn
	send   chan []byte
	device bool
}

// NewBroadcaster creates the hub and starts its loop.
func NewBroadcaster(store *StateStore) *Broadcaster {
	b := &Broadcaster{
		store:      store,
		clients:    make(map[*wsClient]bool),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 64),
	}
	go b.run()
	return b
}

// SetInbound installs the handler for messages arriving from sessions.
func (b *Broadcaster) SetInbound(fn func(*wsClient, []byte)) {
	b.inbound = fn
}

func (b *Broadcaster) run() {
	for {
		select {
		case client := <-b.unregister:
			b.mutex.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				close(client.send)
			}
			n := len(b.clients)
			b.mutex.Unlock()
			log.Printf("Session disconnected. Total sessions: %d", n)

		case message := <-b.broadcast:
			b.mutex.Lock()
			for client := range b.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(b.clients, client)
				}
			}
			b.mutex.Unlock()
		}
	}
}

// PublishDiff sends the changed fields of one printer to all sessions.
func (b *Broadcaster) PublishDiff(serial string, diff map[string]any) {
	msg, err := json.Marshal(map[string]any{
		"type":   "printer_state",
		"serial": serial,
		"state":  diff,
	})
	if err != nil {
		log.Printf("Error marshaling state diff for %s: %v", serial, err)
		return
	}
	b.broadcast <- msg
}

// PublishEvent sends an arbitrary typed message to all sessions
// (device connectivity, notifications, usage events).
func (b *Broadcaster) PublishEvent(event map[string]any) {
	msg, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return
	}
	b.broadcast <- msg
}

// SendTo delivers a message to a single session.
func (b *Broadcaster) SendTo(client *wsClient, event map[string]any) {
	msg, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling session message: %v", err)
		return
	}
	select {
	case client.send <- msg:
	default:
	}
}

// SessionCount returns the number of connected sessions.
func (b *Broadcaster) SessionCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.clients)
}

// Subscribe upgrades an HTTP request to a session. The snapshot backfill
// is queued onto the client's send channel before the client is
// registered with the hub, so no diff can arrive ahead of it.
func (b *Broadcaster) Subscribe(w http.ResponseWriter, r *http.Request, device bool) (*wsClient, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // dashboard and device live on the LAN
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	client := &wsClient{
		hub:    b,
		conn:   conn,
		send:   make(chan []byte, 256),
		device: device,
	}

	// The snapshot backfill and the registration happen under the same
	// lock the broadcast loop takes, so no diff can slot in between the
	// snapshot and the first live update.
	b.mutex.Lock()
	for _, st := range b.store.Snapshots() {
		msg, err := json.Marshal(map[string]any{
			"type":   "printer_snapshot",
			"serial": st.Serial,
			"state":  st,
		})
		if err != nil {
			log.Printf("Error marshaling snapshot for %s: %v", st.Serial, err)
			continue
		}
		client.send <- msg
	}
	b.clients[client] = true
	n := len(b.clients)
	b.mutex.Unlock()
	kind := "UI"
	if client.device {
		kind = "Device"
	}
	log.Printf("%s session connected. Total sessions: %d", kind, n)

	go client.writePump()
	go client.readPump()
	return client, nil
}

// readPump pumps messages from the session to the inbound handler.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Session read error: %v", err)
			}
			break
		}
		if c.hub.inbound != nil {
			c.hub.inbound(c, payload)
		}
	}
}

// writePump pumps messages from the hub to the session.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
