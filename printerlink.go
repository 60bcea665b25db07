package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned when a command is issued to a printer whose
// session is down. Commands never queue across disconnects.
var ErrNotConnected = errors.New("printer not connected")

// LinkState is the connection state of one printer session.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PrinterLink is one long-lived MQTT session to a printer. Each link runs
// its own goroutine; a stalled printer never blocks another. On connect
// it subscribes to the telemetry topic and issues one full-resync request
// before incremental deltas are processed.
type PrinterLink struct {
	serial     string
	host       string
	accessCode string

	mu             sync.Mutex
	state          LinkState
	client         mqtt.Client
	resyncInFlight bool
	backoff        time.Duration
	stopped        bool

	onMessage    func(serial string, payload []byte)
	onConnect    func(serial string)
	onDisconnect func(serial string)

	done chan struct{}
}

// NewPrinterLink creates a link for one printer. Start must be called to
// open the session.
func NewPrinterLink(serial, host, accessCode string) *PrinterLink {
	return &PrinterLink{
		serial:     serial,
		host:       host,
		accessCode: accessCode,
		backoff:    ReconnectBaseSeconds * time.Second,
		done:       make(chan struct{}),
	}
}

// SetHandlers wires the telemetry and connectivity callbacks. Must be
// called before Start.
func (l *PrinterLink) SetHandlers(onMessage func(string, []byte), onConnect, onDisconnect func(string)) {
	l.onMessage = onMessage
	l.onConnect = onConnect
	l.onDisconnect = onDisconnect
}

// State returns the current connection state.
func (l *PrinterLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start runs the session loop until Stop is called. Reconnects use capped
// exponential backoff; the backoff counter resets on any received
// message.
func (l *PrinterLink) Start() {
	go l.run()
}

func (l *PrinterLink) run() {
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return
		}
		l.state = LinkConnecting
		l.mu.Unlock()

		lost, err := l.connect()
		if err != nil {
			l.mu.Lock()
			l.state = LinkDisconnected
			wait := l.backoff
			l.backoff *= 2
			if l.backoff > ReconnectMaxSeconds*time.Second {
				l.backoff = ReconnectMaxSeconds * time.Second
			}
			l.mu.Unlock()
			log.Printf("[%s] connect failed: %v (retrying in %v)", l.serial, err, wait)
			select {
			case <-time.After(wait):
				continue
			case <-l.done:
				return
			}
		}

		// Connected. Block until the session drops or Stop is called.
		select {
		case <-lost:
			l.mu.Lock()
			l.state = LinkDisconnected
			l.resyncInFlight = false
			l.mu.Unlock()
			if l.onDisconnect != nil {
				l.onDisconnect(l.serial)
			}
			log.Printf("[%s] session lost, reconnecting", l.serial)
		case <-l.done:
			return
		}
	}
}

func (l *PrinterLink) connect() (chan struct{}, error) {
	lost := make(chan struct{})

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", l.host, MQTTPort)).
		SetClientID(fmt.Sprintf("spoolsync-%s", l.serial)).
		SetUsername(MQTTUsername).
		SetPassword(l.accessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}). // printers use self-signed certs
		SetAutoReconnect(false).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(10 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[%s] connection lost: %v", l.serial, err)
		close(lost)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	topic := fmt.Sprintf("device/%s/report", l.serial)
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		l.mu.Lock()
		l.backoff = ReconnectBaseSeconds * time.Second
		l.mu.Unlock()
		if l.onMessage != nil {
			l.onMessage(l.serial, msg.Payload())
		}
	})
	if token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}

	l.mu.Lock()
	l.client = client
	l.state = LinkConnected
	l.mu.Unlock()

	if l.onConnect != nil {
		l.onConnect(l.serial)
	}

	// Request a full state dump before trusting incremental deltas.
	if err := l.RequestResync(); err != nil {
		log.Printf("[%s] resync request failed: %v", l.serial, err)
	}
	return lost, nil
}

// Publish sends a raw payload to the printer's request topic. Fails
// immediately when the session is down.
func (l *PrinterLink) Publish(payload []byte) error {
	l.mu.Lock()
	client := l.client
	connected := l.state == LinkConnected
	l.mu.Unlock()

	if !connected || client == nil {
		return ErrNotConnected
	}
	topic := fmt.Sprintf("device/%s/request", l.serial)
	token := client.Publish(topic, 0, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish %s: %w", topic, token.Error())
	}
	return nil
}

// RequestResync asks the printer for a full state report. At most one
// resync is kept in flight per printer; duplicates racing with normal
// deltas are the likeliest source of state corruption, so further
// requests are dropped until the full report arrives.
func (l *PrinterLink) RequestResync() error {
	l.mu.Lock()
	if l.resyncInFlight {
		l.mu.Unlock()
		return nil
	}
	l.resyncInFlight = true
	l.mu.Unlock()

	payload := []byte(`{"pushing":{"sequence_id":"0","command":"pushall"}}`)
	if err := l.Publish(payload); err != nil {
		l.mu.Lock()
		l.resyncInFlight = false
		l.mu.Unlock()
		return err
	}
	return nil
}

// ResyncComplete clears the in-flight resync guard. Called by the message
// processor when the full report lands.
func (l *PrinterLink) ResyncComplete() {
	l.mu.Lock()
	l.resyncInFlight = false
	l.mu.Unlock()
}

// Stop tears the session down and stops the reconnect loop.
func (l *PrinterLink) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	client := l.client
	l.client = nil
	l.state = LinkDisconnected
	l.mu.Unlock()

	close(l.done)
	if client != nil {
		client.Disconnect(250)
	}
}

// LinkRegistry owns the set of active printer links, keyed by serial.
// Each link/state pair is independently constructible; there is no
// process-wide singleton.
type LinkRegistry struct {
	mu    sync.RWMutex
	links map[string]*PrinterLink
}

// NewLinkRegistry creates an empty registry.
func NewLinkRegistry() *LinkRegistry {
	return &LinkRegistry{links: make(map[string]*PrinterLink)}
}

// Get returns the link for a serial, or nil.
func (r *LinkRegistry) Get(serial string) *PrinterLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links[serial]
}

// Add registers a link, replacing (and stopping) any previous one for the
// same serial.
func (r *LinkRegistry) Add(serial string, link *PrinterLink) {
	r.mu.Lock()
	prev := r.links[serial]
	r.links[serial] = link
	r.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
}

// Remove stops and forgets the link for a serial.
func (r *LinkRegistry) Remove(serial string) {
	r.mu.Lock()
	link := r.links[serial]
	delete(r.links, serial)
	r.mu.Unlock()
	if link != nil {
		link.Stop()
	}
}

// Serials returns the serials of all registered links.
func (r *LinkRegistry) Serials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.links))
	for s := range r.links {
		out = append(out, s)
	}
	return out
}

// StopAll stops every link. Used on shutdown.
func (r *LinkRegistry) StopAll() {
	r.mu.Lock()
	links := make([]*PrinterLink, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.links = make(map[string]*PrinterLink)
	r.mu.Unlock()
	for _, l := range links {
		l.Stop()
	}
}
