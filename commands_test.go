package main

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type stubToken struct{}

func (stubToken) Wait() bool                     { return true }
func (stubToken) WaitTimeout(time.Duration) bool { return true }
func (stubToken) Error() error                   { return nil }
func (stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// stubMQTT records published payloads and acknowledges everything.
type stubMQTT struct {
	mu        sync.Mutex
	published [][]byte
}

func (s *stubMQTT) IsConnected() bool      { return true }
func (s *stubMQTT) IsConnectionOpen() bool { return true }
func (s *stubMQTT) Connect() mqtt.Token    { return stubToken{} }
func (s *stubMQTT) Disconnect(uint)        {}
func (s *stubMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	s.mu.Lock()
	s.published = append(s.published, payload.([]byte))
	s.mu.Unlock()
	return stubToken{}
}
func (s *stubMQTT) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return stubToken{} }
func (s *stubMQTT) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return stubToken{}
}
func (s *stubMQTT) Unsubscribe(...string) mqtt.Token        { return stubToken{} }
func (s *stubMQTT) AddRoute(string, mqtt.MessageHandler)    {}
func (s *stubMQTT) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// connectedTestLink builds a link that believes its session is up,
// backed by the stub transport.
func connectedTestLink(serial string) (*PrinterLink, *stubMQTT) {
	stub := &stubMQTT{}
	link := NewPrinterLink(serial, "127.0.0.1", "code")
	link.mu.Lock()
	link.client = stub
	link.state = LinkConnected
	link.mu.Unlock()
	return link, stub
}

// resolveNextPending waits for a command to appear in the pending table
// and answers it, simulating the printer's acknowledgment.
func resolveNextPending(d *CommandDispatcher, result string) {
	go func() {
		for {
			d.mu.Lock()
			for seq := range d.pending {
				d.mu.Unlock()
				d.Resolve(seq, CommandResult{Result: result})
				return
			}
			d.mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestDispatcherCommandAcknowledged(t *testing.T) {
	links := NewLinkRegistry()
	link, stub := connectedTestLink("SER1")
	links.Add("SER1", link)
	d := NewCommandDispatcher(links, time.Second)

	resolveNextPending(d, "success")
	if err := d.SetCalibration("SER1", 0, 2, 5, "GFA00", "0.4"); err != nil {
		t.Fatalf("SetCalibration: %v", err)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.published) != 1 {
		t.Fatalf("published %d payloads, want 1", len(stub.published))
	}
	body := string(stub.published[0])
	for _, want := range []string{`"extrusion_cali_sel"`, `"ams_id":0`, `"tray_id":2`, `"cali_idx":5`} {
		if !strings.Contains(body, want) {
			t.Errorf("payload missing %s: %s", want, body)
		}
	}
}

func TestDispatcherPrinterRejection(t *testing.T) {
	links := NewLinkRegistry()
	link, _ := connectedTestLink("SER1")
	links.Add("SER1", link)
	d := NewCommandDispatcher(links, time.Second)

	resolveNextPending(d, "fail")
	err := d.SetFilament("SER1", 0, 0, "GFA00", "PLA", "FF0000FF", 190, 230)
	if err == nil {
		t.Fatal("expected error for printer-rejected command")
	}
	if errors.Is(err, ErrCommandTimeout) || errors.Is(err, ErrNotConnected) {
		t.Errorf("rejection reported as %v, want a distinct error", err)
	}
}

func TestDispatcherTimeout(t *testing.T) {
	links := NewLinkRegistry()
	link, _ := connectedTestLink("SER1")
	links.Add("SER1", link)
	d := NewCommandDispatcher(links, 30*time.Millisecond)

	err := d.ResetSlot("SER1", 0, 0)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("err = %v, want ErrCommandTimeout", err)
	}

	// The pending entry must be gone; a late reply is reported as
	// unmatched instead of waking anything.
	d.mu.Lock()
	n := len(d.pending)
	d.mu.Unlock()
	if n != 0 {
		t.Errorf("pending table has %d entries after timeout, want 0", n)
	}
	if d.Resolve("1", CommandResult{Result: "success"}) {
		t.Error("late reply resolved a timed-out command")
	}
}

func TestDispatcherNotConnected(t *testing.T) {
	links := NewLinkRegistry()
	d := NewCommandDispatcher(links, time.Second)

	// Unknown serial.
	if err := d.ResetSlot("NOPE", 0, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("unknown serial: err = %v, want ErrNotConnected", err)
	}

	// Known serial with a down session.
	link := NewPrinterLink("SER1", "127.0.0.1", "code")
	links.Add("SER1", link)
	if err := d.ResetSlot("SER1", 0, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("down session: err = %v, want ErrNotConnected", err)
	}
	d.mu.Lock()
	n := len(d.pending)
	d.mu.Unlock()
	if n != 0 {
		t.Errorf("pending table has %d entries after failed publish, want 0", n)
	}
}

func TestDispatcherSequenceIDsUnique(t *testing.T) {
	d := NewCommandDispatcher(NewLinkRegistry(), time.Second)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seq := d.sequenceID()
		if seen[seq] {
			t.Fatalf("duplicate sequence id %s", seq)
		}
		seen[seq] = true
	}
}

func TestResolveUnknownSequence(t *testing.T) {
	d := NewCommandDispatcher(NewLinkRegistry(), time.Second)
	if d.Resolve("999", CommandResult{}) {
		t.Error("Resolve returned true for unknown sequence id")
	}
}
