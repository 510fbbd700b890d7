package subscription

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sessionwire/ditto-go/internal/bus"
	"github.com/sessionwire/ditto-go/internal/protocol"
)

type noopParser struct{}

func (noopParser) Parse(string) (protocol.Adaptable, error) {
	return protocol.Adaptable{}, errors.New("unused")
}

// recordingEmitter immediately publishes an :ACK reply for any START-SEND-*
// command it sees, simulating the backend's acknowledgement.
type recordingEmitter struct {
	bus *bus.Bus
	mu  sync.Mutex
	sent []string
}

func (e *recordingEmitter) Emit(text string) error {
	e.mu.Lock()
	e.sent = append(e.sent, text)
	e.mu.Unlock()

	if idx := strings.IndexByte(text, '?'); idx >= 0 {
		tag := text[:idx] + ":ACK"
		e.bus.Publish(tag)
		return nil
	}
	e.bus.Publish(text + ":ACK")
	return nil
}

func TestStartSucceedsOnAck(t *testing.T) {
	b := bus.New(bus.Config{Parser: noopParser{}})
	emitter := &recordingEmitter{bus: b}
	m := New(Config{Bus: b, Engine: emitter})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Start(ctx, "events", "START-SEND-EVENTS", "STOP-SEND-EVENTS", "START-SEND-EVENTS:ACK", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	m.mu.Lock()
	_, ok := m.byName["events"]
	m.mu.Unlock()
	if !ok {
		t.Fatal("expected registration to be stored after a successful Start")
	}

	names := m.Names()
	if len(names) != 1 || names[0] != "events" {
		t.Fatalf("Names() = %v, want [events]", names)
	}
}

func TestConcurrentStartRejected(t *testing.T) {
	b := bus.New(bus.Config{Parser: noopParser{}})
	blocking := &blockingEmitter{}
	m := New(Config{Bus: b, Engine: blocking})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go m.Start(ctx, "events", "START-SEND-EVENTS", "STOP-SEND-EVENTS", "START-SEND-EVENTS:ACK", nil)
	time.Sleep(20 * time.Millisecond)

	err := m.Start(ctx, "messages", "START-SEND-MESSAGES", "STOP-SEND-MESSAGES", "START-SEND-MESSAGES:ACK", nil)
	if !errors.Is(err, ErrConcurrentConsumptionRequest) {
		t.Fatalf("Start() error = %v, want ErrConcurrentConsumptionRequest", err)
	}
}

// blockingEmitter never acks, so the first Start call in
// TestConcurrentStartRejected stays pending for the duration of the test.
type blockingEmitter struct{}

func (blockingEmitter) Emit(string) error { return nil }

func TestStopOnAbsentRegistrationCompletesImmediately(t *testing.T) {
	b := bus.New(bus.Config{Parser: noopParser{}})
	emitter := &recordingEmitter{bus: b}
	m := New(Config{Bus: b, Engine: emitter})

	if err := m.Stop(context.Background(), "never-started", "STOP-SEND-EVENTS:ACK"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestReplayReemitsStoredRegistrations(t *testing.T) {
	b := bus.New(bus.Config{Parser: noopParser{}})
	emitter := &recordingEmitter{bus: b}
	m := New(Config{Bus: b, Engine: emitter})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Start(ctx, "events", "START-SEND-EVENTS", "STOP-SEND-EVENTS", "START-SEND-EVENTS:ACK", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := m.Replay(context.Background()); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	count := 0
	for _, s := range emitter.sent {
		if strings.HasPrefix(s, "START-SEND-EVENTS") {
			count++
		}
	}
	if count < 2 {
		t.Fatalf("expected the start command to be emitted at least twice (initial + replay), got %d", count)
	}
}
