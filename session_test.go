package ditto

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessionwire/ditto-go/internal/handle"
)

// testSignal/testResult stand in for the domain-model types a surrounding
// package would define; sessionAdapter below is a minimal Adapter
// implementation exercising the wire shape end to end.
type testSignal struct {
	Value string `json:"value"`
}

type testResult struct {
	Value string `json:"value"`
}

type sessionAdapter struct{}

func (sessionAdapter) ToAdaptable(signal any) (Adaptable, error) {
	sig, ok := signal.(testSignal)
	if !ok {
		return Adaptable{}, nil
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return Adaptable{}, err
	}
	return Adaptable{
		Topic: TopicPath{Group: GroupThings, Channel: ChannelTwin, EntityID: "sensor1", Criterion: CriterionCommands, Action: "modify"},
		Payload: payload,
	}, nil
}

func (sessionAdapter) FromAdaptable(a Adaptable) (any, error) {
	if len(a.Payload) == 0 {
		return nil, nil
	}
	var r testResult
	if err := json.Unmarshal(a.Payload, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func (sessionAdapter) ToJSONString(a Adaptable) (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (sessionAdapter) Parse(text string) (Adaptable, error) {
	var a Adaptable
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return Adaptable{}, err
	}
	return a, nil
}

// newFakeGateway runs a minimal WebSocket server that answers a correlated
// Adaptable request with a matching testResult payload, acks any
// START-SEND-*/STOP-SEND-* command it sees, and lets the test push an
// unsolicited event frame to drive OnChange/Changes.
type fakeGateway struct {
	srv  *httptest.Server
	push chan string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{push: make(chan string, 4)}
	upgrader := websocket.Upgrader{}

	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		write := func(text string) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, []byte(text))
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case text := <-g.push:
					if write(text) != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			text := string(data)

			var a Adaptable
			if err := json.Unmarshal(data, &a); err == nil {
				correlationID := a.CorrelationID()
				if correlationID != "" {
					reply := Adaptable{
						Headers: map[string]string{HeaderCorrelationID: correlationID},
						Payload: mustMarshal(testResult{Value: "pong"}),
					}
					replyBytes, _ := json.Marshal(reply)
					write(string(replyBytes))
				}
				continue
			}

			if idx := strings.IndexByte(text, '?'); idx >= 0 {
				write(text[:idx] + ":ACK")
				continue
			}
			write(text + ":ACK")
		}
	}))
	return g
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func (g *fakeGateway) wsURL() string {
	return "ws" + g.srv.URL[len("http"):]
}

func (g *fakeGateway) close() { g.srv.Close() }

func newTestSession(t *testing.T, endpoint string) *Session {
	t.Helper()
	cfg := Config{Endpoint: endpoint, Timeout: 2 * time.Second}
	s, err := NewSession(cfg, sessionAdapter{}, NoopAuthProvider{ID: "anon"})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s
}

func TestSessionInitializeAndClose(t *testing.T) {
	gw := newFakeGateway(t)
	defer gw.close()

	s := newTestSession(t, gw.wsURL())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestSessionSendAndExpectRoundTrips(t *testing.T) {
	gw := newFakeGateway(t)
	defer gw.close()

	s := newTestSession(t, gw.wsURL())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer s.Close(ctx)

	result, err := s.SendAndExpect(ctx, handle.Request{
		Signal:      testSignal{Value: "ping"},
		SuccessType: testResult{},
		OnSuccess:   func(v any) (any, error) { return v, nil },
	})
	if err != nil {
		t.Fatalf("SendAndExpect() error = %v", err)
	}
	got, ok := result.(testResult)
	if !ok || got.Value != "pong" {
		t.Fatalf("SendAndExpect() = %#v, want testResult{Value: \"pong\"}", result)
	}
}

func TestSessionStartAndStopSubscription(t *testing.T) {
	gw := newFakeGateway(t)
	defer gw.close()

	s := newTestSession(t, gw.wsURL())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer s.Close(ctx)

	if err := s.StartSubscription(ctx, "events", "START-SEND-EVENTS", "STOP-SEND-EVENTS", "START-SEND-EVENTS:ACK", nil); err != nil {
		t.Fatalf("StartSubscription() error = %v", err)
	}
	if names := s.Subscriptions(); len(names) != 1 || names[0] != "events" {
		t.Fatalf("Subscriptions() = %v, want [events]", names)
	}

	if err := s.StopSubscription(ctx, "events", "STOP-SEND-EVENTS:ACK"); err != nil {
		t.Fatalf("StopSubscription() error = %v", err)
	}
	if names := s.Subscriptions(); len(names) != 0 {
		t.Fatalf("Subscriptions() after stop = %v, want none", names)
	}
}

func TestSessionOnChangeAndChanges(t *testing.T) {
	gw := newFakeGateway(t)
	defer gw.close()

	s := newTestSession(t, gw.wsURL())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer s.Close(ctx)

	onChangeCh := make(chan Change, 1)
	if err := s.OnChange("watch-1", "/things/{thingId}", func(c Change) { onChangeCh <- c }); err != nil {
		t.Fatalf("OnChange() error = %v", err)
	}

	event := Adaptable{
		Topic:   TopicPath{Group: GroupThings, Channel: ChannelTwin, EntityID: "sensor1", Criterion: CriterionEvents, Action: "modified"},
		Payload: mustMarshal(struct {
			Path     string `json:"path"`
			Revision int64  `json:"revision"`
		}{Path: "", Revision: 7}),
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	gw.push <- string(eventBytes)

	select {
	case c := <-onChangeCh:
		if c.EntityID != "sensor1" || c.Revision != 7 {
			t.Fatalf("unexpected change via OnChange: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("OnChange handler was not invoked")
	}

	select {
	case c := <-s.Changes():
		if c.EntityID != "sensor1" {
			t.Fatalf("unexpected change via Changes(): %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("Changes() channel received nothing")
	}

	if !s.OffChange("watch-1") {
		t.Fatal("OffChange() = false, want true")
	}
}
