package dispatch

import (
	"testing"
	"time"

	"github.com/sessionwire/ditto-go/internal/bus"
	"github.com/sessionwire/ditto-go/internal/pointerbus"
	"github.com/sessionwire/ditto-go/internal/protocol"
)

type parserFunc func(string) (protocol.Adaptable, error)

func (f parserFunc) Parse(text string) (protocol.Adaptable, error) { return f(text) }

func parserReturning(a protocol.Adaptable) parserFunc {
	return func(string) (protocol.Adaptable, error) { return a, nil }
}

func twinModifiedAdaptable(thingID, action, payload string) protocol.Adaptable {
	if action == "" {
		action = "modified"
	}
	return protocol.Adaptable{
		Topic: protocol.TopicPath{
			Group:     protocol.GroupThings,
			Channel:   protocol.ChannelTwin,
			EntityID:  thingID,
			Criterion: protocol.CriterionEvents,
			Action:    action,
		},
		Payload: []byte(payload),
	}
}

func TestDispatchNotifiesThingAddressForWholeThingEvent(t *testing.T) {
	pb := pointerbus.New(pointerbus.Config{})
	received := make(chan pointerbus.Event, 1)
	pb.On("/things/{thingId}", func(params map[string]string, event pointerbus.Event) {
		received <- event
	})

	a := twinModifiedAdaptable("sensor1", "", `{"path":"","revision":3}`)
	b := bus.New(bus.Config{Parser: parserReturning(a)})
	New(Config{PointerBus: pb}, b)

	b.Publish("irrelevant raw text")

	select {
	case event := <-received:
		change, ok := event.(protocol.Change)
		if !ok {
			t.Fatalf("event is %T, want protocol.Change", event)
		}
		if change.EntityID != "sensor1" || change.Action != protocol.ChangeUpdated || change.Revision != 3 {
			t.Fatalf("unexpected change %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("pointer bus handler was not invoked")
	}
}

func TestChangesReceivesEveryDispatchedChangeRegardlessOfSelectors(t *testing.T) {
	pb := pointerbus.New(pointerbus.Config{})
	a := twinModifiedAdaptable("sensor1", "created", `{"path":"","revision":1}`)
	b := bus.New(bus.Config{Parser: parserReturning(a)})
	d := New(Config{PointerBus: pb}, b)

	b.Publish("irrelevant raw text")

	select {
	case change := <-d.Changes():
		if change.EntityID != "sensor1" || change.Action != protocol.ChangeCreated {
			t.Fatalf("unexpected change %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("Changes() channel received nothing")
	}
}

func TestDispatchNotifiesAttributeAddress(t *testing.T) {
	pb := pointerbus.New(pointerbus.Config{})
	received := make(chan map[string]string, 1)
	pb.On("/things/{thingId}/attributes{path}", func(params map[string]string, event pointerbus.Event) {
		received <- params
	})

	a := twinModifiedAdaptable("sensor1", "modified", `{"path":"/attributes/location/room","revision":1}`)
	b := bus.New(bus.Config{Parser: parserReturning(a)})
	New(Config{PointerBus: pb}, b)

	b.Publish("irrelevant raw text")

	select {
	case params := <-received:
		if params["thingId"] != "sensor1" || params["path"] != "/location/room" {
			t.Fatalf("unexpected params %+v", params)
		}
	case <-time.After(time.Second):
		t.Fatal("pointer bus handler was not invoked")
	}
}

func TestDispatchIgnoresUnknownAction(t *testing.T) {
	pb := pointerbus.New(pointerbus.Config{})
	received := make(chan pointerbus.Event, 1)
	pb.On("/things/{thingId}", func(map[string]string, pointerbus.Event) { received <- struct{}{} })

	a := twinModifiedAdaptable("sensor1", "unsubscribed", `{"path":""}`)
	b := bus.New(bus.Config{Parser: parserReturning(a)})
	New(Config{PointerBus: pb}, b)

	b.Publish("irrelevant raw text")

	select {
	case <-received:
		t.Fatal("handler invoked for an unrecognized topic action")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAddressForAttributePath(t *testing.T) {
	pointer, params := addressFor("sensor1", "/attributes/location/room")
	if pointer != "/things/sensor1/attributes/location/room" {
		t.Fatalf("pointer = %q", pointer)
	}
	if params["thingId"] != "sensor1" {
		t.Fatalf("params = %+v", params)
	}
}

func TestAddressForFeaturePropertyPath(t *testing.T) {
	pointer, params := addressFor("sensor1", "/features/temp/properties/value")
	if pointer != "/things/sensor1/features/temp/properties/value" {
		t.Fatalf("pointer = %q", pointer)
	}
	if params["featureId"] != "temp" {
		t.Fatalf("params = %+v", params)
	}
}

func TestAddressForWholeThing(t *testing.T) {
	pointer, _ := addressFor("sensor1", "")
	if pointer != "/things/sensor1" {
		t.Fatalf("pointer = %q", pointer)
	}
}
