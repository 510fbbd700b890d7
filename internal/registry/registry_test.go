package registry

import (
	"errors"
	"testing"

	"github.com/sessionwire/ditto-go/internal/pointerbus"
)

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := New()
	pb := pointerbus.New(pointerbus.Config{})
	reg := pb.On("/things/{thingId}", func(map[string]string, pointerbus.Event) {})

	if err := r.Register("sub-1", reg); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := r.Register("sub-1", reg); !errors.Is(err, ErrDuplicateRegistrationID) {
		t.Fatalf("second Register() error = %v, want ErrDuplicateRegistrationID", err)
	}
}

func TestDeregisterRemovesAndCancels(t *testing.T) {
	r := New()
	pb := pointerbus.New(pointerbus.Config{})

	called := make(chan struct{}, 1)
	reg := pb.On("/things/{thingId}", func(map[string]string, pointerbus.Event) { called <- struct{}{} })
	if err := r.Register("sub-1", reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if !r.Deregister("sub-1") {
		t.Fatal("Deregister() = false, want true")
	}
	if r.Deregister("sub-1") {
		t.Fatal("second Deregister() = true, want false")
	}

	pb.Notify("/things/sensor1", "ignored")
	select {
	case <-called:
		t.Fatal("handler invoked after Deregister")
	default:
	}
}

func TestHandleForThingReturnsSameInstance(t *testing.T) {
	r := New()
	calls := 0
	newHandle := func() any {
		calls++
		return calls
	}

	first := r.HandleForThing("sensor1", newHandle)
	second := r.HandleForThing("sensor1", newHandle)
	if first != second {
		t.Fatalf("HandleForThing returned different instances: %v vs %v", first, second)
	}
	if calls != 1 {
		t.Fatalf("newHandle called %d times, want 1", calls)
	}
}

func TestHandleForFeatureIsKeyedByThingAndFeature(t *testing.T) {
	r := New()
	calls := 0
	newHandle := func() any { calls++; return calls }

	r.HandleForFeature("sensor1", "temp", newHandle)
	r.HandleForFeature("sensor1", "humidity", newHandle)
	if calls != 2 {
		t.Fatalf("newHandle called %d times, want 2 for distinct features", calls)
	}
}
