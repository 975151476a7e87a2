package events

import (
	"testing"

	"go.uber.org/zap"
)

func TestSubscribeAndEmitOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var got []string
	bus.Subscribe(TypeJobCreated, func(ev Event) { got = append(got, "first") })
	bus.Subscribe(TypeJobCreated, func(ev Event) { got = append(got, "second") })
	bus.Subscribe(TypeJobFailed, func(ev Event) { got = append(got, "wrong-type") })

	bus.Emit(TypeJobCreated, JobCreated{JobID: "job-1"})

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected dispatch order: %v", got)
	}
}

func TestEmitFromHandlerIsDepthFirst(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var got []string
	bus.Subscribe(TypeJobCreated, func(ev Event) {
		got = append(got, "outer-before")
		bus.Emit(TypeJobOutput, nil)
		got = append(got, "outer-after")
	})
	bus.Subscribe(TypeJobOutput, func(ev Event) { got = append(got, "inner") })
	bus.Subscribe(TypeJobCreated, func(ev Event) { got = append(got, "outer-second") })

	bus.Emit(TypeJobCreated, nil)

	want := []string{"outer-before", "inner", "outer-after", "outer-second"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var called bool
	bus.Subscribe(TypeError, func(ev Event) { panic("boom") })
	bus.Subscribe(TypeError, func(ev Event) { called = true })

	bus.Emit(TypeError, FleetError{Op: "test"})

	if !called {
		t.Fatal("second handler not invoked after panic in first")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())

	count := 0
	cancel := bus.Subscribe(TypeStarted, func(ev Event) { count++ })

	bus.Emit(TypeStarted, nil)
	cancel()
	cancel() // second call is a no-op
	bus.Emit(TypeStarted, nil)

	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var seen []Type
	cancel := bus.SubscribeAll(func(ev Event) { seen = append(seen, ev.Type) })
	defer cancel()

	bus.Emit(TypeJobCreated, nil)
	bus.Emit(TypeScheduleSkipped, nil)

	if len(seen) != 2 || seen[0] != TypeJobCreated || seen[1] != TypeScheduleSkipped {
		t.Fatalf("unexpected events: %v", seen)
	}
}
