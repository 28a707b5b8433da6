package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testLogger())

	var got Event
	eb.On(EventMessageDelivered, func(e Event) { got = e })

	eb.Emit(Event{Type: EventMessageDelivered, Source: "slack", Payload: map[string]any{"jid": "grp-42"}})

	if got.Source != "slack" || got.Payload["jid"] != "grp-42" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp should be auto-set")
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testLogger())

	var count int32
	eb.On("*", func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: EventChatMetadata})
	eb.Emit(Event{Type: EventChannelConnected})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testLogger())

	var count int32
	id := eb.On("test.event", func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: "test.event"})
	eb.Off("test.event", id)
	eb.Emit(Event{Type: "test.event"})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testLogger())

	var after int32
	eb.On("panic", func(e Event) { panic("test panic") })
	eb.On("panic", func(e Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: "panic"})
	if atomic.LoadInt32(&after) != 1 {
		t.Error("handlers after a panicking one should still run")
	}
}

func TestEventBus_EmitAsync(t *testing.T) {
	eb := NewEventBus(testLogger())

	done := make(chan struct{})
	eb.On("async", func(e Event) { close(done) })

	eb.EmitAsync(Event{Type: "async"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler not called")
	}
}

func TestEventBus_MultipleHandlersInOrder(t *testing.T) {
	eb := NewEventBus(testLogger())

	var order []int
	eb.On("test", func(e Event) { order = append(order, 1) })
	eb.On("test", func(e Event) { order = append(order, 2) })
	eb.On("*", func(e Event) { order = append(order, 3) })

	eb.Emit(Event{Type: "test"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("unexpected handler order: %v", order)
	}
}
