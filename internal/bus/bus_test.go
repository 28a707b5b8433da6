package bus

import (
	"testing"

	"nanoclaw/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	b.Publish(domain.Message{ID: "1700000000.000100", ChatJID: "grp-42", Content: "hello"})

	msg := <-b.Subscribe()
	if msg.ChatJID != "grp-42" || msg.Content != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestInMemoryBus_DefaultBufferSize(t *testing.T) {
	b := New(0, nil)
	if cap(b.inbound) != 100 {
		t.Fatalf("expected default buffer of 100, got %d", cap(b.inbound))
	}
}

func TestInMemoryBus_PublishAfterCloseIsDropped(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close() // idempotent

	b.Publish(domain.Message{ChatJID: "grp-42"})

	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("closed bus should not yield messages")
	}
}

func TestInMemoryBus_OutboundHandler(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	// no handler yet: logged and dropped
	b.SendOutbound(domain.OutboundMessage{JID: "grp-42", Content: "lost"})

	var got []domain.OutboundMessage
	b.OnOutbound(func(msg domain.OutboundMessage) { got = append(got, msg) })
	b.SendOutbound(domain.OutboundMessage{JID: "grp-42", Content: "hi"})

	if len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("unexpected outbound: %+v", got)
	}
}

func TestInMemoryBus_OnOutboundReplaces(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	var first, second int
	b.OnOutbound(func(domain.OutboundMessage) { first++ })
	b.OnOutbound(func(domain.OutboundMessage) { second++ })
	b.SendOutbound(domain.OutboundMessage{JID: "grp-42", Content: "hi"})

	if first != 0 || second != 1 {
		t.Fatalf("expected only the latest handler, got first=%d second=%d", first, second)
	}
}

func TestInMemoryBus_SendAfterClose(t *testing.T) {
	b := New(1, testLogger())
	called := false
	b.OnOutbound(func(domain.OutboundMessage) { called = true })
	b.Close()

	b.SendOutbound(domain.OutboundMessage{JID: "grp-42", Content: "hi"})
	if called {
		t.Fatal("closed bus should not deliver outbound messages")
	}
}
