package bus

import (
	"log/slog"
	"sync"
	"time"

	"nanoclaw/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based message bus between the channel
// adapters and the message consumer.
type InMemoryBus struct {
	inbound  chan domain.Message
	outbound func(domain.OutboundMessage)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.Message, bufferSize),
		logger:  logger,
	}
}

// Publish queues an inbound message. Blocks up to 10 seconds if the bus is
// full instead of dropping.
func (b *InMemoryBus) Publish(msg domain.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "jid", msg.ChatJID)
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting", "jid", msg.ChatJID, "sender", msg.Sender)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
			b.logger.Info("message delivered after wait", "jid", msg.ChatJID)
		case <-timer.C:
			b.logger.Error("message dropped: bus full for 10s",
				"jid", msg.ChatJID,
				"sender", msg.Sender,
			)
		}
	}
}

// Subscribe returns the inbound stream. It is closed by Close.
func (b *InMemoryBus) Subscribe() <-chan domain.Message {
	return b.inbound
}

func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler := b.outbound
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		b.logger.Warn("attempted to send on closed bus", "jid", msg.JID)
		return
	}
	if handler == nil {
		b.logger.Warn("no outbound handler registered", "jid", msg.JID)
		return
	}
	handler(msg)
}

// OnOutbound sets the handler that delivers outbound messages, replacing
// any previous one.
func (b *InMemoryBus) OnOutbound(handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}

var _ domain.MessageBus = (*InMemoryBus)(nil)
