package domain

// MessageBus routes canonical messages between channels and the consumer.
type MessageBus interface {
	Publish(msg Message)
	Subscribe() <-chan Message
	SendOutbound(msg OutboundMessage)
	OnOutbound(handler func(OutboundMessage))
	Close()
}
