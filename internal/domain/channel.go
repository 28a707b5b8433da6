package domain

import "context"

// ConnectionState is the lifecycle state of a channel adapter.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
)

func (s ConnectionState) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// OnInboundMessage receives every canonical message that survives normalization.
type OnInboundMessage func(jid string, msg Message)

// OnChatMetadata is invoked once per inbound event for a mapped conversation,
// before the message itself is delivered.
type OnChatMetadata func(jid string, timestamp string)

// Channel is the capability contract every messaging-platform integration
// implements. A router owning several channels picks one through OwnsJID.
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	// SendMessage is best-effort: unmapped or disconnected conversations
	// and platform rejections are logged, not returned.
	SendMessage(ctx context.Context, jid string, text string) error
	OwnsJID(jid string) bool
	SetTyping(ctx context.Context, jid string, isTyping bool) error
}
