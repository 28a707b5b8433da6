package domain

import (
	"context"
	"time"
)

// ChatStore keeps last-activity bookkeeping for conversations and an audit
// of outbound deliveries. Message content is never stored.
type ChatStore interface {
	TouchChat(ctx context.Context, jid, channel string, lastMessage time.Time) error
	GetChat(ctx context.Context, jid string) (*Chat, error)
	ListChats(ctx context.Context, limit int) ([]Chat, error)

	RecordDelivery(ctx context.Context, report DeliveryReport) error
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)

	Close() error
}

type Chat struct {
	JID             string    `json:"jid"`
	Channel         string    `json:"channel"`
	LastMessageTime time.Time `json:"last_message_time"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type DeliveryRecord struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	JID       string    `json:"jid"`
	ChannelID string    `json:"channel_id"`
	Length    int       `json:"length"`
	Threaded  bool      `json:"threaded"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
