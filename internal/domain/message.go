package domain

import "time"

// Message is the canonical, platform-agnostic form of one inbound chat event.
type Message struct {
	ID           string `json:"id"`
	ChatJID      string `json:"chat_jid"`
	Sender       string `json:"sender"` // platform-qualified, e.g. "slack:U123"
	SenderName   string `json:"sender_name"`
	Content      string `json:"content"`
	Timestamp    string `json:"timestamp"` // ISO-8601
	IsFromMe     bool   `json:"is_from_me"`
	IsBotMessage bool   `json:"is_bot_message"`
}

type OutboundMessage struct {
	JID     string
	Content string
}

// ChannelMapping links one external channel to one NanoClaw group.
type ChannelMapping struct {
	SlackChannelID   string `json:"slackChannelId" yaml:"slackChannelId"`
	SlackChannelName string `json:"slackChannelName" yaml:"slackChannelName"`
	JID              string `json:"nanoclawJid" yaml:"nanoclawJid"`
}

// AvailableChannel is a platform channel the bot identity can see.
type AvailableChannel struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	IsMember bool   `json:"isMember" yaml:"isMember"`
}

// DeliveryReport describes the outcome of one outbound send. It never carries
// the message text.
type DeliveryReport struct {
	Channel   string
	JID       string
	ChannelID string
	Length    int
	Threaded  bool
	Err       error
	SentAt    time.Time
}
