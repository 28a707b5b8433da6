package channel

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"nanoclaw/internal/domain"
	"nanoclaw/internal/metrics"
)

// EventKind distinguishes plain channel messages from explicit mentions.
type EventKind int

const (
	EventMessage EventKind = iota
	EventMention
)

// InboundEvent is the part of a Slack message or app_mention event the
// normalizer reads.
type InboundEvent struct {
	Kind            EventKind
	Channel         string
	User            string
	BotID           string
	SubType         string
	Text            string
	TimeStamp       string
	ThreadTimeStamp string
	HasUser         bool
	HasText         bool
}

func eventFromMessage(ev *slackevents.MessageEvent) InboundEvent {
	return InboundEvent{
		Kind:            EventMessage,
		Channel:         ev.Channel,
		User:            ev.User,
		BotID:           ev.BotID,
		SubType:         ev.SubType,
		Text:            ev.Text,
		TimeStamp:       ev.TimeStamp,
		ThreadTimeStamp: ev.ThreadTimeStamp,
		HasUser:         ev.User != "",
		HasText:         ev.Text != "",
	}
}

func eventFromMention(ev *slackevents.AppMentionEvent) InboundEvent {
	return InboundEvent{
		Kind:            EventMention,
		Channel:         ev.Channel,
		User:            ev.User,
		BotID:           ev.BotID,
		Text:            ev.Text,
		TimeStamp:       ev.TimeStamp,
		ThreadTimeStamp: ev.ThreadTimeStamp,
		HasUser:         ev.User != "",
		HasText:         ev.Text != "",
	}
}

// UserDirectory looks up workspace members for display names.
type UserDirectory interface {
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
}

// Message subtypes that carry a human-authored message. Everything else
// (joins, edits, deletions, topic changes) is a system event.
var userSubTypes = map[string]bool{
	"":                 true,
	"thread_broadcast": true,
	"file_share":       true,
	"me_message":       true,
}

type NormalizerConfig struct {
	Channel        string // platform name, "slack"
	AssistantName  string
	BotUserID      string
	Identities     *IdentityMap
	Threads        *ThreadTracker
	Users          UserDirectory
	LookupTimeout  time.Duration
	OnChatMetadata domain.OnChatMetadata
	Logger         *slog.Logger
}

// Normalizer turns platform events into canonical messages. It suppresses
// malformed, self-authored, bot-authored and unmapped events, records the
// thread anchor of every accepted event and rewrites mentions into the
// assistant trigger.
type Normalizer struct {
	cfg     NormalizerConfig
	trigger string
	mention *regexp.Regexp
	logger  *slog.Logger

	namesMu sync.RWMutex
	names   map[string]string
}

func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultUserLookupTimeout
	}
	n := &Normalizer{
		cfg:     cfg,
		trigger: "@" + cfg.AssistantName,
		logger:  cfg.Logger,
		names:   make(map[string]string),
	}
	if cfg.BotUserID != "" {
		n.mention = regexp.MustCompile(`<@` + regexp.QuoteMeta(cfg.BotUserID) + `(\|[^>]*)?>`)
	}
	return n
}

// Normalize converts ev into a canonical message. When the event is
// suppressed it returns false and the outcome label explaining why.
func (n *Normalizer) Normalize(ctx context.Context, ev InboundEvent) (domain.Message, string, bool) {
	if outcome := n.suppress(ev); outcome != "" {
		n.drop(ev, outcome)
		return domain.Message{}, outcome, false
	}

	jid, ok := n.cfg.Identities.ResolveConversation(ev.Channel)
	if !ok {
		n.drop(ev, metrics.OutcomeUnmapped)
		return domain.Message{}, metrics.OutcomeUnmapped, false
	}

	timestamp := FormatTimestamp(ev.TimeStamp, time.Now())
	if n.cfg.OnChatMetadata != nil {
		n.cfg.OnChatMetadata(jid, timestamp)
	}

	senderName := n.displayName(ctx, ev.User)

	content := ev.Text
	var anchor string
	switch ev.Kind {
	case EventMention:
		anchor = ev.ThreadTimeStamp
		if anchor == "" {
			anchor = ev.TimeStamp
		}
		content = n.rewriteMentions(content)
	default:
		var inThread bool
		anchor, inThread = SelectAnchor(ev.TimeStamp, ev.ThreadTimeStamp)
		if inThread && !strings.Contains(content, n.trigger) {
			content = n.trigger + " " + content
		}
	}
	n.cfg.Threads.Record(jid, anchor)

	return domain.Message{
		ID:           ev.TimeStamp,
		ChatJID:      jid,
		Sender:       "slack:" + ev.User,
		SenderName:   senderName,
		Content:      content,
		Timestamp:    timestamp,
		IsFromMe:     false,
		IsBotMessage: false,
	}, metrics.OutcomeDelivered, true
}

func (n *Normalizer) suppress(ev InboundEvent) string {
	if !ev.HasUser || !ev.HasText || ev.Channel == "" || !userSubTypes[ev.SubType] {
		return metrics.OutcomeMalformed
	}
	if n.cfg.BotUserID != "" && ev.User == n.cfg.BotUserID {
		return metrics.OutcomeSelf
	}
	if ev.BotID != "" {
		return metrics.OutcomeBot
	}
	return ""
}

func (n *Normalizer) drop(ev InboundEvent, outcome string) {
	n.logger.Debug("slack event suppressed",
		"reason", outcome,
		"channel_id", ev.Channel,
		"subtype", ev.SubType,
		"ts", ev.TimeStamp,
	)
	metrics.InboundEvents.WithLabelValues(n.cfg.Channel, outcome).Inc()
}

// rewriteMentions replaces the bot's own user reference, with or without a
// label, by the assistant trigger. Other users' mentions are left alone.
func (n *Normalizer) rewriteMentions(text string) string {
	if n.mention == nil {
		return text
	}
	return n.mention.ReplaceAllLiteralString(text, n.trigger)
}

// displayName resolves a user id to a human name. Lookup failures and
// timeouts fall back to the raw id.
func (n *Normalizer) displayName(ctx context.Context, user string) string {
	n.namesMu.RLock()
	name, ok := n.names[user]
	n.namesMu.RUnlock()
	if ok {
		return name
	}
	if n.cfg.Users == nil {
		return user
	}

	lookupCtx, cancel := context.WithTimeout(ctx, n.cfg.LookupTimeout)
	defer cancel()

	info, err := n.cfg.Users.GetUserInfoContext(lookupCtx, user)
	if err != nil || info == nil {
		n.logger.Debug("slack user lookup failed", "user", user, "err", err)
		return user
	}

	name = firstNonEmpty(info.RealName, info.Profile.DisplayName, info.Name, user)
	n.namesMu.Lock()
	n.names[user] = name
	n.namesMu.Unlock()
	return name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// FormatTimestamp converts a Slack message token ("1700000000.000100",
// seconds since the epoch with a fractional part) into an RFC 3339 string
// with millisecond precision in UTC. Unparseable tokens yield fallback.
func FormatTimestamp(ts string, fallback time.Time) string {
	const layout = "2006-01-02T15:04:05.000Z07:00"

	t, ok := parseSlackTimestamp(ts)
	if !ok {
		t = fallback
	}
	return t.UTC().Format(layout)
}

func parseSlackTimestamp(ts string) (time.Time, bool) {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil || sec < 0 {
		return time.Time{}, false
	}

	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		frac, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil || frac < 0 {
			return time.Time{}, false
		}
		for i := len(fracPart); i < 9; i++ {
			frac *= 10
		}
		nsec = frac
	}
	return time.Unix(sec, nsec), true
}
