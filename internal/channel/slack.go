package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/time/rate"

	"nanoclaw/internal/config"
	"nanoclaw/internal/domain"
	"nanoclaw/internal/metrics"
)

const (
	slackName       = "slack"
	slackMaxMsgLen  = 4000
	slackSendBurst  = 3
	slackPageLimit  = 200
	slackPagesLimit = 50

	defaultConnectTimeout    = 30 * time.Second
	defaultUserLookupTimeout = 3 * time.Second
)

// ErrNotConfigured is returned by admin operations before the Slack
// configuration file has been loaded.
var ErrNotConfigured = errors.New("slack not configured")

var errInvalidAuth = errors.New("slack rejected the app token (invalid_auth)")

// SlackAPI is the subset of the Slack Web API the adapter uses.
// *slack.Client satisfies it.
type SlackAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
}

// EventStream is a Socket Mode session: an event feed plus acknowledgements.
type EventStream interface {
	Events() <-chan socketmode.Event
	Ack(req socketmode.Request)
	Run(ctx context.Context) error
}

// SlackDialer builds the Web API client and Socket Mode stream for a set
// of credentials.
type SlackDialer func(botToken, appToken string) (SlackAPI, EventStream)

type socketStream struct {
	client *socketmode.Client
}

func (s socketStream) Events() <-chan socketmode.Event { return s.client.Events }

func (s socketStream) Ack(req socketmode.Request) { s.client.Ack(req) }

func (s socketStream) Run(ctx context.Context) error { return s.client.RunContext(ctx) }

func dialSlack(botToken, appToken string) (SlackAPI, EventStream) {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return api, socketStream{client: socketmode.New(api)}
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	ConfigPath    string // slack-config.json holding credentials and mappings
	AssistantName string
	Logger        *slog.Logger

	OnMessage      domain.OnInboundMessage
	OnChatMetadata domain.OnChatMetadata
	OnDelivery     func(domain.DeliveryReport)

	ConnectTimeout    time.Duration
	UserLookupTimeout time.Duration
	SendRatePerSecond float64 // <= 0 disables rate limiting
	WatchConfig       bool

	Dial SlackDialer // defaults to a real Socket Mode client
}

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	cfg        SlackConfig
	logger     *slog.Logger
	identities *IdentityMap
	threads    *ThreadTracker
	limiter    *rate.Limiter

	connected atomic.Bool
	lifecycle sync.Mutex // serializes Connect and Disconnect

	mu      sync.RWMutex
	api     SlackAPI
	session *slackSession

	fileMu sync.Mutex
	file   *config.SlackFile
}

type slackSession struct {
	id         string
	stream     EventStream
	normalizer *Normalizer
	logger     *slog.Logger
	cancel     context.CancelFunc
	wg         sync.WaitGroup // run loop and event loop
	inflight   sync.WaitGroup // event handlers
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.UserLookupTimeout <= 0 {
		cfg.UserLookupTimeout = defaultUserLookupTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = dialSlack
	}

	limit := rate.Inf
	if cfg.SendRatePerSecond > 0 {
		limit = rate.Limit(cfg.SendRatePerSecond)
	}

	s := &Slack{
		cfg:     cfg,
		logger:  cfg.Logger.With("channel", slackName),
		threads: NewThreadTracker(),
		limiter: rate.NewLimiter(limit, slackSendBurst),
	}
	s.identities = NewIdentityMap(slackName, s.persistMappings, s.threads.Forget, s.logger)
	metrics.SetConnected(slackName, false)
	return s
}

func (s *Slack) Name() string { return slackName }

func (s *Slack) IsConnected() bool { return s.connected.Load() }

// OwnsJID reports whether a channel mapping targets jid.
func (s *Slack) OwnsJID(jid string) bool { return s.identities.Owns(jid) }

// SetTyping is a no-op: Slack bots have no typing indicator over Socket Mode.
func (s *Slack) SetTyping(ctx context.Context, jid string, typing bool) error { return nil }

// LoadConfig reads the Slack configuration file and replaces the in-memory
// mappings with its contents. Errors name the missing fields and the setup
// command that fixes them.
func (s *Slack) LoadConfig() error {
	f, err := config.LoadSlackFile(s.cfg.ConfigPath)
	if err != nil {
		return err
	}
	s.fileMu.Lock()
	s.file = f
	s.fileMu.Unlock()

	s.identities.Load(f.ChannelMappings)
	return nil
}

func (s *Slack) credentials() (botToken, appToken string, ok bool) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file == nil {
		return "", "", false
	}
	return s.file.BotToken, s.file.AppToken, true
}

// Connect loads the configuration, authenticates and opens a Socket Mode
// session. It returns once the session is live; the session runs until
// Disconnect. On failure nothing is left running and the adapter stays
// disconnected.
func (s *Slack) Connect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.connected.Load() {
		return nil
	}
	if err := s.LoadConfig(); err != nil {
		return err
	}
	botToken, appToken, _ := s.credentials()

	connectCtx, cancelConnect := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancelConnect()

	api, stream := s.cfg.Dial(botToken, appToken)
	auth, err := api.AuthTestContext(connectCtx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}

	sess := &slackSession{
		id:     uuid.NewString(),
		stream: stream,
	}
	sess.logger = s.logger.With("session", sess.id)
	sess.normalizer = NewNormalizer(NormalizerConfig{
		Channel:        slackName,
		AssistantName:  s.cfg.AssistantName,
		BotUserID:      auth.UserID,
		Identities:     s.identities,
		Threads:        s.threads,
		Users:          api,
		LookupTimeout:  s.cfg.UserLookupTimeout,
		OnChatMetadata: s.cfg.OnChatMetadata,
		Logger:         sess.logger,
	})
	sess.logger.Info("slack bot authenticated", "user", auth.User, "user_id", auth.UserID, "team", auth.Team)

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	sess.cancel = cancelRun

	ready := make(chan error, 1)
	runErr := make(chan error, 1)
	sess.wg.Add(2)
	go func() {
		defer sess.wg.Done()
		runErr <- stream.Run(runCtx)
	}()
	go func() {
		defer sess.wg.Done()
		s.eventLoop(runCtx, sess, ready)
	}()

	fail := func(err error) error {
		cancelRun()
		sess.wg.Wait()
		sess.inflight.Wait()
		return err
	}

	select {
	case err := <-ready:
		if err != nil {
			return fail(err)
		}
	case err := <-runErr:
		if err == nil {
			err = errors.New("session closed before handshake")
		}
		return fail(fmt.Errorf("slack socket mode: %w", err))
	case <-connectCtx.Done():
		return fail(fmt.Errorf("slack socket mode: handshake: %w", connectCtx.Err()))
	}

	s.mu.Lock()
	s.api = api
	s.session = sess
	s.mu.Unlock()
	s.connected.Store(true)
	metrics.SetConnected(slackName, true)

	go s.supervise(runCtx, sess, runErr)

	if s.cfg.WatchConfig {
		if err := config.WatchFile(runCtx, s.cfg.ConfigPath, sess.logger, s.reloadMappings); err != nil {
			sess.logger.Warn("slack config watch disabled", "err", err)
		}
	}

	sess.logger.Info("slack channel connected", "mappings", s.identities.Len())
	return nil
}

// supervise tears the session down if the Socket Mode loop dies on its own.
func (s *Slack) supervise(runCtx context.Context, sess *slackSession, runErr <-chan error) {
	err := <-runErr
	if runCtx.Err() != nil {
		return
	}
	sess.logger.Error("slack socket mode stopped", "err", err)

	s.mu.Lock()
	if s.session != sess {
		s.mu.Unlock()
		return
	}
	s.connected.Store(false)
	s.session = nil
	s.api = nil
	s.mu.Unlock()

	metrics.SetConnected(slackName, false)
	sess.cancel()
}

// Disconnect closes the session. Safe to call repeatedly and before Connect.
func (s *Slack) Disconnect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.connected.Store(false)

	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.api = nil
	s.mu.Unlock()

	if sess == nil {
		return nil
	}
	metrics.SetConnected(slackName, false)
	sess.cancel()

	done := make(chan struct{})
	go func() {
		sess.wg.Wait()
		sess.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sess.logger.Warn("slack disconnect did not drain in time", "err", ctx.Err())
	}

	sess.logger.Info("slack channel disconnected")
	return nil
}

func (s *Slack) eventLoop(ctx context.Context, sess *slackSession, ready chan<- error) {
	events := sess.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.handleSocketEvent(ctx, sess, evt, ready)
		}
	}
}

func (s *Slack) handleSocketEvent(ctx context.Context, sess *slackSession, evt socketmode.Event, ready chan<- error) {
	// Unacknowledged envelopes are redelivered, so ack everything.
	if evt.Request != nil {
		sess.stream.Ack(*evt.Request)
	}

	switch evt.Type {
	case socketmode.EventTypeConnecting:
		sess.logger.Debug("slack socket mode connecting")

	case socketmode.EventTypeConnected:
		signal(ready, nil)

	case socketmode.EventTypeConnectionError:
		sess.logger.Warn("slack socket mode connection error", "err", evt.Data)

	case socketmode.EventTypeInvalidAuth:
		signal(ready, errInvalidAuth)

	case socketmode.EventTypeEventsAPI:
		event, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		sess.inflight.Add(1)
		go func() {
			defer sess.inflight.Done()
			s.handleEventsAPI(ctx, sess.normalizer, event)
		}()
	}
}

func signal(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func (s *Slack) handleEventsAPI(ctx context.Context, n *Normalizer, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}

	var ev InboundEvent
	switch inner := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		ev = eventFromMessage(inner)
	case *slackevents.AppMentionEvent:
		ev = eventFromMention(inner)
	default:
		return
	}

	if !s.connected.Load() {
		metrics.InboundEvents.WithLabelValues(slackName, metrics.OutcomeIgnored).Inc()
		return
	}

	msg, _, ok := n.Normalize(ctx, ev)
	if !ok {
		return
	}
	metrics.InboundEvents.WithLabelValues(slackName, metrics.OutcomeDelivered).Inc()

	s.logger.Debug("slack message received",
		"jid", msg.ChatJID,
		"sender", msg.Sender,
		"content_len", len(msg.Content),
	)
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(msg.ChatJID, msg)
	}
}

// SendMessage posts text to the Slack channel mapped to jid, in the
// conversation's current thread when one is known. Delivery failures are
// logged and reported through OnDelivery, never returned.
func (s *Slack) SendMessage(ctx context.Context, jid, text string) error {
	s.mu.RLock()
	api := s.api
	s.mu.RUnlock()

	if !s.connected.Load() || api == nil {
		s.logger.Warn("slack not connected, dropping message", "jid", jid)
		metrics.OutboundMessages.WithLabelValues(slackName, metrics.ResultDisconnected).Inc()
		return nil
	}

	channelID, ok := s.identities.ResolveChannel(jid)
	if !ok {
		s.logger.Warn("no slack channel mapped for jid", "jid", jid)
		metrics.OutboundMessages.WithLabelValues(slackName, metrics.ResultUnmapped).Inc()
		return nil
	}

	threadTS, threaded := s.threads.Current(jid)
	body := fmt.Sprintf("*%s:* %s", s.cfg.AssistantName, text)

	err := s.post(ctx, api, channelID, threadTS, body)
	report := domain.DeliveryReport{
		Channel:   slackName,
		JID:       jid,
		ChannelID: channelID,
		Length:    len(text),
		Threaded:  threaded,
		Err:       err,
		SentAt:    time.Now(),
	}

	if err != nil {
		s.logger.Error("failed to send slack message",
			"channel_id", channelID,
			"length", len(text),
			"threaded", threaded,
			"err", err,
		)
		metrics.OutboundMessages.WithLabelValues(slackName, metrics.ResultFailed).Inc()
	} else {
		s.logger.Info("slack message sent",
			"channel_id", channelID,
			"length", len(text),
			"threaded", threaded,
		)
		metrics.OutboundMessages.WithLabelValues(slackName, metrics.ResultSent).Inc()
	}

	if s.cfg.OnDelivery != nil {
		s.cfg.OnDelivery(report)
	}
	return nil
}

func (s *Slack) post(ctx context.Context, api SlackAPI, channelID, threadTS, text string) error {
	for _, chunk := range splitSlackMessage(text, slackMaxMsgLen) {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("send rate limit: %w", err)
		}

		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}

		err := withRetry(ctx, s.logger, func() error {
			start := time.Now()
			_, _, err := api.PostMessageContext(ctx, channelID, opts...)
			metrics.SendDuration.WithLabelValues(slackName).Observe(time.Since(start).Seconds())
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AddMapping binds a Slack channel to a group and persists the change.
func (s *Slack) AddMapping(channelID, channelName, jid string) error {
	if _, _, ok := s.credentials(); !ok {
		return ErrNotConfigured
	}
	return s.identities.Upsert(channelID, channelName, jid)
}

// RemoveMapping unbinds a Slack channel. Without a loaded configuration, or
// for an unknown channel, it does nothing.
func (s *Slack) RemoveMapping(channelID string) error {
	if _, _, ok := s.credentials(); !ok {
		return nil
	}
	return s.identities.Remove(channelID)
}

func (s *Slack) ListMappings() []domain.ChannelMapping {
	return s.identities.List()
}

// GetAvailableChannels lists public and private channels visible to the
// bot. It returns an empty list while disconnected.
func (s *Slack) GetAvailableChannels(ctx context.Context) ([]domain.AvailableChannel, error) {
	s.mu.RLock()
	api := s.api
	s.mu.RUnlock()
	if api == nil {
		return []domain.AvailableChannel{}, nil
	}

	params := &slack.GetConversationsParameters{
		Types:           []string{"public_channel", "private_channel"},
		Limit:           slackPageLimit,
		ExcludeArchived: true,
	}

	out := []domain.AvailableChannel{}
	for page := 0; page < slackPagesLimit; page++ {
		channels, cursor, err := api.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list slack channels: %w", err)
		}
		for _, ch := range channels {
			out = append(out, domain.AvailableChannel{
				ID:       ch.ID,
				Name:     ch.Name,
				IsMember: ch.IsMember,
			})
		}
		if cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	return out, nil
}

// persistMappings writes mappings back to the configuration file, keeping
// the credentials it was loaded with.
func (s *Slack) persistMappings(mappings []domain.ChannelMapping) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if s.file == nil {
		return ErrNotConfigured
	}
	next := *s.file
	next.ChannelMappings = mappings
	if err := config.SaveSlackFile(s.cfg.ConfigPath, &next); err != nil {
		return err
	}
	s.file = &next
	return nil
}

// reloadMappings picks up mapping changes written by another process.
// Credential changes take effect on the next Connect.
func (s *Slack) reloadMappings() {
	f, err := config.LoadSlackFile(s.cfg.ConfigPath)
	if err != nil {
		s.logger.Warn("slack config reload failed, keeping current mappings", "err", err)
		return
	}

	s.fileMu.Lock()
	s.file = f
	s.fileMu.Unlock()

	s.identities.Load(f.ChannelMappings)
	s.logger.Info("slack channel mappings reloaded", "mappings", len(f.ChannelMappings))
}

// splitSlackMessage cuts msg into chunks of at most maxLen bytes,
// preferring line breaks in the second half of a chunk and never splitting
// a UTF-8 sequence.
func splitSlackMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
