package channel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/stretchr/testify/require"

	"nanoclaw/internal/config"
	"nanoclaw/internal/domain"
)

const testBotUserID = "BOT123"

var errUserNotFound = errors.New("user_not_found")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type postCall struct {
	ChannelID string
	Text      string
	ThreadTS  string
}

// stubAPI records Web API calls instead of talking to Slack.
type stubAPI struct {
	mu        sync.Mutex
	authErr   error
	postErr   error
	throttled int // PostMessage calls to reject as rate limited first
	posts     []postCall
	users     map[string]*slack.User
	userCalls int
	pages     [][]slack.Channel
}

func newStubAPI() *stubAPI {
	return &stubAPI{users: make(map[string]*slack.User)}
}

func (a *stubAPI) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	if a.authErr != nil {
		return nil, a.authErr
	}
	return &slack.AuthTestResponse{UserID: testBotUserID, User: "nanobot", Team: "acme"}, nil
}

func (a *stubAPI) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("xoxb-test", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.throttled > 0 {
		a.throttled--
		return "", "", &slack.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if a.postErr != nil {
		return "", "", a.postErr
	}
	a.posts = append(a.posts, postCall{
		ChannelID: channelID,
		Text:      values.Get("text"),
		ThreadTS:  values.Get("thread_ts"),
	})
	return channelID, "1700000099.000100", nil
}

func (a *stubAPI) GetUserInfoContext(ctx context.Context, user string) (*slack.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userCalls++
	if u, ok := a.users[user]; ok {
		return u, nil
	}
	return nil, errUserNotFound
}

func (a *stubAPI) GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pages) == 0 {
		return nil, "", nil
	}
	idx := 0
	if params.Cursor != "" {
		idx = int(params.Cursor[len(params.Cursor)-1] - '0')
	}
	next := ""
	if idx+1 < len(a.pages) {
		next = "page-" + string(rune('0'+idx+1))
	}
	return a.pages[idx], next, nil
}

func (a *stubAPI) Posts() []postCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]postCall(nil), a.posts...)
}

// stubStream is a Socket Mode session driven by the test.
type stubStream struct {
	events chan socketmode.Event
	acks   chan socketmode.Request

	handshake socketmode.EventType // first event emitted by Run; empty for none
	runErr    error
}

func newStubStream() *stubStream {
	return &stubStream{
		events:    make(chan socketmode.Event, 16),
		acks:      make(chan socketmode.Request, 16),
		handshake: socketmode.EventTypeConnected,
	}
}

func (s *stubStream) Events() <-chan socketmode.Event { return s.events }

func (s *stubStream) Ack(req socketmode.Request) {
	select {
	case s.acks <- req:
	default:
	}
}

func (s *stubStream) Run(ctx context.Context) error {
	if s.runErr != nil {
		return s.runErr
	}
	if s.handshake != "" {
		select {
		case s.events <- socketmode.Event{Type: s.handshake}:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

// inbox collects adapter callbacks.
type inbox struct {
	messages   chan domain.Message
	metadata   chan string
	deliveries chan domain.DeliveryReport
}

func newInbox() *inbox {
	return &inbox{
		messages:   make(chan domain.Message, 16),
		metadata:   make(chan string, 16),
		deliveries: make(chan domain.DeliveryReport, 16),
	}
}

func (in *inbox) next(t *testing.T) domain.Message {
	t.Helper()
	select {
	case msg := <-in.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return domain.Message{}
	}
}

func writeTestSlackFile(t *testing.T, mappings ...domain.ChannelMapping) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), config.SlackConfigFile)
	require.NoError(t, config.SaveSlackFile(path, &config.SlackFile{
		BotToken:        "xoxb-test",
		AppToken:        "xapp-test",
		ChannelMappings: mappings,
	}))
	return path
}

func generalMapping() domain.ChannelMapping {
	return domain.ChannelMapping{SlackChannelID: "C01", SlackChannelName: "general", JID: "grp-42"}
}

type testAdapter struct {
	*Slack
	api    *stubAPI
	stream *stubStream
	inbox  *inbox
	path   string
}

func newTestAdapter(t *testing.T, mappings ...domain.ChannelMapping) *testAdapter {
	t.Helper()
	ta := &testAdapter{
		api:    newStubAPI(),
		stream: newStubStream(),
		inbox:  newInbox(),
		path:   writeTestSlackFile(t, mappings...),
	}
	ta.api.users["U1"] = &slack.User{ID: "U1", Name: "alice", RealName: "Alice Liddell"}

	ta.Slack = NewSlack(SlackConfig{
		ConfigPath:    ta.path,
		AssistantName: "Nano",
		Logger:        testLogger(),
		OnMessage: func(jid string, msg domain.Message) {
			ta.inbox.messages <- msg
		},
		OnChatMetadata: func(jid, timestamp string) {
			ta.inbox.metadata <- jid
		},
		OnDelivery: func(r domain.DeliveryReport) {
			ta.inbox.deliveries <- r
		},
		ConnectTimeout:    2 * time.Second,
		UserLookupTimeout: 200 * time.Millisecond,
		Dial: func(botToken, appToken string) (SlackAPI, EventStream) {
			return ta.api, ta.stream
		},
	})
	t.Cleanup(func() { ta.Disconnect(context.Background()) })
	return ta
}

func (ta *testAdapter) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, ta.Connect(context.Background()))
	require.True(t, ta.IsConnected())
}

// deliver runs one callback event through the adapter synchronously.
func (ta *testAdapter) deliver(t *testing.T, inner any) {
	t.Helper()
	ta.mu.RLock()
	sess := ta.session
	ta.mu.RUnlock()
	require.NotNil(t, sess, "adapter has no session")
	ta.handleEventsAPI(context.Background(), sess.normalizer, callbackEvent(inner))
}

func callbackEvent(inner any) slackevents.EventsAPIEvent {
	eventType := "message"
	if _, ok := inner.(*slackevents.AppMentionEvent); ok {
		eventType = "app_mention"
	}
	return slackevents.EventsAPIEvent{
		Type: slackevents.CallbackEvent,
		InnerEvent: slackevents.EventsAPIInnerEvent{
			Type: eventType,
			Data: inner,
		},
	}
}
