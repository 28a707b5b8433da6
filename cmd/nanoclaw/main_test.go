package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nanoclaw/internal/bus"
	"nanoclaw/internal/config"
	"nanoclaw/internal/domain"
	"nanoclaw/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, config.GeneralConfig{LogLevel: "info", LogFormat: "json"})
	l.Debug("hidden")
	l.Info("shown", "jid", "grp-42")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"jid":"grp-42"`)
}

func TestNewLogger_TintFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, config.GeneralConfig{LogLevel: "debug", LogFormat: "tint"})
	l.Debug("connected")
	assert.Contains(t, buf.String(), "connected")
}

var testMappings = []domain.ChannelMapping{
	{SlackChannelID: "C01", SlackChannelName: "general", JID: "grp-42"},
	{SlackChannelID: "C02", SlackChannelName: "ops", JID: "grp-7"},
}

func TestPrintMappings_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printMappings(&buf, testMappings, "table"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "#general")
	assert.Contains(t, lines[2], "grp-7")
}

func TestPrintMappings_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printMappings(&buf, nil, ""))
	assert.Equal(t, "no channel mappings\n", buf.String())
}

func TestPrintMappings_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printMappings(&buf, testMappings, "yaml"))

	var got []domain.ChannelMapping
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, testMappings, got)
	assert.Contains(t, buf.String(), "nanoclawJid: grp-42")
}

func TestPrintMappings_UnknownFormat(t *testing.T) {
	err := printMappings(&bytes.Buffer{}, testMappings, "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	src := t.TempDir()
	cfg := config.Defaults()
	cfg.Slack.ConfigPath = filepath.Join(src, "store", config.SlackConfigFile)
	cfg.Store.DBPath = filepath.Join(src, "store", "nanoclaw.db")
	cfgPath := filepath.Join(src, "config.json")

	require.NoError(t, config.Save(cfgPath, cfg))
	require.NoError(t, config.InitSlackFile(cfg.Slack.ConfigPath, "xoxb-test", "xapp-test"))

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	written, err := writeArchive(archive, backupEntries(cfgPath, cfg))
	require.NoError(t, err)
	require.Len(t, written, 2, "database files do not exist yet and are skipped")

	dst := t.TempDir()
	restoredCfg := config.Defaults()
	restoredCfg.Slack.ConfigPath = filepath.Join(dst, "s", config.SlackConfigFile)
	restoredCfg.Store.DBPath = filepath.Join(dst, "s", "nanoclaw.db")
	restored, err := extractArchive(archive, backupEntries(filepath.Join(dst, "config.json"), restoredCfg))
	require.NoError(t, err)
	assert.Len(t, restored, 2)

	f, err := config.LoadSlackFile(restoredCfg.Slack.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "xoxb-test", f.BotToken)

	info, err := os.Stat(restoredCfg.Slack.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteArchive_NothingToBackUp(t *testing.T) {
	dir := t.TempDir()
	_, err := writeArchive(filepath.Join(dir, "out.tar.gz"), []archiveEntry{{Name: "config.json", Path: filepath.Join(dir, "missing")}})
	assert.ErrorContains(t, err, "no files")
}

func TestServiceTemplates(t *testing.T) {
	spec := newServiceSpec("/usr/local/bin/nanoclaw", "/home/u/.nanoclaw/config.json")

	var unit bytes.Buffer
	require.NoError(t, systemdTemplate.Execute(&unit, spec))
	assert.Contains(t, unit.String(), "ExecStart=/usr/local/bin/nanoclaw gateway --config /home/u/.nanoclaw/config.json")

	var plist bytes.Buffer
	require.NoError(t, launchdTemplate.Execute(&plist, spec))
	assert.Contains(t, plist.String(), "<string>com.nanoclaw.gateway</string>")
	assert.Contains(t, plist.String(), "gateway.log")
}

func TestWireStore_RecordsActivityAndDeliveries(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	events := bus.NewEventBus(nil)
	wireStore(events, s)

	events.Emit(bus.Event{
		Type:    bus.EventChatMetadata,
		Source:  "slack",
		Payload: map[string]any{"jid": "grp-42", "timestamp": "2023-11-14T22:13:20.000Z"},
	})
	events.Emit(bus.Event{
		Type:   bus.EventMessageDelivered,
		Source: "slack",
		Payload: map[string]any{"report": domain.DeliveryReport{
			Channel: "slack", JID: "grp-42", ChannelID: "C01", Length: 2, Err: errors.New("channel_not_found"),
		}},
	})

	ctx := context.Background()
	chat, err := s.GetChat(ctx, "grp-42")
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.Equal(t, "slack", chat.Channel)
	assert.True(t, chat.LastMessageTime.Equal(time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)))

	recs, err := s.RecentDeliveries(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].OK)
	assert.Equal(t, "channel_not_found", recs[0].Error)
}

func TestConsume_EchoSkipsOwnMessages(t *testing.T) {
	b := bus.New(4, nil)
	sent := make(chan domain.OutboundMessage, 4)
	b.OnOutbound(func(m domain.OutboundMessage) { sent <- m })

	b.Publish(domain.Message{ID: "1", ChatJID: "grp-42", Content: "*Nano:* hi", IsFromMe: true})
	b.Publish(domain.Message{ID: "2", ChatJID: "grp-42", Content: "beep", IsBotMessage: true})
	b.Publish(domain.Message{ID: "3", ChatJID: "grp-42", Content: "hi"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		consume(b, bus.NewEventBus(nil), true)
	}()

	select {
	case m := <-sent:
		assert.Equal(t, domain.OutboundMessage{JID: "grp-42", Content: "hi"}, m)
	case <-time.After(2 * time.Second):
		t.Fatal("echo not sent")
	}

	b.Close()
	<-done
	assert.Empty(t, sent, "own and bot messages must not be echoed")
}
