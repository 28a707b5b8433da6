package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nanoclaw/internal/bus"
	"nanoclaw/internal/channel"
	"nanoclaw/internal/config"
	"nanoclaw/internal/domain"
	"nanoclaw/internal/metrics"
	"nanoclaw/internal/store"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd() *cobra.Command {
	var echo bool

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the Slack gateway",
		Long: `Connects the Slack channel, publishes inbound messages on the message bus
and delivers outbound messages. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), echo)
		},
	}

	cmd.Flags().BoolVar(&echo, "echo", false, "reply to every inbound message with its own text")
	return cmd
}

func runGateway(parent context.Context, echo bool) error {
	if parent == nil {
		parent = context.Background()
	}
	cfgPath := resolveConfigPath()
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	chatStore, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("chat store: %w", err)
	}
	defer chatStore.Close()

	// Message bus (closed during graceful shutdown below)
	messageBus := bus.New(100, logger)
	events := bus.NewEventBus(logger)
	wireStore(events, chatStore)

	router := channel.NewRouter(logger)
	if cfg.Slack.Enabled {
		slackCfg := slackChannelConfig(cfg)
		slackCfg.OnMessage = func(jid string, msg domain.Message) {
			messageBus.Publish(msg)
		}
		slackCfg.OnChatMetadata = func(jid, timestamp string) {
			events.Emit(bus.Event{
				Type:    bus.EventChatMetadata,
				Source:  "slack",
				Payload: map[string]any{"jid": jid, "timestamp": timestamp},
			})
		}
		slackCfg.OnDelivery = func(report domain.DeliveryReport) {
			events.Emit(bus.Event{
				Type:    bus.EventMessageDelivered,
				Source:  report.Channel,
				Payload: map[string]any{"report": report},
			})
		}
		router.Register(channel.NewSlack(slackCfg))
	} else {
		logger.Warn("slack channel disabled, gateway has no channels")
	}
	messageBus.OnOutbound(router.HandleOutbound)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics)
	}

	if err := router.ConnectAll(ctx); err != nil {
		messageBus.Close()
		shutdownMetrics(metricsSrv)
		return err
	}
	for _, ch := range router.Channels() {
		events.Emit(bus.Event{Type: bus.EventChannelConnected, Source: ch.Name()})
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consume(messageBus, events, echo)
	}()

	logger.Info("gateway started. Press Ctrl+C to stop.", "channels", len(router.Channels()), "echo", echo)

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := router.DisconnectAll(shutdownCtx); err != nil {
			logger.Warn("channel disconnect failed", "err", err)
		}
		for _, ch := range router.Channels() {
			events.Emit(bus.Event{Type: bus.EventChannelStopped, Source: ch.Name()})
		}
		messageBus.Close()
		<-consumerDone
		shutdownMetrics(metricsSrv)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = fmt.Errorf("shutdown timed out")
	}

	return shutdownErr
}

// wireStore records chat activity and delivery outcomes published on the
// event bus.
func wireStore(events *bus.EventBus, chatStore domain.ChatStore) {
	events.On(bus.EventChatMetadata, func(e bus.Event) {
		jid, _ := e.Payload["jid"].(string)
		ts, _ := e.Payload["timestamp"].(string)
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			logger.Warn("chat metadata with bad timestamp", "jid", jid, "timestamp", ts)
			at = time.Now()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := chatStore.TouchChat(ctx, jid, e.Source, at); err != nil {
			logger.Warn("touch chat failed", "jid", jid, "err", err)
		}
	})

	events.On(bus.EventMessageDelivered, func(e bus.Event) {
		report, ok := e.Payload["report"].(domain.DeliveryReport)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := chatStore.RecordDelivery(ctx, report); err != nil {
			logger.Warn("record delivery failed", "jid", report.JID, "err", err)
		}
	})
}

// consume drains the inbound stream until the bus is closed. In echo mode
// each message from someone other than the assistant is sent back to its
// conversation.
func consume(messageBus domain.MessageBus, events *bus.EventBus, echo bool) {
	for msg := range messageBus.Subscribe() {
		logger.Info("message received",
			"jid", msg.ChatJID,
			"id", msg.ID,
			"sender", msg.Sender,
			"sender_name", msg.SenderName,
			"length", len(msg.Content),
		)
		events.Emit(bus.Event{
			Type:    bus.EventMessageReceived,
			Source:  "bus",
			Payload: map[string]any{"jid": msg.ChatJID, "id": msg.ID},
		})
		if echo && !msg.IsFromMe && !msg.IsBotMessage {
			messageBus.SendOutbound(domain.OutboundMessage{JID: msg.ChatJID, Content: msg.Content})
		}
	}
}

func startMetricsServer(cfg config.MetricsConfig) *http.Server {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(endpoint, metrics.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.Addr, "endpoint", endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown failed", "err", err)
	}
}
