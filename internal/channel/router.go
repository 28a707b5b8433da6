package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"nanoclaw/internal/domain"
)

// Router owns the registered channel adapters, manages their lifecycle and
// delivers outbound text to whichever adapter owns the target JID.
type Router struct {
	mu       sync.RWMutex
	channels []domain.Channel
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Register adds an adapter. Registration order decides ownership ties.
func (r *Router) Register(ch domain.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

func (r *Router) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Channel(nil), r.channels...)
}

// ConnectAll connects every adapter concurrently. If any fails, the ones
// that did connect are disconnected again and the first error is returned.
func (r *Router) ConnectAll(ctx context.Context) error {
	channels := r.Channels()
	if len(channels) == 0 {
		r.logger.Warn("no channels enabled")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		g.Go(func() error {
			r.logger.Info("connecting channel", "channel", ch.Name())
			if err := ch.Connect(gctx); err != nil {
				return fmt.Errorf("connect %s: %w", ch.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if derr := r.DisconnectAll(context.WithoutCancel(ctx)); derr != nil {
			r.logger.Warn("cleanup after failed connect", "err", derr)
		}
		return err
	}

	r.logger.Info("all channels connected", "count", len(channels))
	return nil
}

// DisconnectAll disconnects every adapter and joins their errors.
func (r *Router) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, ch := range r.Channels() {
		if err := ch.Disconnect(ctx); err != nil {
			r.logger.Error("error disconnecting channel", "channel", ch.Name(), "err", err)
			errs = append(errs, fmt.Errorf("disconnect %s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Find returns the first adapter that owns jid.
func (r *Router) Find(jid string) (domain.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		if ch.OwnsJID(jid) {
			return ch, true
		}
	}
	return nil, false
}

// Send delivers text to the adapter owning jid. Unowned JIDs are logged
// and dropped.
func (r *Router) Send(ctx context.Context, jid, text string) error {
	ch, ok := r.Find(jid)
	if !ok {
		r.logger.Warn("no channel owns jid, dropping message", "jid", jid)
		return nil
	}
	return ch.SendMessage(ctx, jid, text)
}

func (r *Router) SetTyping(ctx context.Context, jid string, typing bool) error {
	ch, ok := r.Find(jid)
	if !ok {
		return nil
	}
	return ch.SetTyping(ctx, jid, typing)
}

// HandleOutbound adapts Send to the bus outbound handler signature.
func (r *Router) HandleOutbound(msg domain.OutboundMessage) {
	if msg.Content == "" {
		return
	}
	if err := r.Send(context.Background(), msg.JID, msg.Content); err != nil {
		r.logger.Error("outbound send failed", "jid", msg.JID, "err", err)
	}
}
