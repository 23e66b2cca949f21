package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ensimu-ai/simprep/wire"
)

// HubOptions configures a new Hub.
type HubOptions struct {
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Hub owns the set of live channels and routes messages between them
// and the engine. It satisfies the engine's Publisher interface, so a
// broadcaster can push workflow events straight into it.
type Hub struct {
	mutex             sync.RWMutex
	channels          map[string]*Channel
	handlers          map[string]MessageHandler
	logger            *slog.Logger
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Hub{
		channels:          map[string]*Channel{},
		handlers:          map[string]MessageHandler{},
		logger:            opts.Logger,
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTimeout:  opts.HeartbeatTimeout,
	}
}

// Handle registers the handler for an inbound message type. Must be
// called before connections attach.
func (h *Hub) Handle(msgType string, fn MessageHandler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.handlers[msgType] = fn
}

// Attach wraps a transport connection in a channel and starts it. A
// connection with the same identity replaces the previous one, which
// is closed.
func (h *Hub) Attach(ctx context.Context, identity Identity, conn Conn) (*Channel, error) {
	ch, err := NewChannel(ChannelOptions{
		Identity:          identity,
		Conn:              conn,
		Logger:            h.logger,
		OnMessage:         h.dispatch,
		OnClose:           h.detach,
		HeartbeatInterval: h.heartbeatInterval,
		HeartbeatTimeout:  h.heartbeatTimeout,
	})
	if err != nil {
		return nil, err
	}

	key := identity.Key()
	h.mutex.Lock()
	previous := h.channels[key]
	h.channels[key] = ch
	h.mutex.Unlock()

	if previous != nil {
		previous.Close("replaced by new connection")
	}
	ch.Start(ctx)
	h.logger.Info("channel attached", "identity", key)
	return ch, nil
}

// Publish delivers a message to every channel watching the project,
// respecting per-workflow subscriptions. Implements the engine's
// Publisher interface.
func (h *Hub) Publish(projectID, workflowID string, msg *wire.Message) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, ch := range h.channels {
		if ch.Identity().Matches(projectID, workflowID) {
			ch.Send(msg)
		}
	}
}

// Len returns the number of attached channels.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.channels)
}

// CloseAll shuts down every attached channel.
func (h *Hub) CloseAll(reason string) {
	h.mutex.RLock()
	channels := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mutex.RUnlock()
	for _, ch := range channels {
		ch.Close(reason)
	}
}

// dispatch routes one inbound message to its registered handler.
func (h *Hub) dispatch(ctx context.Context, ch *Channel, msg *wire.Message) {
	h.mutex.RLock()
	handler, ok := h.handlers[msg.Type]
	h.mutex.RUnlock()
	if !ok {
		ch.Send(wire.Encode(wire.TypeError, map[string]any{
			"error":        "unsupported message type",
			"message_type": msg.Type,
		}))
		return
	}
	handler(ctx, ch, msg)
}

// detach removes a closed channel from the hub, unless it was already
// replaced by a newer connection with the same identity.
func (h *Hub) detach(ch *Channel, reason string) {
	key := ch.Identity().Key()
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if current, ok := h.channels[key]; ok && current == ch {
		delete(h.channels, key)
	}
}
