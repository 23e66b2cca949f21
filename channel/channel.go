package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ensimu-ai/simprep/wire"
)

const (
	// DefaultHeartbeatInterval is how often the channel emits a
	// heartbeat message to the peer.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultHeartbeatTimeout is how long the channel tolerates
	// silence from the peer before closing.
	DefaultHeartbeatTimeout = 60 * time.Second

	defaultOutboundBuffer = 64
)

// Conn is the transport a channel runs over. Implementations must
// unblock ReadMessage when Close is called.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// MessageHandler processes one inbound message on a channel.
type MessageHandler func(ctx context.Context, ch *Channel, msg *wire.Message)

// ChannelOptions configures a new Channel.
type ChannelOptions struct {
	Identity          Identity
	Conn              Conn
	Logger            *slog.Logger
	OnMessage         MessageHandler
	OnClose           func(ch *Channel, reason string)
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Channel wraps a transport connection with ordered outbound delivery
// and heartbeat supervision. All writes go through a single goroutine,
// so messages are delivered in the order they were sent and the
// underlying connection never sees concurrent writes.
type Channel struct {
	identity    Identity
	conn        Conn
	logger      *slog.Logger
	onMessage   MessageHandler
	onClose     func(ch *Channel, reason string)
	interval    time.Duration
	timeout     time.Duration
	outbound    chan *wire.Message
	done        chan struct{}
	closeOnce   sync.Once
	closeReason atomic.Value
	lastInbound atomic.Int64
}

// NewChannel creates a channel over the given transport. Call Start to
// begin processing.
func NewChannel(opts ChannelOptions) (*Channel, error) {
	if opts.Conn == nil {
		return nil, errors.New("conn is required")
	}
	if err := opts.Identity.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	ch := &Channel{
		identity:  opts.Identity,
		conn:      opts.Conn,
		logger:    opts.Logger,
		onMessage: opts.OnMessage,
		onClose:   opts.OnClose,
		interval:  opts.HeartbeatInterval,
		timeout:   opts.HeartbeatTimeout,
		outbound:  make(chan *wire.Message, defaultOutboundBuffer),
		done:      make(chan struct{}),
	}
	ch.lastInbound.Store(time.Now().UnixNano())
	return ch, nil
}

// Identity returns the connection identity.
func (c *Channel) Identity() Identity {
	return c.identity
}

// Done is closed when the channel shuts down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// CloseReason returns why the channel closed, or "" while it is open.
func (c *Channel) CloseReason() string {
	reason, _ := c.closeReason.Load().(string)
	return reason
}

// Start launches the read, write, and heartbeat loops and sends the
// connection_established greeting.
func (c *Channel) Start(ctx context.Context) {
	go c.writeLoop()
	go c.readLoop(ctx)
	go c.heartbeatLoop()

	c.Send(wire.Encode(wire.TypeConnectionEstablished, map[string]any{
		"user_id":            c.identity.UserID,
		"project_id":         c.identity.ProjectID,
		"workflow_id":        c.identity.WorkflowID,
		"heartbeat_interval": c.interval.Seconds(),
	}))
}

// Send queues a message for ordered delivery. Returns false if the
// channel is closed or its outbound queue is full; a full queue means
// the peer is not keeping up and the message is dropped rather than
// blocking the engine.
func (c *Channel) Send(msg *wire.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("outbound queue full, dropping message",
			"identity", c.identity.Key(), "type", msg.Type)
		return false
	}
}

// Close shuts the channel down with the given reason. Safe to call
// more than once.
func (c *Channel) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		close(c.done)
		c.conn.Close()
		c.logger.Info("channel closed", "identity", c.identity.Key(), "reason", reason)
		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
}

func (c *Channel) writeLoop() {
	for {
		select {
		case msg := <-c.outbound:
			data, err := msg.Marshal()
			if err != nil {
				c.logger.Error("unable to marshal outbound message", "type", msg.Type, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(data); err != nil {
				c.Close("write error: " + err.Error())
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context) {
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close("read error: " + err.Error())
			return
		}
		c.lastInbound.Store(time.Now().UnixNano())

		msg, err := wire.Decode(data)
		if err != nil {
			// Malformed input gets an error reply; the connection
			// stays open.
			c.Send(wire.Encode(wire.TypeError, map[string]any{
				"error":   "Message validation failed",
				"details": err.Error(),
			}))
			continue
		}

		if msg.Type == wire.TypeHeartbeat {
			c.Send(wire.Encode(wire.TypeHeartbeat, map[string]any{"echo": true}))
			continue
		}
		if c.onMessage != nil {
			c.onMessage(ctx, c, msg)
		}
	}
}

func (c *Channel) heartbeatLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, c.lastInbound.Load())
			if time.Since(last) > c.timeout {
				c.Close("heartbeat timeout")
				return
			}
			c.Send(wire.Encode(wire.TypeHeartbeat, nil))
		case <-c.done:
			return
		}
	}
}
