package channel

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const closeWriteTimeout = 5 * time.Second

// wsConn adapts a gorilla websocket connection to the Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// Server upgrades HTTP requests to websocket channels attached to a
// hub.
type Server struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a websocket server over the hub.
func NewServer(hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the app origin; the API
			// gateway enforces origin policy upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and attaches the connection to the
// hub. Connections with an invalid identity are accepted, then closed
// with a policy violation so the client sees the reason.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, identityErr := IdentityFromQuery(r.URL.Query())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if identityErr != nil {
		deadline := time.Now().Add(closeWriteTimeout)
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, identityErr.Error())
		_ = conn.WriteControl(websocket.CloseMessage, message, deadline)
		_ = conn.Close()
		s.logger.Warn("rejected connection", "error", identityErr)
		return
	}

	ch, err := s.hub.Attach(r.Context(), identity, &wsConn{conn: conn})
	if err != nil {
		_ = conn.Close()
		return
	}

	// Hold the handler open until the channel shuts down so the
	// request context stays alive for message handlers.
	<-ch.Done()
}

// Dial connects to a channel endpoint with exponential backoff,
// retrying until the context is canceled or the backoff gives up.
func Dial(ctx context.Context, rawURL string) (Conn, error) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	conn, err := backoff.RetryWithData(func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
		return conn, err
	}, policy)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}
