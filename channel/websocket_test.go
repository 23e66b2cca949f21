package channel

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func wsURL(server *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/?" + query
}

func TestServerRejectsInvalidIdentity(t *testing.T) {
	hub := NewHub(HubOptions{Logger: testLogger()})
	server := httptest.NewServer(NewServer(hub, testLogger()))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "project_id=p"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The server accepts the upgrade, then closes with a policy
	// violation naming the missing parameter.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, ErrMissingUserID.Error(), closeErr.Text)

	require.Equal(t, 0, hub.Len())
}

func TestServerAttachesValidConnection(t *testing.T) {
	hub := NewHub(HubOptions{Logger: testLogger()})
	server := httptest.NewServer(NewServer(hub, testLogger()))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL(server, "user_id=u&project_id=p&workflow_id=w"))
	require.NoError(t, err)
	defer conn.Close()

	data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "connection_established")

	require.Eventually(t, func() bool { return hub.Len() == 1 },
		2*time.Second, 10*time.Millisecond)
}
