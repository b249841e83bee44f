package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoUpstream starts a WebSocket server that echoes every frame it receives,
// standing in for the real chat/LLM runtime during tests.
func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, message); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChatRelayHandler_Relay_NotConfigured(t *testing.T) {
	h := NewChatRelayHandler("", testLogger())

	r := httptest.NewRequest(http.MethodGet, "/chat/stream", http.NoBody)
	w := httptest.NewRecorder()

	h.Relay(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestChatRelayHandler_Relay_ForwardsFramesBothWays(t *testing.T) {
	upstream := echoUpstream(t)
	upstreamURL := "ws" + strings.TrimPrefix(upstream.URL, "http")

	h := NewChatRelayHandler(upstreamURL, testLogger())
	relayServer := httptest.NewServer(http.HandlerFunc(h.Relay))
	t.Cleanup(relayServer.Close)

	clientURL := "ws" + strings.TrimPrefix(relayServer.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(clientURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte("hello upstream")))

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, reply, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello upstream", string(reply))
}
