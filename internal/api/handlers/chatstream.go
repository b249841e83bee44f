// Package handlers provides HTTP request handlers for the Eidolon collector API.
// This file implements a thin WebSocket relay standing in for the chat/LLM
// runtime collaborator spec.md §1 treats as out of scope beyond its
// interface: it accepts a client WebSocket connection and forwards opaque
// JSON frames to/from a single configurable upstream WebSocket, with no
// Eidolon-specific message handling of its own.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	chatRelayWriteWait      = 10 * time.Second
	chatRelayMaxMessageSize = 1 << 20
)

// ChatRelayHandler upgrades a client connection to a WebSocket and pumps
// frames, unmodified, between it and a single upstream WebSocket endpoint.
type ChatRelayHandler struct {
	upstreamAddr string
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	dialer       *websocket.Dialer
}

// NewChatRelayHandler creates a ChatRelayHandler dialing upstreamAddr for
// every connection. An empty upstreamAddr disables Relay at request time.
func NewChatRelayHandler(upstreamAddr string, logger *slog.Logger) *ChatRelayHandler {
	return &ChatRelayHandler{
		upstreamAddr: upstreamAddr,
		logger:       logger.With("handler", "chatstream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: websocket.DefaultDialer,
	}
}

// Relay handles GET /chat/stream: it upgrades the caller's connection, dials
// the configured upstream, and relays frames in both directions until either
// side closes.
func (h *ChatRelayHandler) Relay(w http.ResponseWriter, r *http.Request) {
	if h.upstreamAddr == "" {
		http.Error(w, "chat relay not configured", http.StatusServiceUnavailable)
		return
	}

	clientConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade client connection", "error", err)
		return
	}
	defer clientConn.Close()

	upstreamConn, _, err := h.dialer.Dial(h.upstreamAddr, nil)
	if err != nil {
		h.logger.Error("failed to dial chat upstream", "error", err, "addr", h.upstreamAddr)
		return
	}
	defer upstreamConn.Close()

	clientConn.SetReadLimit(chatRelayMaxMessageSize)
	upstreamConn.SetReadLimit(chatRelayMaxMessageSize)

	// done has room for both goroutines so neither blocks trying to report
	// that it finished; the first arrival is enough to let Relay return and
	// its deferred Close calls tear down whichever side is still pumping.
	done := make(chan struct{}, 2)
	go func() { h.pump(upstreamConn, clientConn); done <- struct{}{} }()
	go func() { h.pump(clientConn, upstreamConn); done <- struct{}{} }()
	<-done
}

// pump copies frames from src to dst until either side errors or closes.
func (h *ChatRelayHandler) pump(src, dst *websocket.Conn) {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.SetWriteDeadline(time.Now().Add(chatRelayWriteWait)); err != nil {
			return
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return
		}
	}
}
