// Package gateway multiplexes client WebSocket connections, binds each one to
// an authenticated user identity, and routes chat, typing and call-signaling
// envelopes between connected users.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vendora-market/vendora-chat/internal/auth"
	"github.com/vendora-market/vendora-chat/internal/notify"
	"github.com/vendora-market/vendora-chat/internal/registry"
	"github.com/vendora-market/vendora-chat/internal/store"
	"github.com/vendora-market/vendora-chat/pkg/protocol"
)

// wsConn is the subset of *websocket.Conn the gateway uses. Tests substitute
// an in-memory implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	Close() error
}

// client is one live connection. userID is zero until authentication
// succeeds; after that the connection is permanently bound to the identity.
type client struct {
	userID int64
	conn   wsConn
	mu     sync.Mutex // serializes writes
}

// WriteEnvelope implements registry.Conn.
func (c *client) WriteEnvelope(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements registry.Conn.
func (c *client) Close() error {
	return c.conn.Close()
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Gateway.
type Options struct {
	AllowedOrigins  []string      // for WebSocket origin check
	RequireToken    bool          // reject bare claimed ids on the auth envelope
	MaxMessageBytes int64         // max WebSocket message size from clients (default 64KB)
	HistoryLimit    int           // max messages per history response (default 1000)
	RingTimeout     time.Duration // pending call_request timeout (0 disables)
}

// Gateway owns the connection registry and routes every inbound envelope.
type Gateway struct {
	registry *registry.Registry
	store    store.Store
	notifier *notify.Notifier
	verifier auth.Provider // nil when no token validation is configured
	logger   *slog.Logger
	upgrader websocket.Upgrader

	requireToken   bool
	maxMessageSize int64
	historyLimit   int
	ringTimeout    time.Duration
}

// New creates a Gateway. verifier may be nil, in which case auth envelopes
// carrying a token are rejected and RequireToken must be false.
func New(reg *registry.Registry, s store.Store, n *notify.Notifier, verifier auth.Provider, logger *slog.Logger, opts Options) *Gateway {
	maxBytes := opts.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = 64 * 1024
	}
	historyLimit := opts.HistoryLimit
	if historyLimit == 0 {
		historyLimit = 1000
	}

	return &Gateway{
		registry:       reg,
		store:          s,
		notifier:       n,
		verifier:       verifier,
		logger:         logger.With("component", "gateway"),
		upgrader:       makeUpgrader(opts.AllowedOrigins),
		requireToken:   opts.RequireToken,
		maxMessageSize: maxBytes,
		historyLimit:   historyLimit,
		ringTimeout:    opts.RingTimeout,
	}
}

// Registry exposes the connection registry for health reporting.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// HandleWS handles a client WebSocket connection for its whole lifetime.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	g.serve(conn)
}

// serve runs the read loop for one connection until it closes.
func (g *Gateway) serve(conn wsConn) {
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(g.maxMessageSize)

	c := &client{conn: conn}
	defer g.disconnect(c)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("client read error", "user_id", c.userID, "error", err)
			return
		}
		g.handleEnvelope(c, raw)
	}
}

// handleEnvelope dispatches one inbound envelope. A panic while processing is
// reported back as a generic error envelope; it never terminates the
// connection or leaks into other users' state.
func (g *Gateway) handleEnvelope(c *client, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic while handling envelope", "user_id", c.userID, "panic", rec)
			g.send(c, protocol.NewError("internal error"))
		}
	}()

	typ, err := protocol.PeekType(raw)
	if err != nil || typ == "" {
		g.send(c, protocol.NewError("malformed envelope"))
		return
	}

	if c.userID == 0 {
		if typ != protocol.TypeAuth {
			g.send(c, protocol.NewError("must authenticate first"))
			return
		}
		g.handleAuth(c, raw)
		return
	}

	switch typ {
	case protocol.TypeAuth:
		g.send(c, protocol.NewError("already authenticated"))
	case protocol.TypeMessage:
		g.handleSendMessage(c, raw)
	case protocol.TypeGetMessages:
		g.handleGetMessages(c, raw)
	case protocol.TypeMarkAsRead:
		g.handleMarkAsRead(c, raw)
	case protocol.TypeTypingStatus:
		g.handleTypingStatus(c, raw)
	case protocol.TypeCallRequest:
		g.handleCallRequest(c, raw)
	case protocol.TypeCallAccept:
		g.handleCallAccept(c, raw)
	case protocol.TypeCallReject:
		g.handleCallReject(c, raw)
	case protocol.TypeCallEnd:
		g.handleCallEnd(c, raw)
	default:
		g.send(c, protocol.NewError("unknown envelope type: "+typ))
	}
}

// handleAuth binds the connection to a user identity. The claimed id is
// trusted as-is unless a token is supplied (or required), in which case the
// identity comes from the validated token.
func (g *Gateway) handleAuth(c *client, raw []byte) {
	var p protocol.Auth
	if err := json.Unmarshal(raw, &p); err != nil {
		g.send(c, protocol.NewError("malformed auth envelope"))
		return
	}

	userID := p.UserID
	if p.Token != "" {
		if g.verifier == nil {
			g.send(c, protocol.NewError("token authentication is not configured"))
			return
		}
		identity, err := g.verifier.ValidateToken(context.Background(), p.Token)
		if err != nil {
			g.send(c, protocol.NewError("invalid token"))
			return
		}
		if p.UserID != 0 && p.UserID != identity.UserID {
			g.send(c, protocol.NewError("token identity does not match claimed userId"))
			return
		}
		userID = identity.UserID
	} else if g.requireToken {
		g.send(c, protocol.NewError("auth requires a token"))
		return
	}

	if userID <= 0 {
		g.send(c, protocol.NewError("auth requires a positive userId"))
		return
	}

	// One live connection per identity: a new bind supersedes the old one,
	// which gets a terminal notice instead of being silently orphaned.
	if evicted := g.registry.Bind(userID, c); evicted != nil {
		_ = evicted.Conn.WriteEnvelope(protocol.ConnectionReplaced{Type: protocol.TypeConnectionReplaced})
		_ = evicted.Conn.Close()
		g.logger.Info("superseded previous connection", "user_id", userID)
	}

	c.userID = userID
	g.send(c, protocol.AuthSuccess{Type: protocol.TypeAuthSuccess, UserID: userID})
	g.logger.Info("client authenticated", "user_id", userID)
}

// handleSendMessage persists a chat message, echoes it to the sender and
// pushes it to the receiver when online. Delivery is best-effort; persistence
// is not.
func (g *Gateway) handleSendMessage(c *client, raw []byte) {
	var p protocol.SendMessage
	if err := json.Unmarshal(raw, &p); err != nil || p.ReceiverID <= 0 || p.Content == "" {
		g.send(c, protocol.NewError("message requires receiverId and content"))
		return
	}

	msg := &store.Message{
		SenderID:   c.userID,
		ReceiverID: p.ReceiverID,
		Content:    p.Content,
		CreatedAt:  time.Now(),
	}
	if err := g.store.SaveMessage(context.Background(), msg); err != nil {
		g.logger.Warn("failed to persist message", "sender_id", c.userID, "error", err)
		g.send(c, protocol.NewError("failed to persist message"))
		return
	}

	g.notifier.MessageSaved(msg)

	out := protocol.ChatMessage{
		Type:       protocol.TypeMessage,
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		Timestamp:  msg.CreatedAt,
		IsRead:     false,
	}

	// Always echo a receipt to the sender.
	g.send(c, out)

	// Live push only when the receiver is registered; offline is normal.
	if entry, ok := g.registry.Find(p.ReceiverID); ok {
		if err := entry.Conn.WriteEnvelope(out); err != nil {
			g.logger.Debug("live push failed", "receiver_id", p.ReceiverID, "error", err)
		}
	}
}

// handleGetMessages returns the chronological conversation with another user
// to the requesting connection only.
func (g *Gateway) handleGetMessages(c *client, raw []byte) {
	var p protocol.GetMessages
	if err := json.Unmarshal(raw, &p); err != nil || p.OtherUserID <= 0 {
		g.send(c, protocol.NewError("get_messages requires otherUserId"))
		return
	}

	messages, err := g.store.Conversation(context.Background(), c.userID, p.OtherUserID)
	if err != nil {
		g.logger.Warn("conversation query failed", "user_id", c.userID, "error", err)
		g.send(c, protocol.NewError("failed to load message history"))
		return
	}
	if g.historyLimit > 0 && len(messages) > g.historyLimit {
		messages = messages[len(messages)-g.historyLimit:]
	}

	history := make([]protocol.ChatMessage, 0, len(messages))
	for _, m := range messages {
		history = append(history, protocol.ChatMessage{
			Type:       protocol.TypeMessage,
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Content:    m.Content,
			Timestamp:  m.CreatedAt,
			IsRead:     m.IsRead,
		})
	}
	g.send(c, protocol.MessageHistory{Type: protocol.TypeMessageHistory, Messages: history})
}

// handleMarkAsRead acknowledges the given ids to the requester. Persisting the
// read flag and notifying the original senders is left to the store's owner;
// this core only acknowledges locally.
func (g *Gateway) handleMarkAsRead(c *client, raw []byte) {
	var p protocol.MarkAsRead
	if err := json.Unmarshal(raw, &p); err != nil {
		g.send(c, protocol.NewError("malformed mark_as_read envelope"))
		return
	}
	if len(p.MessageIDs) == 0 {
		return
	}
	g.send(c, protocol.MessagesMarkedRead{Type: protocol.TypeMessagesMarkedRead, MessageIDs: p.MessageIDs})
}

// handleTypingStatus forwards a typing indicator to the target when online.
// No persistence, no echo, silently dropped when the target is offline.
func (g *Gateway) handleTypingStatus(c *client, raw []byte) {
	var p protocol.TypingStatus
	if err := json.Unmarshal(raw, &p); err != nil || p.To <= 0 {
		g.send(c, protocol.NewError("typing_status requires to"))
		return
	}

	entry, ok := g.registry.Find(p.To)
	if !ok {
		return
	}
	_ = entry.Conn.WriteEnvelope(protocol.TypingStatus{
		Type:     protocol.TypeTypingStatus,
		From:     c.userID,
		IsTyping: p.IsTyping,
	})
}

// handleCallRequest starts a call negotiation: forwards a ringing notice to
// the callee and records the caller's call state under a fresh session id.
func (g *Gateway) handleCallRequest(c *client, raw []byte) {
	var p protocol.CallRequest
	if err := json.Unmarshal(raw, &p); err != nil || p.To <= 0 ||
		(p.CallType != protocol.CallTypeAudio && p.CallType != protocol.CallTypeVideo) {
		g.send(c, protocol.NewError("call_request requires to and callType (audio|video)"))
		return
	}

	callee, ok := g.registry.Find(p.To)
	if !ok {
		g.send(c, protocol.CallFailed{Type: protocol.TypeCallFailed, Reason: protocol.ReasonUserUnavailable})
		return
	}

	callID := uuid.New().String()
	state := &registry.CallState{ID: callID, PeerID: p.To, Kind: p.CallType}
	if g.ringTimeout > 0 {
		callerID := c.userID
		state.SetRingTimer(time.AfterFunc(g.ringTimeout, func() {
			g.ringTimedOut(callerID, callID)
		}))
	}
	if !g.registry.SetCall(c.userID, state) {
		// The caller got superseded between read and dispatch; drop.
		return
	}

	_ = callee.Conn.WriteEnvelope(protocol.CallRequest{
		Type:     protocol.TypeCallRequest,
		From:     c.userID,
		CallType: p.CallType,
		CallID:   callID,
	})
}

// ringTimedOut clears a still-pending call request and tells the caller. The
// session id check means a timer firing late cannot touch a newer call.
func (g *Gateway) ringTimedOut(callerID int64, callID string) {
	if !g.registry.ClearCallIfID(callerID, callID) {
		return
	}
	if entry, ok := g.registry.Find(callerID); ok {
		_ = entry.Conn.WriteEnvelope(protocol.CallFailed{Type: protocol.TypeCallFailed, Reason: protocol.ReasonTimeout})
	}
	g.logger.Info("call request timed out", "caller_id", callerID, "call_id", callID)
}

// handleCallAccept completes the negotiation: the acceptor takes on the
// caller's recorded media kind and session id, and the caller is notified.
// Missing or mismatched caller state is detectable via the session id and is
// answered with call_failed instead of being silently assumed consistent.
func (g *Gateway) handleCallAccept(c *client, raw []byte) {
	var p protocol.CallAnswer
	if err := json.Unmarshal(raw, &p); err != nil || p.To <= 0 {
		g.send(c, protocol.NewError("call_accept requires to"))
		return
	}

	callerState := g.registry.Call(p.To)
	if callerState == nil || callerState.PeerID != c.userID ||
		(p.CallID != "" && p.CallID != callerState.ID) {
		g.send(c, protocol.CallFailed{Type: protocol.TypeCallFailed, Reason: protocol.ReasonNoSuchCall})
		return
	}

	caller, ok := g.registry.Find(p.To)
	if !ok {
		g.send(c, protocol.CallFailed{Type: protocol.TypeCallFailed, Reason: protocol.ReasonNoSuchCall})
		return
	}

	// Re-setting the caller's state stops its ring timer; the call is active.
	g.registry.SetCall(p.To, &registry.CallState{ID: callerState.ID, PeerID: callerState.PeerID, Kind: callerState.Kind})
	g.registry.SetCall(c.userID, &registry.CallState{ID: callerState.ID, PeerID: p.To, Kind: callerState.Kind})

	_ = caller.Conn.WriteEnvelope(protocol.CallAccepted{
		Type:   protocol.TypeCallAccepted,
		By:     c.userID,
		CallID: callerState.ID,
	})
}

// handleCallReject notifies the caller and clears the caller's call state when
// it refers to the rejecting user. The rejector's own state is not touched; it
// was never set on the callee side.
func (g *Gateway) handleCallReject(c *client, raw []byte) {
	var p protocol.CallAnswer
	if err := json.Unmarshal(raw, &p); err != nil || p.To <= 0 {
		g.send(c, protocol.NewError("call_reject requires to"))
		return
	}

	if entry, ok := g.registry.Find(p.To); ok {
		_ = entry.Conn.WriteEnvelope(protocol.CallRejected{Type: protocol.TypeCallRejected, By: c.userID})
	}
	g.registry.ClearCallIfPeer(p.To, c.userID)
}

// handleCallEnd is a hard reset of both sides' call state; the other party is
// notified when reachable.
func (g *Gateway) handleCallEnd(c *client, raw []byte) {
	var p protocol.CallAnswer
	if err := json.Unmarshal(raw, &p); err != nil || p.To <= 0 {
		g.send(c, protocol.NewError("call_end requires to"))
		return
	}

	if entry, ok := g.registry.Find(p.To); ok {
		_ = entry.Conn.WriteEnvelope(protocol.CallEnded{Type: protocol.TypeCallEnded, By: c.userID})
	}
	g.registry.ClearCall(p.To)
	g.registry.ClearCall(c.userID)
}

// disconnect runs the teardown for one connection exactly once. Release only
// removes the entry when it still points at this connection, so a superseded
// connection closing late cannot evict its successor and double close events
// are harmless.
func (g *Gateway) disconnect(c *client) {
	if c.userID == 0 {
		return
	}

	entry, ok := g.registry.Release(c.userID, c)
	if !ok {
		return
	}

	if entry.Call != nil {
		peerID := entry.Call.PeerID
		if peer, ok := g.registry.Find(peerID); ok {
			_ = peer.Conn.WriteEnvelope(protocol.CallEnded{
				Type:   protocol.TypeCallEnded,
				By:     c.userID,
				Reason: protocol.ReasonDisconnected,
			})
			g.registry.ClearCallIfPeer(peerID, c.userID)
		}
	}

	g.logger.Info("client disconnected", "user_id", c.userID)
}

// send writes an envelope to the connection, logging write failures at debug
// level; a dead connection surfaces through its read loop.
func (g *Gateway) send(c *client, v any) {
	if err := c.WriteEnvelope(v); err != nil {
		g.logger.Debug("write failed", "user_id", c.userID, "error", err)
	}
}
