// Package protocol defines the wire envelopes exchanged between clients and
// the messaging gateway over WebSocket.
//
// All envelopes are flat JSON objects with a "type" field that determines the
// remaining structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound envelope types.
const (
	TypeAuth         = "auth"
	TypeMessage      = "message"
	TypeGetMessages  = "get_messages"
	TypeMarkAsRead   = "mark_as_read"
	TypeTypingStatus = "typing_status"
	TypeCallRequest  = "call_request"
	TypeCallAccept   = "call_accept"
	TypeCallReject   = "call_reject"
	TypeCallEnd      = "call_end"
)

// Outbound envelope types. TypeMessage and TypeTypingStatus are shared with
// the inbound set; direction disambiguates them.
const (
	TypeAuthSuccess        = "auth_success"
	TypeMessageHistory     = "message_history"
	TypeMessagesMarkedRead = "messages_marked_read"
	TypeCallFailed         = "call_failed"
	TypeCallAccepted       = "call_accepted"
	TypeCallRejected       = "call_rejected"
	TypeCallEnded          = "call_ended"
	TypeConnectionReplaced = "connection_replaced"
	TypeError              = "error"
)

// Call media kinds carried in call_request.callType.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// Reasons carried in call_failed and call_ended envelopes.
const (
	ReasonUserUnavailable = "user_unavailable"
	ReasonTimeout         = "timeout"
	ReasonNoSuchCall      = "no_such_call"
	ReasonDisconnected    = "disconnected"
)

// Head is the minimal decode of any inbound envelope, used to pick the
// payload structure before the full unmarshal.
type Head struct {
	Type string `json:"type"`
}

// PeekType returns the type tag of a raw envelope.
func PeekType(raw []byte) (string, error) {
	var h Head
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", err
	}
	return h.Type, nil
}

// --- Inbound payloads ---

// Auth is the identity claim that must be the first envelope on a connection.
// Token is optional; when present it is validated and the identity is taken
// from it instead of the bare claimed id.
type Auth struct {
	UserID int64  `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// SendMessage asks the gateway to persist and deliver a chat message.
type SendMessage struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// GetMessages requests the conversation history with another user.
type GetMessages struct {
	OtherUserID int64 `json:"otherUserId"`
}

// MarkAsRead acknowledges that the given messages were read.
type MarkAsRead struct {
	MessageIDs []int64 `json:"messageIds"`
}

// TypingStatus carries a typing indicator. Inbound it names the target in To;
// outbound the gateway rewrites it with the sender in From.
type TypingStatus struct {
	Type     string `json:"type"`
	To       int64  `json:"to,omitempty"`
	From     int64  `json:"from,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// CallRequest initiates a call negotiation. Inbound To names the callee;
// outbound the gateway rewrites it with From and the minted CallID.
type CallRequest struct {
	Type     string `json:"type"`
	To       int64  `json:"to,omitempty"`
	From     int64  `json:"from,omitempty"`
	CallType string `json:"callType"`
	CallID   string `json:"callId,omitempty"`
}

// CallAnswer is the shared inbound shape of call_accept, call_reject and
// call_end: the peer the answer is addressed to, plus the optional call
// session id for staleness detection on accept.
type CallAnswer struct {
	To     int64  `json:"to"`
	CallID string `json:"callId,omitempty"`
}

// --- Outbound envelopes ---

// AuthSuccess acknowledges a successful identity bind.
type AuthSuccess struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

// ChatMessage is the delivery form of a persisted chat message, echoed to the
// sender and pushed to the receiver when online.
type ChatMessage struct {
	Type       string    `json:"type"`
	ID         int64     `json:"id"`
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"isRead"`
}

// MessageHistory returns an ordered conversation to the requester only.
type MessageHistory struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// MessagesMarkedRead acknowledges a mark_as_read request locally.
type MessagesMarkedRead struct {
	Type       string  `json:"type"`
	MessageIDs []int64 `json:"messageIds"`
}

// CallFailed tells the caller a negotiation could not proceed.
type CallFailed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// CallAccepted notifies the caller that By accepted the call.
type CallAccepted struct {
	Type   string `json:"type"`
	By     int64  `json:"by"`
	CallID string `json:"callId,omitempty"`
}

// CallRejected notifies the caller that By declined the call.
type CallRejected struct {
	Type string `json:"type"`
	By   int64  `json:"by"`
}

// CallEnded notifies a participant that the call is over. Reason is set when
// the end was not a voluntary call_end (e.g. "disconnected").
type CallEnded struct {
	Type   string `json:"type"`
	By     int64  `json:"by"`
	Reason string `json:"reason,omitempty"`
}

// ConnectionReplaced is the terminal notice sent to a connection that has been
// superseded by a newer authentication for the same user.
type ConnectionReplaced struct {
	Type string `json:"type"`
}

// Error reports a protocol-level problem to the offending connection. The
// connection stays open.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error envelope.
func NewError(msg string) Error {
	return Error{Type: TypeError, Message: msg}
}
