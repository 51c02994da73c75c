package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vendora-market/vendora-chat/internal/auth"
	"github.com/vendora-market/vendora-chat/internal/config"
	"github.com/vendora-market/vendora-chat/internal/notify"
	"github.com/vendora-market/vendora-chat/internal/registry"
	"github.com/vendora-market/vendora-chat/internal/store"
)

// fakeSocket records every frame written to it.
type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	return 0, nil, fmt.Errorf("fakeSocket does not support reads")
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *fakeSocket) SetReadLimit(limit int64) {}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

// envelopes decodes every recorded frame.
func (s *fakeSocket) envelopes(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]any, 0, len(s.frames))
	for _, f := range s.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("undecodable frame %q: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

// lastEnvelope returns the most recent frame, failing if none exists.
func (s *fakeSocket) lastEnvelope(t *testing.T) map[string]any {
	t.Helper()
	envs := s.envelopes(t)
	if len(envs) == 0 {
		t.Fatal("no frames written")
	}
	return envs[len(envs)-1]
}

func newTestGateway(t *testing.T, opts Options) (*Gateway, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	notifier := notify.New(s, slog.Default(), 30)
	g := New(registry.New(), s, notifier, nil, slog.Default(), opts)
	return g, s
}

// connect authenticates a fresh connection with a bare claimed id and clears
// the auth_success frame.
func connect(t *testing.T, g *Gateway, userID int64) (*client, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	c := &client{conn: sock}
	g.handleEnvelope(c, []byte(fmt.Sprintf(`{"type":"auth","userId":%d}`, userID)))

	last := sock.lastEnvelope(t)
	if last["type"] != "auth_success" {
		t.Fatalf("auth reply = %v, want auth_success", last)
	}
	sock.reset()
	return c, sock
}

func TestEnvelopeBeforeAuthIsRejected(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	sock := &fakeSocket{}
	c := &client{conn: sock}

	g.handleEnvelope(c, []byte(`{"type":"message","receiverId":2,"content":"hi"}`))

	last := sock.lastEnvelope(t)
	if last["type"] != "error" || last["message"] != "must authenticate first" {
		t.Errorf("got %v, want must-authenticate error", last)
	}
}

func TestRepeatAuthIsRejected(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c, sock := connect(t, g, 1)

	g.handleEnvelope(c, []byte(`{"type":"auth","userId":1}`))

	last := sock.lastEnvelope(t)
	if last["type"] != "error" || last["message"] != "already authenticated" {
		t.Errorf("got %v, want already-authenticated error", last)
	}
}

func TestMalformedEnvelope(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c, sock := connect(t, g, 1)

	g.handleEnvelope(c, []byte(`not json`))

	last := sock.lastEnvelope(t)
	if last["type"] != "error" {
		t.Errorf("got %v, want error envelope", last)
	}
}

func TestUnknownEnvelopeType(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c, sock := connect(t, g, 1)

	g.handleEnvelope(c, []byte(`{"type":"warp_drive"}`))

	last := sock.lastEnvelope(t)
	if last["type"] != "error" {
		t.Errorf("got %v, want error envelope", last)
	}
}

func TestAuthSupersedesPreviousConnection(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)
	_, sock2 := connect(t, g, 1)

	last := sock1.lastEnvelope(t)
	if last["type"] != "connection_replaced" {
		t.Errorf("old connection got %v, want connection_replaced", last)
	}
	if !sock1.isClosed() {
		t.Error("old connection was not closed")
	}

	// The stale connection's teardown must not evict the successor.
	g.disconnect(c1)
	if _, ok := g.registry.Find(1); !ok {
		t.Error("successor entry lost after stale disconnect")
	}
	if sock2.isClosed() {
		t.Error("successor connection was closed")
	}
}

func TestSendMessage_EchoAndLiveDelivery(t *testing.T) {
	g, s := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)
	_, sock2 := connect(t, g, 2)

	g.handleEnvelope(c1, []byte(`{"type":"message","receiverId":2,"content":"hello"}`))

	echo := sock1.lastEnvelope(t)
	if echo["type"] != "message" || echo["content"] != "hello" {
		t.Fatalf("sender echo = %v", echo)
	}
	if id, _ := echo["id"].(float64); id <= 0 {
		t.Errorf("echo carries id %v, want a persisted id", echo["id"])
	}

	push := sock2.lastEnvelope(t)
	if push["type"] != "message" || push["senderId"] != float64(1) {
		t.Errorf("receiver push = %v", push)
	}

	msgs, err := s.Conversation(context.Background(), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("persisted conversation = %+v, want one hello message", msgs)
	}
}

func TestSendMessage_OfflineReceiverStillPersists(t *testing.T) {
	g, s := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)

	g.handleEnvelope(c1, []byte(`{"type":"message","receiverId":99,"content":"are you there"}`))

	if sock1.lastEnvelope(t)["type"] != "message" {
		t.Error("sender did not receive an echo for an offline receiver")
	}

	msgs, err := s.Conversation(context.Background(), 1, 99)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("persisted %d messages, want 1", len(msgs))
	}
}

func TestSendMessage_MissingFields(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)

	g.handleEnvelope(c1, []byte(`{"type":"message","receiverId":2}`))

	if sock1.lastEnvelope(t)["type"] != "error" {
		t.Error("missing content was not rejected")
	}
}

func TestGetMessages_ReturnsChronologicalHistory(t *testing.T) {
	g, s := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)

	ctx := context.Background()
	for i, content := range []string{"first", "second", "third"} {
		msg := &store.Message{SenderID: int64(1 + i%2), ReceiverID: int64(2 - i%2), Content: content, CreatedAt: time.Now()}
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	// A message in an unrelated conversation must not appear.
	if err := s.SaveMessage(ctx, &store.Message{SenderID: 1, ReceiverID: 5, Content: "other", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	g.handleEnvelope(c1, []byte(`{"type":"get_messages","otherUserId":2}`))

	last := sock1.lastEnvelope(t)
	if last["type"] != "message_history" {
		t.Fatalf("got %v, want message_history", last)
	}
	msgs, _ := last["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("history has %d messages, want 3", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if first["content"] != "first" {
		t.Errorf("history[0] = %v, want the oldest message first", first)
	}
}

func TestGetMessages_EmptyConversation(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)

	g.handleEnvelope(c1, []byte(`{"type":"get_messages","otherUserId":8}`))

	last := sock1.lastEnvelope(t)
	msgs, ok := last["messages"].([]any)
	if !ok || len(msgs) != 0 {
		t.Errorf("empty conversation returned %v, want an empty list", last["messages"])
	}
}

func TestMarkAsRead(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)

	// Empty id list is a silent no-op.
	g.handleEnvelope(c1, []byte(`{"type":"mark_as_read","messageIds":[]}`))
	if len(sock1.envelopes(t)) != 0 {
		t.Error("empty mark_as_read produced output")
	}

	g.handleEnvelope(c1, []byte(`{"type":"mark_as_read","messageIds":[4,5]}`))
	last := sock1.lastEnvelope(t)
	if last["type"] != "messages_marked_read" {
		t.Errorf("got %v, want messages_marked_read", last)
	}
}

func TestTypingStatus_ForwardedWithSender(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)
	_, sock2 := connect(t, g, 2)

	g.handleEnvelope(c1, []byte(`{"type":"typing_status","to":2,"isTyping":true}`))

	last := sock2.lastEnvelope(t)
	if last["type"] != "typing_status" || last["from"] != float64(1) || last["isTyping"] != true {
		t.Errorf("forwarded typing envelope = %v", last)
	}
	if len(sock1.envelopes(t)) != 0 {
		t.Error("typing indicator produced feedback to the sender")
	}
}

func TestTypingStatus_OfflineTargetDropped(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)

	g.handleEnvelope(c1, []byte(`{"type":"typing_status","to":9,"isTyping":true}`))

	if len(sock1.envelopes(t)) != 0 {
		t.Error("typing to an offline user produced output")
	}
}

func TestCallRequest_OfflineCallee(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)

	g.handleEnvelope(c1, []byte(`{"type":"call_request","to":9,"callType":"audio"}`))

	last := sock1.lastEnvelope(t)
	if last["type"] != "call_failed" || last["reason"] != "user_unavailable" {
		t.Errorf("got %v, want call_failed/user_unavailable", last)
	}
	if g.registry.Call(1) != nil {
		t.Error("call state recorded for a failed request")
	}
}

func TestCallRequest_InvalidCallType(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)

	g.handleEnvelope(c1, []byte(`{"type":"call_request","to":2,"callType":"hologram"}`))

	if sock1.lastEnvelope(t)["type"] != "error" {
		t.Error("invalid callType was not rejected")
	}
}

func TestCallFlow_RequestAndAccept(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)
	c2, sock2 := connect(t, g, 2)

	g.handleEnvelope(c1, []byte(`{"type":"call_request","to":2,"callType":"video"}`))

	ring := sock2.lastEnvelope(t)
	if ring["type"] != "call_request" || ring["from"] != float64(1) || ring["callType"] != "video" {
		t.Fatalf("callee ring = %v", ring)
	}
	callID, _ := ring["callId"].(string)
	if callID == "" {
		t.Fatal("ring carries no call id")
	}

	state := g.registry.Call(1)
	if state == nil || state.ID != callID || state.PeerID != 2 {
		t.Fatalf("caller state = %+v, want id %s peer 2", state, callID)
	}

	g.handleEnvelope(c2, []byte(fmt.Sprintf(`{"type":"call_accept","to":1,"callId":%q}`, callID)))

	accepted := sock1.lastEnvelope(t)
	if accepted["type"] != "call_accepted" || accepted["by"] != float64(2) || accepted["callId"] != callID {
		t.Errorf("caller accept notice = %v", accepted)
	}

	callerState, calleeState := g.registry.Call(1), g.registry.Call(2)
	if callerState == nil || calleeState == nil || callerState.ID != calleeState.ID {
		t.Errorf("call states diverge: caller=%+v callee=%+v", callerState, calleeState)
	}
}

func TestCallAccept_WithoutPendingCall(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	connect(t, g, 1)
	c2, sock2 := connect(t, g, 2)

	g.handleEnvelope(c2, []byte(`{"type":"call_accept","to":1}`))

	last := sock2.lastEnvelope(t)
	if last["type"] != "call_failed" || last["reason"] != "no_such_call" {
		t.Errorf("got %v, want call_failed/no_such_call", last)
	}
}

func TestCallAccept_StaleCallID(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, _ := connect(t, g, 1)
	c2, sock2 := connect(t, g, 2)

	g.handleEnvelope(c1, []byte(`{"type":"call_request","to":2,"callType":"audio"}`))
	sock2.reset()

	g.handleEnvelope(c2, []byte(`{"type":"call_accept","to":1,"callId":"stale-id"}`))

	last := sock2.lastEnvelope(t)
	if last["type"] != "call_failed" || last["reason"] != "no_such_call" {
		t.Errorf("got %v, want call_failed/no_such_call for a stale id", last)
	}
}

func TestCallReject(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, sock1 := connect(t, g, 1)
	c2, _ := connect(t, g, 2)

	g.handleEnvelope(c1, []byte(`{"type":"call_request","to":2,"callType":"audio"}`))
	sock1.reset()

	g.handleEnvelope(c2, []byte(`{"type":"call_reject","to":1}`))

	last := sock1.lastEnvelope(t)
	if last["type"] != "call_rejected" || last["by"] != float64(2) {
		t.Errorf("caller got %v, want call_rejected by 2", last)
	}
	if g.registry.Call(1) != nil {
		t.Error("caller state survived the rejection")
	}
}

func TestCallEnd_ClearsBothSides(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, _ := connect(t, g, 1)
	c2, sock2 := connect(t, g, 2)

	g.handleEnvelope(c1, []byte(`{"type":"call_request","to":2,"callType":"audio"}`))
	ring := sock2.lastEnvelope(t)
	callID, _ := ring["callId"].(string)
	g.handleEnvelope(c2, []byte(fmt.Sprintf(`{"type":"call_accept","to":1,"callId":%q}`, callID)))
	sock2.reset()

	g.handleEnvelope(c1, []byte(`{"type":"call_end","to":2}`))

	last := sock2.lastEnvelope(t)
	if last["type"] != "call_ended" || last["by"] != float64(1) {
		t.Errorf("peer got %v, want call_ended by 1", last)
	}
	if g.registry.Call(1) != nil || g.registry.Call(2) != nil {
		t.Error("call state survived call_end")
	}
}

func TestCallRequest_RingTimeout(t *testing.T) {
	g, _ := newTestGateway(t, Options{RingTimeout: 30 * time.Millisecond})
	c1, sock1 := connect(t, g, 1)
	connect(t, g, 2)

	g.handleEnvelope(c1, []byte(`{"type":"call_request","to":2,"callType":"audio"}`))

	deadline := time.After(500 * time.Millisecond)
	for {
		envs := sock1.envelopes(t)
		if len(envs) > 0 {
			last := envs[len(envs)-1]
			if last["type"] != "call_failed" || last["reason"] != "timeout" {
				t.Fatalf("caller got %v, want call_failed/timeout", last)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("ring timeout never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if g.registry.Call(1) != nil {
		t.Error("caller state survived the ring timeout")
	}
}

func TestDisconnectDuringCall_NotifiesPeer(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	c1, _ := connect(t, g, 1)
	c2, sock2 := connect(t, g, 2)

	g.handleEnvelope(c1, []byte(`{"type":"call_request","to":2,"callType":"audio"}`))
	ring := sock2.lastEnvelope(t)
	callID, _ := ring["callId"].(string)
	g.handleEnvelope(c2, []byte(fmt.Sprintf(`{"type":"call_accept","to":1,"callId":%q}`, callID)))
	sock2.reset()

	g.disconnect(c1)

	last := sock2.lastEnvelope(t)
	if last["type"] != "call_ended" || last["by"] != float64(1) || last["reason"] != "disconnected" {
		t.Errorf("peer got %v, want call_ended/disconnected by 1", last)
	}
	if g.registry.Call(2) != nil {
		t.Error("peer call state survived the disconnect")
	}
	if _, ok := g.registry.Find(1); ok {
		t.Error("disconnected user still registered")
	}
}

func TestAuth_WithToken(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc := auth.NewService(s, config.Auth{
		JWTSecret: "test-secret-at-least-32-chars-long!!",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	user, err := svc.Register(context.Background(), "mara", "Mara", "pw-123456", "user")
	if err != nil {
		t.Fatal(err)
	}
	token, err := svc.Login(context.Background(), "mara", "pw-123456")
	if err != nil {
		t.Fatal(err)
	}

	notifier := notify.New(s, slog.Default(), 30)
	g := New(registry.New(), s, notifier, svc, slog.Default(), Options{RequireToken: true})

	// Bare claimed id is refused when tokens are required.
	sock := &fakeSocket{}
	c := &client{conn: sock}
	g.handleEnvelope(c, []byte(`{"type":"auth","userId":42}`))
	if sock.lastEnvelope(t)["type"] != "error" {
		t.Error("bare claimed id accepted despite RequireToken")
	}

	// A valid token binds the token's identity.
	sock2 := &fakeSocket{}
	c2 := &client{conn: sock2}
	g.handleEnvelope(c2, []byte(fmt.Sprintf(`{"type":"auth","token":%q}`, token)))
	last := sock2.lastEnvelope(t)
	if last["type"] != "auth_success" || last["userId"] != float64(user.ID) {
		t.Errorf("token auth reply = %v, want auth_success for user %d", last, user.ID)
	}

	// A garbage token is refused.
	sock3 := &fakeSocket{}
	c3 := &client{conn: sock3}
	g.handleEnvelope(c3, []byte(`{"type":"auth","token":"not-a-jwt"}`))
	if sock3.lastEnvelope(t)["type"] != "error" {
		t.Error("garbage token accepted")
	}
}
