package registry

import (
	"testing"
	"time"
)

// fakeConn is a minimal Conn for registry tests.
type fakeConn struct {
	closed bool
}

func (c *fakeConn) WriteEnvelope(v any) error { return nil }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestBind_ReplacesExistingEntry(t *testing.T) {
	r := New()
	first := &fakeConn{}
	second := &fakeConn{}

	if evicted := r.Bind(7, first); evicted != nil {
		t.Fatalf("first Bind evicted %v, want nil", evicted)
	}

	evicted := r.Bind(7, second)
	if evicted == nil {
		t.Fatal("second Bind evicted nil, want the first entry")
	}
	if evicted.Conn != first {
		t.Error("evicted entry does not hold the first connection")
	}

	e, ok := r.Find(7)
	if !ok || e.Conn != second {
		t.Error("registry does not hold the second connection after rebind")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestFind_MissingUser(t *testing.T) {
	r := New()
	if _, ok := r.Find(42); ok {
		t.Error("Find returned an entry for an unknown user")
	}
}

func TestUnbind_Idempotent(t *testing.T) {
	r := New()
	r.Bind(1, &fakeConn{})
	r.Unbind(1)
	r.Unbind(1) // second removal is a no-op
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRelease_OnlyWhenConnMatches(t *testing.T) {
	r := New()
	old := &fakeConn{}
	replacement := &fakeConn{}

	r.Bind(5, old)
	r.Bind(5, replacement)

	// The superseded connection releasing late must not evict its successor.
	if _, ok := r.Release(5, old); ok {
		t.Error("Release removed the entry for a stale connection")
	}
	if _, ok := r.Find(5); !ok {
		t.Fatal("successor entry was lost")
	}

	entry, ok := r.Release(5, replacement)
	if !ok || entry.Conn != replacement {
		t.Error("Release failed for the current connection")
	}
	if _, ok := r.Find(5); ok {
		t.Error("entry still present after Release")
	}
}

func TestSetCall_RequiresRegisteredUser(t *testing.T) {
	r := New()
	if r.SetCall(9, &CallState{ID: "c1", PeerID: 2}) {
		t.Error("SetCall succeeded for an unregistered user")
	}

	r.Bind(9, &fakeConn{})
	if !r.SetCall(9, &CallState{ID: "c1", PeerID: 2, Kind: "audio"}) {
		t.Fatal("SetCall failed for a registered user")
	}

	cs := r.Call(9)
	if cs == nil || cs.ID != "c1" || cs.PeerID != 2 || cs.Kind != "audio" {
		t.Errorf("Call(9) = %+v, want id c1 peer 2 kind audio", cs)
	}
}

func TestCall_ReturnsCopy(t *testing.T) {
	r := New()
	r.Bind(1, &fakeConn{})
	r.SetCall(1, &CallState{ID: "c1", PeerID: 2})

	cs := r.Call(1)
	cs.PeerID = 99

	if got := r.Call(1); got.PeerID != 2 {
		t.Errorf("mutating the returned copy changed registry state: peer = %d", got.PeerID)
	}
}

func TestClearCallIfPeer(t *testing.T) {
	r := New()
	r.Bind(1, &fakeConn{})
	r.SetCall(1, &CallState{ID: "c1", PeerID: 2})

	if r.ClearCallIfPeer(1, 3) {
		t.Error("ClearCallIfPeer cleared state for a non-matching peer")
	}
	if r.Call(1) == nil {
		t.Fatal("call state lost after non-matching clear")
	}

	if !r.ClearCallIfPeer(1, 2) {
		t.Error("ClearCallIfPeer failed for the matching peer")
	}
	if r.Call(1) != nil {
		t.Error("call state still present after matching clear")
	}
}

func TestClearCallIfID(t *testing.T) {
	r := New()
	r.Bind(1, &fakeConn{})
	r.SetCall(1, &CallState{ID: "c1", PeerID: 2})

	if r.ClearCallIfID(1, "stale") {
		t.Error("ClearCallIfID cleared state for a mismatched id")
	}
	if !r.ClearCallIfID(1, "c1") {
		t.Error("ClearCallIfID failed for the matching id")
	}
	if r.ClearCallIfID(1, "c1") {
		t.Error("ClearCallIfID succeeded twice for the same id")
	}
}

func TestBind_StopsRingTimerOfEvictedEntry(t *testing.T) {
	r := New()
	r.Bind(1, &fakeConn{})

	fired := make(chan struct{}, 1)
	cs := &CallState{ID: "c1", PeerID: 2}
	cs.SetRingTimer(time.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} }))
	r.SetCall(1, cs)

	r.Bind(1, &fakeConn{})

	select {
	case <-fired:
		t.Error("ring timer fired after its entry was evicted")
	case <-time.After(60 * time.Millisecond):
	}
}
