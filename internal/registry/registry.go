// Package registry is the in-memory map from authenticated user identity to
// live connection handle and ephemeral call state. It is the only shared
// mutable resource of the messaging core; every operation is a single
// lock-held mutation, and all state here is lost on process restart by design.
package registry

import (
	"sync"
	"time"
)

// Conn is the opaque transport handle owned by a registry entry. The gateway's
// connection type implements it; the registry never reads from it.
type Conn interface {
	// WriteEnvelope marshals v as JSON and writes it to the transport.
	// Safe for concurrent use.
	WriteEnvelope(v any) error
	Close() error
}

// CallState is the ephemeral call-negotiation state attached to an entry.
// ID is the call session id minted at call_request time; both sides of a
// negotiation carry the same id so stale or mismatched state is detectable.
type CallState struct {
	ID     string
	PeerID int64
	Kind   string // "audio" or "video"

	ringTimer *time.Timer
}

// SetRingTimer attaches the pending-call timeout. Stopping happens through
// stopTimer when the state is cleared or replaced.
func (cs *CallState) SetRingTimer(t *time.Timer) {
	cs.ringTimer = t
}

func (cs *CallState) stopTimer() {
	if cs.ringTimer != nil {
		cs.ringTimer.Stop()
		cs.ringTimer = nil
	}
}

// Entry binds one user identity to one live connection.
type Entry struct {
	UserID int64
	Conn   Conn
	Call   *CallState
}

// Registry holds at most one entry per user id.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[int64]*Entry)}
}

// Bind inserts the entry for userID, replacing any existing one. The evicted
// entry, if any, is returned so the caller can notify and close it; its ring
// timer is stopped here.
func (r *Registry) Bind(userID int64, conn Conn) (evicted *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[userID]; ok {
		if prev.Call != nil {
			prev.Call.stopTimer()
		}
		evicted = prev
	}
	r.entries[userID] = &Entry{UserID: userID, Conn: conn}
	return evicted
}

// Find returns the entry for userID. Absence means the user is offline and is
// a normal outcome, never an error.
func (r *Registry) Find(userID int64) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	return e, ok
}

// Unbind removes the entry for userID. Idempotent.
func (r *Registry) Unbind(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok {
		if e.Call != nil {
			e.Call.stopTimer()
		}
		delete(r.entries, userID)
	}
}

// Release removes the entry for userID only if it still points at conn, and
// reports whether it did. A superseded connection releasing late therefore
// cannot evict its successor, and double disconnects are harmless.
func (r *Registry) Release(userID int64, conn Conn) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok || e.Conn != conn {
		return nil, false
	}
	if e.Call != nil {
		e.Call.stopTimer()
	}
	delete(r.entries, userID)
	return e, true
}

// SetCall attaches call state to userID's entry, replacing (and stopping the
// timer of) any previous state. Returns false when the user is not registered.
func (r *Registry) SetCall(userID int64, call *CallState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return false
	}
	if e.Call != nil {
		e.Call.stopTimer()
	}
	e.Call = call
	return true
}

// Call returns a copy of the call state for userID, or nil when the user is
// offline or not in a call.
func (r *Registry) Call(userID int64) *CallState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[userID]
	if !ok || e.Call == nil {
		return nil
	}
	cs := *e.Call
	return &cs
}

// ClearCall removes userID's call state unconditionally.
func (r *Registry) ClearCall(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok && e.Call != nil {
		e.Call.stopTimer()
		e.Call = nil
	}
}

// ClearCallIfPeer removes userID's call state only when it refers to peerID,
// so terminal events for a stale negotiation cannot tear down a newer call.
// Reports whether state was cleared.
func (r *Registry) ClearCallIfPeer(userID, peerID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok || e.Call == nil || e.Call.PeerID != peerID {
		return false
	}
	e.Call.stopTimer()
	e.Call = nil
	return true
}

// ClearCallIfID removes userID's call state only when it carries the given
// call session id. Used by the ring timeout so a timer firing late cannot
// clear a subsequent negotiation.
func (r *Registry) ClearCallIfID(userID int64, callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok || e.Call == nil || e.Call.ID != callID {
		return false
	}
	e.Call.stopTimer()
	e.Call = nil
	return true
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
