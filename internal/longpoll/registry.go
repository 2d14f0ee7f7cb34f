// Package longpoll tracks blocked listen requests, at most one per partner.
// The registry owns every timer tied to a wait so that each exit path
// (deliver, timeout, reconnect, cancel) releases them exactly once.
package longpoll

import (
	"sync"
	"time"
)

type Reason string

const (
	ReasonNone         Reason = ""
	ReasonTimeout      Reason = "timeout"
	ReasonReconnect    Reason = "reconnect"
	ReasonUnregistered Reason = "unregistered"
)

// Outcome is what a resolved wait yields: either a payload (delivery) or a
// reason explaining the empty resolution.
type Outcome[T any] struct {
	Payload T
	Reason  Reason
}

// Wait is one registered long-poll request.
type Wait[T any] struct {
	PartnerID string
	// ConversationID scopes the wait to a single conversation; empty means
	// any conversation.
	ConversationID string

	// Heartbeat fires periodically while the wait is open. Ticks carry no
	// delivery semantics; they only keep the handler's select loop hot so
	// idle-connection reaping can be countered.
	Heartbeat *time.Ticker

	timer *time.Timer
	done  chan Outcome[T]
	once  sync.Once
}

// Done resolves at most once with the wait's outcome. A cancelled wait never
// resolves.
func (w *Wait[T]) Done() <-chan Outcome[T] { return w.done }

// Deliver resolves the wait with a payload.
func (w *Wait[T]) Deliver(payload T) {
	w.finish(Outcome[T]{Payload: payload})
}

func (w *Wait[T]) finish(o Outcome[T]) {
	w.once.Do(func() {
		w.release()
		w.done <- o
	})
}

// Discard releases the wait's timers without resolving it. Used when nobody
// will read Done anymore: the client disconnected, or the registrant claimed
// its own wait back.
func (w *Wait[T]) Discard() {
	w.once.Do(w.release)
}

func (w *Wait[T]) release() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.Heartbeat.Stop()
}

// Registry holds the open waits keyed by partner id. All mutation goes
// through the mutex; the one-wait-per-partner invariant must hold exactly.
type Registry[T any] struct {
	mu    sync.Mutex
	waits map[string]*Wait[T]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{waits: make(map[string]*Wait[T])}
}

// Register installs a wait for the partner. If one is already open it is
// resolved with ReasonReconnect first: last caller wins.
func (r *Registry[T]) Register(partnerID, conversationID string, timeout, heartbeat time.Duration) *Wait[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.waits[partnerID]; ok {
		delete(r.waits, partnerID)
		old.finish(Outcome[T]{Reason: ReasonReconnect})
	}

	w := &Wait[T]{
		PartnerID:      partnerID,
		ConversationID: conversationID,
		Heartbeat:      time.NewTicker(heartbeat),
		done:           make(chan Outcome[T], 1),
	}
	w.timer = time.AfterFunc(timeout, func() { r.expire(w) })
	r.waits[partnerID] = w
	return w
}

func (r *Registry[T]) expire(w *Wait[T]) {
	r.mu.Lock()
	if r.waits[w.PartnerID] != w {
		r.mu.Unlock()
		return
	}
	delete(r.waits, w.PartnerID)
	r.mu.Unlock()

	w.finish(Outcome[T]{Reason: ReasonTimeout})
}

// Claim removes and returns the partner's wait if its scope matches the
// conversation a message was just written to. The caller owns resolution via
// Deliver. Returns nil when there is nothing to notify, in which case the
// message stays queued for a later pull.
func (r *Registry[T]) Claim(partnerID, conversationID string) *Wait[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waits[partnerID]
	if !ok {
		return nil
	}
	if w.ConversationID != "" && conversationID != "" && w.ConversationID != conversationID {
		return nil
	}
	delete(r.waits, partnerID)
	if w.timer != nil {
		w.timer.Stop()
	}
	return w
}

// Resolve closes the partner's wait with the given reason, if one is open.
func (r *Registry[T]) Resolve(partnerID string, reason Reason) bool {
	r.mu.Lock()
	w, ok := r.waits[partnerID]
	if ok {
		delete(r.waits, partnerID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	w.finish(Outcome[T]{Reason: reason})
	return true
}

// Cancel removes the wait without resolving it. Called when the client
// disconnected mid-wait: the response is gone, so nothing must be written.
func (r *Registry[T]) Cancel(w *Wait[T]) {
	r.mu.Lock()
	if r.waits[w.PartnerID] == w {
		delete(r.waits, w.PartnerID)
	}
	r.mu.Unlock()

	w.Discard()
}

// IsWaiting reports whether the partner currently holds an open wait.
func (r *Registry[T]) IsWaiting(partnerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.waits[partnerID]
	return ok
}

// Len is the number of open waits.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waits)
}
