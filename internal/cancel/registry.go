// Package cancel tracks cancellation flags for in-flight agent runs.
//
// A flag is keyed by (session, request) and polled cooperatively: the
// agent loop checks it at every suspension point, and long-running tools
// check it between internal steps so spawned subprocesses can be killed
// rather than run to completion.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Token is a handle over a shared cancellation flag. Tokens returned by
// repeated Register calls for the same key share one flag: setting it
// through any handle is observed by all of them.
type Token struct {
	flag *atomic.Bool
}

// Cancel sets the shared flag. Once set it stays set until the owning
// run clears the registration.
func (t *Token) Cancel() {
	t.flag.Store(true)
}

// Cancelled reports whether the shared flag is set. A nil token is never
// cancelled, so callers may pass one through optional paths unconditionally.
func (t *Token) Cancelled() bool {
	return t != nil && t.flag.Load()
}

// Registry maps (session, request) pairs to cancellation flags. The lock
// guards only map mutation, never any I/O.
type Registry struct {
	mu    sync.Mutex
	flags map[string]*atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{flags: make(map[string]*atomic.Bool)}
}

func key(sessionID, requestID string) string {
	return sessionID + ":" + requestID
}

// Register returns a token for the given pair, creating the flag on first
// use. Re-registering an existing key returns a token bound to the same
// flag without resetting it: a new user message may legitimately cancel a
// request that is already finishing.
func (r *Registry) Register(sessionID, requestID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(sessionID, requestID)
	flag, ok := r.flags[k]
	if !ok {
		flag = &atomic.Bool{}
		r.flags[k] = flag
	}
	return &Token{flag: flag}
}

// Cancel sets the flag for the pair. It reports false when the pair was
// never registered or already cleared.
func (r *Registry) Cancel(sessionID, requestID string) bool {
	r.mu.Lock()
	flag, ok := r.flags[key(sessionID, requestID)]
	r.mu.Unlock()
	if !ok {
		return false
	}
	flag.Store(true)
	return true
}

// IsCancelled reports whether the pair's flag is set.
func (r *Registry) IsCancelled(sessionID, requestID string) bool {
	r.mu.Lock()
	flag, ok := r.flags[key(sessionID, requestID)]
	r.mu.Unlock()
	return ok && flag.Load()
}

// Clear removes the registration. The owner of the run's lifecycle must
// call it once the run reaches a terminal state to avoid unbounded growth.
// Tokens handed out earlier keep their final flag value.
func (r *Registry) Clear(sessionID, requestID string) {
	r.mu.Lock()
	delete(r.flags, key(sessionID, requestID))
	r.mu.Unlock()
}

// Len reports the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flags)
}
