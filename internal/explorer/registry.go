package explorer

import (
	"sync"

	"github.com/openbtcpay/paywatch/internal/core/domain"
)

// SessionRegistry enforces at most one live streaming session per crypto
// code. Attempting a second acquire while one is active fails immediately.
type SessionRegistry struct {
	mu     sync.Mutex
	active map[domain.CryptoCode]struct{}
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{active: make(map[domain.CryptoCode]struct{})}
}

// Acquire reserves the slot for the given crypto code. Returns false if a
// session is already active.
func (r *SessionRegistry) Acquire(code domain.CryptoCode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[code]; ok {
		return false
	}
	r.active[code] = struct{}{}
	return true
}

// Release frees the slot. Releasing a free slot is a no-op.
func (r *SessionRegistry) Release(code domain.CryptoCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, code)
}

// Active reports whether a session is live for the code.
func (r *SessionRegistry) Active(code domain.CryptoCode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[code]
	return ok
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
