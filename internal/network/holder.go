package network

import "sync"

// Provider hands out the network snapshot the engine captures at play and
// rebuild time.
type Provider interface {
	Snapshot() *Network
}

// Holder is a concurrency-safe Provider whose network can be replaced by the
// editor while engines keep playing their captured snapshot.
type Holder struct {
	mu      sync.RWMutex
	current *Network
	version int
}

// NewHolder returns a Holder seeded with n. A nil n is stored as an empty network.
func NewHolder(n *Network) *Holder {
	if n == nil {
		n = &Network{}
	}
	return &Holder{current: n}
}

// Snapshot implements Provider.
func (h *Holder) Snapshot() *Network {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Set replaces the current network and returns the new version number.
// Callers must not mutate n afterwards.
func (h *Holder) Set(n *Network) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = n
	h.version++
	return h.version
}

// Version returns how many times Set has been called.
func (h *Holder) Version() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}
