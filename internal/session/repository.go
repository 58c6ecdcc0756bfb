package session

import (
	"errors"
	"sync"
)

// Repository defines the concurrency-safe contract for session bookkeeping.
type Repository interface {
	// Add records a new session after the open ones. Adding an open id
	// replaces it in place.
	Add(s *Session)

	// Get returns an open session.
	Get(id ID) (*Session, error)

	// Close marks a session closed and forgets it. The caller releases the
	// engine. Closing twice returns ErrSessionClosed.
	Close(id ID) (*Session, error)

	// List returns the ids of open sessions in creation order.
	List() []ID

	// ActiveSessionCount returns the number of open sessions.
	ActiveSessionCount() int
}

var (
	// ErrSessionNotFound is returned for ids that were never created.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned for sessions that were already closed.
	ErrSessionClosed = errors.New("session closed")
)

// InMemoryRepository is a concurrency-safe Repository over a Ledger.
// Retired ids stay known so late callers get ErrSessionClosed instead of
// ErrSessionNotFound.
type InMemoryRepository struct {
	mu     sync.RWMutex
	ledger Ledger
}

// NewInMemoryRepository constructs a repository with a default in-memory ledger.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithLedger(NewInMemoryLedger())
}

// NewInMemoryRepositoryWithLedger constructs a repository that uses the given Ledger.
func NewInMemoryRepositoryWithLedger(l Ledger) *InMemoryRepository {
	return &InMemoryRepository{ledger: l}
}

// Add implements Repository.Add.
func (r *InMemoryRepository) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledger.Append(s)
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id ID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, retired := r.ledger.Lookup(id)
	switch {
	case s != nil:
		return s, nil
	case retired:
		return nil, ErrSessionClosed
	default:
		return nil, ErrSessionNotFound
	}
}

// Close implements Repository.Close.
func (r *InMemoryRepository) Close(id ID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.ledger.Retire(id)
	if !ok {
		if _, retired := r.ledger.Lookup(id); retired {
			return nil, ErrSessionClosed
		}
		return nil, ErrSessionNotFound
	}
	s.Closed = true
	return s, nil
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	open := r.ledger.Open()
	out := make([]ID, len(open))
	for i, s := range open {
		out[i] = s.ID
	}
	return out
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *InMemoryRepository) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ledger.Len()
}
