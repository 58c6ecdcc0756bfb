package session

import "container/list"

// Ledger records sessions in the order they were created and remembers ids
// that have been retired. The Repository holds the lock; Ledger
// implementations need not be safe for concurrent use.
type Ledger interface {
	// Append records s after every open session. Appending an open id swaps
	// its session in place; appending a retired id reopens it at the end.
	Append(s *Session)

	// Lookup returns the open session for id. retired reports whether id was
	// open once and has since been retired.
	Lookup(id ID) (s *Session, retired bool)

	// Retire removes an open session and remembers its id.
	Retire(id ID) (*Session, bool)

	// Open returns the open sessions, oldest first.
	Open() []*Session

	// Len returns the number of open sessions.
	Len() int
}

// InMemoryLedger keeps open sessions on a list in creation order.
type InMemoryLedger struct {
	order   *list.List
	open    map[ID]*list.Element
	retired map[ID]struct{}
}

// NewInMemoryLedger returns an empty ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		order:   list.New(),
		open:    make(map[ID]*list.Element),
		retired: make(map[ID]struct{}),
	}
}

// Append implements Ledger.Append.
func (l *InMemoryLedger) Append(s *Session) {
	if el, ok := l.open[s.ID]; ok {
		el.Value = s
		return
	}
	delete(l.retired, s.ID)
	l.open[s.ID] = l.order.PushBack(s)
}

// Lookup implements Ledger.Lookup.
func (l *InMemoryLedger) Lookup(id ID) (*Session, bool) {
	if el, ok := l.open[id]; ok {
		return el.Value.(*Session), false
	}
	_, retired := l.retired[id]
	return nil, retired
}

// Retire implements Ledger.Retire.
func (l *InMemoryLedger) Retire(id ID) (*Session, bool) {
	el, ok := l.open[id]
	if !ok {
		return nil, false
	}
	l.order.Remove(el)
	delete(l.open, id)
	l.retired[id] = struct{}{}
	return el.Value.(*Session), true
}

// Open implements Ledger.Open.
func (l *InMemoryLedger) Open() []*Session {
	out := make([]*Session, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Session))
	}
	return out
}

// Len implements Ledger.Len.
func (l *InMemoryLedger) Len() int {
	return l.order.Len()
}
