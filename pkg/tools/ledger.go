package tools

import "sync"

// Ledger remembers which tools ran in a turn, so a tool is invoked at most
// once per (session, turn, tool) however many times it is requested.
type Ledger struct {
	mu    sync.Mutex
	turns map[string]map[string]struct{}
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{turns: make(map[string]map[string]struct{})}
}

func turnKey(sessionID, turnID string) string { return sessionID + "\x00" + turnID }

// Claim records toolID for the turn and reports whether this is the first claim.
func (l *Ledger) Claim(sessionID, turnID, toolID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := turnKey(sessionID, turnID)
	seen, ok := l.turns[key]
	if !ok {
		seen = make(map[string]struct{})
		l.turns[key] = seen
	}
	if _, dup := seen[toolID]; dup {
		return false
	}
	seen[toolID] = struct{}{}
	return true
}

// Forget drops the records of a finished turn.
func (l *Ledger) Forget(sessionID, turnID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.turns, turnKey(sessionID, turnID))
}

// Turns returns the number of turns currently tracked.
func (l *Ledger) Turns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}
