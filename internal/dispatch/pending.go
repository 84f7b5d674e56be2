package dispatch

import "sync"

// PendingRegistry maps a taskspace id to the correlation id of a message
// whose response is deferred on a human decision. Answering a destructive
// request before the human has agreed would let an autonomous caller believe
// state changed when it had not; the registry holds the reply open until the
// decision lands. Each entry is resolved exactly once: Take removes it, and
// whoever took it writes the response through the Responder, bypassing the
// router. Entries left behind when the host exits are simply discarded.
type PendingRegistry struct {
	mu      sync.Mutex
	entries map[string]string // taskspace id -> message id
}

// NewPendingRegistry creates an empty registry.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{entries: make(map[string]string)}
}

// Put records a deferred response for the taskspace. Callers must check Has
// and reject the duplicate first: overwriting an entry would orphan the
// replaced correlation id, which could then never be answered.
func (p *PendingRegistry) Put(taskspaceID, messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[taskspaceID] = messageID
}

// Take removes and returns the message id awaiting resolution for the
// taskspace. The second Take for the same entry reports ok=false, which is
// what guarantees exactly-once resolution.
func (p *PendingRegistry) Take(taskspaceID string) (messageID string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	messageID, ok = p.entries[taskspaceID]
	if ok {
		delete(p.entries, taskspaceID)
	}
	return messageID, ok
}

// Has reports whether a deferred response exists for the taskspace.
func (p *PendingRegistry) Has(taskspaceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[taskspaceID]
	return ok
}

// Len returns the number of unresolved entries.
func (p *PendingRegistry) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
