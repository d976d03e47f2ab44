package peer

import "sort"

type connState int

const (
	// connStateDisconnected means the peer is known but has no live
	// session. The connection is retried on the next gossip round.
	connStateDisconnected connState = iota
	// connStateConnected means the peer has a live session.
	connStateConnected
)

func (s connState) String() string {
	switch s {
	case connStateConnected:
		return "connected"
	case connStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// connEntry is the connection table entry for a single peer. A disconnected
// entry has no conn; an entry is never stored with a nil state, which would
// conflate 'absent' and 'known-down'.
type connEntry struct {
	state connState
	conn  Conn
}

// connTable maps peer names to their connection entry.
//
// The table is owned by the manager event loop and must only be accessed
// from it. Every peer in the membership or pending list has exactly one
// entry; peers in neither are pruned.
type connTable struct {
	entries map[string]*connEntry
}

func newConnTable() *connTable {
	return &connTable{
		entries: make(map[string]*connEntry),
	}
}

// Get returns the entry for the peer, or nil if the peer has no entry.
func (t *connTable) Get(name string) *connEntry {
	return t.entries[name]
}

// SetConnected stores a live session for the peer, returning the previous
// session if one was stored.
func (t *connTable) SetConnected(name string, conn Conn) Conn {
	entry := t.entries[name]
	if entry == nil {
		t.entries[name] = &connEntry{state: connStateConnected, conn: conn}
		return nil
	}

	prev := entry.conn
	entry.state = connStateConnected
	entry.conn = conn
	return prev
}

// SetDisconnected marks the peer as known but down.
func (t *connTable) SetDisconnected(name string) {
	entry := t.entries[name]
	if entry == nil {
		t.entries[name] = &connEntry{state: connStateDisconnected}
		return
	}
	entry.state = connStateDisconnected
	entry.conn = nil
}

// Remove erases the entry for the peer.
func (t *connTable) Remove(name string) {
	delete(t.entries, name)
}

// Names returns the names in the table, ordered for determinism.
func (t *connTable) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of entries in the given state.
func (t *connTable) Count(state connState) int {
	n := 0
	for _, entry := range t.entries {
		if entry.state == state {
			n++
		}
	}
	return n
}
