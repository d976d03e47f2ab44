package peer

import "github.com/huddle-net/huddle/pkg/crdt"

// Watcher is notified when the local membership view changes.
//
// Implementations must not block as the watcher is called from the manager
// event loop.
type Watcher interface {
	// OnMembershipChange notifies that the membership has changed. The
	// members are a by-value copy of the new view.
	OnMembershipChange(members []crdt.Member)
}

type nopWatcher struct {
}

func NewNopWatcher() Watcher {
	return &nopWatcher{}
}

func (w *nopWatcher) OnMembershipChange(_ []crdt.Member) {}

var _ Watcher = &nopWatcher{}
