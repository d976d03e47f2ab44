package peer

import "errors"

var (
	// ErrNotYetConnected indicates a send to a peer with no connection table
	// entry: one never joined or discovered, or one whose session terminated
	// since the last gossip round.
	ErrNotYetConnected = errors.New("peer not yet connected")

	// ErrDisconnected indicates a send to a known peer whose connection is
	// currently down. The connection is retried on the next gossip round.
	ErrDisconnected = errors.New("peer disconnected")

	// ErrClosed indicates the manager has left the cluster or been closed.
	ErrClosed = errors.New("peer manager closed")
)
