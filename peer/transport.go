package peer

import (
	"context"

	"github.com/huddle-net/huddle/pkg/crdt"
	"github.com/huddle-net/huddle/pkg/protocol"
)

// Conn is a session with a remote peer, owned by the manager.
//
// The session serializes envelope writes on its own channel, so the manager
// dispatches with fire-and-forget sends.
type Conn interface {
	// Send dispatches the envelope to the remote peer.
	Send(env protocol.Envelope) error

	// Close terminates the session.
	Close() error

	// Done is closed when the session has terminated, whether by Close or
	// by a transport failure.
	Done() <-chan struct{}
}

// Inbox receives inbound transport events on behalf of the manager.
//
// Sessions hold the inbox rather than the manager itself, so a session
// never outlives its owner's shutdown.
type Inbox interface {
	// Connected notifies that a session handshake with the named peer has
	// completed. The snapshot is the remote node's serialized membership
	// pushed during the handshake.
	Connected(name string, snapshot []byte, conn Conn)

	// Received delivers an inbound envelope from a connected peer.
	Received(env protocol.Envelope)
}

// Transport establishes sessions with remote peers.
type Transport interface {
	// Connect dials the given peer and performs the handshake, presenting
	// the local membership snapshot. Returns the session and the remote
	// node's membership snapshot pushed during the handshake. The session
	// delivers inbound envelopes to the inbox.
	//
	// Connect is called from the manager event loop so must be bounded in
	// time by the given context, and must not synchronously deliver
	// events to the inbox before returning.
	Connect(ctx context.Context, member crdt.Member, state []byte, inbox Inbox) (Conn, []byte, error)
}
