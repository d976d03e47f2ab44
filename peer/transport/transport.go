// Package transport implements peer sessions over WebSocket connections.
//
// Each node runs a peer server accepting WebSocket upgrades; a session is
// established by dialling a peer and exchanging hello envelopes carrying
// each side's name, advertised address and membership snapshot. Once the
// handshake completes the accepting side delivers a connected signal to
// its manager, the dialler receives the remote snapshot from Connect, and
// both sides exchange envelopes as binary messages.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/huddle-net/huddle/peer"
	"github.com/huddle-net/huddle/pkg/crdt"
	"github.com/huddle-net/huddle/pkg/log"
	"github.com/huddle-net/huddle/pkg/protocol"
)

// gossipPath is the peer server route sessions are established on.
const gossipPath = "/huddle/v1/gossip"

// Transport dials peer sessions on behalf of the local node.
type Transport struct {
	self crdt.Member

	logger log.Logger
}

func NewTransport(self crdt.Member, logger log.Logger) *Transport {
	return &Transport{
		self:   self,
		logger: logger.WithSubsystem("transport"),
	}
}

// Connect dials the peer and performs the handshake, presenting the given
// local membership snapshot. The attempt is bounded by the context.
func (t *Transport) Connect(
	ctx context.Context,
	member crdt.Member,
	state []byte,
	inbox peer.Inbox,
) (peer.Conn, []byte, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", member.Addr, member.Port),
		Path:   gossipPath,
	}

	dialer := &websocket.Dialer{}
	wsConn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("dial: %s: %d: %w", u.Host, resp.StatusCode, err)
		}
		return nil, nil, fmt.Errorf("dial: %s: %w", u.Host, err)
	}

	conn := newConn(member.Name, wsConn, t.logger)

	if err := conn.Send(protocol.Envelope{
		Kind:     protocol.KindHello,
		From:     t.self.Name,
		Addr:     t.self.Addr,
		Port:     t.self.Port,
		Snapshot: state,
	}); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("hello: %w", err)
	}

	hello, err := readHello(ctx, wsConn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("hello: %w", err)
	}
	if hello.From != member.Name {
		_ = conn.Close()
		return nil, nil, fmt.Errorf(
			"peer name mismatch: expected %s, got %s", member.Name, hello.From,
		)
	}

	t.logger.Debug(
		"session established",
		zap.String("peer", member.Name),
		zap.String("addr", u.Host),
	)

	go conn.readLoop(inbox)

	return conn, hello.Snapshot, nil
}

// readHello reads the remote's handshake envelope, bounded by the context
// deadline.
func readHello(ctx context.Context, wsConn *websocket.Conn) (protocol.Envelope, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = wsConn.SetReadDeadline(deadline)
	}
	defer func() {
		// Clear the handshake deadline for the session read loop.
		_ = wsConn.SetReadDeadline(time.Time{})
	}()

	_, b, err := wsConn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("read: %w", err)
	}
	env, err := protocol.Decode(b)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if env.Kind != protocol.KindHello {
		return protocol.Envelope{}, fmt.Errorf("unexpected envelope: %s", env.Kind)
	}
	if env.From == "" {
		return protocol.Envelope{}, fmt.Errorf("hello missing name")
	}
	return env, nil
}

var _ peer.Transport = &Transport{}
