package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/huddle-net/huddle/peer"
	"github.com/huddle-net/huddle/pkg/log"
	"github.com/huddle-net/huddle/pkg/protocol"
)

const writeTimeout = time.Second * 10

// Conn is a session with a remote peer over a WebSocket connection.
//
// Envelopes are exchanged as binary WebSocket messages, so framing is
// preserved and a malformed envelope can be dropped without losing the
// stream.
type Conn struct {
	peerName string

	wsConn *websocket.Conn

	// writeMu serializes writes as the underlying connection supports a
	// single concurrent writer.
	writeMu sync.Mutex

	closed *atomic.Bool
	doneCh chan struct{}

	logger log.Logger
}

func newConn(peerName string, wsConn *websocket.Conn, logger log.Logger) *Conn {
	return &Conn{
		peerName: peerName,
		wsConn:   wsConn,
		closed:   atomic.NewBool(false),
		doneCh:   make(chan struct{}),
		logger:   logger.With(zap.String("peer", peerName)),
	}
}

// Send encodes and dispatches the envelope to the remote peer.
func (c *Conn) Send(env protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.wsConn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close terminates the session. Done is closed once the session has
// terminated.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.wsConn.Close()
	close(c.doneCh)
	return err
}

func (c *Conn) Done() <-chan struct{} {
	return c.doneCh
}

// readLoop reads inbound envelopes and delivers them to the inbox until
// the connection terminates.
//
// Envelopes that cannot be decoded are dropped and logged; the session
// survives as message framing is preserved by the transport.
func (c *Conn) readLoop(inbox peer.Inbox) {
	defer func() {
		_ = c.Close()
	}()

	for {
		_, b, err := c.wsConn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Debug("peer read failed", zap.Error(err))
			return
		}

		env, err := protocol.Decode(b)
		if err != nil {
			c.logger.Warn("dropping undecodable envelope", zap.Error(err))
			continue
		}
		if env.Kind == protocol.KindHello {
			// The handshake has already completed.
			continue
		}

		inbox.Received(env)
	}
}

var _ peer.Conn = &Conn{}
