package peer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddle-net/huddle/pkg/crdt"
	"github.com/huddle-net/huddle/pkg/log"
	"github.com/huddle-net/huddle/pkg/protocol"
)

// meshNetwork is an in-memory network connecting managers directly, used
// to test multi-node convergence without a real transport.
type meshNetwork struct {
	mu sync.Mutex

	managers map[string]*Manager
}

func newMeshNetwork() *meshNetwork {
	return &meshNetwork{
		managers: make(map[string]*Manager),
	}
}

func (n *meshNetwork) AddNode(t *testing.T, name string, conf Config) *Manager {
	transport := &meshTransport{network: n, self: name}
	m := NewManager(testMember(name), conf, transport, nil, log.NewNopLogger())
	t.Cleanup(func() {
		_ = m.Close()
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	n.managers[name] = m
	return m
}

func (n *meshNetwork) manager(name string) *Manager {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.managers[name]
}

type meshTransport struct {
	network *meshNetwork
	self    string
}

func (t *meshTransport) Connect(
	_ context.Context,
	member crdt.Member,
	state []byte,
	inbox Inbox,
) (Conn, []byte, error) {
	target := t.network.manager(member.Name)
	if target == nil {
		return nil, nil, fmt.Errorf("connect: %s: connection refused", member.Name)
	}

	// The dialer's sends are delivered to the target manager; the
	// target's sends on the accepted conn are delivered to the dialer's
	// inbox.
	dialerConn := newMeshConn(target)
	acceptorConn := newMeshConn(nil)
	acceptorConn.inbox = inbox
	dialerConn.peerConn = acceptorConn
	acceptorConn.peerConn = dialerConn

	snapshot := target.CachedState()
	target.Connected(t.self, state, acceptorConn)

	return dialerConn, snapshot, nil
}

// meshConn is one side of an in-memory session. Envelopes sent on one side
// are delivered to the other side's inbox.
type meshConn struct {
	// remote is the manager envelopes are delivered to; nil for the
	// acceptor side, which delivers to inbox instead.
	remote *Manager
	inbox  Inbox

	peerConn *meshConn

	mu     sync.Mutex
	closed bool
	doneCh chan struct{}
}

func newMeshConn(remote *Manager) *meshConn {
	return &meshConn{
		remote: remote,
		doneCh: make(chan struct{}),
	}
}

func (c *meshConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("send: connection closed")
	}
	c.mu.Unlock()

	// Deliver asynchronously as the receiving loop may itself be blocked
	// sending.
	go func() {
		if c.remote != nil {
			c.remote.Received(env)
		} else if c.inbox != nil {
			c.inbox.Received(env)
		}
	}()
	return nil
}

func (c *meshConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.doneCh)

	if c.peerConn != nil {
		go func() {
			_ = c.peerConn.Close()
		}()
	}
	return nil
}

func (c *meshConn) Done() <-chan struct{} {
	return c.doneCh
}

var _ Conn = &meshConn{}

func meshConfig() Config {
	return Config{
		GossipInterval: time.Millisecond * 20,
		Fanout:         2,
		ConnectTimeout: time.Second,
	}
}

func membersOf(m *Manager) []string {
	members := m.Members()
	sort.Strings(members)
	return members
}

func converged(managers []*Manager, expected []string) bool {
	for _, m := range managers {
		members := membersOf(m)
		if len(members) != len(expected) {
			return false
		}
		for i, name := range expected {
			if members[i] != name {
				return false
			}
		}
	}
	return true
}

func TestMesh_TwoNodeJoin(t *testing.T) {
	network := newMeshNetwork()
	a := network.AddNode(t, "node-a", meshConfig())
	b := network.AddNode(t, "node-b", meshConfig())

	assert.Equal(t, []string{"node-a"}, a.Members())
	assert.Equal(t, []string{"node-b"}, b.Members())

	require.NoError(t, a.Join(testMember("node-b")))

	assert.Eventually(t, func() bool {
		return converged([]*Manager{a, b}, []string{"node-a", "node-b"})
	}, time.Second*3, time.Millisecond*10)
}

func TestMesh_ThreeNodeConvergenceViaOne(t *testing.T) {
	network := newMeshNetwork()
	a := network.AddNode(t, "node-a", meshConfig())
	b := network.AddNode(t, "node-b", meshConfig())
	c := network.AddNode(t, "node-c", meshConfig())

	// A knows B and C; B and C have never talked directly.
	require.NoError(t, a.Join(testMember("node-b")))
	require.NoError(t, a.Join(testMember("node-c")))

	assert.Eventually(t, func() bool {
		return converged(
			[]*Manager{a, b, c},
			[]string{"node-a", "node-b", "node-c"},
		)
	}, time.Second*3, time.Millisecond*10)
}

func TestMesh_Leave(t *testing.T) {
	network := newMeshNetwork()
	a := network.AddNode(t, "node-a", meshConfig())
	b := network.AddNode(t, "node-b", meshConfig())
	c := network.AddNode(t, "node-c", meshConfig())

	require.NoError(t, a.Join(testMember("node-b")))
	require.NoError(t, a.Join(testMember("node-c")))

	require.Eventually(t, func() bool {
		return converged(
			[]*Manager{a, b, c},
			[]string{"node-a", "node-b", "node-c"},
		)
	}, time.Second*3, time.Millisecond*10)

	// B leaves: the survivors converge on {a, c} and never rediscover b.
	require.NoError(t, b.Leave())

	assert.Eventually(t, func() bool {
		return converged([]*Manager{a, c}, []string{"node-a", "node-c"})
	}, time.Second*3, time.Millisecond*10)
}

func TestMesh_ConcurrentLeaveAndJoin(t *testing.T) {
	network := newMeshNetwork()
	a := network.AddNode(t, "node-a", meshConfig())
	b := network.AddNode(t, "node-b", meshConfig())

	require.NoError(t, a.Join(testMember("node-b")))
	require.Eventually(t, func() bool {
		return converged([]*Manager{a, b}, []string{"node-a", "node-b"})
	}, time.Second*3, time.Millisecond*10)

	c := network.AddNode(t, "node-c", meshConfig())

	// A leaves while B concurrently joins C.
	leaveErr := make(chan error, 1)
	go func() {
		leaveErr <- a.Leave()
	}()
	require.NoError(t, b.Join(testMember("node-c")))
	require.NoError(t, <-leaveErr)

	// The surviving nodes converge on {b, c}.
	assert.Eventually(t, func() bool {
		return converged([]*Manager{b, c}, []string{"node-b", "node-c"})
	}, time.Second*3, time.Millisecond*10)
}
