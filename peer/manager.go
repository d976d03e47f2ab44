// Package peer manages the local node's eventually consistent view of the
// cluster membership.
//
// The membership is an observed-remove set replicated by a periodic
// anti-entropy gossip protocol: each round the local view is pushed to a
// random subset of known peers, which merge it into their own. Application
// messages are multiplexed over the same persistent peer connections.
//
// All membership and connection state is owned by a single event loop, so
// operations are serialized and the state needs no locking.
package peer

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/huddle-net/huddle/pkg/crdt"
	"github.com/huddle-net/huddle/pkg/log"
	"github.com/huddle-net/huddle/pkg/protocol"
)

// Handler receives application messages forwarded to a named local handle.
//
// Deliver is called from the manager event loop so must not block.
type Handler interface {
	Deliver(payload []byte)
}

// Manager owns the local membership view and the connections to the other
// known peers.
type Manager struct {
	self  crdt.Member
	actor crdt.ActorID

	conf Config

	transport Transport
	watcher   Watcher
	store     *store

	// State owned by the event loop.
	membership *crdt.Set
	pending    []crdt.Member
	table      *connTable
	handlers   map[string]Handler
	rng        *rand.Rand

	// snapshot caches the serialized membership so transport handshakes
	// can read it without entering the event loop.
	snapshot atomic.Value

	requests   chan func()
	events     chan event
	shutdownCh chan struct{}
	doneCh     chan struct{}
	closed     *atomic.Bool

	metrics *Metrics

	logger log.Logger
}

type event interface{}

type connectedEvent struct {
	name     string
	snapshot []byte
	conn     Conn
}

type connClosedEvent struct {
	name string
	conn Conn
}

type receivedEvent struct {
	env protocol.Envelope
}

// NewManager creates a manager for the given local node and starts its
// event loop.
//
// The membership is loaded from the data directory if state was previously
// persisted, otherwise seeded with the local node. A persisted state that
// cannot be decoded is discarded and the membership seeded fresh rather
// than refusing to start.
func NewManager(
	self crdt.Member,
	conf Config,
	transport Transport,
	watcher Watcher,
	logger log.Logger,
) *Manager {
	logger = logger.WithSubsystem("peer")

	actor := crdt.NewActorID(self.Name)

	logger.Info(
		"starting peer manager",
		zap.String("node", self.String()),
		zap.String("actor", actor.String()),
	)

	if watcher == nil {
		watcher = NewNopWatcher()
	}

	store := newStore(conf.DataDir)
	membership, err := store.Load()
	if err != nil {
		logger.Warn("discarding persisted state", zap.Error(err))
		membership = nil
	}
	if membership == nil {
		membership = crdt.New()
	}
	if !membership.Contains(self.Name) {
		membership.Add(self, actor)
		if err := store.Save(membership); err != nil {
			logger.Error("failed to persist state", zap.Error(err))
		}
	}

	seed := time.Now().UnixNano()
	for _, c := range self.Name {
		seed = seed*31 + int64(c)
	}

	m := &Manager{
		self:       self,
		actor:      actor,
		conf:       conf,
		transport:  transport,
		watcher:    watcher,
		store:      store,
		membership: membership,
		table:      newConnTable(),
		handlers:   make(map[string]Handler),
		rng:        rand.New(rand.NewSource(seed)),
		requests:   make(chan func()),
		events:     make(chan event, 64),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		closed:     atomic.NewBool(false),
		metrics:    NewMetrics(),
		logger:     logger,
	}
	m.cacheSnapshot()
	m.metrics.Members.Set(float64(membership.Len()))

	go m.run()

	return m
}

// Self returns the local node descriptor.
func (m *Manager) Self() crdt.Member {
	return m.self
}

// Actor returns the replica identifier for this process.
func (m *Manager) Actor() crdt.ActorID {
	return m.actor
}

// Members returns the names of the members in the local view.
func (m *Manager) Members() []string {
	var names []string
	_ = m.call(func() {
		for _, member := range m.membership.Value() {
			names = append(names, member.Name)
		}
	})
	return names
}

// MemberList returns the members in the local view.
func (m *Manager) MemberList() []crdt.Member {
	var members []crdt.Member
	_ = m.call(func() {
		members = m.membership.Value()
	})
	return members
}

// LocalState returns the serialized local membership.
func (m *Manager) LocalState() []byte {
	var snapshot []byte
	if err := m.call(func() {
		snapshot = m.serialize()
	}); err != nil {
		// The manager has shut down; serve the last cached snapshot.
		return m.CachedState()
	}
	return snapshot
}

// CachedState returns the serialized membership as of the last mutation.
//
// Unlike LocalState this never enters the event loop, so it is safe to call
// from transport sessions while the loop is blocked connecting.
func (m *Manager) CachedState() []byte {
	snapshot, _ := m.snapshot.Load().([]byte)
	return snapshot
}

// Join adds the peer to the pending list and attempts to connect to it.
//
// The peer is confirmed as a member once the connection handshake
// completes and the remote's membership is merged into the local view.
func (m *Manager) Join(member crdt.Member) error {
	return m.call(func() {
		if member.Name == m.self.Name {
			m.logger.Warn("ignoring join for local node")
			return
		}
		m.pending = append(m.pending, member)
		m.establishConnections()
		// Gossip so the rest of the cluster learns of the join without
		// waiting for the next round.
		m.pushState(m.gossipTargets())
	})
}

// Leave removes the local node from the membership, pushes the update to
// the connected peers, deletes the persisted state and shuts the manager
// down.
func (m *Manager) Leave() error {
	return m.call(func() {
		m.leave()
	})
}

// UpdateState merges the given serialized membership into the local view
// and attempts connections to any newly known peers.
func (m *Manager) UpdateState(snapshot []byte) error {
	var decodeErr error
	if err := m.call(func() {
		remote, err := crdt.Deserialize(snapshot)
		if err != nil {
			decodeErr = err
			return
		}
		m.membership.Merge(remote)
		m.membershipChanged()
		m.establishConnections()
	}); err != nil {
		return err
	}
	return decodeErr
}

// DeleteState removes the persisted state. The in-memory membership is
// unchanged.
func (m *Manager) DeleteState() error {
	return m.call(func() {
		if err := m.store.Delete(); err != nil {
			m.logger.Error("failed to delete state", zap.Error(err))
		}
	})
}

// Send dispatches the envelope to the named peer.
//
// Returns ErrNotYetConnected if the peer is unknown, or ErrDisconnected if
// the peer's connection is currently down.
func (m *Manager) Send(name string, env protocol.Envelope) error {
	sendErr := ErrClosed
	if err := m.call(func() {
		sendErr = m.send(name, env)
	}); err != nil {
		return err
	}
	return sendErr
}

// Forward wraps the payload in a forward envelope addressed to the handle
// named target on the remote peer.
func (m *Manager) Forward(name, target string, payload []byte) error {
	return m.Send(name, protocol.Envelope{
		Kind:    protocol.KindForward,
		Target:  target,
		Payload: payload,
	})
}

// Register registers a local handle to receive forwarded messages
// addressed to the given name.
func (m *Manager) Register(name string, handler Handler) error {
	return m.call(func() {
		m.handlers[name] = handler
	})
}

// Deregister removes a local handle.
func (m *Manager) Deregister(name string) error {
	return m.call(func() {
		delete(m.handlers, name)
	})
}

// Received delivers an inbound envelope to the manager.
func (m *Manager) Received(env protocol.Envelope) {
	select {
	case m.events <- receivedEvent{env: env}:
	case <-m.shutdownCh:
	}
}

// Connected notifies the manager that a session handshake has completed.
func (m *Manager) Connected(name string, snapshot []byte, conn Conn) {
	select {
	case m.events <- connectedEvent{name: name, snapshot: snapshot, conn: conn}:
	case <-m.shutdownCh:
	}
}

// Metrics returns the manager's metrics.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Close shuts the manager down without leaving the cluster. Other nodes
// will retain this node in their views.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = m.call(func() {
		m.closeConns()
		close(m.shutdownCh)
	})
	<-m.doneCh
	return nil
}

// call runs f on the event loop and blocks until it completes.
func (m *Manager) call(f func()) error {
	done := make(chan struct{})
	select {
	case m.requests <- func() {
		f()
		close(done)
	}:
	case <-m.shutdownCh:
		return ErrClosed
	}

	// The requests channel is unbuffered so once the send is accepted the
	// loop is committed to running f, even if f itself shuts the manager
	// down.
	<-done
	return nil
}

func (m *Manager) run() {
	defer close(m.doneCh)

	timer := time.NewTimer(m.conf.GossipInterval)
	defer timer.Stop()

	for {
		select {
		case f := <-m.requests:
			f()
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-timer.C:
			m.gossipRound()
			// Reschedule after the round completes so rounds never
			// overlap.
			timer.Reset(m.conf.GossipInterval)
		case <-m.shutdownCh:
			return
		}

		select {
		case <-m.shutdownCh:
			return
		default:
		}
	}
}

func (m *Manager) handleEvent(ev event) {
	switch ev := ev.(type) {
	case connectedEvent:
		m.handleConnected(ev)
	case connClosedEvent:
		m.handleConnClosed(ev)
	case receivedEvent:
		m.handleReceived(ev.env)
	default:
		m.logger.Warn("discarding unknown event")
	}
}

// handleConnected processes a completed handshake: the peer is confirmed
// from the pending list, the remote membership is merged and the merged
// state gossiped so the rest of the cluster learns of the new link.
func (m *Manager) handleConnected(ev connectedEvent) {
	m.logger.Debug("peer connected", zap.String("peer", ev.name))

	m.removePending(ev.name)

	if prev := m.table.SetConnected(ev.name, ev.conn); prev != ev.conn {
		if prev != nil {
			// A simultaneous dial from both sides raced; keep the most
			// recent session.
			_ = prev.Close()
		}
		m.monitor(ev.name, ev.conn)
	}

	if len(ev.snapshot) > 0 {
		remote, err := crdt.Deserialize(ev.snapshot)
		if err != nil {
			m.metrics.DecodeErrors.Inc()
			m.logger.Warn(
				"dropping undecodable handshake snapshot",
				zap.String("peer", ev.name),
				zap.Error(err),
			)
		} else {
			m.membership.Merge(remote)
			m.membershipChanged()
			m.establishConnections()
		}
	}

	m.updateConnMetrics()
	m.pushState(m.gossipTargets())
}

// handleConnClosed erases the terminated session from the connection
// table. The next gossip round reinserts the peer as disconnected and
// retries, so a transient failure heals without intervention.
func (m *Manager) handleConnClosed(ev connClosedEvent) {
	entry := m.table.Get(ev.name)
	if entry == nil || entry.conn != ev.conn {
		// The entry was already replaced by a newer session.
		return
	}
	m.logger.Debug("peer connection closed", zap.String("peer", ev.name))
	m.table.Remove(ev.name)
	m.updateConnMetrics()
}

func (m *Manager) handleReceived(env protocol.Envelope) {
	m.metrics.EnvelopesInbound.WithLabelValues(env.Kind.String()).Inc()

	switch env.Kind {
	case protocol.KindState:
		m.handleState(env)
	case protocol.KindForward:
		m.handleForward(env)
	default:
		m.logger.Warn(
			"discarding unexpected envelope",
			zap.String("kind", env.Kind.String()),
			zap.String("from", env.From),
		)
	}
}

// handleState merges a gossiped membership snapshot. If the remote view
// adds nothing the envelope is a no-op; otherwise the merged state is
// persisted, published and gossiped onward.
func (m *Manager) handleState(env protocol.Envelope) {
	remote, err := crdt.Deserialize(env.Snapshot)
	if err != nil {
		m.metrics.DecodeErrors.Inc()
		m.logger.Warn(
			"dropping undecodable snapshot",
			zap.String("from", env.From),
			zap.Error(err),
		)
		return
	}

	merged := m.membership.Copy()
	merged.Merge(remote)
	if merged.Equal(m.membership) {
		return
	}
	m.membership = merged
	m.membershipChanged()

	// Connect to peers discovered in the merge before selecting gossip
	// targets, so newly known peers are reachable this round rather than
	// waiting for the next tick.
	m.establishConnections()
	m.pushState(m.gossipTargets())
}

func (m *Manager) handleForward(env protocol.Envelope) {
	handler, ok := m.handlers[env.Target]
	if !ok {
		m.logger.Debug(
			"dropping forward for unknown handle",
			zap.String("target", env.Target),
			zap.String("from", env.From),
		)
		return
	}
	handler.Deliver(env.Payload)
}

// gossipRound re-establishes missing connections then pushes the local
// membership to a random fanout-sized subset of peers.
func (m *Manager) gossipRound() {
	m.metrics.GossipRounds.Inc()
	m.establishConnections()
	m.pushState(m.gossipTargets())
}

// gossipTargets selects up to fanout members, excluding the local node,
// chosen uniformly without replacement.
func (m *Manager) gossipTargets() []crdt.Member {
	var candidates []crdt.Member
	for _, member := range m.membership.Value() {
		if member.Name == m.self.Name {
			continue
		}
		candidates = append(candidates, member)
	}
	return selectPeers(m.rng, candidates, m.conf.Fanout)
}

// pushState pushes the local membership to the given peers. Dispatch
// failures are not retried; the next gossip round heals them.
func (m *Manager) pushState(targets []crdt.Member) {
	if len(targets) == 0 {
		return
	}

	snapshot := m.serialize()
	if snapshot == nil {
		return
	}

	for _, member := range targets {
		if err := m.send(member.Name, protocol.Envelope{
			Kind:     protocol.KindState,
			Snapshot: snapshot,
		}); err != nil {
			m.logger.Debug(
				"failed to push state",
				zap.String("peer", member.Name),
				zap.Error(err),
			)
		}
	}
}

// establishConnections realizes the invariant that every current or
// pending peer has a connection table entry: absent and disconnected peers
// are dialled, live connections are left alone, and entries for peers no
// longer known are pruned.
func (m *Manager) establishConnections() {
	candidates := make(map[string]crdt.Member)
	for _, member := range m.membership.Value() {
		if member.Name == m.self.Name {
			continue
		}
		candidates[member.Name] = member
	}
	for _, member := range m.pending {
		if member.Name == m.self.Name {
			continue
		}
		if _, ok := candidates[member.Name]; !ok {
			candidates[member.Name] = member
		}
	}

	for _, name := range m.table.Names() {
		if _, ok := candidates[name]; !ok {
			entry := m.table.Get(name)
			if entry.conn != nil {
				_ = entry.conn.Close()
			}
			m.table.Remove(name)
		}
	}

	for name, member := range candidates {
		entry := m.table.Get(name)
		if entry != nil && entry.state == connStateConnected {
			// Never re-dial a live connection.
			continue
		}
		m.connect(member)
	}

	m.updateConnMetrics()
}

// connect attempts a single bounded connection to the peer. On failure the
// peer is recorded as disconnected and retried on the next gossip round.
//
// On success the peer is confirmed from the pending list and the remote's
// handshake snapshot merged, as the handshake is completed before Connect
// returns.
func (m *Manager) connect(member crdt.Member) {
	ctx, cancel := context.WithTimeout(context.Background(), m.conf.ConnectTimeout)
	defer cancel()

	conn, snapshot, err := m.transport.Connect(ctx, member, m.serialize(), m)
	if err != nil {
		m.logger.Debug(
			"failed to connect to peer",
			zap.String("peer", member.Name),
			zap.Error(err),
		)
		m.table.SetDisconnected(member.Name)
		return
	}

	if prev := m.table.SetConnected(member.Name, conn); prev != conn {
		if prev != nil {
			_ = prev.Close()
		}
		m.monitor(member.Name, conn)
	}

	m.removePending(member.Name)

	if len(snapshot) > 0 {
		remote, err := crdt.Deserialize(snapshot)
		if err != nil {
			m.metrics.DecodeErrors.Inc()
			m.logger.Warn(
				"dropping undecodable handshake snapshot",
				zap.String("peer", member.Name),
				zap.Error(err),
			)
			return
		}
		m.membership.Merge(remote)
		m.membershipChanged()
	}
}

// monitor forwards the session's termination signal to the event loop.
func (m *Manager) monitor(name string, conn Conn) {
	go func() {
		select {
		case <-conn.Done():
			select {
			case m.events <- connClosedEvent{name: name, conn: conn}:
			case <-m.shutdownCh:
			}
		case <-m.shutdownCh:
		}
	}()
}

func (m *Manager) send(name string, env protocol.Envelope) error {
	entry := m.table.Get(name)
	if entry == nil {
		return ErrNotYetConnected
	}
	if entry.state != connStateConnected {
		return ErrDisconnected
	}

	env.From = m.self.Name
	if err := entry.conn.Send(env); err != nil {
		return err
	}
	m.metrics.EnvelopesOutbound.WithLabelValues(env.Kind.String()).Inc()
	return nil
}

func (m *Manager) leave() {
	m.logger.Info("leaving cluster")

	m.membership.Remove(m.self)
	m.cacheSnapshot()
	m.watcher.OnMembershipChange(m.membership.Value())

	// Push the removal to every connected peer rather than a fanout
	// subset; this is the last chance to disseminate it directly.
	snapshot := m.serialize()
	if snapshot != nil {
		for _, name := range m.table.Names() {
			if err := m.send(name, protocol.Envelope{
				Kind:     protocol.KindState,
				Snapshot: snapshot,
			}); err != nil {
				m.logger.Debug(
					"failed to push leave",
					zap.String("peer", name),
					zap.Error(err),
				)
			}
		}
	}

	if err := m.store.Delete(); err != nil {
		m.logger.Error("failed to delete state", zap.Error(err))
	}

	m.closeConns()
	m.closed.Store(true)
	close(m.shutdownCh)
}

func (m *Manager) closeConns() {
	for _, name := range m.table.Names() {
		entry := m.table.Get(name)
		if entry.conn != nil {
			_ = entry.conn.Close()
		}
		m.table.Remove(name)
	}
}

// removePending removes a single pending entry with the given name.
// Duplicate joins accumulate entries, each confirmed by its own connected
// signal.
func (m *Manager) removePending(name string) {
	for i, member := range m.pending {
		if member.Name == name {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// membershipChanged persists the membership, refreshes the snapshot cache
// and publishes the change. Persistence failures are logged and the
// in-memory state retained.
func (m *Manager) membershipChanged() {
	if err := m.store.Save(m.membership); err != nil {
		m.logger.Error("failed to persist state", zap.Error(err))
	}
	m.cacheSnapshot()
	m.metrics.Members.Set(float64(m.membership.Len()))
	m.watcher.OnMembershipChange(m.membership.Value())
}

func (m *Manager) serialize() []byte {
	b, err := m.membership.Serialize()
	if err != nil {
		m.logger.Error("failed to serialize membership", zap.Error(err))
		return nil
	}
	return b
}

func (m *Manager) cacheSnapshot() {
	if b := m.serialize(); b != nil {
		m.snapshot.Store(b)
	}
}

func (m *Manager) updateConnMetrics() {
	m.metrics.Connections.WithLabelValues(
		connStateConnected.String(),
	).Set(float64(m.table.Count(connStateConnected)))
	m.metrics.Connections.WithLabelValues(
		connStateDisconnected.String(),
	).Set(float64(m.table.Count(connStateDisconnected)))
}

var _ Inbox = &Manager{}
