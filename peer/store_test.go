package peer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddle-net/huddle/pkg/crdt"
)

func TestStore(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		s := newStore("")
		assert.False(t, s.Enabled())

		set, err := s.Load()
		require.NoError(t, err)
		assert.Nil(t, set)

		assert.NoError(t, s.Save(crdt.New()))
		assert.NoError(t, s.Delete())
	})

	t.Run("load missing", func(t *testing.T) {
		s := newStore(t.TempDir())

		set, err := s.Load()
		require.NoError(t, err)
		assert.Nil(t, set)
	})

	t.Run("save and load", func(t *testing.T) {
		dir := t.TempDir()
		s := newStore(dir)

		set := crdt.New()
		set.Add(testMember("node-1"), crdt.NewActorID("node-1"))
		require.NoError(t, s.Save(set))

		// The state lives in a single well known file.
		_, err := os.Stat(filepath.Join(dir, "peer_service", "cluster_state"))
		require.NoError(t, err)

		loaded, err := s.Load()
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.True(t, set.Equal(loaded))
	})

	t.Run("save replaces", func(t *testing.T) {
		s := newStore(t.TempDir())

		set := crdt.New()
		set.Add(testMember("node-1"), crdt.NewActorID("node-1"))
		require.NoError(t, s.Save(set))

		set.Add(testMember("node-2"), crdt.NewActorID("node-2"))
		require.NoError(t, s.Save(set))

		loaded, err := s.Load()
		require.NoError(t, err)
		assert.True(t, set.Equal(loaded))
	})

	t.Run("delete", func(t *testing.T) {
		dir := t.TempDir()
		s := newStore(dir)

		require.NoError(t, s.Save(crdt.New()))
		require.NoError(t, s.Delete())

		_, err := os.Stat(filepath.Join(dir, "peer_service", "cluster_state"))
		assert.True(t, os.IsNotExist(err))

		// Deleting absent state is not an error.
		assert.NoError(t, s.Delete())
	})

	t.Run("corrupt state", func(t *testing.T) {
		dir := t.TempDir()
		s := newStore(dir)

		require.NoError(t, os.MkdirAll(filepath.Join(dir, "peer_service"), 0o700))
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, "peer_service", "cluster_state"),
			[]byte("garbage"),
			0o600,
		))

		_, err := s.Load()
		assert.Error(t, err)
	})
}

func TestManager_Persistence(t *testing.T) {
	t.Run("seeds and persists on init", func(t *testing.T) {
		dir := t.TempDir()

		conf := testConfig()
		conf.DataDir = dir

		m := testManager(t, "node-1", conf, newFakeTransport())
		assert.Equal(t, []string{"node-1"}, m.Members())

		s := newStore(dir)
		set, err := s.Load()
		require.NoError(t, err)
		require.NotNil(t, set)
		assert.True(t, set.Contains("node-1"))
	})

	t.Run("persists after merge", func(t *testing.T) {
		dir := t.TempDir()

		conf := testConfig()
		conf.DataDir = dir

		m := testManager(t, "node-1", conf, newFakeTransport())
		require.NoError(t, m.UpdateState(remoteSnapshot(t, "node-2")))

		set, err := newStore(dir).Load()
		require.NoError(t, err)
		require.NotNil(t, set)
		assert.True(t, set.Contains("node-1"))
		assert.True(t, set.Contains("node-2"))
	})

	t.Run("loads persisted state on restart", func(t *testing.T) {
		dir := t.TempDir()

		conf := testConfig()
		conf.DataDir = dir

		m := testManager(t, "node-1", conf, newFakeTransport())
		require.NoError(t, m.UpdateState(remoteSnapshot(t, "node-2")))
		firstActor := m.Actor()
		require.NoError(t, m.Close())

		restarted := testManager(t, "node-1", conf, newFakeTransport())
		assert.Equal(t, []string{"node-1", "node-2"}, restarted.Members())
		// A restarted node always has a fresh actor.
		assert.NotEqual(t, firstActor, restarted.Actor())
	})

	t.Run("discards corrupt state on init", func(t *testing.T) {
		dir := t.TempDir()

		require.NoError(t, os.MkdirAll(filepath.Join(dir, "peer_service"), 0o700))
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, "peer_service", "cluster_state"),
			[]byte("garbage"),
			0o600,
		))

		conf := testConfig()
		conf.DataDir = dir

		m := testManager(t, "node-1", conf, newFakeTransport())
		assert.Equal(t, []string{"node-1"}, m.Members())
	})

	t.Run("delete state keeps membership", func(t *testing.T) {
		dir := t.TempDir()

		conf := testConfig()
		conf.DataDir = dir

		m := testManager(t, "node-1", conf, newFakeTransport())
		require.NoError(t, m.DeleteState())

		_, err := os.Stat(filepath.Join(dir, "peer_service", "cluster_state"))
		assert.True(t, os.IsNotExist(err))
		assert.Equal(t, []string{"node-1"}, m.Members())
	})

	t.Run("leave removes state", func(t *testing.T) {
		dir := t.TempDir()

		conf := testConfig()
		conf.DataDir = dir

		m := testManager(t, "node-1", conf, newFakeTransport())
		require.NoError(t, m.Leave())

		_, err := os.Stat(filepath.Join(dir, "peer_service", "cluster_state"))
		assert.True(t, os.IsNotExist(err))
	})
}
