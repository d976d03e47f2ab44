package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func member(name string) Member {
	return Member{Name: name, Addr: "1.2.3.4", Port: 8600}
}

func TestSet_AddRemove(t *testing.T) {
	t.Run("add", func(t *testing.T) {
		actor := NewActorID("node-1")

		s := New()
		s.Add(member("node-1"), actor)
		s.Add(member("node-2"), actor)

		assert.Equal(t, 2, s.Len())
		assert.True(t, s.Contains("node-1"))
		assert.True(t, s.Contains("node-2"))
		assert.False(t, s.Contains("node-3"))

		assert.Equal(
			t,
			[]Member{member("node-1"), member("node-2")},
			s.Value(),
		)
	})

	t.Run("remove", func(t *testing.T) {
		actor := NewActorID("node-1")

		s := New()
		s.Add(member("node-1"), actor)
		s.Add(member("node-2"), actor)
		s.Remove(member("node-2"))

		assert.Equal(t, []Member{member("node-1")}, s.Value())
	})

	t.Run("add again after remove", func(t *testing.T) {
		actor := NewActorID("node-1")

		s := New()
		s.Add(member("node-2"), actor)
		s.Remove(member("node-2"))
		s.Add(member("node-2"), actor)

		assert.True(t, s.Contains("node-2"))
	})

	t.Run("member descriptor", func(t *testing.T) {
		actor := NewActorID("node-1")

		s := New()
		s.Add(Member{Name: "node-2", Addr: "10.0.0.5", Port: 9000}, actor)

		m, ok := s.Member("node-2")
		assert.True(t, ok)
		assert.Equal(t, Member{Name: "node-2", Addr: "10.0.0.5", Port: 9000}, m)

		_, ok = s.Member("node-3")
		assert.False(t, ok)
	})
}

func TestSet_Merge(t *testing.T) {
	t.Run("union", func(t *testing.T) {
		actorA := NewActorID("a")
		actorB := NewActorID("b")

		a := New()
		a.Add(member("a"), actorA)

		b := New()
		b.Add(member("b"), actorB)

		a.Merge(b)
		assert.Equal(t, []Member{member("a"), member("b")}, a.Value())
	})

	t.Run("idempotent", func(t *testing.T) {
		actor := NewActorID("a")

		a := New()
		a.Add(member("a"), actor)
		a.Add(member("b"), actor)
		a.Remove(member("b"))

		merged := a.Copy()
		merged.Merge(a)
		assert.True(t, merged.Equal(a))
	})

	t.Run("commutative", func(t *testing.T) {
		actorA := NewActorID("a")
		actorB := NewActorID("b")

		a := New()
		a.Add(member("a"), actorA)
		a.Add(member("shared"), actorA)

		b := New()
		b.Add(member("b"), actorB)
		b.Add(member("shared"), actorB)

		ab := a.Copy()
		ab.Merge(b)
		ba := b.Copy()
		ba.Merge(a)

		assert.True(t, ab.Equal(ba))
	})

	t.Run("associative", func(t *testing.T) {
		actorA := NewActorID("a")
		actorB := NewActorID("b")
		actorC := NewActorID("c")

		a := New()
		a.Add(member("a"), actorA)

		b := New()
		b.Add(member("b"), actorB)

		c := New()
		c.Add(member("c"), actorC)

		// (a merge b) merge c.
		abc1 := a.Copy()
		abc1.Merge(b)
		abc1.Merge(c)

		// a merge (b merge c).
		bc := b.Copy()
		bc.Merge(c)
		abc2 := a.Copy()
		abc2.Merge(bc)

		assert.True(t, abc1.Equal(abc2))
	})

	t.Run("observed remove", func(t *testing.T) {
		actorA := NewActorID("a")

		// Replica A adds the member and replicates to B.
		a := New()
		a.Add(member("x"), actorA)

		b := New()
		b.Merge(a)

		// B removes the member having observed A's add, while A
		// concurrently re-adds it.
		b.Remove(member("x"))
		a.Add(member("x"), actorA)

		// The concurrent add wins: B has not observed the new dot.
		b.Merge(a)
		assert.True(t, b.Contains("x"))

		a.Merge(b)
		assert.True(t, a.Contains("x"))
	})

	t.Run("remove propagates", func(t *testing.T) {
		actorA := NewActorID("a")

		a := New()
		a.Add(member("x"), actorA)
		a.Add(member("y"), actorA)

		b := New()
		b.Merge(a)

		// B removes a member it observed. The removal survives merging
		// with replicas that only hold observed state.
		b.Remove(member("x"))
		b.Merge(a)
		assert.False(t, b.Contains("x"))
		assert.True(t, b.Contains("y"))
	})

	t.Run("concurrent leave and join", func(t *testing.T) {
		actorA := NewActorID("a")
		actorB := NewActorID("b")

		// A and B both know {a, b}.
		a := New()
		a.Add(member("a"), actorA)

		b := New()
		b.Add(member("b"), actorB)
		b.Merge(a)
		a.Merge(b)
		assert.True(t, a.Equal(b))

		// Simultaneously A leaves and B adds c.
		a.Remove(member("a"))
		b.Add(member("c"), actorB)

		b.Merge(a)
		a.Merge(b)

		assert.Equal(t, []Member{member("b"), member("c")}, b.Value())
		assert.True(t, a.Equal(b))
	})
}

func TestSet_Equal(t *testing.T) {
	t.Run("equal", func(t *testing.T) {
		actor := NewActorID("a")

		a := New()
		a.Add(member("a"), actor)

		b := a.Copy()
		assert.True(t, a.Equal(b))
		assert.True(t, b.Equal(a))
	})

	t.Run("differing elements", func(t *testing.T) {
		actor := NewActorID("a")

		a := New()
		a.Add(member("a"), actor)

		b := a.Copy()
		b.Remove(member("a"))

		assert.False(t, a.Equal(b))
	})

	t.Run("differing clocks", func(t *testing.T) {
		actor := NewActorID("a")

		a := New()
		a.Add(member("a"), actor)

		b := a.Copy()
		b.Add(member("a"), actor)

		assert.False(t, a.Equal(b))
	})
}

func TestSet_Copy(t *testing.T) {
	actor := NewActorID("a")

	a := New()
	a.Add(member("a"), actor)

	b := a.Copy()
	b.Add(member("b"), actor)

	// The copy must not share state with the original.
	assert.False(t, a.Contains("b"))
	assert.True(t, b.Contains("b"))
}

func TestActorID(t *testing.T) {
	t.Run("unique per process start", func(t *testing.T) {
		// The same name must derive distinct actors, as a restarted node
		// must not reuse its previous replica identifier.
		a := NewActorID("node-1")
		b := NewActorID("node-1")
		assert.NotEqual(t, a, b)
	})

	t.Run("from bytes", func(t *testing.T) {
		a := NewActorID("node-1")

		parsed, ok := ActorIDFromBytes(a[:])
		assert.True(t, ok)
		assert.Equal(t, a, parsed)

		_, ok = ActorIDFromBytes([]byte("too short"))
		assert.False(t, ok)
	})
}
