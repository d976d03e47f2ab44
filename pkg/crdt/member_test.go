package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMember(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		m, err := ParseMember("node-1@10.26.104.14:8600")
		require.NoError(t, err)
		assert.Equal(t, Member{
			Name: "node-1",
			Addr: "10.26.104.14",
			Port: 8600,
		}, m)
	})

	t.Run("round trips string form", func(t *testing.T) {
		m := Member{Name: "node-1", Addr: "10.26.104.14", Port: 8600}
		parsed, err := ParseMember(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := ParseMember("10.26.104.14:8600")
		assert.Error(t, err)

		_, err = ParseMember("@10.26.104.14:8600")
		assert.Error(t, err)
	})

	t.Run("missing port", func(t *testing.T) {
		_, err := ParseMember("node-1@10.26.104.14")
		assert.Error(t, err)
	})

	t.Run("invalid port", func(t *testing.T) {
		_, err := ParseMember("node-1@10.26.104.14:port")
		assert.Error(t, err)

		_, err = ParseMember("node-1@10.26.104.14:99999")
		assert.Error(t, err)
	})
}
