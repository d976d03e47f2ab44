package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocol_RoundTrip(t *testing.T) {
	t.Run("hello", func(t *testing.T) {
		env := Envelope{
			Kind:     KindHello,
			From:     "node-1",
			Addr:     "10.26.104.14",
			Port:     8600,
			Snapshot: []byte("snapshot"),
		}

		b, err := Encode(env)
		require.NoError(t, err)

		decoded, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, env, decoded)
	})

	t.Run("state", func(t *testing.T) {
		env := Envelope{
			Kind:     KindState,
			From:     "node-1",
			Snapshot: []byte("snapshot"),
		}

		b, err := Encode(env)
		require.NoError(t, err)

		decoded, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, env, decoded)
	})

	t.Run("forward", func(t *testing.T) {
		env := Envelope{
			Kind:    KindForward,
			From:    "node-1",
			Target:  "worker-5",
			Payload: []byte("payload"),
		}

		b, err := Encode(env)
		require.NoError(t, err)

		decoded, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, env, decoded)
	})
}

func TestProtocol_Malformed(t *testing.T) {
	t.Run("encode unknown kind", func(t *testing.T) {
		_, err := Encode(Envelope{Kind: Kind(99)})
		assert.Error(t, err)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := Decode(nil)
		assert.Error(t, err)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := Decode([]byte{99, 0, 0x80})
		assert.Error(t, err)
	})

	t.Run("unsupported version", func(t *testing.T) {
		b, err := Encode(Envelope{Kind: KindState})
		require.NoError(t, err)

		b[1] = 0xff
		_, err = Decode(b)
		assert.Error(t, err)
	})

	t.Run("missing body", func(t *testing.T) {
		_, err := Decode([]byte{uint8(KindState), 0})
		assert.Error(t, err)
	})
}
