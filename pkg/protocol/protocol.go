// Package protocol defines the envelopes exchanged between peers and their
// binary encoding.
//
// Every envelope is framed with a kind byte and a version byte, followed by
// a msgpack encoded body. The membership snapshots carried inside envelopes
// are opaque to this package.
package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

// Kind identifies the envelope type.
type Kind uint8

const (
	// KindHello is the handshake envelope exchanged when a connection is
	// established. It carries the sender's descriptor and membership
	// snapshot.
	KindHello Kind = iota + 1
	// KindState carries a full membership snapshot pushed via gossip.
	KindState
	// KindForward requests the receiving node delivers the payload to the
	// local handle named by Target.
	KindForward
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindState:
		return "state"
	case KindForward:
		return "forward"
	default:
		return "unknown"
	}
}

const supportedVersion uint8 = 0

// Envelope is a message exchanged between peers.
type Envelope struct {
	Kind Kind

	// From is the name of the sending node.
	From string `codec:"from"`

	// Target names the local handle a forward envelope is addressed to.
	Target string `codec:"target"`

	// Addr and Port advertise the sender's peer listen address in hello
	// envelopes.
	Addr string `codec:"addr"`
	Port int    `codec:"port"`

	// Snapshot is a serialized membership set.
	Snapshot []byte `codec:"snapshot"`

	// Payload is an opaque application message.
	Payload []byte `codec:"payload"`
}

// body is the encoded part of an envelope. The kind is carried in the frame
// header rather than the body.
type body struct {
	From     string `codec:"from"`
	Target   string `codec:"target"`
	Addr     string `codec:"addr"`
	Port     int    `codec:"port"`
	Snapshot []byte `codec:"snapshot"`
	Payload  []byte `codec:"payload"`
}

// Encode encodes the envelope into a framed binary message.
func Encode(env Envelope) ([]byte, error) {
	if env.Kind < KindHello || env.Kind > KindForward {
		return nil, fmt.Errorf("unsupported kind: %d", uint8(env.Kind))
	}

	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(env.Kind))
	_ = buf.WriteByte(supportedVersion)

	var handle codec.MsgpackHandle
	enc := codec.NewEncoder(&buf, &handle)
	if err := enc.Encode(&body{
		From:     env.From,
		Target:   env.Target,
		Addr:     env.Addr,
		Port:     env.Port,
		Snapshot: env.Snapshot,
		Payload:  env.Payload,
	}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode decodes a framed binary message into an envelope. Malformed input
// is rejected with an error.
func Decode(b []byte) (Envelope, error) {
	r := bytes.NewBuffer(b)

	kindByte, err := r.ReadByte()
	if err != nil {
		return Envelope{}, fmt.Errorf("read: %w", err)
	}
	kind := Kind(kindByte)
	if kind < KindHello || kind > KindForward {
		return Envelope{}, fmt.Errorf("unsupported kind: %d", kindByte)
	}

	version, err := r.ReadByte()
	if err != nil {
		return Envelope{}, fmt.Errorf("read: %w", err)
	}
	if version != supportedVersion {
		return Envelope{}, fmt.Errorf("unsupported version: %d", version)
	}

	var handle codec.MsgpackHandle
	dec := codec.NewDecoder(r, &handle)

	var body body
	if err := dec.Decode(&body); err != nil {
		if err == io.EOF {
			return Envelope{}, fmt.Errorf("decode: short message")
		}
		return Envelope{}, fmt.Errorf("decode: %w", err)
	}

	return Envelope{
		Kind:     kind,
		From:     body.From,
		Target:   body.Target,
		Addr:     body.Addr,
		Port:     body.Port,
		Snapshot: body.Snapshot,
		Payload:  body.Payload,
	}, nil
}
