package crdt

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ugorji/go/codec"
)

// The serialized set is framed with a type byte and a version byte,
// followed by a msgpack encoded state. The same encoding is used on disk
// and on the wire.
const (
	snapshotType     uint8 = 1
	supportedVersion uint8 = 0
)

type dotState struct {
	Actor   []byte `codec:"actor"`
	Counter uint64 `codec:"counter"`
}

type elementState struct {
	Name string     `codec:"name"`
	Addr string     `codec:"addr"`
	Port int        `codec:"port"`
	Dots []dotState `codec:"dots"`
}

type clockState struct {
	Actor   []byte `codec:"actor"`
	Counter uint64 `codec:"counter"`
}

type setState struct {
	Clock    []clockState   `codec:"clock"`
	Elements []elementState `codec:"elements"`
}

// Serialize encodes the set. The encoding is deterministic: identical
// logical states encode to identical bytes.
func (s *Set) Serialize() ([]byte, error) {
	state := setState{}

	for actor, counter := range s.clock {
		state.Clock = append(state.Clock, clockState{
			Actor:   append([]byte(nil), actor[:]...),
			Counter: counter,
		})
	}
	sort.Slice(state.Clock, func(i, j int) bool {
		return bytes.Compare(state.Clock[i].Actor, state.Clock[j].Actor) < 0
	})

	for _, el := range s.elements {
		elState := elementState{
			Name: el.member.Name,
			Addr: el.member.Addr,
			Port: el.member.Port,
		}
		for dot := range el.dots {
			elState.Dots = append(elState.Dots, dotState{
				Actor:   append([]byte(nil), dot.Actor[:]...),
				Counter: dot.Counter,
			})
		}
		sort.Slice(elState.Dots, func(i, j int) bool {
			if c := bytes.Compare(elState.Dots[i].Actor, elState.Dots[j].Actor); c != 0 {
				return c < 0
			}
			return elState.Dots[i].Counter < elState.Dots[j].Counter
		})
		state.Elements = append(state.Elements, elState)
	}
	sort.Slice(state.Elements, func(i, j int) bool {
		return state.Elements[i].Name < state.Elements[j].Name
	})

	var buf bytes.Buffer
	_ = buf.WriteByte(snapshotType)
	_ = buf.WriteByte(supportedVersion)

	var handle codec.MsgpackHandle
	enc := codec.NewEncoder(&buf, &handle)
	if err := enc.Encode(&state); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a set encoded with Serialize. Malformed input is
// rejected with an error.
func Deserialize(b []byte) (*Set, error) {
	r := bytes.NewBuffer(b)

	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if typeByte != snapshotType {
		return nil, fmt.Errorf("incorrect snapshot type: %d", typeByte)
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if version != supportedVersion {
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	var handle codec.MsgpackHandle
	dec := codec.NewDecoder(r, &handle)

	var state setState
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	s := New()
	for _, entry := range state.Clock {
		actor, ok := ActorIDFromBytes(entry.Actor)
		if !ok {
			return nil, fmt.Errorf("invalid actor: %d bytes", len(entry.Actor))
		}
		s.clock[actor] = entry.Counter
	}
	for _, elState := range state.Elements {
		if elState.Name == "" {
			return nil, fmt.Errorf("element missing name")
		}
		dots := make(map[Dot]struct{}, len(elState.Dots))
		for _, dotState := range elState.Dots {
			actor, ok := ActorIDFromBytes(dotState.Actor)
			if !ok {
				return nil, fmt.Errorf("invalid actor: %d bytes", len(dotState.Actor))
			}
			dots[Dot{Actor: actor, Counter: dotState.Counter}] = struct{}{}
		}
		if len(dots) == 0 {
			return nil, fmt.Errorf("element %s missing dots", elState.Name)
		}
		s.elements[elState.Name] = &element{
			member: Member{
				Name: elState.Name,
				Addr: elState.Addr,
				Port: elState.Port,
			},
			dots: dots,
		}
	}
	return s, nil
}
