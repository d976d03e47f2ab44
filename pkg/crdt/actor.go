package crdt

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"time"

	"go.uber.org/atomic"
)

// ActorIDSize is the size of an actor identifier in bytes.
const ActorIDSize = sha1.Size

// ActorID is the replica identifier used to tag set operations.
//
// An actor is derived from the node name and a monotonic counter at process
// startup, so a restarted node always tags with a fresh actor even if its
// name is unchanged.
type ActorID [ActorIDSize]byte

var actorSeq atomic.Uint64

// NewActorID derives an actor for the given node name.
func NewActorID(name string) ActorID {
	var nonce [16]byte
	binary.BigEndian.PutUint64(nonce[:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(nonce[8:], actorSeq.Inc())

	h := sha1.New()
	h.Write([]byte(name))
	h.Write(nonce[:])

	var id ActorID
	copy(id[:], h.Sum(nil))
	return id
}

// ActorIDFromBytes parses an actor from its binary form.
func ActorIDFromBytes(b []byte) (ActorID, bool) {
	if len(b) != ActorIDSize {
		return ActorID{}, false
	}
	var id ActorID
	copy(id[:], b)
	return id, true
}

func (id ActorID) String() string {
	return hex.EncodeToString(id[:])
}
