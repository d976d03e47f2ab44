package peer

import (
	"math/rand"

	"github.com/huddle-net/huddle/pkg/crdt"
)

// selectPeers returns up to fanout members chosen uniformly without
// replacement. If fewer members exist than the fanout, all are returned.
func selectPeers(rng *rand.Rand, members []crdt.Member, fanout int) []crdt.Member {
	shuffled := make([]crdt.Member, len(members))
	copy(shuffled, members)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	if fanout > len(shuffled) {
		fanout = len(shuffled)
	}
	return shuffled[:fanout]
}
