// Package committee maintains the ordered registry of DS committee members
// and the consensus leader index.
package committee

import (
	"fmt"
	"sort"
	"sync"

	"dsnode/internal/crypto"
	"dsnode/internal/wire"
)

// BLSPubKeySize is the size of a member's compressed BLS consensus key.
const BLSPubKeySize = 48

// Member is one DS committee entry: the member's protocol identity, its
// network endpoint, and the BLS key its consensus shares verify under.
type Member struct {
	PubKey crypto.PubKey
	Peer   wire.Peer
	BLSPub [BLSPubKeySize]byte
}

// Registry is the DS committee. The member sequence is kept strictly sorted
// by ascending public key; a member's consensus id is its index in that
// order. Handlers read the registry concurrently; only the epoch driver
// mutates it.
type Registry struct {
	mu       sync.RWMutex
	members  []Member
	leaderID int
}

// NewRegistry builds a registry from the bootstrap member list.
func NewRegistry(members []Member) *Registry {
	r := &Registry{members: make([]Member, len(members))}
	copy(r.members, members)
	r.sortLocked()

	return r
}

// Size returns the committee size.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.members)
}

// Members returns a copy of the ordered member sequence.
func (r *Registry) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Member, len(r.members))
	copy(out, r.members)

	return out
}

// Index returns the consensus id of the given key, or -1 when the key is
// not a member.
func (r *Registry) Index(key crypto.PubKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.indexLocked(key)
}

// Contains reports whether the key is a committee member.
func (r *Registry) Contains(key crypto.PubKey) bool {
	return r.Index(key) >= 0
}

// Member returns the entry at the given consensus id.
func (r *Registry) Member(id int) (Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || id >= len(r.members) {
		return Member{}, fmt.Errorf("consensus id %d out of range (size %d)", id, len(r.members))
	}

	return r.members[id], nil
}

// LeaderID returns the current leader's consensus id.
func (r *Registry) LeaderID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.leaderID
}

// Leader returns the current leader entry.
func (r *Registry) Leader() (Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.members) == 0 {
		return Member{}, fmt.Errorf("empty committee")
	}

	return r.members[r.leaderID], nil
}

// SetLeaderID installs a leader index. Used at epoch start (id 0) and after
// a committed view change.
func (r *Registry) SetLeaderID(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.members) == 0 || id < 0 || id >= len(r.members) {
		return fmt.Errorf("leader id %d out of range (size %d)", id, len(r.members))
	}

	r.leaderID = id

	return nil
}

// Rotate applies a DS-block commit to the committee: the promoted winners
// join, the same number of members fall off the tail of the current order,
// and the sequence is re-sorted so consensus ids stay aligned with key
// order. The leader resets to id 0 for the new round.
func (r *Registry) Rotate(winners []Member) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	evictCount := len(winners)
	if evictCount > len(r.members) {
		evictCount = len(r.members)
	}

	evicted := make([]Member, evictCount)
	copy(evicted, r.members[len(r.members)-evictCount:])
	r.members = r.members[:len(r.members)-evictCount]

	for _, w := range winners {
		if r.indexLocked(w.PubKey) >= 0 {
			continue // already a member, nothing to insert
		}

		r.members = append(r.members, w)
	}

	r.sortLocked()
	r.leaderID = 0

	return evicted
}

// indexLocked returns the index of key, or -1. Caller holds mu.
func (r *Registry) indexLocked(key crypto.PubKey) int {
	for i := range r.members {
		if r.members[i].PubKey == key {
			return i
		}
	}

	return -1
}

// sortLocked re-establishes the pubkey ordering. Caller holds mu.
func (r *Registry) sortLocked() {
	sort.Slice(r.members, func(i, j int) bool {
		return r.members[i].PubKey.Less(r.members[j].PubKey)
	})
}
