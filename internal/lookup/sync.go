// Package lookup talks to the lookup tier: it tracks the node's sync state
// and pulls missing blocks from lookup nodes during catch-up.
package lookup

import (
	"sync"
	"sync/atomic"
)

// SyncType describes why (and whether) the node is resynchronizing.
type SyncType int32

// Sync states. NoSync is the only state in which the dispatcher accepts
// messages.
const (
	NoSync SyncType = iota
	NewSync
	NormalSync
	DSSync
	LookupSync
)

// String returns the sync state name for logging.
func (s SyncType) String() string {
	switch s {
	case NoSync:
		return "NoSync"
	case NewSync:
		return "NewSync"
	case NormalSync:
		return "NormalSync"
	case DSSync:
		return "DSSync"
	case LookupSync:
		return "LookupSync"
	default:
		return "Unknown"
	}
}

// SyncState is the shared, atomically updated sync flag. Handlers read it
// on every message; the resync controller flips it.
type SyncState struct {
	v atomic.Int32
}

// Get returns the current sync type.
func (s *SyncState) Get() SyncType {
	return SyncType(s.v.Load())
}

// Set updates the sync type.
func (s *SyncState) Set(t SyncType) {
	s.v.Store(int32(t))
}

// InSync reports whether the node is fully synchronized.
func (s *SyncState) InSync() bool {
	return s.Get() == NoSync
}

// offlineLookups holds the fetched offline-lookup address list and lets
// waiters block, bounded, until it is populated.
type offlineLookups struct {
	mu    sync.Mutex
	addrs []string
	ready chan struct{}
}

func newOfflineLookups() *offlineLookups {
	return &offlineLookups{ready: make(chan struct{})}
}

// set publishes the address list and wakes waiters. Subsequent sets
// replace the list without re-arming the ready channel.
func (o *offlineLookups) set(addrs []string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.addrs = addrs

	select {
	case <-o.ready:
	default:
		close(o.ready)
	}
}

// get returns the current list.
func (o *offlineLookups) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]string, len(o.addrs))
	copy(out, o.addrs)

	return out
}

// reset clears the list and re-arms the ready channel.
func (o *offlineLookups) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.addrs = nil
	o.ready = make(chan struct{})
}
