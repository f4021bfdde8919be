package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// dedupTTL is how long a message hash is remembered. Consensus
	// payloads are re-multicast by several members, so a few seconds of
	// memory suppresses the echoes.
	dedupTTL = 10 * time.Second

	// dedupSweepInterval is the interval between expiry sweeps.
	dedupSweepInterval = 2 * time.Second
)

// Dedup suppresses messages the node has already processed, keyed by the
// blake3 hash of the payload.
type Dedup struct {
	mu   sync.Mutex
	seen map[[32]byte]time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDedup creates a deduplication tracker with a background sweeper.
func NewDedup() *Dedup {
	d := &Dedup{
		seen: make(map[[32]byte]time.Time),
		stop: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.sweepLoop()

	return d
}

// Check records the message and reports whether it is new. Duplicates
// within the TTL return false.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[hash]; ok && now.Sub(ts) < dedupTTL {
		return false
	}

	d.seen[hash] = now

	return true
}

// Close stops the sweeper.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

// sweepLoop drops expired entries.
func (d *Dedup) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(dedupSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case now := <-ticker.C:
			d.mu.Lock()
			for hash, ts := range d.seen {
				if now.Sub(ts) >= dedupTTL {
					delete(d.seen, hash)
				}
			}
			d.mu.Unlock()
		}
	}
}
