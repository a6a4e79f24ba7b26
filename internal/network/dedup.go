package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is how long a message hash is remembered.
	defaultDedupTTL = 30 * time.Second

	// sweepInterval is the interval between expiry sweeps.
	sweepInterval = 5 * time.Second
)

// Dedup remembers recently seen payloads by blake3 hash, so a message
// pushed twice (after a reconnect, or by two senders) is handled once.
type Dedup struct {
	mu   sync.Mutex
	seen map[[32]byte]time.Time // seen maps payload hash to first sighting
	ttl  time.Duration
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDedup creates a dedup filter. A zero ttl uses the default.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]time.Time),
		ttl:  ttl,
		stop: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.sweepLoop()

	return d
}

// First reports whether data is seen for the first time within the TTL,
// and records it.
func (d *Dedup) First(data []byte) bool {
	hash := blake3.Sum256(data)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[hash]; ok && now.Sub(at) < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Forget drops data so its next sighting counts as first.
func (d *Dedup) Forget(data []byte) {
	hash := blake3.Sum256(data)

	d.mu.Lock()
	delete(d.seen, hash)
	d.mu.Unlock()
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the sweeper.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dedup) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep(time.Now())
		case <-d.stop:
			return
		}
	}
}

// sweep drops hashes older than the TTL.
func (d *Dedup) sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
