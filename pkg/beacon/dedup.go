package beacon

import "sync"

// Deduplicator remembers the last accepted record of every sender. A record is a
// duplicate when it is field-for-field equal to that cached record.
type Deduplicator struct {
	mu   sync.Mutex
	last map[uint16]Record
}

// NewDeduplicator returns an empty Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{last: make(map[uint16]Record)}
}

// IsNovel reports whether rec differs from the sender's cached record. Novel
// records replace the cache entry; duplicates leave it untouched.
func (d *Deduplicator) IsNovel(rec Record) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.last[rec.SenderID]; ok && prev.Equal(rec) {
		return false
	}
	d.last[rec.SenderID] = rec
	return true
}

// Seed primes the cache, typically with the live table restored from disk.
func (d *Deduplicator) Seed(recs ...Record) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range recs {
		d.last[rec.SenderID] = rec
	}
}

// Forget drops the cache entry of one sender.
func (d *Deduplicator) Forget(senderID uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.last, senderID)
}

// Reset forgets every sender.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.last = make(map[uint16]Record)
}

// Len returns the number of senders currently cached.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.last)
}
