// Package peer holds the process-wide table of known remote nodes.
package peer

import (
	"sort"
	"sync"
	"time"
)

// Record is one known remote node, keyed by its IP address.
type Record struct {
	Addr     string
	Name     string
	LastSeen time.Time
}

// Table maps peer addresses to records. It is shared between the
// discovery loops, the session listeners and the transfer daemon, so all
// access goes through the table's own lock.
type Table struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewTable() *Table {
	return &Table{records: make(map[string]Record)}
}

// Upsert records traffic from addr, creating the peer if it is new and
// refreshing name and last-seen time otherwise.
func (t *Table) Upsert(addr, name string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[addr] = Record{Addr: addr, Name: name, LastSeen: now}
}

// Touch refreshes addr's last-seen time if the peer is known.
func (t *Table) Touch(addr string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[addr]; ok {
		rec.LastSeen = now
		t.records[addr] = rec
	}
}

func (t *Table) Get(addr string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[addr]
	return rec, ok
}

// FindByName resolves a display name to a record. Names are not required
// to be unique; the first match wins.
func (t *Table) FindByName(name string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.records {
		if rec.Name == name {
			return rec, true
		}
	}
	return Record{}, false
}

// Snapshot returns all records ordered by address.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Prune removes every peer not seen within maxAge and returns the removed
// records.
func (t *Table) Prune(now time.Time, maxAge time.Duration) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []Record
	for addr, rec := range t.records {
		if now.Sub(rec.LastSeen) > maxAge {
			removed = append(removed, rec)
			delete(t.records, addr)
		}
	}
	return removed
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
