package network

import (
	"sort"
	"sync"
	"time"
)

// PeerStatus is the liveness classification of a table entry.
type PeerStatus string

const (
	// PeerActive means the peer was heard from within the stale timeout.
	PeerActive PeerStatus = "ACTIVE"
	// PeerStale means the peer is overdue but not yet evicted.
	PeerStale PeerStatus = "STALE"
	// PeerEvicted marks records returned by EvictStale; they are no longer in the table.
	PeerEvicted PeerStatus = "EVICTED"
)

// PeerRecord is one known peer endpoint with liveness bookkeeping.
type PeerRecord struct {
	PeerID       string
	Host         string
	Port         int
	LastSeen     time.Time
	Status       PeerStatus
	FailureCount int
}

// PeerTable is the in-memory peer registry.
//
// All mutation goes through the table's own mutex; callers never lock
// externally. The table is process-local and rebuilt from live traffic on
// restart.
type PeerTable struct {
	mu         sync.RWMutex
	peers      map[string]PeerRecord
	staleAfter time.Duration
}

// NewPeerTable creates an empty table that classifies entries older than
// staleAfter as STALE in snapshots.
func NewPeerTable(staleAfter time.Duration) *PeerTable {
	return &PeerTable{
		peers:      make(map[string]PeerRecord),
		staleAfter: staleAfter,
	}
}

// Upsert inserts or refreshes a peer record.
//
// Idempotent: repeated calls with the same peer_id never create duplicates,
// and a LastSeen older than the stored one never moves the record backwards.
// The endpoint is updated whenever the refresh is applied, so a peer that
// re-registers from a new port is tracked at its latest address.
func (t *PeerTable) Upsert(record PeerRecord) {
	if record.PeerID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.peers[record.PeerID]
	if ok && record.LastSeen.Before(existing.LastSeen) {
		return
	}

	record.Status = PeerActive
	record.FailureCount = 0
	t.peers[record.PeerID] = record
}

// NoteFailure increments the failure counter without touching LastSeen.
//
// Failures never evict by themselves; eviction stays with the time rule so a
// single dropped probe during a network blip does not flap the table.
func (t *PeerTable) NoteFailure(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.peers[peerID]
	if !ok {
		return
	}
	record.FailureCount++
	t.peers[peerID] = record
}

// Get returns the record for peerID and whether it exists.
func (t *PeerTable) Get(peerID string) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	record, ok := t.peers[peerID]
	if !ok {
		return PeerRecord{}, false
	}
	return t.classify(record, time.Now()), true
}

// Len returns the number of live records.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Snapshot returns an independent copy of the table, sorted by peer ID.
func (t *PeerTable) Snapshot() []PeerRecord {
	now := time.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerRecord, 0, len(t.peers))
	for _, record := range t.peers {
		out = append(out, t.classify(record, now))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// EvictStale removes every record whose silence exceeds timeout and returns
// the evicted set with Status set to EVICTED.
func (t *PeerTable) EvictStale(now time.Time, timeout time.Duration) []PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []PeerRecord
	for id, record := range t.peers {
		if now.Sub(record.LastSeen) > timeout {
			record.Status = PeerEvicted
			evicted = append(evicted, record)
			delete(t.peers, id)
		}
	}
	sort.Slice(evicted, func(i, j int) bool {
		return evicted[i].PeerID < evicted[j].PeerID
	})
	return evicted
}

func (t *PeerTable) classify(record PeerRecord, now time.Time) PeerRecord {
	if t.staleAfter > 0 && now.Sub(record.LastSeen) > t.staleAfter {
		record.Status = PeerStale
	}
	return record
}
