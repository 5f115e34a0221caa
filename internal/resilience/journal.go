package resilience

import "sync"

// JournalEntry is one provisionally-owned resource recorded during a
// failover attempt, pending commit or rollback.
type JournalEntry struct {
	FailoverID string
	ResourceID string
	Kind       string // e.g. "instance", "snapshot_chunk"
}

// CleanupJournal tracks resources a failover attempt has provisionally
// created (speculative rentals, staged snapshot chunks) so a losing or
// failed attempt can be unwound without leaking billable resources.
type CleanupJournal struct {
	mu      sync.Mutex
	entries map[string][]JournalEntry // keyed by failover_id
	cap     int
}

func newCleanupJournal(capacity int) *CleanupJournal {
	return &CleanupJournal{entries: make(map[string][]JournalEntry), cap: capacity}
}

// Record adds a provisional resource under failoverID.
func (j *CleanupJournal) Record(failoverID, resourceID, kind string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[failoverID] = append(j.entries[failoverID], JournalEntry{
		FailoverID: failoverID, ResourceID: resourceID, Kind: kind,
	})
}

// Resolve removes failoverID's journal and returns the entries keep
// rejected — the ones the caller must roll back. Entries keep accepts are
// dropped from the journal as committed.
func (j *CleanupJournal) Resolve(failoverID string, keep func(resourceID string) bool) []JournalEntry {
	j.mu.Lock()
	entries := j.entries[failoverID]
	delete(j.entries, failoverID)
	j.mu.Unlock()

	var rolledBack []JournalEntry
	for _, e := range entries {
		if !keep(e.ResourceID) {
			rolledBack = append(rolledBack, e)
		}
	}
	return rolledBack
}

// Pending returns the current provisional entries for a failover, for
// inspection without resolving them.
func (j *CleanupJournal) Pending(failoverID string) []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, len(j.entries[failoverID]))
	copy(out, j.entries[failoverID])
	return out
}
