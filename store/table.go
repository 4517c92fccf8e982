package store

import (
	"slices"

	"repost-radar/pkg/dedup"
)

// Table is the in-memory fingerprint-indexed ownership table for one scope
// (channel or forum). It has a single writer by contract: the traversal
// engine or live watcher that owns the scope. No locking.
type Table struct {
	entries map[dedup.Fingerprint]*dedup.Entry
	order   []dedup.Fingerprint
	scope   string
	dirty   bool
}

// NewTable creates an empty table for a scope.
func NewTable(scope string) *Table {
	return &Table{
		scope:   scope,
		entries: make(map[dedup.Fingerprint]*dedup.Entry),
	}
}

// Scope returns the channel/forum identifier this table covers.
func (t *Table) Scope() string { return t.scope }

// Len returns the number of distinct fingerprints.
func (t *Table) Len() int { return len(t.entries) }

// Dirty reports whether mutations exist that have not been flushed.
func (t *Table) Dirty() bool { return t.dirty }

// Upsert records a message under a fingerprint. The first message seen for a
// fingerprint becomes the owner and is never replaced within a run,
// regardless of the two records' timestamps; every later message is appended
// to the entry's reposts in call order. A message never duplicates itself:
// re-recording a message already present under the fingerprint (the same
// image attached twice to one message) is a no-op reported as Original.
func (t *Table) Upsert(fp dedup.Fingerprint, msg dedup.Message) (dedup.Role, *dedup.Entry) {
	if entry, ok := t.entries[fp]; ok {
		if entry.Owner.ID == msg.ID {
			return dedup.Original, entry
		}
		for _, r := range entry.Reposts {
			if r.ID == msg.ID {
				return dedup.Original, entry
			}
		}
		entry.Reposts = append(entry.Reposts, msg)
		t.dirty = true
		return dedup.Duplicate, entry
	}
	entry := &dedup.Entry{Owner: msg}
	t.entries[fp] = entry
	t.order = append(t.order, fp)
	t.dirty = true
	return dedup.Original, entry
}

// Entry returns the entry for a fingerprint, if present. Callers must not
// mutate it.
func (t *Table) Entry(fp dedup.Fingerprint) (*dedup.Entry, bool) {
	entry, ok := t.entries[fp]
	return entry, ok
}

// Fingerprints returns every fingerprint in deterministic order: insertion
// order for a table built this run, lexicographic order after a fresh Load.
func (t *Table) Fingerprints() []dedup.Fingerprint {
	return slices.Clone(t.order)
}

// markClean is called by the store after a successful flush.
func (t *Table) markClean() { t.dirty = false }

func sortFingerprints(fps []dedup.Fingerprint) { slices.Sort(fps) }
