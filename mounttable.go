package absnfs

import "sync"

// MountEntry records one outstanding MOUNT3 mount, keyed by the
// combination of client hostname and exported path.
type MountEntry struct {
	Hostname string
	Path     string
}

// MountTable is the in-memory MOUNT3 mount list backing DUMP, UMNT
// and UMNTALL. The list is advisory (a crashed client leaks its
// entries until UMNTALL) and mutated from concurrent handlers, so a
// mutex guards it.
type MountTable struct {
	mu      sync.Mutex
	entries []MountEntry
}

func NewMountTable() *MountTable {
	return &MountTable{}
}

// Add records a new mount. It reports whether a new entry was
// actually created, so callers accounting for per-client entry caps
// don't double-count a re-sent MNT.
func (t *MountTable) Add(hostname, path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.Hostname == hostname && e.Path == path {
			return false
		}
	}
	t.entries = append(t.entries, MountEntry{Hostname: hostname, Path: path})
	return true
}

// Remove deletes matching mount entries and returns how many were
// removed.
func (t *MountTable) Remove(hostname, path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if e.Hostname == hostname && e.Path == path {
			removed++
			continue
		}
		out = append(out, e)
	}
	t.entries = out
	return removed
}

// RemoveAll deletes every mount entry for one client, backing UMNTALL,
// and returns how many were removed.
func (t *MountTable) RemoveAll(hostname string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if e.Hostname == hostname {
			removed++
			continue
		}
		out = append(out, e)
	}
	t.entries = out
	return removed
}

// Dump returns a snapshot of the mount list in insertion order,
// backing MOUNT3 DUMP. Nothing about DUMP's semantics depends on the
// ordering; clients display the list verbatim.
func (t *MountTable) Dump() []MountEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MountEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
