// Package roster is the single-writer table of registered chat users and
// their delivery handles. Its mutations come from the router; every
// method locks internally (see Roster).
package roster

import (
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a roster entry.
type State int

const (
	// Active entries are connected and deliverable.
	Active State = iota
	// Inactive entries are kept around (e.g. after a clean LEAVE or a
	// write failure) so a reconnect under the same name reuses the slot,
	// until eviction removes them for good.
	Inactive
)

func (s State) String() string {
	if s == Active {
		return "ACTIVE"
	}
	return "INACTIVE"
}

// Reserved names. SYSTEM is the hub's own source name and ALL is the
// broadcast destination token; neither may be registered.
const (
	ReservedSystem = "SYSTEM"
	ReservedAll    = "ALL"
)

// Name length bounds, per spec.md §3.
const (
	MinNameLen = 3
	MaxNameLen = 31
)

// DefaultCapacity is the hub-wide registration cap used when none is
// configured. spec.md requires an implementer's constant of at least 10.
const DefaultCapacity = 256

// Result is the outcome of Register.
type Result int

const (
	// Added means a brand new entry was created.
	Added Result = iota
	// Reactivated means an existing INACTIVE entry for this name was
	// reused and marked ACTIVE again, with a fresh handle.
	Reactivated
	// Rejected means the registration attempt failed; see Reason().
	Rejected
)

func (res Result) String() string {
	switch res {
	case Added:
		return "added"
	case Reactivated:
		return "reactivated"
	default:
		return "rejected"
	}
}

// RejectReason explains a Rejected result.
type RejectReason int

const (
	// ReasonNone is returned alongside any non-Rejected Result.
	ReasonNone RejectReason = iota
	ReasonInvalidName
	ReasonReserved
	ReasonNameInUse
	ReasonServerFull
)

func (r RejectReason) String() string {
	switch r {
	case ReasonInvalidName:
		return "invalid name"
	case ReasonReserved:
		return "reserved name"
	case ReasonNameInUse:
		return "name in use"
	case ReasonServerFull:
		return "server full"
	default:
		return "none"
	}
}

// Entry is one roster row. Copies returned to callers (e.g. via Lookup or
// Snapshot) are safe to read without holding any lock.
type Entry struct {
	Name          string
	Handle        any
	LastActivity  time.Time
	State         State
	InactiveSince time.Time // zero unless State == Inactive; when it went Inactive
}

// Roster is the authoritative name→entry table plus a reverse index from
// delivery handle to name, used by callers that only have a handle (e.g. a
// transport reporting a write failure).
//
// Every mutating method takes the write lock and every read-only method
// (Lookup, SnapshotActive, NameForHandle, Stats) takes the read lock, so
// calls from several goroutines are safe. In the hub, mutations come from
// the router goroutine's Step/Tick and from Router.ReportWriteFailure,
// which writer workers call on their own goroutines.
type Roster struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	byHandle map[any]string
	order    []string // insertion order of currently-known names, for snapshot_active
	capacity int
}

// New returns an empty roster with the given registration cap. A cap <= 0
// uses DefaultCapacity.
func New(capacity int) *Roster {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Roster{
		entries:  make(map[string]*Entry),
		byHandle: make(map[any]string),
		capacity: capacity,
	}
}

// ValidateName checks the name grammar from spec.md §3: 3–31 bytes, first
// byte a letter, remaining bytes letters/digits/underscore.
func ValidateName(name string) bool {
	if len(name) < MinNameLen || len(name) > MaxNameLen {
		return false
	}
	if !isAlpha(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !isAlpha(c) && !isDigit(c) && c != '_' {
			return false
		}
	}
	return true
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// IsReserved reports whether name is one of the two tokens no user may
// register under.
func IsReserved(name string) bool {
	return name == ReservedSystem || name == ReservedAll
}

// Register adds or reactivates name with the given delivery handle.
// now is the caller-supplied clock reading, stamped as LastActivity.
func (r *Roster) Register(name string, handle any, now time.Time) (Result, RejectReason) {
	if !ValidateName(name) {
		return Rejected, ReasonInvalidName
	}
	if IsReserved(name) {
		return Rejected, ReasonReserved
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[name]
	if exists && e.State == Active {
		return Rejected, ReasonNameInUse
	}
	if !exists && len(r.entries) >= r.capacity {
		return Rejected, ReasonServerFull
	}

	if exists {
		// Reactivation reuses the slot; its position in `order` is
		// unchanged (it never left).
		if e.Handle != nil {
			delete(r.byHandle, e.Handle)
		}
		e.Handle = handle
		e.LastActivity = now
		e.State = Active
		e.InactiveSince = time.Time{}
		r.byHandle[handle] = name
		return Reactivated, ReasonNone
	}

	r.entries[name] = &Entry{Name: name, Handle: handle, LastActivity: now, State: Active}
	r.byHandle[handle] = name
	r.order = append(r.order, name)
	return Added, ReasonNone
}

// Deregister transitions name's entry (if any, and if ACTIVE) to INACTIVE,
// stamping now as InactiveSince so a later RemoveStale call can tell how
// long it has sat idle. Idempotent: calling it on an already-INACTIVE or
// absent name is a no-op.
func (r *Roster) Deregister(name string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || e.State == Inactive {
		return
	}
	if e.Handle != nil {
		delete(r.byHandle, e.Handle)
	}
	e.Handle = nil
	e.State = Inactive
	e.InactiveSince = now
}

// Touch updates name's last-activity timestamp to now. No-op if name is
// unknown or INACTIVE.
func (r *Roster) Touch(name string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok && e.State == Active {
		e.LastActivity = now
	}
}

// Lookup returns a copy of name's entry and whether it exists at all
// (ACTIVE or INACTIVE).
func (r *Roster) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// NameForHandle resolves a delivery handle back to its registered name.
// Returns false if the handle is not currently bound to an ACTIVE entry.
func (r *Roster) NameForHandle(handle any) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byHandle[handle]
	return name, ok
}

// SnapshotActive returns the ACTIVE names in registration order.
func (r *Roster) SnapshotActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if e := r.entries[name]; e != nil && e.State == Active {
			out = append(out, name)
		}
	}
	return out
}

// SnapshotActiveCSV is a convenience for LIST responses (spec.md §4.3).
func (r *Roster) SnapshotActiveCSV() string {
	return strings.Join(r.SnapshotActive(), ",")
}

// Evicted is one (name, handle) pair transitioned to INACTIVE by EvictIdle.
type Evicted struct {
	Name   string
	Handle any
}

// EvictIdle transitions every ACTIVE entry whose last activity is older
// than threshold (relative to now) to INACTIVE, and returns the set that
// changed. An entry appears in at most one EvictIdle call's result: once
// transitioned it is INACTIVE (with its Handle cleared), and only ACTIVE
// entries are considered, so it can't be re-evicted until it reactivates.
func (r *Roster) EvictIdle(now time.Time, threshold time.Duration) []Evicted {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Evicted
	for _, name := range r.order {
		e := r.entries[name]
		if e == nil || e.State != Active {
			continue
		}
		if now.Sub(e.LastActivity) < threshold {
			continue
		}
		handle := e.Handle
		if handle != nil {
			delete(r.byHandle, handle)
		}
		e.Handle = nil
		e.State = Inactive
		e.InactiveSince = now
		out = append(out, Evicted{Name: name, Handle: handle})
	}
	return out
}

// remove permanently deletes name's entry, regardless of state. Caller
// must hold r.mu.
func (r *Roster) remove(name string) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	if e.Handle != nil {
		delete(r.byHandle, e.Handle)
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Remove permanently deletes name's entry, regardless of state.
func (r *Roster) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(name)
}

// RemoveStale deletes every INACTIVE entry that has been INACTIVE for at
// least threshold (relative to now), freeing its registration slot. This
// is the second half of the lifecycle spec.md describes: EvictIdle (or a
// write failure) takes an entry from ACTIVE to INACTIVE, and RemoveStale
// later takes it from INACTIVE to gone, once it's clear it isn't coming
// back. Returns the removed names.
func (r *Roster) RemoveStale(now time.Time, threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for _, name := range r.order {
		e := r.entries[name]
		if e == nil || e.State != Inactive {
			continue
		}
		if now.Sub(e.InactiveSince) < threshold {
			continue
		}
		stale = append(stale, name)
	}
	for _, name := range stale {
		r.remove(name)
	}
	return stale
}

// Stats is a point-in-time summary used by the hub's periodic metrics log.
type Stats struct {
	Active int
	Total  int // ACTIVE + INACTIVE entries still held
}

// Stats returns a snapshot of roster occupancy.
func (r *Roster) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Total: len(r.entries)}
	for _, e := range r.entries {
		if e.State == Active {
			s.Active++
		}
	}
	return s
}
