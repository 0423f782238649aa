package roster

import (
	"testing"
	"time"
)

func TestValidateNameBoundaries(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"abc", true},                            // exactly 3
		{"ab", false},                             // 2 bytes
		{"a234567890123456789012345678901", true}, // exactly 31 (1 + 30)
		{"a2345678901234567890123456789012", false}, // 32 bytes
		{"1abc", false},                           // first byte not a letter
		{"a_b9", true},
		{"a-b", false}, // hyphen not allowed
	}
	for _, c := range cases {
		if got := ValidateName(c.name); got != c.ok {
			t.Errorf("ValidateName(%q) = %v, want %v (len=%d)", c.name, got, c.ok, len(c.name))
		}
	}
}

func TestRegisterRejectsReservedNames(t *testing.T) {
	r := New(10)
	for _, name := range []string{"SYSTEM", "ALL"} {
		res, reason := r.Register(name, "h", time.Now())
		if res != Rejected || reason != ReasonReserved {
			t.Errorf("Register(%q) = %v/%v, want Rejected/ReasonReserved", name, res, reason)
		}
	}
}

func TestRegisterAddThenDuplicateRejected(t *testing.T) {
	r := New(10)
	now := time.Now()

	res, _ := r.Register("alice", "h1", now)
	if res != Added {
		t.Fatalf("first Register = %v, want Added", res)
	}

	res, reason := r.Register("alice", "h2", now)
	if res != Rejected || reason != ReasonNameInUse {
		t.Errorf("duplicate Register = %v/%v, want Rejected/ReasonNameInUse", res, reason)
	}
}

func TestDeregisterThenReactivate(t *testing.T) {
	r := New(10)
	now := time.Now()

	r.Register("alice", "h1", now)
	r.Deregister("alice", now)

	e, ok := r.Lookup("alice")
	if !ok || e.State != Inactive {
		t.Fatalf("after deregister: entry=%+v ok=%v, want INACTIVE", e, ok)
	}

	res, _ := r.Register("alice", "h2", now.Add(time.Second))
	if res != Reactivated {
		t.Fatalf("Register after deregister = %v, want Reactivated", res)
	}
	e, _ = r.Lookup("alice")
	if e.State != Active || e.Handle != "h2" {
		t.Errorf("after reactivate: %+v", e)
	}
}

func TestDeregisterIdempotent(t *testing.T) {
	r := New(10)
	now := time.Now()
	r.Deregister("nobody", now) // must not panic

	r.Register("alice", "h1", now)
	r.Deregister("alice", now)
	r.Deregister("alice", now) // second call is a no-op
	e, _ := r.Lookup("alice")
	if e.State != Inactive {
		t.Errorf("state = %v, want INACTIVE", e.State)
	}
}

func TestServerFullRejectsOnlyNewNames(t *testing.T) {
	r := New(2)
	now := time.Now()
	if res, _ := r.Register("alice", "h1", now); res != Added {
		t.Fatal("expected alice added")
	}
	if res, _ := r.Register("bob", "h2", now); res != Added {
		t.Fatal("expected bob added")
	}
	res, reason := r.Register("carol", "h3", now)
	if res != Rejected || reason != ReasonServerFull {
		t.Fatalf("Register(carol) = %v/%v, want Rejected/ReasonServerFull", res, reason)
	}

	// Reactivating an existing (even INACTIVE) name must still work at capacity.
	r.Deregister("alice", now)
	res, _ = r.Register("alice", "h4", now)
	if res != Reactivated {
		t.Errorf("reactivation at capacity = %v, want Reactivated", res)
	}
}

func TestSnapshotActivePreservesInsertionOrderAndExcludesInactive(t *testing.T) {
	r := New(10)
	now := time.Now()
	r.Register("carol", "h1", now)
	r.Register("alice", "h2", now)
	r.Register("bob", "h3", now)
	r.Deregister("alice", now)

	got := r.SnapshotActive()
	want := []string{"carol", "bob"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestNoDuplicatesInSnapshotForAnySequenceWithoutDuplicateJoins(t *testing.T) {
	r := New(100)
	now := time.Now()
	names := []string{"alice", "bob", "carol", "dave"}
	for _, n := range names {
		r.Register(n, n+"-h", now)
	}
	r.Deregister("bob", now)
	r.Register("bob", "bob-h2", now) // reconnect, not a duplicate JOIN for a distinct name

	seen := map[string]int{}
	for _, n := range r.SnapshotActive() {
		seen[n]++
	}
	for n, c := range seen {
		if c != 1 {
			t.Errorf("name %q appeared %d times in snapshot", n, c)
		}
	}
}

func TestEvictIdleMonotone(t *testing.T) {
	r := New(10)
	base := time.Now()
	r.Register("alice", "h1", base)

	threshold := 30 * time.Second
	evicted := r.EvictIdle(base.Add(threshold+time.Second), threshold)
	if len(evicted) != 1 || evicted[0].Name != "alice" {
		t.Fatalf("evicted = %+v, want [alice]", evicted)
	}

	// A second eviction pass at the same or later time must not re-report alice:
	// it is already INACTIVE, so EvictIdle only considers ACTIVE entries.
	evicted = r.EvictIdle(base.Add(threshold+time.Hour), threshold)
	if len(evicted) != 0 {
		t.Errorf("second EvictIdle pass = %+v, want none", evicted)
	}
}

func TestEvictIdleClearsHandleAndReverseIndex(t *testing.T) {
	r := New(10)
	base := time.Now()
	r.Register("alice", "h1", base)

	r.EvictIdle(base.Add(time.Hour), 30*time.Second)

	if _, ok := r.NameForHandle("h1"); ok {
		t.Error("handle should no longer resolve after eviction")
	}
	e, ok := r.Lookup("alice")
	if !ok || e.Handle != nil {
		t.Errorf("entry after eviction = %+v", e)
	}
}

func TestTouchNoopOnUnknownOrInactive(t *testing.T) {
	r := New(10)
	r.Touch("nobody", time.Now()) // must not panic

	r.Register("alice", "h1", time.Time{})
	r.Deregister("alice", time.Now())
	r.Touch("alice", time.Now())
	e, _ := r.Lookup("alice")
	if !e.LastActivity.IsZero() {
		t.Error("Touch on an INACTIVE entry should be a no-op")
	}
}

func TestRemoveStaleFreesCapacityOnlyAfterThreshold(t *testing.T) {
	r := New(1)
	base := time.Now()

	if res, _ := r.Register("alice", "h1", base); res != Added {
		t.Fatal("expected alice added")
	}
	r.Deregister("alice", base)

	// carol can't join yet: alice's INACTIVE entry still occupies the slot.
	if res, reason := r.Register("carol", "h2", base); res != Rejected || reason != ReasonServerFull {
		t.Fatalf("Register(carol) before RemoveStale = %v/%v, want Rejected/ReasonServerFull", res, reason)
	}

	threshold := time.Minute
	removed := r.RemoveStale(base.Add(threshold-time.Second), threshold)
	if len(removed) != 0 {
		t.Fatalf("RemoveStale before threshold elapsed = %v, want none removed", removed)
	}

	removed = r.RemoveStale(base.Add(threshold+time.Second), threshold)
	if len(removed) != 1 || removed[0] != "alice" {
		t.Fatalf("RemoveStale after threshold elapsed = %v, want [alice]", removed)
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Error("alice should be gone from the roster entirely")
	}

	if res, _ := r.Register("carol", "h2", base.Add(threshold+time.Second)); res != Added {
		t.Fatalf("Register(carol) after RemoveStale = %v, want Added", res)
	}
}

func TestRemoveStaleIgnoresActiveEntries(t *testing.T) {
	r := New(10)
	base := time.Now()
	r.Register("alice", "h1", base)

	removed := r.RemoveStale(base.Add(time.Hour), time.Second)
	if len(removed) != 0 {
		t.Fatalf("RemoveStale removed ACTIVE entries: %v", removed)
	}
	if _, ok := r.Lookup("alice"); !ok {
		t.Error("alice should still be present")
	}
}
