package router

import (
	"sort"
	"testing"
	"time"

	"chathub/server/internal/protocol"
	"chathub/server/internal/roster"
)

func newTestRouter(capacity int) *Router {
	return New(roster.New(capacity), nil)
}

func join(r *Router, now time.Time, handle any, name string) []Emission {
	return r.Step(now, handle, protocol.Frame{Type: protocol.TypeJoin, Source: name})
}

func emissionsTo(emissions []Emission, dest string) []protocol.Frame {
	var out []protocol.Frame
	for _, e := range emissions {
		if e.Dest == dest {
			out = append(out, e.Frame)
		}
	}
	return out
}

func TestJoinWelcomesJoinerAndNotifiesOthers(t *testing.T) {
	r := newTestRouter(10)
	now := time.Now()

	out := join(r, now, "h-alice", "alice")
	if len(out) != 1 || out[0].Dest != "alice" || out[0].Frame.Type != protocol.SystemJoin {
		t.Fatalf("alice join emissions = %+v", out)
	}

	out = join(r, now, "h-bob", "bob")
	// bob gets his own welcome, and alice gets a notification of bob joining.
	var sawWelcome, sawNotify bool
	for _, e := range out {
		if e.Dest == "bob" && e.Frame.Content == "bob" {
			sawWelcome = true
		}
		if e.Dest == "alice" && e.Frame.Content == "bob" {
			sawNotify = true
		}
	}
	if !sawWelcome || !sawNotify {
		t.Fatalf("bob join emissions = %+v", out)
	}
}

func TestScenario1BroadcastMessage(t *testing.T) {
	r := newTestRouter(10)
	now := time.Now()
	join(r, now, "h-alice", "alice")
	join(r, now, "h-bob", "bob")

	out := r.Step(now, "h-alice", protocol.Frame{Type: protocol.TypeMsg, Source: "alice", Content: "hello"})
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 emission, got %+v", out)
	}
	if out[0].Dest != "bob" || out[0].Frame.Source != "alice" || out[0].Frame.Type != protocol.TypeMsg || out[0].Frame.Content != "hello" {
		t.Errorf("got %+v", out[0])
	}
}

func TestScenario2PrivateMessage(t *testing.T) {
	r := newTestRouter(10)
	now := time.Now()
	join(r, now, "h-alice", "alice")
	join(r, now, "h-bob", "bob")

	out := r.Step(now, "h-alice", protocol.Frame{Type: protocol.TypePriv, Source: "alice", Dest: "bob", Content: "hi"})
	if len(out) != 2 {
		t.Fatalf("expected 2 emissions (recipient + echo), got %+v", out)
	}
	for _, e := range out {
		if e.Frame.Type != protocol.TypePriv || e.Frame.Source != "alice" || e.Frame.Dest != "bob" || e.Frame.Content != "hi" {
			t.Errorf("got %+v", e)
		}
	}
	dests := []string{out[0].Dest, out[1].Dest}
	sort.Strings(dests)
	if dests[0] != "alice" || dests[1] != "bob" {
		t.Errorf("dests = %v, want [alice bob]", dests)
	}
}

func TestScenario3PrivToUnknownDestination(t *testing.T) {
	r := newTestRouter(10)
	now := time.Now()
	join(r, now, "h-alice", "alice")

	before := r.roster.SnapshotActive()
	out := r.Step(now, "h-alice", protocol.Frame{Type: protocol.TypePriv, Source: "alice", Dest: "carol", Content: "?"})
	if len(out) != 1 || out[0].Dest != "alice" || out[0].Frame.Type != protocol.SystemError {
		t.Fatalf("got %+v", out)
	}
	after := r.roster.SnapshotActive()
	if len(before) != len(after) {
		t.Errorf("roster changed: before=%v after=%v", before, after)
	}
}

func TestScenario4DuplicateJoinRejected(t *testing.T) {
	r := newTestRouter(10)
	now := time.Now()
	join(r, now, "h-alice", "alice")
	join(r, now, "h-bob", "bob")

	out := r.Step(now, "h-alice-2", protocol.Frame{Type: protocol.TypeJoin, Source: "alice"})
	if len(out) != 1 || out[0].Dest != "alice" || out[0].Frame.Type != protocol.SystemError {
		t.Fatalf("got %+v", out)
	}

	snap := r.roster.SnapshotActive()
	if len(snap) != 2 || snap[0] != "alice" || snap[1] != "bob" {
		t.Errorf("roster snapshot = %v, want [alice bob]", snap)
	}
}

func TestScenario5WriteFailureDefersLeaveToNextStep(t *testing.T) {
	r := newTestRouter(10)
	now := time.Now()
	join(r, now, "h-alice", "alice")
	join(r, now, "h-bob", "bob")

	r.ReportWriteFailure("bob")

	e, ok := r.roster.Lookup("bob")
	if !ok || e.State != roster.Inactive {
		t.Fatalf("bob should be INACTIVE immediately, got %+v", e)
	}

	out := r.Step(now, "h-alice", protocol.Frame{Type: protocol.TypeMsg, Source: "alice", Content: "ping"})
	var sawLeave bool
	for _, em := range out {
		if em.Frame.Type == protocol.SystemLeave && em.Frame.Content == "bob" {
			sawLeave = true
		}
	}
	if !sawLeave {
		t.Fatalf("expected a deferred SYSTEM/LEAVE for bob, got %+v", out)
	}
}

func TestScenario6EvictionWithNoRemainingRecipientsEmitsNothing(t *testing.T) {
	r := newTestRouter(10)
	base := time.Now()
	join(r, base, "h-alice", "alice")

	out := r.Tick(base.Add(31*time.Second), 30*time.Second, time.Hour)
	if len(out) != 0 {
		t.Errorf("expected no emissions with no remaining recipients, got %+v", out)
	}
	e, ok := r.roster.Lookup("alice")
	if !ok || e.State != roster.Inactive {
		t.Errorf("alice should be INACTIVE after eviction, got %+v", e)
	}
}

func TestUnregisteredSenderGetsSystemError(t *testing.T) {
	r := newTestRouter(10)
	out := r.Step(time.Now(), "h-ghost", protocol.Frame{Type: protocol.TypeMsg, Source: "ghost", Content: "x"})
	if len(out) != 1 || out[0].Frame.Type != protocol.SystemError {
		t.Fatalf("got %+v", out)
	}
}

func TestSpoofedSourceIsDropped(t *testing.T) {
	r := newTestRouter(10)
	now := time.Now()
	join(r, now, "h-alice", "alice")
	join(r, now, "h-bob", "bob")

	// bob's handle claims to be alice.
	out := r.Step(now, "h-bob", protocol.Frame{Type: protocol.TypeMsg, Source: "alice", Content: "spoof"})
	if len(out) != 0 {
		t.Errorf("expected spoofed frame to be silently dropped, got %+v", out)
	}
}

func TestPrivToSelfRejected(t *testing.T) {
	r := newTestRouter(10)
	now := time.Now()
	join(r, now, "h-alice", "alice")

	out := r.Step(now, "h-alice", protocol.Frame{Type: protocol.TypePriv, Source: "alice", Dest: "alice", Content: "x"})
	if len(out) != 1 || out[0].Frame.Type != protocol.SystemError {
		t.Fatalf("got %+v", out)
	}
}

func TestMsgFanOutExactlyKOtherActiveEntries(t *testing.T) {
	r := newTestRouter(10)
	now := time.Now()
	names := []string{"alice", "bob", "carol", "dave"}
	for _, n := range names {
		join(r, now, "h-"+n, n)
	}

	out := r.Step(now, "h-alice", protocol.Frame{Type: protocol.TypeMsg, Source: "alice", Content: "hey"})
	if len(out) != len(names)-1 {
		t.Fatalf("got %d emissions, want %d", len(out), len(names)-1)
	}
	seen := map[string]bool{}
	for _, e := range out {
		if e.Dest == "alice" {
			t.Errorf("sender should not receive its own broadcast")
		}
		if e.Frame.Source != "alice" || e.Frame.Type != protocol.TypeMsg || e.Frame.Dest != "" || e.Frame.Content != "hey" {
			t.Errorf("got %+v", e.Frame)
		}
		seen[e.Dest] = true
	}
	if len(seen) != len(names)-1 {
		t.Errorf("distinct destinations = %d, want %d", len(seen), len(names)-1)
	}
}

func TestBannedNameRejectedAtJoin(t *testing.T) {
	r := newTestRouter(10)
	r.BanCheck = func(name string) bool { return name == "banned" }

	out := join(r, time.Now(), "h1", "banned")
	if len(out) != 1 || out[0].Frame.Type != protocol.SystemError {
		t.Fatalf("got %+v", out)
	}
	if _, ok := r.roster.Lookup("banned"); ok {
		t.Error("banned name should never be registered")
	}
}

func TestAuditFuncInvokedOnJoinLeaveEvict(t *testing.T) {
	r := newTestRouter(10)
	var events []string
	r.AuditFunc = func(event, name string) { events = append(events, event+":"+name) }

	now := time.Now()
	join(r, now, "h-alice", "alice")
	r.Step(now, "h-alice", protocol.Frame{Type: protocol.TypeLeave, Source: "alice"})

	join(r, now, "h-bob", "bob")
	r.Tick(now.Add(31*time.Second), 30*time.Second, time.Hour)

	want := []string{"join:alice", "leave:alice", "join:bob", "evict:bob"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestTickRemovesStaleInactiveEntriesFreeingCapacity(t *testing.T) {
	r := newTestRouter(1)
	base := time.Now()
	join(r, base, "h-alice", "alice")

	// alice leaves; her INACTIVE entry still occupies the roster's only slot.
	r.Step(base, "h-alice", protocol.Frame{Type: protocol.TypeLeave, Source: "alice"})
	out := join(r, base, "h-bob", "bob")
	if len(out) != 1 || out[0].Frame.Type != protocol.SystemError {
		t.Fatalf("bob join before stale removal = %+v, want a single SYSTEM/ERROR", out)
	}

	// One eviction interval later, alice's stale entry is removed and the
	// slot is free for a new name.
	r.Tick(base.Add(time.Minute), 30*time.Second, time.Minute)

	out = join(r, base.Add(time.Minute), "h-bob", "bob")
	var sawWelcome bool
	for _, e := range out {
		if e.Dest == "bob" && e.Frame.Type == protocol.SystemJoin {
			sawWelcome = true
		}
	}
	if !sawWelcome {
		t.Fatalf("bob join after stale removal = %+v, want a SYSTEM/JOIN welcome", out)
	}
}

func TestControlRateLimitRejectsExcessJoins(t *testing.T) {
	r := newTestRouter(10)
	r.ControlRateLimit = 4 // budget shared across JOIN/LEAVE/LIST for the name
	now := time.Now()

	out := join(r, now, "h-alice", "alice") // control msg 1/4
	if len(out) != 1 || out[0].Frame.Type != protocol.SystemJoin {
		t.Fatalf("join 1 = %+v, want a welcome", out)
	}
	r.Step(now, "h-alice", protocol.Frame{Type: protocol.TypeLeave, Source: "alice"}) // 2/4

	out = join(r, now, "h-alice-2", "alice") // 3/4
	if len(out) == 0 || out[0].Frame.Type != protocol.SystemJoin {
		t.Fatalf("join 2 (within limit) = %+v, want a welcome", out)
	}
	r.Step(now, "h-alice-2", protocol.Frame{Type: protocol.TypeLeave, Source: "alice"}) // 4/4

	out = join(r, now, "h-alice-3", "alice") // 5/4: over the limit, same second
	if len(out) != 1 || out[0].Frame.Type != protocol.SystemError || out[0].Frame.Content != diagRateLimited {
		t.Fatalf("join 3 (over limit, same second) = %+v, want rate-limited SYSTEM/ERROR", out)
	}

	// A second later the window resets.
	out = join(r, now.Add(time.Second), "h-alice-4", "alice")
	if len(out) == 0 || out[0].Frame.Type != protocol.SystemJoin {
		t.Fatalf("join after window reset = %+v, want a welcome", out)
	}
}

func TestControlRateLimitDisabledByDefault(t *testing.T) {
	r := newTestRouter(10)
	now := time.Now()
	join(r, now, "h-alice", "alice")

	var out []Emission
	for i := 0; i < 20; i++ {
		out = r.Step(now, "h-alice", protocol.Frame{Type: protocol.TypeList, Source: "alice"})
	}
	if len(out) != 1 || out[0].Frame.Type != protocol.SystemList {
		t.Fatalf("got %+v, want an unthrottled LIST reply even after 20 rapid calls", out)
	}
}

func TestListReturnsCommaSeparatedActiveRoster(t *testing.T) {
	r := newTestRouter(10)
	now := time.Now()
	join(r, now, "alice-h", "alice")
	join(r, now, "bob-h", "bob")

	out := r.Step(now, "alice-h", protocol.Frame{Type: protocol.TypeList, Source: "alice"})
	if len(out) != 1 || out[0].Frame.Content != "alice,bob" {
		t.Fatalf("got %+v", out)
	}
}
