// Package router implements the single-writer step function that turns one
// inbound frame into zero or more outbound emissions, plus the idle
// eviction tick. It is the only component that mutates the roster.
package router

import (
	"log/slog"
	"sync"
	"time"

	"chathub/server/internal/protocol"
	"chathub/server/internal/roster"
)

// Emission is one outbound frame. Dest names the roster entry the hub
// should resolve a delivery handle for. Handle is only set when the
// frame must reach an endpoint that is not (or not yet) a roster entry —
// a registration rejection, or a "not registered" error to an unbound
// sender — in which case the hub writes directly to Handle instead of
// doing a roster lookup on Dest.
type Emission struct {
	Dest   string
	Handle any
	Frame  protocol.Frame
}

// Diagnostics for SYSTEM/ERROR content. Not part of the wire contract
// beyond being human-readable text; clients must key off Type, not this
// string.
const (
	diagNotRegistered  = "not registered"
	diagNameInUse      = "name in use"
	diagNameInvalid    = "invalid name"
	diagReserved       = "reserved name"
	diagServerFull     = "server full"
	diagNameBanned     = "name banned"
	diagPrivBadDest    = "destination unavailable"
	diagPrivSelfTarget = "cannot privately message yourself"
	diagRateLimited    = "rate limited"
)

// controlWindow is a fixed one-second window counter used by
// checkControlRate, one per name that has sent a control message; the
// window restarts at the first message at least a second after its start.
type controlWindow struct {
	start time.Time
	count int
}

// Router is not safe for concurrent Step/Tick calls: both must run on the
// single router goroutine (spec.md §4.3/§5). ReportWriteFailure is the one
// method writer workers call directly, from their own goroutines; pending
// is the one piece of Router state that crosses that goroutine boundary,
// so it is guarded by pendingMu rather than folded into the single-writer
// assumption the rest of Router relies on.
type Router struct {
	roster *roster.Roster
	log    *slog.Logger

	// AuditFunc, when non-nil, is invoked for JOIN/LEAVE/evict/ban-reject
	// events. It must not block.
	AuditFunc func(event, name string)
	// BanCheck, when non-nil, reports whether name is barred from
	// registering at all.
	BanCheck func(name string) bool
	// ControlRateLimit caps JOIN/LEAVE/LIST messages per name per second;
	// 0 (the default) disables the check. Mirrors room.go's
	// SetControlRateLimit/CheckControlRate pairing.
	ControlRateLimit int

	controlRate map[string]*controlWindow

	pendingMu sync.Mutex
	pending   []string // names awaiting a deferred SYSTEM/LEAVE announcement
}

// New builds a router over an existing roster. log may be nil, in which
// case a disabled logger is used.
func New(r *roster.Roster, log *slog.Logger) *Router {
	if log == nil {
		log = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	return &Router{roster: r, log: log}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// ReportWriteFailure marks name's roster entry INACTIVE (if it is still
// ACTIVE) and schedules the announcement for the next Step or Tick call,
// per spec.md §4.3's "Failure semantics": a write failure is never handled
// inline, to avoid unbounded recursion on a cascade of failures.
func (r *Router) ReportWriteFailure(name string) {
	e, ok := r.roster.Lookup(name)
	if !ok || e.State != roster.Active {
		return
	}
	r.roster.Deregister(name, time.Now())
	r.pendingMu.Lock()
	r.pending = append(r.pending, name)
	r.pendingMu.Unlock()
}

func (r *Router) drainPending() []Emission {
	r.pendingMu.Lock()
	pending := r.pending
	r.pending = nil
	r.pendingMu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	var out []Emission
	for _, name := range pending {
		if r.AuditFunc != nil {
			r.AuditFunc("evict", name)
		}
		r.log.Info("deferred leave announced after write failure", "name", name)
		out = append(out, r.announceLeave(name)...)
	}
	return out
}

func (r *Router) announceLeave(name string) []Emission {
	active := r.roster.SnapshotActive()
	out := make([]Emission, 0, len(active))
	for _, dest := range active {
		out = append(out, Emission{
			Dest: dest,
			Frame: protocol.Frame{
				Type:   protocol.SystemLeave,
				Source: protocol.SourceSystem,
				Dest:   dest,
				Content: name,
			},
		})
	}
	return out
}

func systemError(to, diagnostic string) Emission {
	return Emission{
		Dest: to,
		Frame: protocol.Frame{
			Type:    protocol.SystemError,
			Source:  protocol.SourceSystem,
			Dest:    to,
			Content: diagnostic,
		},
	}
}

// checkControlRate reports whether name may send another control message
// (JOIN/LEAVE/LIST) right now. Step/Tick's single-writer guarantee makes
// controlRate safe to touch without its own lock, same as the roster.
func (r *Router) checkControlRate(now time.Time, name string) bool {
	if r.ControlRateLimit <= 0 || name == "" {
		return true
	}
	if r.controlRate == nil {
		r.controlRate = make(map[string]*controlWindow)
	}
	w, ok := r.controlRate[name]
	if !ok {
		w = &controlWindow{}
		r.controlRate[name] = w
	}
	if now.Sub(w.start) >= time.Second {
		w.start = now
		w.count = 1
		return true
	}
	w.count++
	return w.count <= r.ControlRateLimit
}

// systemErrorDirect is systemError for an endpoint that is not a roster
// entry (a rejected JOIN, or a frame from an unbound handle): it carries
// the handle so the hub can write back without a roster lookup.
func systemErrorDirect(handle any, to, diagnostic string) Emission {
	e := systemError(to, diagnostic)
	e.Handle = handle
	return e
}

// Step consumes one inbound frame originating from handle (the transport's
// opaque delivery handle for the sending endpoint) and returns the
// emissions it produces, including any deferred announcements left over
// from a prior write failure.
func (r *Router) Step(now time.Time, handle any, in protocol.Frame) []Emission {
	out := r.drainPending()

	boundName, isBound := r.roster.NameForHandle(handle)

	if in.Type != protocol.TypeJoin && !isBound {
		return append(out, systemErrorDirect(handle, in.Source, diagNotRegistered))
	}
	if in.Source != "" && isBound && in.Source != boundName {
		// Spoofed source: silently dropped per spec.md §4.3 step 2.
		return out
	}

	switch in.Type {
	case protocol.TypeJoin:
		if !r.checkControlRate(now, in.Source) {
			return append(out, systemErrorDirect(handle, in.Source, diagRateLimited))
		}
		return append(out, r.stepJoin(now, handle, in)...)
	case protocol.TypeLeave:
		if !r.checkControlRate(now, boundName) {
			return out
		}
		return append(out, r.stepLeave(now, boundName)...)
	case protocol.TypeList:
		if !r.checkControlRate(now, boundName) {
			return append(out, systemError(boundName, diagRateLimited))
		}
		return append(out, r.stepList(boundName))
	case protocol.TypeMsg:
		return append(out, r.stepMsg(now, boundName, in)...)
	case protocol.TypePriv:
		return append(out, r.stepPriv(now, boundName, in)...)
	case protocol.TypeSystem:
		// Clients may not originate SYSTEM frames; dropped.
		return out
	default:
		return out
	}
}

func (r *Router) stepJoin(now time.Time, handle any, in protocol.Frame) []Emission {
	name := in.Source
	if !roster.ValidateName(name) {
		return []Emission{systemErrorDirect(handle, name, diagNameInvalid)}
	}
	if roster.IsReserved(name) {
		return []Emission{systemErrorDirect(handle, name, diagReserved)}
	}
	if r.BanCheck != nil && r.BanCheck(name) {
		if r.AuditFunc != nil {
			r.AuditFunc("join_rejected_banned", name)
		}
		return []Emission{systemErrorDirect(handle, name, diagNameBanned)}
	}

	result, reason := r.roster.Register(name, handle, now)
	switch result {
	case roster.Rejected:
		diag := diagNameInUse
		switch reason {
		case roster.ReasonServerFull:
			diag = diagServerFull
		case roster.ReasonInvalidName:
			diag = diagNameInvalid
		case roster.ReasonReserved:
			diag = diagReserved
		}
		return []Emission{systemErrorDirect(handle, name, diag)}
	}

	if r.AuditFunc != nil {
		r.AuditFunc("join", name)
	}
	r.log.Info("user joined", "name", name, "result", result.String())

	welcome := Emission{
		Dest: name,
		Frame: protocol.Frame{
			Type:    protocol.SystemJoin,
			Source:  protocol.SourceSystem,
			Dest:    name,
			Content: name,
		},
	}
	out := []Emission{welcome}
	for _, other := range r.roster.SnapshotActive() {
		if other == name {
			continue
		}
		out = append(out, Emission{
			Dest: other,
			Frame: protocol.Frame{
				Type:    protocol.SystemJoin,
				Source:  protocol.SourceSystem,
				Dest:    other,
				Content: name,
			},
		})
	}
	return out
}

func (r *Router) stepLeave(now time.Time, name string) []Emission {
	if name == "" {
		return nil
	}
	r.roster.Deregister(name, now)
	if r.AuditFunc != nil {
		r.AuditFunc("leave", name)
	}
	r.log.Info("user left", "name", name)
	return r.announceLeave(name)
}

func (r *Router) stepList(name string) Emission {
	return Emission{
		Dest: name,
		Frame: protocol.Frame{
			Type:    protocol.SystemList,
			Source:  protocol.SourceSystem,
			Dest:    name,
			Content: r.roster.SnapshotActiveCSV(),
		},
	}
}

func (r *Router) stepMsg(now time.Time, name string, in protocol.Frame) []Emission {
	r.roster.Touch(name, now)
	active := r.roster.SnapshotActive()
	out := make([]Emission, 0, len(active))
	for _, dest := range active {
		if dest == name {
			continue
		}
		out = append(out, Emission{
			Dest: dest,
			Frame: protocol.Frame{
				Type:    protocol.TypeMsg,
				Source:  name,
				Dest:    "",
				Content: in.Content,
			},
		})
	}
	return out
}

func (r *Router) stepPriv(now time.Time, name string, in protocol.Frame) []Emission {
	r.roster.Touch(name, now)

	if in.Dest == "" || in.Dest == name {
		diag := diagPrivBadDest
		if in.Dest == name {
			diag = diagPrivSelfTarget
		}
		return []Emission{systemError(name, diag)}
	}
	e, ok := r.roster.Lookup(in.Dest)
	if !ok || e.State != roster.Active {
		return []Emission{systemError(name, diagPrivBadDest)}
	}

	delivered := protocol.Frame{
		Type:    protocol.TypePriv,
		Source:  name,
		Dest:    in.Dest,
		Content: in.Content,
	}
	return []Emission{
		{Dest: in.Dest, Frame: delivered},
		{Dest: name, Frame: delivered},
	}
}

// Tick runs the periodic eviction sweep: every ACTIVE entry idle for at
// least idleThreshold is transitioned to INACTIVE and announced to the
// remaining roster, exactly as a write-failure eviction would be. It then
// removes every INACTIVE entry that has itself been INACTIVE for at least
// removeAfter — one further eviction interval, per spec.md §3 — freeing
// its registration slot for a new name. Removal is silent: it's bookkeeping
// on an entry nobody can see as present anymore, not a user-visible event.
func (r *Router) Tick(now time.Time, idleThreshold, removeAfter time.Duration) []Emission {
	out := r.drainPending()
	evicted := r.roster.EvictIdle(now, idleThreshold)
	for _, e := range evicted {
		if r.AuditFunc != nil {
			r.AuditFunc("evict", e.Name)
		}
		r.log.Info("user evicted for inactivity", "name", e.Name, "threshold", idleThreshold)
		out = append(out, r.announceLeave(e.Name)...)
	}

	removed := r.roster.RemoveStale(now, removeAfter)
	for _, name := range removed {
		r.log.Info("stale roster entry removed", "name", name, "threshold", removeAfter)
	}
	return out
}
