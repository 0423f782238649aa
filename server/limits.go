package main

import "time"

// Operational limits — named constants for values the hub tunes via flags
// but defaults sensibly without them.
const (
	// defaultEvictionInterval is the cadence of the idle-eviction tick
	// (spec.md §4.3).
	defaultEvictionInterval = 1 * time.Second

	// defaultIdleThreshold is how long an entry may go without activity
	// before the eviction tick transitions it to INACTIVE.
	defaultIdleThreshold = 30 * time.Second

	// defaultWriteQueueDepth bounds the per-destination write queue
	// before the hub's drop-newest-and-mark-degraded policy kicks in.
	defaultWriteQueueDepth = 64

	// defaultWriteDeadline is the per-frame write deadline after which a
	// destination is marked INACTIVE (spec.md §5).
	defaultWriteDeadline = 60 * time.Second

	// defaultMaxConsecutiveDrops is the number of consecutive dropped
	// frames for a destination before it is marked degraded and an
	// eviction is scheduled (spec.md §4.4).
	defaultMaxConsecutiveDrops = 1

	// defaultMaxConnections is the hub-wide registration cap handed to
	// the roster.
	defaultMaxConnections = 256

	// defaultPerIPLimit bounds concurrent connections from a single
	// remote address on the stream-socket backend.
	defaultPerIPLimit = 8

	// defaultControlRateLimit bounds JOIN/LEAVE/LIST messages per name
	// per second.
	defaultControlRateLimit = 5

	// defaultShutdownDrainDeadline bounds how long shutdown waits for
	// write queues to drain before forcing close.
	defaultShutdownDrainDeadline = 5 * time.Second
)
