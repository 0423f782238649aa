package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chathub/server/internal/protocol"
	"chathub/server/internal/roster"
	"chathub/server/internal/router"
	"chathub/server/internal/transport"
)

// Config bundles the hub's tunable timings so main.go can build them once
// from flags and pass a single value into NewHub.
type Config struct {
	QueueDepth           int
	WriteDeadline        time.Duration
	MaxConsecutiveDrops  int
	EvictionInterval     time.Duration
	IdleThreshold        time.Duration
	ShutdownDrainTimeout time.Duration
}

// Hub owns the fan-in loop that turns raw transport frames into router
// Steps, and the per-destination write queues that fan emissions back out.
// It is the one piece of the process that ties transport, router and
// roster together; everything in internal/ stays transport- and
// process-agnostic.
type Hub struct {
	tr  transport.Hub
	ros *roster.Roster
	rtr *router.Router
	log *slog.Logger
	cfg Config

	mu     sync.Mutex
	queues map[string]*writeQueue
	drops  map[string]int
}

// NewHub wires an already-open transport backend to a router/roster pair.
func NewHub(tr transport.Hub, ros *roster.Roster, rtr *router.Router, log *slog.Logger, cfg Config) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultWriteQueueDepth
	}
	if cfg.WriteDeadline <= 0 {
		cfg.WriteDeadline = defaultWriteDeadline
	}
	if cfg.MaxConsecutiveDrops <= 0 {
		cfg.MaxConsecutiveDrops = defaultMaxConsecutiveDrops
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = defaultEvictionInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = defaultIdleThreshold
	}
	if cfg.ShutdownDrainTimeout <= 0 {
		cfg.ShutdownDrainTimeout = defaultShutdownDrainDeadline
	}
	return &Hub{
		tr:     tr,
		ros:    ros,
		rtr:    rtr,
		log:    log,
		cfg:    cfg,
		queues: make(map[string]*writeQueue),
		drops:  make(map[string]int),
	}
}

// Run blocks until ctx is cancelled or the transport closes on its own,
// processing inbound frames and the idle-eviction tick. On return the
// transport has been closed and every write queue has been drained (up to
// cfg.ShutdownDrainTimeout).
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case raw, ok := <-h.tr.Inbound():
			if !ok {
				h.drainQueues()
				return
			}
			h.handleInbound(raw)
		case err, ok := <-h.tr.Errors():
			if ok {
				h.log.Warn("transport error", "err", err)
			}
		case now := <-ticker.C:
			h.dispatch(h.rtr.Tick(now, h.cfg.IdleThreshold, h.cfg.EvictionInterval))
		}
	}
}

func (h *Hub) handleInbound(raw transport.Frame) {
	f, err := protocol.DecodeRequest(raw.Data)
	if err != nil {
		h.log.Warn("malformed frame dropped", "err", err, "len", len(raw.Data))
		// A pre-decode Sender (the stream-socket backend) can still be
		// told why; the shared-pipe backend has no address to reply to
		// until a frame decodes at all.
		if raw.Sender != nil {
			h.writeDirect(raw.Sender, protocol.Frame{
				Type:    protocol.SystemError,
				Source:  protocol.SourceSystem,
				Content: "malformed frame",
			})
		}
		return
	}

	handle := raw.Sender
	if handle == nil {
		// Shared-pipe backend: the only identity signal is the frame's
		// own claimed Source.
		handle = f.Source
	}
	h.dispatch(h.rtr.Step(time.Now(), handle, f))
}

func (h *Hub) dispatch(emissions []router.Emission) {
	for _, e := range emissions {
		if e.Handle != nil {
			h.writeDirect(e.Handle, e.Frame)
			continue
		}
		h.enqueue(e.Dest, e.Frame)
	}
}

// writeDirect addresses an endpoint that may not be a roster entry.
// handle is either a roster Handle (the stream-socket *conn, or whatever
// the backend's Writer expects as sender) or, for the shared-pipe
// backend, a bare name string — the only handle shape that backend ever
// produces.
func (h *Hub) writeDirect(handle any, frame protocol.Frame) {
	var w transport.Writer
	var err error
	if name, ok := handle.(string); ok {
		w, err = h.tr.Writer(name, nil)
	} else {
		w, err = h.tr.Writer("", handle)
	}
	if err != nil {
		h.log.Warn("resolve direct writer failed", "err", err)
		return
	}
	h.writeFrame(w, frame)
}

func (h *Hub) writeFrame(w transport.Writer, frame protocol.Frame) error {
	data, err := protocol.EncodeResponse(frame)
	if err != nil {
		h.log.Warn("encode response failed", "err", err)
		return err
	}
	if dw, ok := w.(transport.DeadlineWriter); ok {
		_ = dw.SetWriteDeadline(time.Now().Add(h.cfg.WriteDeadline))
	}
	return w.WriteFrame(data)
}

// writeQueue is the bounded, per-destination outbound buffer. Its worker
// goroutine is the only writer for that destination; ch is closed once to
// signal "no more frames", and the worker closes done once it has drained
// whatever was already buffered.
type writeQueue struct {
	ch   chan protocol.Frame
	done chan struct{}
}

// enqueue buffers frame for dest, or drops it per spec.md §4.4's
// drop-newest-and-mark-degraded policy once the queue is full. A run of
// cfg.MaxConsecutiveDrops reports the destination as failed so the router
// evicts it on the next Step/Tick rather than silently starving it
// forever.
func (h *Hub) enqueue(dest string, frame protocol.Frame) {
	h.mu.Lock()
	q, ok := h.queues[dest]
	if !ok {
		q = h.newWriteQueue(dest)
		h.queues[dest] = q
	}
	h.mu.Unlock()

	select {
	case q.ch <- frame:
		h.mu.Lock()
		h.drops[dest] = 0
		h.mu.Unlock()
	default:
		h.mu.Lock()
		h.drops[dest]++
		n := h.drops[dest]
		h.mu.Unlock()
		h.log.Warn("write queue full, dropping newest frame", "dest", dest, "consecutive_drops", n)
		if n >= h.cfg.MaxConsecutiveDrops {
			h.rtr.ReportWriteFailure(dest)
		}
	}
}

func (h *Hub) newWriteQueue(dest string) *writeQueue {
	q := &writeQueue{ch: make(chan protocol.Frame, h.cfg.QueueDepth), done: make(chan struct{})}
	go func() {
		defer close(q.done)
		for frame := range q.ch {
			entry, ok := h.ros.Lookup(dest)
			if !ok || entry.State != roster.Active {
				continue
			}
			w, err := h.tr.Writer(dest, entry.Handle)
			if err != nil {
				h.log.Warn("resolve writer failed", "dest", dest, "err", err)
				h.rtr.ReportWriteFailure(dest)
				continue
			}
			if err := h.writeFrame(w, frame); err != nil {
				h.log.Warn("write failed", "dest", dest, "err", err)
				h.rtr.ReportWriteFailure(dest)
			}
		}
	}()
	return q
}

// shutdown announces LEAVE to every still-active entry, drains outstanding
// write queues within the configured deadline, and closes the transport.
func (h *Hub) shutdown() {
	for _, name := range h.ros.SnapshotActive() {
		h.enqueue(name, protocol.Frame{
			Type:    protocol.SystemLeave,
			Source:  protocol.SourceSystem,
			Dest:    name,
			Content: name,
		})
	}
	h.drainQueues()
	if err := h.tr.Close(); err != nil {
		h.log.Warn("transport close", "err", err)
	}
}

func (h *Hub) drainQueues() {
	h.mu.Lock()
	queues := make([]*writeQueue, 0, len(h.queues))
	for _, q := range h.queues {
		queues = append(queues, q)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(h.cfg.ShutdownDrainTimeout)
	for _, q := range queues {
		close(q.ch)
	}
	for _, q := range queues {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-q.done:
		case <-time.After(remaining):
		}
	}
}
