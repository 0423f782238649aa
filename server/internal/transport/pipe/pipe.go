// Package pipe implements the named-pipe transport backend: a single
// well-known inbound FIFO shared by every client, plus one outbound FIFO
// per connected client opened on demand (spec.md §4.6, §6).
//
// golang.org/x/sys/unix is used for Mkfifo/Unlink; the teacher repo never
// needed a FIFO backend of its own (its local transport is WebTransport
// over QUIC), so this is the one place the pack's teacher is silent and
// x/sys/unix is simply the standard ecosystem way to call mkfifo(2).
package pipe

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"chathub/server/internal/transport"
)

// DefaultServerPipe is the well-known inbound pipe path (spec.md §6).
const DefaultServerPipe = "/tmp/chat_server_fifo"

const clientPipeTemplate = "/tmp/chat_client_%s_fifo"

// ClientPipePath returns the per-client outbound pipe path for name.
func ClientPipePath(name string) string {
	return fmt.Sprintf(clientPipeTemplate, name)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Hub implements transport.Hub over named pipes.
type Hub struct {
	path      string
	inboundR  *os.File
	keepAlive *os.File // hub's own write-side fd, held open so the fifo
	// never sees its last writer close between clients.
	frames chan transport.Frame
	errs   chan error
	log    *slog.Logger

	mu      sync.Mutex
	writers map[string]*clientWriter
	closed  bool
}

// NewHub creates (or reclaims) the well-known inbound pipe at path and
// starts reading it. An empty path uses DefaultServerPipe.
func NewHub(path string, log *slog.Logger) (*Hub, error) {
	if path == "" {
		path = DefaultServerPipe
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(discard{}, nil))
	}

	_ = unix.Unlink(path) // best-effort: clear a stale pipe from a prior crash
	if err := unix.Mkfifo(path, 0666); err != nil {
		return nil, fmt.Errorf("pipe: mkfifo %s: %w", path, err)
	}

	keepAlive, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("pipe: open keepalive writer: %w", err)
	}
	inboundR, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		keepAlive.Close()
		return nil, fmt.Errorf("pipe: open inbound reader: %w", err)
	}

	h := &Hub{
		path:      path,
		inboundR:  inboundR,
		keepAlive: keepAlive,
		frames:    make(chan transport.Frame, 64),
		errs:      make(chan error, 16),
		log:       log,
		writers:   make(map[string]*clientWriter),
	}
	go h.readLoop()
	return h, nil
}

// readLoop treats every successful non-empty read as one frame, matching
// spec.md §4.6. Writes under PIPE_BUF are atomic, so bytes of different
// client writes never interleave; writes that are all pending when a read
// runs come back from that one read and are passed on as a single frame.
func (h *Hub) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := h.inboundR.Read(buf)
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if closed {
				close(h.frames)
				return
			}
			select {
			case h.errs <- fmt.Errorf("pipe: read inbound: %w", err):
			default:
			}
			continue
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h.frames <- transport.Frame{Sender: nil, Data: data}
	}
}

func (h *Hub) Inbound() <-chan transport.Frame { return h.frames }
func (h *Hub) Errors() <-chan error            { return h.errs }

// Writer opens (or reuses) the per-client outbound pipe for name. sender
// is unused here: the pipe backend addresses destinations by name, not by
// a pre-decode connection identity.
func (h *Hub) Writer(name string, _ any) (transport.Writer, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if w, ok := h.writers[name]; ok {
		h.mu.Unlock()
		return w, nil
	}
	h.mu.Unlock()

	path := ClientPipePath(name)
	if err := unix.Mkfifo(path, 0666); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("pipe: mkfifo %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("pipe: open client pipe %s: %w", path, err)
	}
	w := &clientWriter{path: path, f: f}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		w.Close()
		return nil, transport.ErrClosed
	}
	if existing, ok := h.writers[name]; ok {
		w.Close()
		return existing, nil
	}
	h.writers[name] = w
	return w, nil
}

// Close tears down the inbound pipe and every cached outbound pipe,
// unlinking their on-disk artifacts.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for _, w := range h.writers {
		w.Close()
	}
	h.writers = nil
	h.mu.Unlock()

	h.inboundR.Close()
	h.keepAlive.Close()
	return unix.Unlink(h.path)
}

type clientWriter struct {
	path   string
	mu     sync.Mutex
	f      *os.File
	closed bool
}

func (w *clientWriter) WriteFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return transport.ErrClosed
	}
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("pipe: write client frame: %w", err)
	}
	return nil
}

func (w *clientWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.f.Close()
	_ = unix.Unlink(w.path)
	return err
}

// SetWriteDeadline satisfies transport.DeadlineWriter. FIFOs are
// poll-backed file descriptors, so os.File's deadline support applies
// here the same way it would to a socket.
func (w *clientWriter) SetWriteDeadline(t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return transport.ErrClosed
	}
	return w.f.SetWriteDeadline(t)
}
