package transport

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultServerPipe is the hub's well-known inbound pipe path (spec.md §6).
const DefaultServerPipe = "/tmp/chat_server_fifo"

const clientPipeTemplate = "/tmp/chat_client_%s_fifo"

// ClientPipePath returns the per-client outbound pipe path for name.
func ClientPipePath(name string) string {
	return fmt.Sprintf(clientPipeTemplate, name)
}

type openResult struct {
	f   *os.File
	err error
}

// PipeClient is the named-pipe backend's Client: a write-side handle on
// the hub's shared inbound pipe, and a read-side handle on this client's
// own outbound pipe. The spec assigns pipe creation to the client; the
// hub's Mkfifo call on delivery is purely defensive (idempotent) against a
// client that races it.
type PipeClient struct {
	writer   *os.File
	selfPath string

	mu      sync.Mutex
	reader  *os.File
	readyCh chan openResult
}

// DialPipe creates this client's own inbound pipe, opens the hub's shared
// pipe for writing, and starts opening the client pipe for reading in the
// background — that open blocks until the hub's first delivery, which in
// turn only happens after this client's JOIN is processed, so the two
// opens must race rather than sequence.
func DialPipe(name string) (*PipeClient, error) {
	selfPath := ClientPipePath(name)
	if err := unix.Mkfifo(selfPath, 0666); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("pipe: mkfifo %s: %w", selfPath, err)
	}

	ch := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(selfPath, os.O_RDONLY, 0)
		ch <- openResult{f: f, err: err}
	}()

	w, err := os.OpenFile(DefaultServerPipe, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("pipe: open hub pipe: %w", err)
	}

	return &PipeClient{writer: w, selfPath: selfPath, readyCh: ch}, nil
}

func (c *PipeClient) WriteFrame(data []byte) error {
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("pipe: write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks on the first call until the hub has opened the other
// end of this client's pipe (i.e. until its JOIN has been processed).
func (c *PipeClient) ReadFrame() ([]byte, error) {
	c.mu.Lock()
	if c.reader == nil {
		res := <-c.readyCh
		if res.err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("pipe: open self pipe: %w", res.err)
		}
		c.reader = res.f
	}
	r := c.reader
	c.mu.Unlock()

	buf := make([]byte, 8192)
	n, err := r.Read(buf)
	if err != nil {
		if err == io.EOF {
			return nil, ErrClosed
		}
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

func (c *PipeClient) Close() error {
	c.writer.Close()
	c.mu.Lock()
	r := c.reader
	c.mu.Unlock()
	if r != nil {
		r.Close()
	}
	return unix.Unlink(c.selfPath)
}
