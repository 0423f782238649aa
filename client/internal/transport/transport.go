// Package transport implements the client's half of the two hub transport
// backends: named-pipe and TLS-wrapped TCP. Both satisfy Client.
package transport

import "errors"

// ErrClosed is returned once the connection has been closed.
var ErrClosed = errors.New("transport: closed")

// Client is one connection to the hub: write a request frame's raw bytes,
// read one response frame's raw bytes, close when done.
type Client interface {
	WriteFrame(data []byte) error
	ReadFrame() ([]byte, error)
	Close() error
}
