package main

import (
	"fmt"
	"strings"
	"sync"

	"client/internal/protocol"
	"client/internal/transport"
)

// State is where a ChatSession sits in the Disconnected → Connecting →
// Registered → Disconnected state machine (spec.md §4.5).
type State int

const (
	Disconnected State = iota
	Connecting
	Registered
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	default:
		return "disconnected"
	}
}

// fatalDiagnostics are the SYSTEM/ERROR contents that end a registration
// attempt rather than just being shown to the user (spec.md §4.5).
var fatalDiagnostics = map[string]bool{
	"name in use":   true,
	"invalid name":  true,
	"server full":   true,
	"reserved name": true,
	"name banned":   true,
}

// Dialer opens a fresh transport.Client, used both for the initial
// connect and for the session's one-reconnect-then-disconnect policy.
type Dialer func() (transport.Client, error)

// ChatSession is the client-side counterpart to the hub's router: connect,
// register, send, receive, disconnect. It owns exactly one transport
// connection at a time and replays JOIN across its single permitted
// reconnect attempt.
type ChatSession struct {
	dial Dialer
	name string

	mu          sync.Mutex
	state       State
	client      transport.Client
	reconnected bool // this registration has already used its one reconnect

	roster   []string
	rosterMu sync.Mutex

	events chan protocol.Frame
	status chan State
	done   chan struct{}
}

// NewChatSession builds a session bound to name. dial must return a fresh,
// already-connected transport.Client on each call (used for the initial
// connect and for the single reconnect attempt).
func NewChatSession(name string, dial Dialer) *ChatSession {
	return &ChatSession{
		name:   name,
		dial:   dial,
		state:  Disconnected,
		events: make(chan protocol.Frame, 64),
		status: make(chan State, 8),
		done:   make(chan struct{}),
	}
}

// Events streams decoded inbound frames, including SYSTEM ones.
func (s *ChatSession) Events() <-chan protocol.Frame { return s.events }

// Status streams state transitions.
func (s *ChatSession) Status() <-chan State { return s.status }

// Roster returns the most recent SYSTEM/LIST snapshot, if any.
func (s *ChatSession) Roster() []string {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	return append([]string(nil), s.roster...)
}

func (s *ChatSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	select {
	case s.status <- st:
	default:
	}
}

// State reports the session's current lifecycle state.
func (s *ChatSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the transport, sends JOIN, and starts the receive loop.
// The session transitions to Registered once it observes a SYSTEM/JOIN
// addressed to its own name; until then it is Connecting.
func (s *ChatSession) Connect() error {
	client, err := s.dial()
	if err != nil {
		return fmt.Errorf("session: dial: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.reconnected = false
	s.mu.Unlock()
	s.setState(Connecting)

	if err := s.writeFrame(protocol.Frame{Type: protocol.TypeJoin, Source: s.name}); err != nil {
		s.setState(Disconnected)
		return fmt.Errorf("session: send join: %w", err)
	}

	go s.readLoop(client)
	return nil
}

// SendBroadcast sends a MSG to every other registered user.
func (s *ChatSession) SendBroadcast(text string) error {
	if s.State() != Registered {
		return fmt.Errorf("session: not registered")
	}
	if len(text) > protocol.MaxContentLen {
		return fmt.Errorf("session: message exceeds %d bytes", protocol.MaxContentLen)
	}
	return s.writeFrame(protocol.Frame{Type: protocol.TypeMsg, Source: s.name, Content: text})
}

// SendPrivate sends a PRIV to one named recipient.
func (s *ChatSession) SendPrivate(to, text string) error {
	if s.State() != Registered {
		return fmt.Errorf("session: not registered")
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("session: private message requires a destination")
	}
	if len(text) > protocol.MaxContentLen {
		return fmt.Errorf("session: message exceeds %d bytes", protocol.MaxContentLen)
	}
	return s.writeFrame(protocol.Frame{Type: protocol.TypePriv, Source: s.name, Dest: to, Content: text})
}

// RequestList asks the hub for the current roster; the response arrives
// on Events as a SYSTEM/LIST frame and is also cached for Roster().
func (s *ChatSession) RequestList() error {
	if s.State() != Registered {
		return fmt.Errorf("session: not registered")
	}
	return s.writeFrame(protocol.Frame{Type: protocol.TypeList, Source: s.name})
}

// Leave sends LEAVE and tears down the transport.
func (s *ChatSession) Leave() error {
	if s.State() == Registered {
		_ = s.writeFrame(protocol.Frame{Type: protocol.TypeLeave, Source: s.name})
	}
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	s.setState(Disconnected)
	close(s.done)
	if client != nil {
		return client.Close()
	}
	return nil
}

// writeFrame encodes and writes f, applying the one-reconnect-then-
// disconnect policy on failure (spec.md §4.5).
func (s *ChatSession) writeFrame(f protocol.Frame) error {
	data, err := protocol.EncodeRequest(f)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return fmt.Errorf("session: not connected")
	}

	if err := client.WriteFrame(data); err == nil {
		return nil
	}

	if !s.reconnectOnce() {
		s.setState(Disconnected)
		return fmt.Errorf("session: write failed, reconnect exhausted")
	}

	s.mu.Lock()
	client = s.client
	s.mu.Unlock()
	if err := client.WriteFrame(data); err != nil {
		s.setState(Disconnected)
		return fmt.Errorf("session: write failed after reconnect: %w", err)
	}
	return nil
}

// reconnectOnce redials and replays JOIN exactly once per registration.
// Returns false if a reconnect was already used, or if it failed.
func (s *ChatSession) reconnectOnce() bool {
	s.mu.Lock()
	if s.reconnected {
		s.mu.Unlock()
		return false
	}
	s.reconnected = true
	old := s.client
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	client, err := s.dial()
	if err != nil {
		return false
	}
	data, err := protocol.EncodeRequest(protocol.Frame{Type: protocol.TypeJoin, Source: s.name})
	if err != nil {
		client.Close()
		return false
	}
	if err := client.WriteFrame(data); err != nil {
		client.Close()
		return false
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	go s.readLoop(client)
	return true
}

func (s *ChatSession) readLoop(client transport.Client) {
	for {
		raw, err := client.ReadFrame()
		if err != nil {
			s.mu.Lock()
			current := s.client
			s.mu.Unlock()
			if current != client {
				return // superseded by a reconnect; this goroutine is stale
			}
			if s.reconnectOnce() {
				return // the new reconnectOnce call spawned its own readLoop
			}
			s.setState(Disconnected)
			return
		}

		f, err := protocol.DecodeResponse(raw)
		if err != nil {
			continue
		}
		s.handleFrame(f)

		select {
		case s.events <- f:
		default:
		}
	}
}

func (s *ChatSession) handleFrame(f protocol.Frame) {
	if f.Source != protocol.SourceSystem {
		return
	}
	switch f.Type {
	case protocol.SystemJoin:
		if f.Content == s.name {
			s.setState(Registered)
		}
	case protocol.SystemList:
		names := strings.Split(f.Content, ",")
		if f.Content == "" {
			names = nil
		}
		s.rosterMu.Lock()
		s.roster = names
		s.rosterMu.Unlock()
	case protocol.SystemError:
		if fatalDiagnostics[f.Content] {
			s.setState(Disconnected)
		}
	}
}
