// Package tcptls implements the stream-socket transport backend: a TLS
// 1.2+ listener with TCP keepalive/nodelay tuning, each frame followed by
// a newline terminator (spec.md §4.6 leaves the stream terminator to the
// implementer; this backend picks newline and documents it here and at
// startup). A client→hub frame is one line. A hub→client frame already
// uses '\n' between its four fields, so with the terminator it spans four
// lines.
//
// The self-signed certificate generator is adapted directly from the
// teacher's server/tls.go, retargeted from a WebTransport/QUIC tls.Config
// to a plain net.Listener.
package tcptls

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"chathub/server/internal/transport"
)

// DefaultAddr is the default listening address (spec.md §6: port 8990).
const DefaultAddr = ":8990"

const (
	keepAliveIdle = 60 * time.Second
	sendRecvBuf   = 256 * 1024 // bytes, >= the 256 KiB floor in spec.md §6
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// GenerateTLSConfig creates a self-signed ECDSA P-256 certificate for the
// given hostname and returns the resulting tls.Config along with its
// SHA-256 fingerprint (logged at startup so operators can pin it on
// clients that verify by fingerprint rather than a CA).
func GenerateTLSConfig(validity time.Duration, hostname string) (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("tcptls: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("tcptls: generate serial: %w", err)
	}

	cn := "chathub"
	if hostname != "" {
		cn = hostname
	}
	sans := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		sans = append(sans, hostname)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:                pkix.Name{CommonName: cn},
		NotBefore:              time.Now().Add(-time.Hour),
		NotAfter:               time.Now().Add(validity),
		IsCA:                   true,
		KeyUsage:               x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:            []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid:  true,
		DNSNames:               sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("tcptls: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("tcptls: parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(fp[:])

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
	}
	return cfg, fingerprint, nil
}

// Hub implements transport.Hub over a TLS-wrapped TCP listener.
type Hub struct {
	ln     net.Listener
	frames chan transport.Frame
	errs   chan error
	log    *slog.Logger

	mu         sync.Mutex
	conns      map[*conn]struct{}
	byName     map[string]*conn
	ipConns    map[string]int
	perIPLimit int // 0 disables the check
	closed     bool
}

// SetPerIPLimit caps concurrent connections accepted from any single
// remote address; 0 (the default) disables the check. Mirrors the
// teacher's Room.SetPerIPLimit/CanConnect pairing, collapsed onto accept
// time since this backend has no separate pre-auth phase.
func (h *Hub) SetPerIPLimit(max int) {
	h.mu.Lock()
	h.perIPLimit = max
	h.mu.Unlock()
}

// Listen starts accepting TLS connections on addr (DefaultAddr if empty).
func Listen(addr string, tlsConfig *tls.Config, log *slog.Logger) (*Hub, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("tcptls: listen %s: %w", addr, err)
	}
	h := &Hub{
		ln:      ln,
		frames:  make(chan transport.Frame, 64),
		errs:    make(chan error, 16),
		log:     log,
		conns:   make(map[*conn]struct{}),
		byName:  make(map[string]*conn),
		ipConns: make(map[string]int),
	}
	go h.acceptLoop()
	return h, nil
}

func (h *Hub) acceptLoop() {
	for {
		c, err := h.ln.Accept()
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if closed {
				close(h.frames)
				return
			}
			select {
			case h.errs <- fmt.Errorf("tcptls: accept: %w", err):
			default:
			}
			continue
		}
		ip := hostOf(c.RemoteAddr())
		h.mu.Lock()
		if h.perIPLimit > 0 && h.ipConns[ip] >= h.perIPLimit {
			h.mu.Unlock()
			h.log.Warn("connection rejected: per-IP limit exceeded", "remote", c.RemoteAddr(), "limit", h.perIPLimit)
			c.Close()
			continue
		}
		h.ipConns[ip]++
		h.mu.Unlock()

		tuneSocket(c)
		cn := &conn{Conn: c, w: bufio.NewWriter(c), id: uuid.NewString(), ip: ip}
		h.mu.Lock()
		h.conns[cn] = struct{}{}
		h.mu.Unlock()
		h.log.Info("connection accepted", "conn_id", cn.id, "remote", c.RemoteAddr())
		go h.readLoop(cn)
	}
}

// tuneSocket applies the options spec.md §6 requires when the accepted
// connection is a plain TCP connection underneath the TLS layer.
func tuneSocket(c net.Conn) {
	tlsConn, ok := c.(*tls.Conn)
	if !ok {
		return
	}
	tcpConn, ok := tlsConn.NetConn().(*net.TCPConn)
	if !ok {
		return
	}
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(keepAliveIdle)
	tcpConn.SetNoDelay(true)
	tcpConn.SetReadBuffer(sendRecvBuf)
	tcpConn.SetWriteBuffer(sendRecvBuf)
}

func (h *Hub) readLoop(cn *conn) {
	reader := bufio.NewReader(cn.Conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 1 {
			data := make([]byte, len(line)-1) // drop the trailing '\n'
			copy(data, line[:len(line)-1])
			h.frames <- transport.Frame{Sender: cn, Data: data}
		}
		if err != nil {
			h.dropConn(cn)
			return
		}
	}
}

func (h *Hub) dropConn(cn *conn) {
	h.mu.Lock()
	delete(h.conns, cn)
	if cn.name != "" && h.byName[cn.name] == cn {
		delete(h.byName, cn.name)
	}
	if cn.ip != "" {
		h.ipConns[cn.ip]--
		if h.ipConns[cn.ip] <= 0 {
			delete(h.ipConns, cn.ip)
		}
	}
	h.mu.Unlock()
	h.log.Info("connection dropped", "conn_id", cn.id, "name", cn.name)
	cn.Close()
}

// hostOf strips the port from addr, returning its bare host so all
// connections from the same remote IP but different ephemeral ports count
// against the same per-IP limit. Falls back to the full address string if
// it isn't a host:port pair.
func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (h *Hub) Inbound() <-chan transport.Frame { return h.frames }
func (h *Hub) Errors() <-chan error            { return h.errs }

// Writer resolves the delivery endpoint for name. sender, when it is the
// *conn that originated the frame which caused this roster entry to be
// registered, is recorded against name so future Writer calls for the
// same name (from other goroutines, e.g. a deferred SYSTEM/LEAVE) resolve
// to the same connection without needing the original sender value.
func (h *Hub) Writer(name string, sender any) (transport.Writer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrClosed
	}
	if cn, ok := sender.(*conn); ok {
		cn.name = name
		h.byName[name] = cn
		return cn, nil
	}
	if cn, ok := h.byName[name]; ok {
		return cn, nil
	}
	return nil, fmt.Errorf("tcptls: no connection bound to %q", name)
}

// Close tears down the listener and every open connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for cn := range h.conns {
		cn.Close()
	}
	h.conns = nil
	h.byName = nil
	h.mu.Unlock()
	return h.ln.Close()
}

// conn is one accepted connection; it doubles as the pre-decode Sender
// identity (comparable as a pointer) and as a transport.Writer.
type conn struct {
	net.Conn
	name string
	id   string // correlation ID for log lines, assigned at accept time
	ip   string // remote host, for per-IP connection accounting
	mu   sync.Mutex
	w    *bufio.Writer
}

func (c *conn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("tcptls: write frame: %w", err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("tcptls: write frame terminator: %w", err)
	}
	return c.w.Flush()
}

func (c *conn) Close() error {
	return c.Conn.Close()
}

// SetWriteDeadline satisfies transport.DeadlineWriter.
func (c *conn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}
