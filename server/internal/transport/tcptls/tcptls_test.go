package tcptls

import (
	"bufio"
	"crypto/tls"
	"testing"
	"time"
)

func TestLoopbackFrameRoundTrip(t *testing.T) {
	cfg, fingerprint, err := GenerateTLSConfig(time.Hour, "localhost")
	if err != nil {
		t.Fatalf("GenerateTLSConfig: %v", err)
	}
	if fingerprint == "" {
		t.Fatal("expected a non-empty fingerprint")
	}

	h, err := Listen("127.0.0.1:0", cfg, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer h.Close()

	clientConn, err := tls.Dial("tcp", h.ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("JOIN|alice||\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case frame := <-h.Inbound():
		if string(frame.Data) != "JOIN|alice||" {
			t.Errorf("got %q, want %q", frame.Data, "JOIN|alice||")
		}
		if frame.Sender == nil {
			t.Error("tcptls backend should always supply a pre-decode Sender")
		}

		w, err := h.Writer("alice", frame.Sender)
		if err != nil {
			t.Fatalf("Writer: %v", err)
		}
		if err := w.WriteFrame([]byte("alice\nJOIN\nalice\nalice")); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}

		reader := bufio.NewReader(clientConn)
		clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		// A hub→client frame's fields are '\n'-separated, so the frame
		// plus its terminator arrives as four lines.
		var line string
		for i := 0; i < 4; i++ {
			part, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("client read: %v", err)
			}
			line += part
		}
		if line != "alice\nJOIN\nalice\nalice\n" {
			t.Errorf("got %q, want %q", line, "alice\nJOIN\nalice\nalice\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}
}

func TestPerIPLimitRejectsExtraConnections(t *testing.T) {
	cfg, _, err := GenerateTLSConfig(time.Hour, "localhost")
	if err != nil {
		t.Fatalf("GenerateTLSConfig: %v", err)
	}

	h, err := Listen("127.0.0.1:0", cfg, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer h.Close()
	h.SetPerIPLimit(1)

	dialCfg := &tls.Config{InsecureSkipVerify: true}
	first, err := tls.Dial("tcp", h.ln.Addr().String(), dialCfg)
	if err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	defer first.Close()

	// Give the accept loop a moment to register the first connection
	// before the second one races it.
	time.Sleep(50 * time.Millisecond)

	second, err := tls.Dial("tcp", h.ln.Addr().String(), dialCfg)
	if err != nil {
		t.Fatalf("second Dial: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatal("expected the second same-IP connection to be closed by the server")
	}
}
