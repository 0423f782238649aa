package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"client/internal/config"
	"client/internal/protocol"
	"client/internal/transport"
)

func main() {
	cfg := config.Load()

	name := flag.String("name", cfg.Username, "username to register with the hub")
	backend := flag.String("transport", cfg.Transport, "transport backend: tcptls or pipe")
	addr := flag.String("addr", firstNonEmpty(cfg.LastServer, transport.DefaultAddr), "hub address (tcptls backend)")
	fingerprint := flag.String("fingerprint", "", "expected TLS certificate fingerprint; empty trusts on first use")
	flag.Parse()

	if strings.TrimSpace(*name) == "" {
		log.Fatal("a -name is required")
	}

	trusted := *fingerprint
	if trusted == "" && *backend == "tcptls" {
		trusted = cfg.TrustedFPs[*addr]
	}

	var observedFP string
	dial := buildDialer(*backend, *addr, *name, trusted, &observedFP)
	session := NewChatSession(*name, dial)

	go printEvents(session)
	go printStatus(session)

	if err := session.Connect(); err != nil {
		log.Fatalf("connect: %v", err)
	}

	cfg.Username = *name
	cfg.Transport = *backend
	if *backend == "tcptls" {
		cfg.LastServer = *addr
		if trusted == "" && observedFP != "" {
			if cfg.TrustedFPs == nil {
				cfg.TrustedFPs = make(map[string]string)
			}
			cfg.TrustedFPs[*addr] = observedFP
		}
	}
	if err := config.Save(cfg); err != nil {
		log.Printf("config save failed: %v", err)
	}

	runREPL(session)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// buildDialer returns the Dialer ChatSession uses for its initial connect
// and its one reconnect attempt. observedFP records the server's presented
// TLS fingerprint on each tcptls dial, for trust-on-first-use persistence.
func buildDialer(backend, addr, name, trusted string, observedFP *string) Dialer {
	switch backend {
	case "pipe":
		return func() (transport.Client, error) {
			return transport.DialPipe(name)
		}
	default:
		return func() (transport.Client, error) {
			client, fp, err := transport.DialTCPTLS(addr, trusted)
			if err != nil {
				return nil, err
			}
			*observedFP = fp
			if trusted == "" {
				fmt.Fprintf(os.Stderr, "trusting new server fingerprint: %s\n", fp)
			}
			return client, nil
		}
	}
}

func printEvents(s *ChatSession) {
	for f := range s.Events() {
		switch {
		case f.Source == protocol.SourceSystem && f.Type == protocol.SystemJoin:
			fmt.Printf("* %s joined\n", f.Content)
		case f.Source == protocol.SourceSystem && f.Type == protocol.SystemLeave:
			fmt.Printf("* %s left\n", f.Content)
		case f.Source == protocol.SourceSystem && f.Type == protocol.SystemList:
			fmt.Printf("* online: %s\n", f.Content)
		case f.Source == protocol.SourceSystem && f.Type == protocol.SystemError:
			fmt.Printf("! %s\n", f.Content)
		case f.Type == protocol.TypePriv:
			fmt.Printf("[private] %s: %s\n", f.Source, f.Content)
		case f.Type == protocol.TypeMsg:
			fmt.Printf("%s: %s\n", f.Source, f.Content)
		}
	}
}

func printStatus(s *ChatSession) {
	for st := range s.Status() {
		if st == Disconnected {
			fmt.Fprintln(os.Stderr, "disconnected from hub")
		}
	}
}

// runREPL reads stdin lines and dispatches them as broadcasts, private
// messages (/priv <name> <text>), list requests (/list), or leave (/leave).
func runREPL(s *ChatSession) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if s.State() == Disconnected {
			fmt.Fprintln(os.Stderr, "not connected")
			continue
		}

		switch {
		case line == "/list":
			if err := s.RequestList(); err != nil {
				fmt.Fprintf(os.Stderr, "list: %v\n", err)
			}
		case line == "/leave" || line == "/quit":
			s.Leave()
			return
		case strings.HasPrefix(line, "/priv "):
			rest := strings.TrimPrefix(line, "/priv ")
			to, text, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Fprintln(os.Stderr, "usage: /priv <name> <text>")
				continue
			}
			if err := s.SendPrivate(to, text); err != nil {
				fmt.Fprintf(os.Stderr, "priv: %v\n", err)
			}
		default:
			if err := s.SendBroadcast(line); err != nil {
				fmt.Fprintf(os.Stderr, "msg: %v\n", err)
			}
		}
	}

	if s.State() != Disconnected {
		time.Sleep(50 * time.Millisecond) // brief pause before the final Leave
		s.Leave()
	}
}
