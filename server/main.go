package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"chathub/server/internal/roster"
	"chathub/server/internal/router"
	"chathub/server/internal/store"
	"chathub/server/internal/transport"
	"chathub/server/internal/transport/pipe"
	"chathub/server/internal/transport/tcptls"
)

// Version is the current hub version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "chathub.db") {
			return
		}
	}

	backend := flag.String("transport", "tcptls", "transport backend: tcptls or pipe")
	addr := flag.String("addr", tcptls.DefaultAddr, "TLS listen address (tcptls backend)")
	pipePath := flag.String("pipe", pipe.DefaultServerPipe, "inbound FIFO path (pipe backend)")
	dbPath := flag.String("db", "chathub.db", "SQLite database path")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	maxConnections := flag.Int("max-connections", defaultMaxConnections, "maximum registered users")
	evictionInterval := flag.Duration("eviction-interval", defaultEvictionInterval, "idle-eviction sweep cadence")
	idleThreshold := flag.Duration("idle-threshold", defaultIdleThreshold, "idle duration before an entry is evicted")
	queueDepth := flag.Int("write-queue-depth", defaultWriteQueueDepth, "per-destination outbound queue depth")
	writeDeadline := flag.Duration("write-deadline", defaultWriteDeadline, "per-frame write deadline")
	perIPLimit := flag.Int("per-ip-limit", defaultPerIPLimit, "max concurrent connections per remote address (tcptls backend); 0 disables")
	controlRateLimit := flag.Int("control-rate-limit", defaultControlRateLimit, "max JOIN/LEAVE/LIST messages per user per second; 0 disables")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()
	seedDefaults(st)

	ros := roster.New(*maxConnections)
	rtr := router.New(ros, logger)
	rtr.AuditFunc = func(event, name string) {
		if err := st.InsertAuditLog(event, name); err != nil {
			logger.Warn("audit log insert failed", "event", event, "name", name, "err", err)
		}
	}
	rtr.BanCheck = func(name string) bool {
		banned, err := st.IsNameBanned(name)
		if err != nil {
			logger.Warn("ban check failed", "name", name, "err", err)
			return false
		}
		return banned
	}
	rtr.ControlRateLimit = *controlRateLimit

	var tr transport.Hub
	switch *backend {
	case "tcptls":
		hostname := ""
		if host, _, err := net.SplitHostPort(*addr); err == nil && host != "" {
			hostname = host
		}
		tlsConfig, fingerprint, err := tcptls.GenerateTLSConfig(*certValidity, hostname)
		if err != nil {
			log.Fatalf("[hub] %v", err)
		}
		logger.Info("TLS certificate fingerprint", "sha256", fingerprint)
		tcpHub, err := tcptls.Listen(*addr, tlsConfig, logger)
		if err != nil {
			log.Fatalf("[hub] %v", err)
		}
		tcpHub.SetPerIPLimit(*perIPLimit)
		tr = tcpHub
		logger.Info("listening", "transport", "tcptls", "addr", *addr, "per_ip_limit", *perIPLimit, "frame_terminator", "newline")
	case "pipe":
		tr, err = pipe.NewHub(*pipePath, logger)
		if err != nil {
			log.Fatalf("[hub] %v", err)
		}
		logger.Info("listening", "transport", "pipe", "path", *pipePath)
	default:
		log.Fatalf("[hub] unknown -transport %q (want tcptls or pipe)", *backend)
	}

	h := NewHub(tr, ros, rtr, logger, Config{
		QueueDepth:       *queueDepth,
		WriteDeadline:    *writeDeadline,
		EvictionInterval: *evictionInterval,
		IdleThreshold:    *idleThreshold,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	go RunMetrics(ctx, ros, 5*time.Second)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := st.PurgeExpiredBans(); err != nil {
					logger.Warn("purge expired bans failed", "err", err)
				}
			}
		}
	}()

	h.Run(ctx)
}

// seedDefaults writes factory-default settings when they have not been set
// yet (first-run initialization).
func seedDefaults(st *store.Store) {
	if _, ok, err := st.GetSetting(store.ServerName); err == nil && !ok {
		if err := st.SetSetting(store.ServerName, "chathub"); err != nil {
			log.Printf("[store] seed %q: %v", store.ServerName, err)
		}
	}
}
