package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"chatcore/internal/agent"
	"chatcore/internal/config"
	"chatcore/internal/controller"
	"chatcore/internal/httpapi"
	"chatcore/internal/store"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		cliDB := config.Load().DBPath
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	addr := flag.String("addr", ":8080", "HTTP/WebSocket listen address for the file and event API")
	dbPath := flag.String("db", "", "SQLite database path (overrides the saved config)")
	filesDir := flag.String("files-dir", "", "directory received/staged files are written under (overrides the saved config)")
	migratePolicy := flag.String("migrate-policy", string(store.PolicyYes), "migration policy: error|yes|yes-up|yes-up-down|console")
	agentAddr := flag.String("agent-addr", "", "QUIC/WebTransport address of the SMP/XFTP agent (empty runs an in-process memory gateway, for local/demo use)")
	agentInsecure := flag.Bool("agent-insecure-skip-verify", false, "skip TLS verification when dialing -agent-addr (self-signed agent deployments)")
	useTLS := flag.Bool("tls", false, "serve the HTTP API over a self-signed TLS certificate instead of plain HTTP")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity, used with -tls")
	flag.Parse()

	cfg := config.Load()
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *filesDir != "" {
		cfg.FilesDir = *filesDir
	}

	st, err := store.Open(cfg.DBPath, store.MigratePolicy(*migratePolicy))
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gw agent.Gateway
	if *agentAddr != "" {
		tlsConf := &tls.Config{InsecureSkipVerify: *agentInsecure}
		qg, err := agent.DialQUIC(ctx, *agentAddr, tlsConf)
		if err != nil {
			log.Fatalf("[agent] dial %s: %v", *agentAddr, err)
		}
		defer qg.Close()
		gw = qg
		log.Printf("[agent] connected to %s", *agentAddr)
	} else {
		gw = agent.NewMemoryGateway()
		log.Printf("[agent] no -agent-addr given, running an in-process memory gateway")
	}

	ctl := controller.NewWithConfig(st, gw, slog.Default(), cfg)
	restoreActiveUser(ctx, ctl, st)

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[main] shutting down...")
		cancel()
	}()

	go ctl.Run(ctx)

	srv := httpapi.New(ctl)
	go srv.RunBroadcastLoop(ctx)
	go func() {
		var err error
		if *useTLS {
			tlsConf, fingerprint, terr := generateTLSConfig(*certValidity, "")
			if terr != nil {
				log.Fatalf("[tls] %v", terr)
			}
			ctl.SetTLSFingerprint(fingerprint)
			log.Printf("[tls] certificate fingerprint: %s (share this with contacts to pin the file/websocket endpoint)", fingerprint)
			err = srv.RunTLS(ctx, *addr, tlsConf)
		} else {
			err = srv.Run(ctx, *addr)
		}
		if err != nil {
			log.Printf("[http] %v", err)
		}
	}()
	log.Printf("[http] listening on %s", *addr)

	// Periodically refresh SQLite's query planner statistics.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Optimize(ctx); err != nil {
					log.Printf("[store] optimize: %v", err)
				}
			}
		}
	}()

	runCommandConsole(ctx, ctl)
	ctl.Stop()
}

// restoreActiveUser loads whichever user was last marked active so a
// restart doesn't require a fresh "/_user active" command.
func restoreActiveUser(ctx context.Context, ctl *controller.Controller, st *store.Store) {
	u, err := st.GetActiveUser(ctx)
	if err != nil {
		return
	}
	ctl.SetActiveUser(&u)
	log.Printf("[main] restored active user %q", u.Profile.DisplayName)
}

// runCommandConsole implements the textual command protocol as a
// line-oriented console: each line read from stdin is dispatched and
// its ChatResponse written back as one line of JSON on stdout. This is
// the one process-level entry point into controller.Dispatch; the HTTP
// surface only ever handles file bytes and the read-only view stream.
func runCommandConsole(ctx context.Context, ctl *controller.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		resp := ctl.Dispatch(ctx, line)
		out, err := json.Marshal(resp)
		if err != nil {
			log.Printf("[console] marshal response: %v", err)
			continue
		}
		fmt.Println(string(out))
	}
}
