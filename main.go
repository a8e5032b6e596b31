package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/protonet/internal/agenttransport"
	"github.com/gluk-w/protonet/internal/auth"
	"github.com/gluk-w/protonet/internal/config"
	"github.com/gluk-w/protonet/internal/connectivity"
	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/handlers"
	"github.com/gluk-w/protonet/internal/hostfile"
	"github.com/gluk-w/protonet/internal/localtransport"
	"github.com/gluk-w/protonet/internal/logging"
	"github.com/gluk-w/protonet/internal/session"
	"github.com/gluk-w/protonet/internal/sshtransport"
	"github.com/gluk-w/protonet/internal/transport"
)

// logNotifier reports the "sessions active" indication in the log.
type logNotifier struct{}

func (logNotifier) SessionsActive(active bool) {
	if active {
		log.Printf("[manager] Sessions active")
	} else {
		log.Printf("[manager] No sessions active")
	}
}

func main() {
	hashToken := flag.String("hash-token", "", "print the bcrypt hash of a bearer token and exit")
	flag.Parse()

	if *hashToken != "" {
		hash, err := auth.HashToken(*hashToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	verifier := auth.NewVerifier(config.Cfg.APITokenHash)
	if err := config.CheckExposure(config.Cfg.ListenAddr, verifier.Enabled()); err != nil {
		log.Fatalf("Config: %v", err)
	}
	if !verifier.Enabled() {
		log.Printf("WARNING: PROTONET_API_TOKEN_HASH is not set, the API is unauthenticated on %s", config.Cfg.ListenAddr)
	}

	sshtransport.Register()
	agenttransport.Register()
	if config.Cfg.EnableLocalShell {
		localtransport.Register()
	}
	log.Printf("Transports: %v", transport.Protocols())

	if config.Cfg.HostsFile != "" {
		res, err := hostfile.ImportFile(config.Cfg.HostsFile)
		if err != nil {
			log.Printf("WARNING: hosts file import failed: %v", err)
		} else {
			log.Printf("Imported hosts from %s: %d created, %d updated, %d channels",
				config.Cfg.HostsFile, res.Created, res.Updated, res.Channels)
		}
	}

	var probe connectivity.ProbeFunc
	if config.Cfg.ConnectivityProbe != "" {
		probe = connectivity.TCPProbe(config.Cfg.ConnectivityProbe)
	}
	monitor, err := connectivity.New(config.Cfg.ConnectivitySchedule, probe)
	if err != nil {
		log.Fatalf("Connectivity monitor: %v", err)
	}

	opts := []session.Option{
		session.WithNotifier(logNotifier{}),
		session.WithConnectivity(monitor),
		session.WithRelayBufferSize(config.Cfg.RelayBufferSize),
		session.WithScrollbackSize(config.Cfg.ScrollbackSize),
	}
	if config.Cfg.PromptTimeout > 0 {
		opts = append(opts, session.WithPromptTimeout(config.Cfg.PromptTimeout))
	}
	manager := session.NewManager(database.HostStore{}, opts...)
	monitor.AddListener(manager)
	manager.OnEvent(func(ev session.Event) {
		log.Printf("[event] %s %s %s", ev.Nickname, ev.Type, ev.Details)
	})

	handlers.Manager = manager
	handlers.Monitor = monitor

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: handlers.NewRouter(verifier),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	manager.DisconnectAll(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
