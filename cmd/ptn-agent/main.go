// Command ptn-agent serves terminal and forward channels to protonet clients
// over an mTLS tunnel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gluk-w/protonet/internal/agent"
)

func main() {
	printCert := flag.Bool("print-cert", false, "print the agent certificate PEM and exit")
	flag.Parse()

	cfg, err := agent.LoadSettings()
	if err != nil {
		log.Fatalf("agent: %v", err)
	}

	certPEM, err := agent.EnsureCert(cfg)
	if err != nil {
		log.Fatalf("agent: certificate: %v", err)
	}
	if *printCert {
		fmt.Fprint(os.Stdout, certPEM)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.NewServer(cfg).ListenAndServe(ctx); err != nil {
		log.Fatalf("agent: %v", err)
	}
	log.Printf("agent: stopped")
}
