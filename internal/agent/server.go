// Package agent implements the ptn-agent daemon: a TLS WebSocket endpoint
// that carries a yamux session whose streams open shells, forward TCP
// connections or answer pings.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/coder/websocket"
	"github.com/gluk-w/protonet/internal/tunnel"
	"github.com/hashicorp/yamux"
)

// Server accepts tunnels from protonet clients.
type Server struct {
	cfg    Settings
	router *Router

	// sessions holds the active yamux sessions keyed by remote address.
	sessions sync.Map
}

// NewServer builds a server with the terminal, forward and ping channels
// registered.
func NewServer(cfg Settings) *Server {
	r := NewRouter()
	r.Register(tunnel.ChannelTerminal, TerminalHandler(cfg.Shell))
	r.Register(tunnel.ChannelForward, ForwardHandler(cfg.ForwardDialTimeout))
	r.Register(tunnel.ChannelPing, PingHandler)
	return &Server{cfg: cfg, router: r}
}

func (s *Server) Router() *Router { return s.router }

// TLSConfig loads the agent certificate and sets up client verification:
// clients must present a certificate, verified against ClientCA when one is
// configured.
func (s *Server) TLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequireAnyClientCert,
	}

	if s.cfg.ClientCA == "" {
		log.Printf("agent: no client CA configured, accepting any client certificate")
		return tlsCfg, nil
	}
	caPEM, err := os.ReadFile(s.cfg.ClientCA)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no certificates found in client CA file")
	}
	tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	tlsCfg.ClientCAs = pool
	log.Printf("agent: verifying client certificates against %s", s.cfg.ClientCA)
	return tlsCfg, nil
}

// Handler serves /tunnel and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", s.tunnelHandler)
	mux.HandleFunc("/health", healthHandler)
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsCfg, err := s.TLSConfig()
	if err != nil {
		return err
	}
	ln, err := tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
	if err != nil {
		return err
	}
	log.Printf("agent: listening on %s (mTLS)", s.cfg.ListenAddr)

	srv := &http.Server{Handler: s.Handler(), TLSConfig: tlsCfg}
	go func() {
		<-ctx.Done()
		srv.Close()
		s.closeSessions()
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) closeSessions() {
	s.sessions.Range(func(key, value any) bool {
		value.(*yamux.Session).Close()
		return true
	})
}

func (s *Server) tunnelHandler(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("agent: websocket accept error: %v", err)
		return
	}
	wsConn.SetReadLimit(tunnel.ReadLimit)

	remoteAddr := r.RemoteAddr
	log.Printf("agent: connection accepted from %s", remoteAddr)

	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	session, err := yamux.Server(netConn, nil)
	if err != nil {
		log.Printf("agent: yamux server error: %v", err)
		wsConn.CloseNow()
		return
	}

	s.sessions.Store(remoteAddr, session)
	defer func() {
		s.sessions.Delete(remoteAddr)
		session.Close()
	}()

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if !errors.Is(err, yamux.ErrSessionShutdown) && !errors.Is(err, net.ErrClosed) {
				log.Printf("agent: accept stream error from %s: %v", remoteAddr, err)
			}
			return
		}
		go s.router.Route(stream)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "ptn-agent",
	})
}
