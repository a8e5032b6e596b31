// Package tunnel carries multiplexed agent streams: a yamux session over a
// WebSocket over TLS pinned to the agent's certificate. Both the client
// transport and the agent daemon use its channel names and framing.
package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/protonet/internal/crypto"
	"github.com/hashicorp/yamux"
)

// ErrNotConnected is returned when no yamux session is open.
var ErrNotConnected = errors.New("tunnel not connected")

// ReadLimit is the largest WebSocket message accepted; yamux frames can
// exceed the library default.
const ReadLimit = 1 << 20

// Ping defaults. Tests may override PingInterval.
var PingInterval = 30 * time.Second

const PingTimeout = 5 * time.Second

// Client is one yamux-over-WebSocket tunnel to an agent.
type Client struct {
	name    string
	mu      sync.Mutex
	session *yamux.Session
	cancel  context.CancelFunc
}

// Dial connects to wss://addr/tunnel. agentCertPEM is the certificate the
// agent presents; it is the only trusted root. clientCert, when non-nil, is
// offered for mutual TLS.
func Dial(ctx context.Context, name, addr, agentCertPEM string, clientCert *tls.Certificate) (*Client, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(agentCertPEM)) {
		return nil, fmt.Errorf("failed to parse agent certificate PEM")
	}

	tlsCfg := &tls.Config{
		RootCAs:    pool,
		ServerName: crypto.AgentServerName,
		MinVersion: tls.VersionTLS12,
	}
	if clientCert != nil {
		tlsCfg.Certificates = []tls.Certificate{*clientCert}
	}

	wsConn, _, err := websocket.Dial(ctx, fmt.Sprintf("wss://%s/tunnel", addr), &websocket.DialOptions{
		HTTPClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial to %s: %w", addr, err)
	}
	wsConn.SetReadLimit(ReadLimit)

	// The connection outlives the dial context; Close cancels it.
	connCtx, cancel := context.WithCancel(context.Background())
	netConn := websocket.NetConn(connCtx, wsConn, websocket.MessageBinary)

	session, err := yamux.Client(netConn, nil)
	if err != nil {
		cancel()
		wsConn.CloseNow()
		return nil, fmt.Errorf("yamux client init: %w", err)
	}
	return &Client{name: name, session: session, cancel: cancel}, nil
}

// NewClient wraps an established yamux session.
func NewClient(name string, session *yamux.Session) *Client {
	return &Client{name: name, session: session}
}

func (c *Client) openStream() (net.Conn, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s.Open()
}

// OpenChannel opens a stream and writes its channel header, plus a JSON
// header line when header is non-nil.
func (c *Client) OpenChannel(channel string, header any) (net.Conn, error) {
	conn, err := c.openStream()
	if err != nil {
		return nil, err
	}
	if err := WriteHeader(conn, channel, header); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// IsClosed reports whether the yamux session is gone.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == nil || c.session.IsClosed()
}

// Close tears down the yamux session and the WebSocket under it.
func (c *Client) Close() error {
	c.mu.Lock()
	s, cancel := c.session, c.cancel
	c.session, c.cancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		defer cancel()
	}
	if s == nil {
		return nil
	}
	return s.Close()
}

// StartPing pings the agent every PingInterval until ctx is done. A failed
// ping closes the session and calls onFail.
func (c *Client) StartPing(ctx context.Context, onFail func(error)) {
	go c.pingLoop(ctx, onFail)
}

func (c *Client) pingLoop(ctx context.Context, onFail func(error)) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsClosed() {
				return
			}
			if err := c.Ping(); err != nil {
				log.Printf("[tunnel] %s: ping failed: %v, closing session", c.name, err)
				c.Close()
				if onFail != nil {
					onFail(err)
				}
				return
			}
		}
	}
}

// Ping opens a ping channel and waits PingTimeout for "pong".
func (c *Client) Ping() error {
	conn, err := c.OpenChannel(ChannelPing, nil)
	if err != nil {
		return fmt.Errorf("open ping channel: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(PingTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if line != "pong\n" {
		return fmt.Errorf("unexpected ping response: %q", line)
	}
	return nil
}
