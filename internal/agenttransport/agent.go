// Package agenttransport implements the "agent" transport: a shell and TCP
// forwards carried over a tunnel to a ptn-agent daemon.
package agenttransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/gluk-w/protonet/internal/crypto"
	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/logutil"
	"github.com/gluk-w/protonet/internal/transport"
	"github.com/gluk-w/protonet/internal/tunnel"
)

const (
	// Protocol is the identity URI scheme of this transport.
	Protocol    = "agent"
	DefaultPort = 3001

	defaultCols = 80
	defaultRows = 24
)

var errNoAgentCert = errors.New("host has no agent certificate")

// clientCertificate supplies the certificate presented to agents. Tests
// replace it to run without a database.
var clientCertificate = func() (*tls.Certificate, error) {
	cert, _, err := crypto.GetClientCert()
	return cert, err
}

// Register adds the agent protocol to the transport registry.
func Register() {
	transport.Register(transport.Protocol{
		Name:        Protocol,
		DefaultPort: DefaultPort,
		Network:     true,
		New:         New,
	})
}

// Transport is one tunnel to an agent.
type Transport struct {
	*transport.ChannelSet

	host  database.Host
	hooks transport.Hooks

	mu          sync.Mutex
	client      *tunnel.Client
	stream      net.Conn
	connected   bool
	sessionOpen bool
	closed      bool
	stopPing    context.CancelFunc
	cols, rows  int

	writeMu sync.Mutex
}

// New builds an unconnected transport for host.
func New(host *database.Host, hooks transport.Hooks) transport.Transport {
	t := &Transport{host: *host, hooks: hooks, cols: defaultCols, rows: defaultRows}
	t.ChannelSet = transport.NewChannelSet(transport.ForwarderFunc(t.forward), t.IsConnected)
	return t
}

func (t *Transport) tag() string { return logutil.SanitizeForLog(t.host.Nickname) }

func (t *Transport) addr() string {
	port := t.host.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.host.Hostname, strconv.Itoa(port))
}

// Connect dials the agent, enables the added channels and opens a terminal
// stream unless the host is headless.
func (t *Transport) Connect(ctx context.Context) error {
	if t.host.AgentCertPEM == "" {
		return errNoAgentCert
	}
	addr := t.addr()
	t.hooks.OutputLine(fmt.Sprintf("Connecting to agent at %s", addr))

	clientCert, err := clientCertificate()
	if err != nil {
		log.Printf("[agent] %s: client certificate unavailable: %v", t.tag(), err)
	}
	client, err := tunnel.Dial(ctx, t.host.Nickname, addr, t.host.AgentCertPEM, clientCert)
	if err != nil {
		return err
	}

	pingCtx, stopPing := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		stopPing()
		client.Close()
		return transport.ErrConnectionClosed
	}
	t.client = client
	t.connected = true
	t.stopPing = stopPing
	cols, rows := t.cols, t.rows
	t.mu.Unlock()

	client.StartPing(pingCtx, func(error) { t.hooks.RequestDisconnect() })
	log.Printf("[agent] %s: tunnel established to %s", t.tag(), addr)

	for _, c := range t.EnableAll() {
		t.hooks.OutputLine(fmt.Sprintf("Enabled channel %s", c.Nickname))
	}

	if !t.host.WantSession {
		t.hooks.OutputLine("Session will not be started due to host preference.")
		t.hooks.OnConnected()
		return nil
	}

	stream, err := client.OpenChannel(tunnel.ChannelTerminal, tunnel.InitHeader{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		t.Close()
		return fmt.Errorf("open terminal: %w", err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		stream.Close()
		return transport.ErrConnectionClosed
	}
	t.stream = stream
	t.sessionOpen = true
	t.mu.Unlock()

	t.hooks.OnConnected()
	return nil
}

// forward serves local channels; the agent dials the destination.
func (t *Transport) forward(c *database.Channel) (io.Closer, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return nil, transport.ErrNotConnected
	}
	if c.Kind != database.ChannelLocal {
		return nil, fmt.Errorf("%s forwarding is not supported by agents", c.Kind)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.SourcePort))
	if err != nil {
		return nil, fmt.Errorf("listen for local forward on port %d: %w", c.SourcePort, err)
	}
	dial := func() (net.Conn, error) {
		return client.OpenChannel(tunnel.ChannelForward, tunnel.ForwardHeader{Addr: c.Dest()})
	}
	return transport.ServeForward(ln, dial, logutil.SanitizeForLog(c.Nickname)), nil
}

func (t *Transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return 0, transport.ErrNotConnected
	}
	n, err := stream.Read(p)
	if err != nil {
		if n > 0 {
			return n, nil
		}
		return 0, transport.ErrConnectionClosed
	}
	return n, nil
}

func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return transport.ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := tunnel.WriteData(stream, p); err != nil {
		return fmt.Errorf("write to %s: %w", t.host.Nickname, err)
	}
	return nil
}

// Close stops every forward and tears the tunnel down. It is safe to call
// more than once and while Connect is still running.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	t.sessionOpen = false
	client, stream, stopPing := t.client, t.stream, t.stopPing
	t.mu.Unlock()

	t.StopAll()
	if stopPing != nil {
		stopPing()
	}
	if stream != nil {
		stream.Close()
	}
	if client == nil {
		return nil
	}
	log.Printf("[agent] %s: disconnected", t.tag())
	return client.Close()
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) IsSessionOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionOpen
}

func (t *Transport) UsesNetwork() bool { return true }

// SetDimensions records the size for the terminal init header and sends a
// resize frame to a running terminal.
func (t *Transport) SetDimensions(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	msg := tunnel.ControlMessage{Type: "resize", Cols: uint16(cols), Rows: uint16(rows)}
	if err := tunnel.WriteControl(stream, msg); err != nil {
		log.Printf("[agent] %s: resize: %v", t.tag(), err)
	}
}
