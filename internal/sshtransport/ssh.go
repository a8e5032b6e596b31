// Package sshtransport implements the "ssh" transport on top of
// golang.org/x/crypto/ssh.
//
// A connection authenticates with the client key kept under the data path,
// then the host's stored password, then anything the user types in answer to
// password or keyboard-interactive prompts. Host keys are checked against a
// known_hosts file next to the client key. Once authenticated, every channel
// added to the transport is enabled and, unless the host asks for a headless
// connection, a PTY shell is opened.
package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gluk-w/protonet/internal/config"
	"github.com/gluk-w/protonet/internal/crypto"
	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/logutil"
	"github.com/gluk-w/protonet/internal/transport"
	"golang.org/x/crypto/ssh"
)

const (
	// Protocol is the identity URI scheme of this transport.
	Protocol    = "ssh"
	DefaultPort = 22

	terminalType     = "xterm-256color"
	passwordRetries  = 3
	keepaliveRequest = "keepalive@openssh.com"
	defaultCols      = 80
	defaultRows      = 24
)

// Register adds the ssh protocol to the transport registry.
func Register() {
	transport.Register(transport.Protocol{
		Name:        Protocol,
		DefaultPort: DefaultPort,
		Network:     true,
		New:         New,
	})
}

// Transport is one SSH connection, optionally carrying an interactive shell.
type Transport struct {
	*transport.ChannelSet

	host  database.Host
	hooks transport.Hooks

	mu          sync.Mutex
	client      *ssh.Client
	session     *ssh.Session
	stdin       io.WriteCloser
	stdout      io.Reader
	connected   bool
	sessionOpen bool
	closed      bool
	stopKeep    context.CancelFunc
	cols, rows  int
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

// promptContext bounds a user prompt by the configured prompt timeout.
func promptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if config.Cfg.PromptTimeout > 0 {
		return context.WithTimeout(ctx, config.Cfg.PromptTimeout)
	}
	return context.WithCancel(ctx)
}

func (t *Transport) authMethods(ctx context.Context) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if t.host.UseKeys {
		if signer, err := LoadOrCreateSigner(config.Cfg.DataPath); err != nil {
			log.Printf("[ssh] %s: client key unavailable: %v", t.tag(), err)
		} else {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	stored := ""
	if t.host.Password != "" {
		plain, err := crypto.Decrypt(t.host.Password)
		if err != nil {
			log.Printf("[ssh] %s: stored password unreadable: %v", t.tag(), err)
		}
		stored = plain
	}

	// x/crypto/ssh tries each method name once, so the stored password and
	// the prompted one share a retryable method. The stored attempt does not
	// count against the prompts.
	tries := passwordRetries
	if stored != "" {
		tries++
	}
	password := func() (string, error) {
		if stored != "" {
			p := stored
			stored = ""
			return p, nil
		}
		pctx, cancel := promptContext(ctx)
		defer cancel()
		answer, ok := t.hooks.RequestString(pctx, "", "Password: ")
		if !ok {
			return "", errors.New("password prompt cancelled")
		}
		return answer, nil
	}
	methods = append(methods, ssh.RetryableAuthMethod(ssh.PasswordCallback(password), tries))

	methods = append(methods, ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i, q := range questions {
			pctx, cancel := promptContext(ctx)
			answer, ok := t.hooks.RequestString(pctx, instruction, q)
			cancel()
			if !ok {
				return nil, errors.New("keyboard-interactive prompt cancelled")
			}
			answers[i] = answer
		}
		return answers, nil
	}))
	return methods
}

// Connect dials, verifies the host key, authenticates and then either opens
// a shell or stays headless. Cancelling ctx aborts a dial or handshake in
// progress.
func (t *Transport) Connect(ctx context.Context) error {
	addr := t.addr()
	t.hooks.OutputLine(fmt.Sprintf("Connecting to %s", addr))

	hostKeys, err := hostKeyCallback(ctx, filepath.Join(config.Cfg.DataPath, knownHostsFile), t.hooks)
	if err != nil {
		return err
	}
	cfg := &ssh.ClientConfig{
		User:            t.host.Username,
		Auth:            t.authMethods(ctx),
		HostKeyCallback: hostKeys,
		Timeout:         config.Cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: config.Cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	t.hooks.OutputLine("Authenticating")
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	aborted := !stop()
	if err != nil {
		netConn.Close()
		if aborted {
			return fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
		}
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	keepCtx, keepCancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.closed || aborted {
		t.mu.Unlock()
		keepCancel()
		client.Close()
		return transport.ErrConnectionClosed
	}
	t.client = client
	t.connected = true
	t.stopKeep = keepCancel
	t.mu.Unlock()

	go t.keepalive(keepCtx, client)
	log.Printf("[ssh] %s: authenticated to %s", t.tag(), addr)

	for _, c := range t.EnableAll() {
		t.hooks.OutputLine(fmt.Sprintf("Enabled channel %s", c.Nickname))
	}

	if !t.host.WantSession {
		t.hooks.OutputLine("Session will not be started due to host preference.")
		t.hooks.OnConnected()
		return nil
	}

	if err := t.openShell(client); err != nil {
		t.Close()
		return err
	}
	t.hooks.OnConnected()
	return nil
}

// openShell requests a PTY and starts the login shell.
func (t *Transport) openShell(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create ssh session: %w", err)
	}

	t.mu.Lock()
	cols, rows := t.cols, t.rows
	t.mu.Unlock()

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(terminalType, rows, cols, modes); err != nil {
		session.Close()
		return fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return fmt.Errorf("start shell: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		session.Close()
		return transport.ErrConnectionClosed
	}
	t.session = session
	t.stdin = stdin
	t.stdout = stdout
	t.sessionOpen = true
	return nil
}

// keepalive closes the client after a failed keepalive so a blocked Read
// returns, and asks the session to disconnect for headless connections.
func (t *Transport) keepalive(ctx context.Context, client *ssh.Client) {
	interval := config.Cfg.KeepaliveInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest(keepaliveRequest, true, nil); err != nil {
				log.Printf("[ssh] %s: keepalive failed: %v", t.tag(), err)
				client.Close()
				t.hooks.RequestDisconnect()
				return
			}
		}
	}
}

func (t *Transport) sshClient() *ssh.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	return t.client
}

func (t *Transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	stdout := t.stdout
	t.mu.Unlock()
	if stdout == nil {
		return 0, transport.ErrNotConnected
	}
	n, err := stdout.Read(p)
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
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return transport.ErrNotConnected
	}
	if _, err := stdin.Write(p); err != nil {
		return fmt.Errorf("write to %s: %w", t.host.Nickname, err)
	}
	return nil
}

// Close stops every forward and tears the connection down. It is safe to
// call more than once and while Connect is still running.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	t.sessionOpen = false
	client, session, stopKeep := t.client, t.session, t.stopKeep
	t.mu.Unlock()

	t.StopAll()
	if stopKeep != nil {
		stopKeep()
	}
	if session != nil {
		session.Close()
	}
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close ssh connection to %s: %w", t.host.Nickname, err)
	}
	log.Printf("[ssh] %s: disconnected", t.tag())
	return nil
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

// SetDimensions records the size for the PTY request and resizes a running
// shell.
func (t *Transport) SetDimensions(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	session := t.session
	t.mu.Unlock()
	if session == nil {
		return
	}
	if err := session.WindowChange(rows, cols); err != nil {
		log.Printf("[ssh] %s: window change: %v", t.tag(), err)
	}
}
