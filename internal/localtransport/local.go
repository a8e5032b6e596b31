// Package localtransport runs a shell on this machine under a PTY.
package localtransport

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/gluk-w/protonet/internal/config"
	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/logutil"
	"github.com/gluk-w/protonet/internal/transport"
)

const (
	Protocol     = "local"
	defaultShell = "/bin/sh"
	defaultCols  = 80
	defaultRows  = 24
)

// Register adds the local protocol to the transport registry.
func Register() {
	transport.Register(transport.Protocol{
		Name: Protocol,
		New:  New,
	})
}

// Transport is a local shell process attached to a PTY.
type Transport struct {
	*transport.ChannelSet

	host  database.Host
	hooks transport.Hooks

	mu         sync.Mutex
	cmd        *exec.Cmd
	ptmx       *os.File
	connected  bool
	closed     bool
	cols, rows int
}

// New builds a transport for host. Local shells carry no channels.
func New(host *database.Host, hooks transport.Hooks) transport.Transport {
	t := &Transport{host: *host, hooks: hooks, cols: defaultCols, rows: defaultRows}
	t.ChannelSet = transport.NewChannelSet(nil, t.IsConnected)
	return t
}

func shell() string {
	if config.Cfg.LocalShell != "" {
		return config.Cfg.LocalShell
	}
	return defaultShell
}

// Connect starts the shell.
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrConnectionClosed
	}

	sh := shell()
	cmd := exec.Command(sh)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(t.cols), Rows: uint16(t.rows)})
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("start %s: %w", sh, err)
	}
	t.cmd = cmd
	t.ptmx = ptmx
	t.connected = true
	t.mu.Unlock()

	log.Printf("[local] %s: started %s (pid %d)", logutil.SanitizeForLog(t.host.Nickname), sh, cmd.Process.Pid)
	t.hooks.OnConnected()
	return nil
}

func (t *Transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	ptmx := t.ptmx
	t.mu.Unlock()
	if ptmx == nil {
		return 0, transport.ErrNotConnected
	}
	n, err := ptmx.Read(p)
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
	ptmx := t.ptmx
	t.mu.Unlock()
	if ptmx == nil {
		return transport.ErrNotConnected
	}
	if _, err := ptmx.Write(p); err != nil {
		return fmt.Errorf("write to local shell: %w", err)
	}
	return nil
}

// Close hangs up the shell and reaps it.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	cmd, ptmx := t.cmd, t.ptmx
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGHUP)
	}
	ptmx.Close()
	cmd.Wait()
	log.Printf("[local] %s: shell exited", logutil.SanitizeForLog(t.host.Nickname))
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) IsSessionOpen() bool { return t.IsConnected() }

func (t *Transport) UsesNetwork() bool { return false }

func (t *Transport) SetDimensions(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cols, t.rows = cols, rows
	if t.ptmx == nil {
		return
	}
	if err := pty.Setsize(t.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		log.Printf("[local] %s: resize: %v", logutil.SanitizeForLog(t.host.Nickname), err)
	}
}
