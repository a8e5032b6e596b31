package agent

import (
	"crypto/tls"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/protonet/internal/crypto"
	"github.com/gluk-w/protonet/internal/tunnel"
)

type testAgent struct {
	addr       string
	certPEM    string
	clientCert *tls.Certificate
}

func startTestAgent(t *testing.T) *testAgent {
	t.Helper()
	dir := t.TempDir()
	cfg := Settings{
		CertFile:           filepath.Join(dir, "agent.crt"),
		KeyFile:            filepath.Join(dir, "agent.key"),
		Shell:              "/bin/sh",
		ForwardDialTimeout: 2 * time.Second,
	}
	certPEM, err := EnsureCert(cfg)
	if err != nil {
		t.Fatalf("EnsureCert: %v", err)
	}

	srv := NewServer(cfg)
	tlsCfg, err := srv.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.TLS = tlsCfg
	ts.StartTLS()
	t.Cleanup(ts.Close)

	cc, ck, err := crypto.GenerateAgentCertPair()
	if err != nil {
		t.Fatal(err)
	}
	clientCert, err := tls.X509KeyPair([]byte(cc), []byte(ck))
	if err != nil {
		t.Fatal(err)
	}
	return &testAgent{addr: ts.Listener.Addr().String(), certPEM: certPEM, clientCert: &clientCert}
}

func (a *testAgent) dial(t *testing.T) *tunnel.Client {
	t.Helper()
	c, err := tunnel.Dial(t.Context(), "test", a.addr, a.certPEM, a.clientCert)
	if err != nil {
		t.Fatalf("tunnel.Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readUntil(t *testing.T, conn net.Conn, target string) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	var acc string
	buf := make([]byte, 4096)
	for !strings.Contains(acc, target) {
		n, err := conn.Read(buf)
		acc += string(buf[:n])
		if err != nil && !strings.Contains(acc, target) {
			t.Fatalf("waiting for %q: %v, got %q", target, err, acc)
		}
	}
	return acc
}

func TestEnsureCertGeneratesOnce(t *testing.T) {
	dir := t.TempDir()
	cfg := Settings{CertFile: filepath.Join(dir, "ssl", "a.crt"), KeyFile: filepath.Join(dir, "ssl", "a.key")}

	first, err := EnsureCert(cfg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := EnsureCert(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("certificate regenerated on second call")
	}
	info, err := os.Stat(cfg.KeyFile)
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Errorf("key file = %v, %v", info, err)
	}

	os.Remove(cfg.KeyFile)
	if _, err := EnsureCert(cfg); err == nil {
		t.Error("expected error when the key is missing")
	}
}

func TestPingOverTunnel(t *testing.T) {
	a := startTestAgent(t)
	if err := a.dial(t).Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestTerminalStream(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	a := startTestAgent(t)
	c := a.dial(t)

	conn, err := c.OpenChannel(tunnel.ChannelTerminal, tunnel.InitHeader{Cols: 100, Rows: 30})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := tunnel.WriteData(conn, []byte("echo hello-$((40+2))\n")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "hello-42")

	if err := tunnel.WriteControl(conn, tunnel.ControlMessage{Type: "resize", Cols: 132, Rows: 50}); err != nil {
		t.Fatal(err)
	}
	if err := tunnel.WriteData(conn, []byte("stty size\n")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "50 132")

	if err := tunnel.WriteData(conn, []byte("exit\n")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.Copy(io.Discard, conn); err != nil {
		t.Fatalf("stream did not end cleanly after exit: %v", err)
	}
}

func TestForwardStream(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	a := startTestAgent(t)
	conn, err := a.dial(t).OpenChannel(tunnel.ChannelForward, tunnel.ForwardHeader{Addr: echo.Addr().String()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "ping")
}

func TestUnknownChannelIsClosed(t *testing.T) {
	a := startTestAgent(t)
	conn, err := a.dial(t).OpenChannel("bogus", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected unknown channel to be closed")
	}
}

func TestDialRequiresClientCert(t *testing.T) {
	a := startTestAgent(t)
	if c, err := tunnel.Dial(t.Context(), "test", a.addr, a.certPEM, nil); err == nil {
		c.Close()
		t.Fatal("expected dial without client certificate to fail")
	}
}

func TestDialRejectsUnpinnedCert(t *testing.T) {
	a := startTestAgent(t)
	other, _, err := crypto.GenerateAgentCertPair()
	if err != nil {
		t.Fatal(err)
	}
	if c, err := tunnel.Dial(t.Context(), "test", a.addr, other, a.clientCert); err == nil {
		c.Close()
		t.Fatal("expected dial against a different pinned certificate to fail")
	}
}

func TestRouteHeaderTimeout(t *testing.T) {
	old := headerTimeout
	headerTimeout = 50 * time.Millisecond
	t.Cleanup(func() { headerTimeout = old })

	client, server := net.Pipe()
	defer client.Close()
	done := make(chan struct{})
	go func() {
		NewRouter().Route(server)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Route did not give up on a silent stream")
	}
}
