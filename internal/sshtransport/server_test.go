package sshtransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testServer is an in-process SSH server. Shell sessions report whether a
// PTY was requested and echo stdin back with an "echo:" prefix.
type testServer struct {
	addr     string
	hostKey  ssh.Signer
	config   *ssh.ServerConfig
	listener net.Listener
	done     chan struct{}
}

type serverAuth struct {
	key      ssh.PublicKey
	password string
	// challenge maps keyboard-interactive questions to expected answers.
	challenge map[string]string
}

func startTestServer(t *testing.T, auth serverAuth) *testServer {
	t.Helper()

	_, hostKeyPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	cfg := &ssh.ServerConfig{}
	if auth.key != nil {
		cfg.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(auth.key) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	if auth.password != "" {
		cfg.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == auth.password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	if auth.challenge != nil {
		cfg.KeyboardInteractiveCallback = func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			var questions []string
			var echos []bool
			for q := range auth.challenge {
				questions = append(questions, q)
				echos = append(echos, false)
			}
			answers, err := client("", "Verification", questions, echos)
			if err != nil {
				return nil, err
			}
			for i, q := range questions {
				if answers[i] != auth.challenge[q] {
					return nil, fmt.Errorf("wrong answer to %q", q)
				}
			}
			return &ssh.Permissions{}, nil
		}
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &testServer{
		addr:     listener.Addr().String(),
		hostKey:  hostSigner,
		config:   cfg,
		listener: listener,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestConnection(netConn, cfg)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		<-s.done
	})
	return s
}

func (s *testServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatal(err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func handleTestConnection(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go handleTestSession(ch, requests)
		case "direct-tcpip":
			go handleDirectTCPIP(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func handleTestSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	var hasPTY bool
	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				ch.Write([]byte(fmt.Sprintf("resize:%dx%d\n", cols, rows)))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			ch.Write([]byte(fmt.Sprintf("PTY:%v\n", hasPTY)))
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						if strings.HasPrefix(string(buf[:n]), "exit") {
							ch.Close()
							return
						}
						ch.Write([]byte("echo:"))
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func handleDirectTCPIP(newChan ssh.NewChannel) {
	var msg struct {
		DestAddr string
		DestPort uint32
		OrigAddr string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newChan.ExtraData(), &msg); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	dst, err := net.Dial("tcp", net.JoinHostPort(msg.DestAddr, fmt.Sprint(msg.DestPort)))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		dst.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		io.Copy(ch, dst)
		ch.CloseWrite()
	}()
	io.Copy(dst, ch)
	dst.Close()
}

// testHooks answers prompts from fixed values and records everything the
// transport reports.
type testHooks struct {
	mu         sync.Mutex
	lines      []string
	connected  int
	disconnect int
	accept     bool
	answers    map[string]string
	prompts    []string
	booleans   int
}

func (h *testHooks) OnConnected() {
	h.mu.Lock()
	h.connected++
	h.mu.Unlock()
}

func (h *testHooks) RequestDisconnect() {
	h.mu.Lock()
	h.disconnect++
	h.mu.Unlock()
}

func (h *testHooks) OutputLine(line string) {
	h.mu.Lock()
	h.lines = append(h.lines, line)
	h.mu.Unlock()
}

func (h *testHooks) RequestString(ctx context.Context, instruction, prompt string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompts = append(h.prompts, prompt)
	answer, ok := h.answers[prompt]
	return answer, ok
}

func (h *testHooks) RequestBoolean(ctx context.Context, instruction, prompt string) (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.booleans++
	return h.accept, true
}

func (h *testHooks) output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.lines, "\n")
}

func (h *testHooks) connectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// readUntil reads from r until the accumulated output contains target or the
// timeout expires.
func readUntil(t *testing.T, r io.Reader, target string, timeout time.Duration) string {
	t.Helper()
	type result struct {
		data string
		err  error
	}
	results := make(chan result, 1)
	var accumulated string
	deadline := time.After(timeout)
	for {
		go func() {
			buf := make([]byte, 4096)
			n, err := r.Read(buf)
			results <- result{string(buf[:n]), err}
		}()
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %q, got: %q", target, accumulated)
		case res := <-results:
			accumulated += res.data
			if strings.Contains(accumulated, target) {
				return accumulated
			}
			if res.err != nil {
				t.Fatalf("read error waiting for %q: %v, accumulated: %q", target, res.err, accumulated)
			}
		}
	}
}
