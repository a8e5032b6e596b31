package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/prompt"
	"github.com/gluk-w/protonet/internal/transport"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fakeTransport is an in-memory transport. Data fed with feed() comes out
// of Read; Close makes Read fail with ErrConnectionClosed.
type fakeTransport struct {
	*transport.ChannelSet
	hooks transport.Hooks
	host  *database.Host

	mu          sync.Mutex
	connected   bool
	connects    int
	closes      int
	writes      []byte
	dims        [2]int
	forwards    int
	connectErr  error
	writeErr    error
	sessionOpen bool
	network     bool
	gate        chan struct{}

	data      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	leftover  []byte
}

func newFakeTransport(host *database.Host, hooks transport.Hooks) *fakeTransport {
	f := &fakeTransport{
		hooks:       hooks,
		host:        host,
		sessionOpen: host.WantSession,
		network:     true,
		data:        make(chan []byte, 16),
		done:        make(chan struct{}),
	}
	f.ChannelSet = transport.NewChannelSet(transport.ForwarderFunc(func(c *database.Channel) (io.Closer, error) {
		f.mu.Lock()
		f.forwards++
		f.mu.Unlock()
		return nopCloser{}, nil
	}), f.IsConnected)
	return f
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.gate != nil {
		f.hooks.OutputLine("Connecting to " + f.host.Hostname)
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	if err == nil {
		f.connected = true
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.hooks.OnConnected()
	return nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	if len(f.leftover) == 0 {
		select {
		case b := <-f.data:
			f.leftover = b
		case <-f.done:
			return 0, transport.ErrConnectionClosed
		}
	}
	n := copy(p, f.leftover)
	f.leftover = f.leftover[n:]
	return n, nil
}

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, p...)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.connected = false
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) IsSessionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && f.sessionOpen
}

func (f *fakeTransport) UsesNetwork() bool { return f.network }

func (f *fakeTransport) SetDimensions(cols, rows int) {
	f.mu.Lock()
	f.dims = [2]int{cols, rows}
	f.mu.Unlock()
}

func (f *fakeTransport) feed(s string) { f.data <- []byte(s) }

// dropRemote simulates the peer going away without a local Close.
func (f *fakeTransport) dropRemote() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.writes)
}

// fakeFactory records every transport it builds.
type fakeFactory struct {
	mu        sync.Mutex
	created   []*fakeTransport
	byHost    map[string]int
	configure func(*fakeTransport)
	newErr    error
}

func (ff *fakeFactory) New(host *database.Host, hooks transport.Hooks) (transport.Transport, error) {
	ff.mu.Lock()
	err := ff.newErr
	ff.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f := newFakeTransport(host, hooks)
	if ff.configure != nil {
		ff.configure(f)
	}
	ff.mu.Lock()
	ff.created = append(ff.created, f)
	if ff.byHost == nil {
		ff.byHost = make(map[string]int)
	}
	ff.byHost[host.Nickname]++
	ff.mu.Unlock()
	return f, nil
}

func (ff *fakeFactory) failNew(err error) {
	ff.mu.Lock()
	ff.newErr = err
	ff.mu.Unlock()
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.created)
}

func (ff *fakeFactory) countFor(nickname string) int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.byHost[nickname]
}

func (ff *fakeFactory) last() *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.created[len(ff.created)-1]
}

type fakeStore struct {
	mu       sync.Mutex
	touched  []uint
	channels map[uint][]database.Channel
}

func (s *fakeStore) TouchLastConnected(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, id)
	return nil
}

func (s *fakeStore) ListChannelsForHost(hostID uint) ([]database.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hostID == 0 {
		return nil, errors.New("no host")
	}
	return s.channels[hostID], nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []bool
}

func (n *fakeNotifier) SessionsActive(active bool) {
	n.mu.Lock()
	n.calls = append(n.calls, active)
	n.mu.Unlock()
}

func (n *fakeNotifier) history() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]bool(nil), n.calls...)
}

type fakeConnectivity struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (c *fakeConnectivity) Acquire() {
	c.mu.Lock()
	c.acquired++
	c.mu.Unlock()
}

func (c *fakeConnectivity) Release() {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

func (c *fakeConnectivity) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired, c.released
}

type chanObserver chan prompt.Request

func (c chanObserver) PromptRequested(r prompt.Request) { c <- r }

func nextPrompt(t *testing.T, obs chanObserver) prompt.Request {
	t.Helper()
	select {
	case r := <-obs:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a prompt")
		return prompt.Request{}
	}
}

type testEnv struct {
	mgr      *Manager
	factory  *fakeFactory
	store    *fakeStore
	notifier *fakeNotifier
	conn     *fakeConnectivity

	mu     sync.Mutex
	events []Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		factory:  &fakeFactory{},
		store:    &fakeStore{channels: make(map[uint][]database.Channel)},
		notifier: &fakeNotifier{},
		conn:     &fakeConnectivity{},
	}
	env.mgr = NewManager(env.store,
		WithTransportFactory(env.factory.New),
		WithNotifier(env.notifier),
		WithConnectivity(env.conn),
		WithScrollbackSize(4096),
		WithPromptTimeout(2*time.Second),
	)
	env.mgr.OnEvent(func(ev Event) {
		env.mu.Lock()
		env.events = append(env.events, ev)
		env.mu.Unlock()
	})
	t.Cleanup(func() { env.mgr.DisconnectAll(true) })
	return env
}

func (env *testEnv) countEvents(typ EventType, nickname string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	n := 0
	for _, ev := range env.events {
		if ev.Type == typ && ev.Nickname == nickname {
			n++
		}
	}
	return n
}

func testHost(id uint, user, hostname string, port int) *database.Host {
	h := database.NewHost("ssh", user, hostname, port)
	h.ID = id
	h.Nickname = h.Description()
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return s.State() == want })
}
