package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/gluk-w/protonet/internal/database"
)

type stubTransport struct {
	*ChannelSet
	host *database.Host
}

func (s *stubTransport) Connect(ctx context.Context) error { return nil }
func (s *stubTransport) Read(p []byte) (int, error)        { return 0, io.EOF }
func (s *stubTransport) Write(p []byte) error              { return nil }
func (s *stubTransport) Close() error                      { return nil }
func (s *stubTransport) IsConnected() bool                 { return true }
func (s *stubTransport) IsSessionOpen() bool               { return true }
func (s *stubTransport) UsesNetwork() bool                 { return true }
func (s *stubTransport) SetDimensions(cols, rows int)      {}

func TestMain(m *testing.M) {
	Register(Protocol{Name: "ssh", DefaultPort: 22, Network: true,
		New: func(h *database.Host, _ Hooks) Transport { return &stubTransport{host: h} }})
	Register(Protocol{Name: "agent", DefaultPort: 3001, Network: true})
	Register(Protocol{Name: "local", Network: false})
	os.Exit(m.Run())
}

func TestNewUnknownProtocol(t *testing.T) {
	_, err := New(&database.Host{Protocol: "telnet"}, nil)
	if !errors.Is(err, ErrUnknownProtocol) {
		t.Fatalf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestNewBuildsRegisteredTransport(t *testing.T) {
	h := database.NewHost("ssh", "alice", "example.com", 22)
	tr, err := New(h, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if st, ok := tr.(*stubTransport); !ok || st.host != h {
		t.Fatalf("unexpected transport %#v", tr)
	}
}

func TestProtocolsSorted(t *testing.T) {
	got := Protocols()
	want := []string{"agent", "local", "ssh"}
	if len(got) != len(want) {
		t.Fatalf("Protocols() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Protocols() = %v, want %v", got, want)
		}
	}
}

func TestFormatHint(t *testing.T) {
	if got := FormatHint("ssh"); got != "username@hostname:port" {
		t.Errorf("FormatHint(ssh) = %q", got)
	}
	if got := FormatHint("local"); got != "nickname" {
		t.Errorf("FormatHint(local) = %q", got)
	}
}

type fakeCloser struct {
	mu     sync.Mutex
	closed int
}

func (f *fakeCloser) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func TestChannelSetLifecycle(t *testing.T) {
	ready := false
	var started int
	closer := &fakeCloser{}
	set := NewChannelSet(ForwarderFunc(func(c *database.Channel) (io.Closer, error) {
		started++
		return closer, nil
	}), func() bool { return ready })

	ch := &database.Channel{Nickname: "web", UUID: "u1", Kind: database.ChannelLocal}
	other := &database.Channel{Nickname: "db", UUID: "u2", Kind: database.ChannelLocal}

	if set.EnableChannel(ch) {
		t.Fatal("enable before add should fail")
	}
	if !set.AddChannel(ch) {
		t.Fatal("AddChannel failed")
	}
	if set.AddChannel(ch) {
		t.Fatal("duplicate AddChannel should fail")
	}
	if set.EnableChannel(ch) {
		t.Fatal("enable while not connected should fail")
	}
	if started != 0 {
		t.Fatal("forwarder must not be called while not connected")
	}

	ready = true
	if set.EnableChannel(other) {
		t.Fatal("enable of a channel never added should fail")
	}
	if !set.EnableChannel(ch) || !ch.Enabled {
		t.Fatal("EnableChannel failed")
	}
	if !set.EnableChannel(ch) || started != 1 {
		t.Fatalf("second enable should be a no-op, started=%d", started)
	}

	if !set.RemoveChannel(ch) {
		t.Fatal("RemoveChannel failed")
	}
	if closer.closed != 1 || ch.Enabled {
		t.Fatalf("remove should disable first: closed=%d enabled=%v", closer.closed, ch.Enabled)
	}
	if len(set.Channels()) != 0 {
		t.Fatal("channel still listed after remove")
	}
}

func TestChannelSetForwardError(t *testing.T) {
	set := NewChannelSet(ForwarderFunc(func(c *database.Channel) (io.Closer, error) {
		return nil, errors.New("bind: address in use")
	}), func() bool { return true })
	ch := &database.Channel{Nickname: "web", UUID: "u1"}
	set.AddChannel(ch)
	if set.EnableChannel(ch) || ch.Enabled {
		t.Fatal("enable should fail when the forwarder errors")
	}
}

func TestChannelSetWithoutForwarder(t *testing.T) {
	set := NewChannelSet(nil, func() bool { return true })
	if set.AddChannel(&database.Channel{UUID: "x"}) {
		t.Fatal("AddChannel should fail without channel support")
	}
}

func TestChannelSetStopAllKeepsChannels(t *testing.T) {
	closer := &fakeCloser{}
	set := NewChannelSet(ForwarderFunc(func(c *database.Channel) (io.Closer, error) {
		return closer, nil
	}), func() bool { return true })
	a := &database.Channel{UUID: "a"}
	b := &database.Channel{UUID: "b"}
	set.AddChannel(a)
	set.AddChannel(b)

	if got := set.EnableAll(); len(got) != 2 {
		t.Fatalf("EnableAll enabled %d", len(got))
	}
	set.StopAll()
	if closer.closed != 2 || a.Enabled || b.Enabled {
		t.Fatalf("StopAll: closed=%d", closer.closed)
	}
	if len(set.Channels()) != 2 {
		t.Fatal("StopAll must keep channels added")
	}
}
