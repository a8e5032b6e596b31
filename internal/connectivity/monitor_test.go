package connectivity

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	edges []string
}

func (r *recorder) OnConnectivityLost() {
	r.mu.Lock()
	r.edges = append(r.edges, "lost")
	r.mu.Unlock()
}

func (r *recorder) OnConnectivityRestored() {
	r.mu.Lock()
	r.edges = append(r.edges, "restored")
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.edges...)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New("every now and then", nil); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestSetAvailableIsEdgeTriggered(t *testing.T) {
	m, err := New("", nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	m.AddListener(rec)

	m.SetAvailable(true)
	m.SetAvailable(false)
	m.SetAvailable(false)
	m.SetAvailable(true)
	m.SetAvailable(true)

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "lost" || got[1] != "restored" {
		t.Errorf("edges = %v, want [lost restored]", got)
	}
	if !m.Available() {
		t.Error("monitor should be available")
	}
}

func TestCheckUsesProbe(t *testing.T) {
	var up atomic.Bool
	m, _ := New("", func() bool { return up.Load() })
	rec := &recorder{}
	m.AddListener(rec)

	m.Check()
	if got := rec.snapshot(); len(got) != 1 || got[0] != "lost" {
		t.Fatalf("edges = %v", got)
	}
	up.Store(true)
	m.Check()
	if got := rec.snapshot(); len(got) != 2 || got[1] != "restored" {
		t.Fatalf("edges = %v", got)
	}
}

func TestAcquireReleaseControlsPolling(t *testing.T) {
	var probes atomic.Int32
	m, err := New("@every 1s", func() bool {
		probes.Add(1)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}

	m.Acquire()
	m.Acquire()
	if !m.Polling() || m.Refs() != 2 {
		t.Fatalf("polling=%v refs=%d after two Acquire", m.Polling(), m.Refs())
	}
	m.Release()
	if !m.Polling() {
		t.Fatal("polling stopped while a reference is held")
	}

	deadline := time.Now().Add(3 * time.Second)
	for probes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if probes.Load() == 0 {
		t.Fatal("probe never ran while polling")
	}

	m.Release()
	if m.Polling() || m.Refs() != 0 {
		t.Fatalf("polling=%v refs=%d after last Release", m.Polling(), m.Refs())
	}

	m.Release()
	if m.Refs() != 0 {
		t.Error("unmatched Release went negative")
	}
}

func TestAcquireWithoutProbeDoesNotPoll(t *testing.T) {
	m, _ := New("", nil)
	m.Acquire()
	defer m.Release()
	if m.Polling() {
		t.Error("monitor without probe should not poll")
	}
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	if !TCPProbe(addr)() {
		t.Error("probe failed against a listening port")
	}
	ln.Close()
	if TCPProbe(addr)() {
		t.Error("probe succeeded against a closed port")
	}
}
