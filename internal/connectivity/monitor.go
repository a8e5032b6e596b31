// Package connectivity watches network reachability and reports edges to the
// session manager.
package connectivity

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Listener receives connectivity edges. *session.Manager implements it.
type Listener interface {
	OnConnectivityLost()
	OnConnectivityRestored()
}

// ProbeFunc reports whether the network is usable.
type ProbeFunc func() bool

// DefaultSchedule is used when no schedule is configured.
const DefaultSchedule = "@every 15s"

const probeTimeout = 5 * time.Second

// TCPProbe returns a probe that succeeds when addr accepts a TCP connection.
func TCPProbe(addr string) ProbeFunc {
	return func() bool {
		conn, err := net.DialTimeout("tcp", addr, probeTimeout)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Monitor runs a probe on a cron schedule while at least one network session
// holds a reference. It starts out available.
type Monitor struct {
	schedule string
	probe    ProbeFunc

	mu        sync.Mutex
	listeners []Listener
	available bool
	refs      int
	cron      *cron.Cron
}

// New builds a monitor. A nil probe disables polling; SetAvailable still
// delivers edges.
func New(schedule string, probe ProbeFunc) (*Monitor, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse connectivity schedule %q: %w", schedule, err)
	}
	return &Monitor{schedule: schedule, probe: probe, available: true}, nil
}

// AddListener registers l for future edges.
func (m *Monitor) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Available reports the last known state.
func (m *Monitor) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// SetAvailable records a state and notifies listeners when it changed.
func (m *Monitor) SetAvailable(available bool) {
	m.mu.Lock()
	if m.available == available {
		m.mu.Unlock()
		return
	}
	m.available = available
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if available {
		log.Printf("[connectivity] Network available")
	} else {
		log.Printf("[connectivity] Network unavailable")
	}
	for _, l := range listeners {
		if available {
			l.OnConnectivityRestored()
		} else {
			l.OnConnectivityLost()
		}
	}
}

// Check runs the probe once.
func (m *Monitor) Check() {
	if m.probe == nil {
		return
	}
	m.SetAvailable(m.probe())
}

// Acquire takes a reference; the first one starts polling.
func (m *Monitor) Acquire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs++
	if m.refs != 1 || m.probe == nil {
		return
	}
	c := cron.New()
	if _, err := c.AddFunc(m.schedule, m.Check); err != nil {
		log.Printf("[connectivity] Failed to schedule probe: %v", err)
		return
	}
	c.Start()
	m.cron = c
	log.Printf("[connectivity] Polling started (%s)", m.schedule)
}

// Release drops a reference; the last one stops polling.
func (m *Monitor) Release() {
	m.mu.Lock()
	if m.refs == 0 {
		m.mu.Unlock()
		log.Printf("[connectivity] Release without matching Acquire")
		return
	}
	m.refs--
	if m.refs > 0 || m.cron == nil {
		m.mu.Unlock()
		return
	}
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	// A probe already running may be the caller; do not wait for it.
	c.Stop()
	log.Printf("[connectivity] Polling stopped")
}

// Refs returns the number of outstanding references.
func (m *Monitor) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// Polling reports whether the cron schedule is running.
func (m *Monitor) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cron != nil
}
