// Package session owns live connections: the per-host Session bridge that
// drives a transport and its relay, and the Manager registry that creates,
// finds, reconnects and destroys sessions.
package session

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/logutil"
	"github.com/gluk-w/protonet/internal/relay"
	"github.com/gluk-w/protonet/internal/scrollback"
	"github.com/gluk-w/protonet/internal/transport"
)

// ErrAlreadyConnected is returned by OpenConnection when a session for the
// same host identity or nickname is still registered.
var ErrAlreadyConnected = errors.New("already connected")

// Reconnect backoff for stay-connected sessions that keep dropping while the
// network is up. Package-level vars so tests can override.
var (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 16 * time.Second
)

// Handle identifies a session in the manager. A handle whose session has
// been removed resolves to nothing.
type Handle string

// HostStore is the slice of the configuration store the manager needs.
type HostStore interface {
	TouchLastConnected(id uint) error
	ListChannelsForHost(hostID uint) ([]database.Channel, error)
}

// Notifier shows or hides the "sessions active" indication.
type Notifier interface {
	SessionsActive(active bool)
}

// Connectivity is reference counted by sessions that use the network.
type Connectivity interface {
	Acquire()
	Release()
}

// TransportFactory builds the transport for one connection attempt.
type TransportFactory func(host *database.Host, hooks transport.Hooks) (transport.Transport, error)

// Option configures a Manager.
type Option func(*Manager)

func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

func WithConnectivity(c Connectivity) Option { return func(m *Manager) { m.connectivity = c } }

func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.newTransport = f }
}

func WithRelayBufferSize(n int) Option { return func(m *Manager) { m.relayBufferSize = n } }

func WithScrollbackSize(n int) Option { return func(m *Manager) { m.scrollbackSize = n } }

func WithPromptTimeout(d time.Duration) Option { return func(m *Manager) { m.promptTimeout = d } }

// Manager is the single owner of all sessions. Registry and queue changes
// happen under one lock; no I/O runs while it is held.
type Manager struct {
	mu           sync.Mutex
	sessions     map[Handle]*Session
	byIdentity   map[string]Handle
	byNickname   map[string]Handle
	reconnect    []Handle
	disconnected []database.Host
	online       bool
	active       bool
	listeners    []Listener

	store           HostStore
	notifier        Notifier
	connectivity    Connectivity
	newTransport    TransportFactory
	relayBufferSize int
	scrollbackSize  int
	promptTimeout   time.Duration
}

// NewManager builds a manager backed by store. Connectivity starts out
// available.
func NewManager(store HostStore, opts ...Option) *Manager {
	m := &Manager{
		sessions:        make(map[Handle]*Session),
		byIdentity:      make(map[string]Handle),
		byNickname:      make(map[string]Handle),
		online:          true,
		store:           store,
		newTransport:    transport.New,
		relayBufferSize: relay.DefaultBufferSize,
		scrollbackSize:  scrollback.DefaultSize,
		promptTimeout:   2 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Identity is the registry key for a host: its store ID once saved, its
// identity URI before that.
func Identity(h *database.Host) string {
	if h.ID != 0 {
		return fmt.Sprintf("host/%d", h.ID)
	}
	return transport.URIForHost(h)
}

// OnEvent registers a listener for every session event.
func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (m *Manager) acquireNetwork() {
	if m.connectivity != nil {
		m.connectivity.Acquire()
	}
}

// resolveLocked maps a handle to its live session, pruning index entries
// that point at removed sessions.
func (m *Manager) resolveLocked(index map[string]Handle, key string) *Session {
	h, ok := index[key]
	if !ok {
		return nil
	}
	s, ok := m.sessions[h]
	if !ok {
		delete(index, key)
		return nil
	}
	return s
}

// OpenConnection registers a new session for host and starts connecting it.
func (m *Manager) OpenConnection(host *database.Host) (*Session, error) {
	var channels []database.Channel
	if host.ID != 0 && m.store != nil {
		chs, err := m.store.ListChannelsForHost(host.ID)
		if err != nil {
			log.Printf("[manager] Failed to load channels for %s: %v", logutil.SanitizeForLog(host.Nickname), err)
		}
		channels = chs
	}

	id := Identity(host)
	m.mu.Lock()
	if m.resolveLocked(m.byIdentity, id) != nil || m.resolveLocked(m.byNickname, host.Nickname) != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", host.Nickname, ErrAlreadyConnected)
	}
	s := newSession(m, *host, channels)
	m.sessions[s.handle] = s
	m.byIdentity[id] = s.handle
	m.byNickname[s.nickname] = s.handle
	m.disconnected = slices.DeleteFunc(m.disconnected, func(h database.Host) bool {
		return Identity(&h) == id
	})
	show := !m.active
	m.active = true
	m.mu.Unlock()

	if show && m.notifier != nil {
		m.notifier.SessionsActive(true)
	}

	log.Printf("[manager] Opening session %s (%s)", s.tag(), logutil.SanitizeForLog(host.Description()))
	s.emit(EventOpened, transport.URIForHost(host))
	s.StartConnection()

	if host.ID != 0 && m.store != nil {
		if err := m.store.TouchLastConnected(host.ID); err != nil {
			log.Printf("[manager] Failed to record last connect for %s: %v", s.tag(), err)
		}
	}
	return s, nil
}

// Lookup returns the live session for host's identity.
func (m *Manager) Lookup(host *database.Host) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.resolveLocked(m.byIdentity, Identity(host))
	return s, s != nil
}

// ByNickname returns the live session registered under nickname.
func (m *Manager) ByNickname(nickname string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.resolveLocked(m.byNickname, nickname)
	return s, s != nil
}

// Get resolves a handle.
func (m *Manager) Get(h Handle) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[h]
	return s, ok
}

func (m *Manager) snapshotLocked() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].nickname < out[j].nickname })
	return out
}

// Sessions returns every registered session ordered by nickname.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Disconnected returns the hosts whose sessions closed since start-up and
// have not been reopened.
func (m *Manager) Disconnected() []database.Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]database.Host(nil), m.disconnected...)
}

// ReconnectQueueLen returns the number of queued reconnect entries,
// including ones whose session has since been removed.
func (m *Manager) ReconnectQueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reconnect)
}

// Online reports the last connectivity state the manager was told about.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manager) liveQueuedLocked() int {
	n := 0
	for _, h := range m.reconnect {
		if _, ok := m.sessions[h]; ok {
			n++
		}
	}
	return n
}

// onDisconnected removes a session that reached AwaitingClose from the
// registry, both indices and the arena together.
func (m *Manager) onDisconnected(s *Session) {
	host := s.Host()

	m.mu.Lock()
	if m.sessions[s.handle] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.handle)
	if m.byIdentity[s.identity] == s.handle {
		delete(m.byIdentity, s.identity)
	}
	if m.byNickname[s.nickname] == s.handle {
		delete(m.byNickname, s.nickname)
	}
	m.disconnected = slices.DeleteFunc(m.disconnected, func(h database.Host) bool {
		return Identity(&h) == s.identity
	})
	m.disconnected = append(m.disconnected, host)
	hide := m.active && len(m.sessions) == 0 && m.liveQueuedLocked() == 0
	if hide {
		m.active = false
	}
	m.mu.Unlock()

	if s.releaseNetwork() && m.connectivity != nil {
		m.connectivity.Release()
	}
	if hide && m.notifier != nil {
		m.notifier.SessionsActive(false)
	}
	log.Printf("[manager] Session %s closed", s.tag())
	s.emit(EventClosed, "")
}

// RequestReconnect queues s for reconnection. When connectivity is
// available the queue is drained right away, after a backoff if s keeps
// failing.
func (m *Manager) RequestReconnect(s *Session) {
	m.mu.Lock()
	if m.sessions[s.handle] != s {
		m.mu.Unlock()
		log.Printf("[manager] Skipping reconnect for removed session %s", s.tag())
		return
	}
	if !slices.Contains(m.reconnect, s.handle) {
		m.reconnect = append(m.reconnect, s.handle)
	}
	online := m.online
	m.mu.Unlock()

	s.emit(EventReconnectQueued, "")
	if !online {
		return
	}
	if d := s.nextReconnectDelay(); d > 0 {
		log.Printf("[manager] Reconnecting %s in %v", s.tag(), d)
		time.AfterFunc(d, m.retryQueued)
		return
	}
	m.drainReconnectQueue()
}

// retryQueued drains the queue when a backoff expires. While offline it
// does nothing and the queue waits for OnConnectivityRestored.
func (m *Manager) retryQueued() {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return
	}
	sessions := m.takeQueueLocked()
	m.mu.Unlock()
	m.restart(sessions)
}

// Reconnect is a user-requested reconnect: the backoff starts over.
func (m *Manager) Reconnect(s *Session) {
	s.resetReconnects()
	m.RequestReconnect(s)
}

// drainReconnectQueue restarts every queued session that still exists and
// empties the queue. Removed sessions are skipped.
func (m *Manager) drainReconnectQueue() {
	m.mu.Lock()
	sessions := m.takeQueueLocked()
	m.mu.Unlock()
	m.restart(sessions)
}

func (m *Manager) takeQueueLocked() []*Session {
	queued := m.reconnect
	m.reconnect = nil
	sessions := make([]*Session, 0, len(queued))
	for _, h := range queued {
		if s, ok := m.sessions[h]; ok {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func (m *Manager) restart(sessions []*Session) {
	for _, s := range sessions {
		s.emit(EventReconnecting, "")
		s.StartConnection()
	}
}

// OnConnectivityLost disconnects every network session non-immediately, so
// stay-connected ones land in the reconnect queue.
func (m *Manager) OnConnectivityLost() {
	m.mu.Lock()
	m.online = false
	sessions := m.snapshotLocked()
	m.mu.Unlock()

	log.Printf("[manager] Connectivity lost, disconnecting %d session(s)", len(sessions))
	for _, s := range sessions {
		if s.UsesNetwork() {
			s.DispatchDisconnect(false)
		}
	}
}

// OnConnectivityRestored drains the reconnect queue.
func (m *Manager) OnConnectivityRestored() {
	m.mu.Lock()
	m.online = true
	queued := len(m.reconnect)
	m.mu.Unlock()

	log.Printf("[manager] Connectivity restored, %d queued reconnect(s)", queued)
	m.drainReconnectQueue()
}

// DisconnectAll disconnects every session; used at shutdown with
// immediate=true.
func (m *Manager) DisconnectAll(immediate bool) {
	m.mu.Lock()
	sessions := m.snapshotLocked()
	m.mu.Unlock()

	for _, s := range sessions {
		s.DispatchDisconnect(immediate)
	}
}
