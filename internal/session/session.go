package session

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/logutil"
	"github.com/gluk-w/protonet/internal/prompt"
	"github.com/gluk-w/protonet/internal/relay"
	"github.com/gluk-w/protonet/internal/scrollback"
	"github.com/gluk-w/protonet/internal/transport"
	"github.com/google/uuid"
)

const (
	disconnectNotice  = "Host has disconnected."
	closeSessionQuery = "Host has disconnected.\nClose session?"
)

// Session is the live bridge between one host's transport and the observers
// rendering it. Sessions are created and destroyed only by a Manager.
type Session struct {
	handle   Handle
	identity string
	nickname string
	manager  *Manager
	buffer   *scrollback.Buffer
	prompts  prompt.Helper

	mu              sync.Mutex
	host            database.Host
	transport       transport.Transport
	relay           *relay.Relay
	attempt         uint64
	connecting      bool
	disconnected    bool
	awaitingClose   bool
	transportClosed bool
	cancelConnect   context.CancelFunc
	state           State
	history         stateHistory
	events          eventBuffer
	channels        []*database.Channel
	cols, rows      int
	observer        prompt.Observer
	netAcquired     bool
	reconnects      int

	// observerMu orders observer changes across mu and the prompt helper.
	observerMu sync.Mutex

	// outputMu serializes every write into the buffer: relay output and
	// local notice lines.
	outputMu    sync.Mutex
	localOutput []string

	inputMu      sync.Mutex
	inputQueue   [][]byte
	inputRunning bool
}

func newSession(m *Manager, host database.Host, channels []database.Channel) *Session {
	s := &Session{
		handle:   Handle(uuid.New().String()),
		identity: Identity(&host),
		nickname: host.Nickname,
		manager:  m,
		buffer:   scrollback.New(m.scrollbackSize),
		host:     host,
	}
	for i := range channels {
		c := channels[i]
		s.channels = append(s.channels, &c)
	}
	return s
}

// attemptHooks binds transport callbacks to one connection attempt so a stale
// transport cannot touch a newer one.
type attemptHooks struct {
	s       *Session
	attempt uint64
}

func (h attemptHooks) OnConnected()           { h.s.onConnected(h.attempt) }
func (h attemptHooks) RequestDisconnect()     { h.s.requestDisconnect(h.attempt) }
func (h attemptHooks) OutputLine(line string) { h.s.OutputLine(line) }

func (h attemptHooks) RequestString(ctx context.Context, instruction, text string) (string, bool) {
	return h.s.prompts.RequestString(ctx, instruction, text)
}

func (h attemptHooks) RequestBoolean(ctx context.Context, instruction, text string) (bool, bool) {
	return h.s.prompts.RequestBoolean(ctx, instruction, text)
}

type relaySink struct{ s *Session }

func (r relaySink) Append(text string) {
	r.s.outputMu.Lock()
	r.s.buffer.Append(text)
	r.s.outputMu.Unlock()
}

func (s *Session) tag() string { return logutil.SanitizeForLog(s.nickname) }

func (s *Session) Handle() Handle             { return s.handle }
func (s *Session) Nickname() string           { return s.nickname }
func (s *Session) Identity() string           { return s.identity }
func (s *Session) Buffer() *scrollback.Buffer { return s.buffer }

// Prompts returns the helper observers answer connect-time questions on.
func (s *Session) Prompts() *prompt.Helper { return &s.prompts }

// Host returns a copy of the host the session was opened for.
func (s *Session) Host() database.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transitions returns the recent state history, oldest first.
func (s *Session) Transitions() []StateTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.list()
}

// Events returns the recent events, oldest first.
func (s *Session) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.list()
}

func (s *Session) IsDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

func (s *Session) IsAwaitingClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingClose
}

// IsSessionOpen reports whether an interactive shell is being relayed.
func (s *Session) IsSessionOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relay != nil && !s.disconnected
}

// UsesNetwork reports whether the current transport depends on network
// connectivity.
func (s *Session) UsesNetwork() bool {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	return tr != nil && tr.UsesNetwork()
}

// Charset returns the encoding used for relay output and injected input.
func (s *Session) Charset() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host.Encoding
}

// TrySetObserver attaches o unless another observer is already attached.
func (s *Session) TrySetObserver(o prompt.Observer) bool {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.mu.Lock()
	if s.observer != nil {
		s.mu.Unlock()
		return false
	}
	s.observer = o
	s.mu.Unlock()
	s.prompts.SetObserver(o)
	return true
}

// SetObserver attaches the rendering observer. The session never owns it;
// pass nil to detach.
func (s *Session) SetObserver(o prompt.Observer) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
	s.prompts.SetObserver(o)
}

func (s *Session) HasObserver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer != nil
}

func (s *Session) setStateLocked(to State, reason string) {
	if s.state == to {
		return
	}
	s.history.record(s.state, to, reason)
	s.state = to
}

func (s *Session) setState(to State, reason string) {
	s.mu.Lock()
	s.setStateLocked(to, reason)
	s.mu.Unlock()
}

func (s *Session) emit(typ EventType, details string) {
	ev := Event{
		Handle:    s.handle,
		Nickname:  s.nickname,
		Type:      typ,
		Timestamp: time.Now(),
		Details:   details,
	}
	s.mu.Lock()
	s.events.record(ev)
	s.mu.Unlock()
	s.manager.emit(ev)
}

// StartConnection launches one connect attempt. It is a no-op while an
// attempt is in flight, while the session is connected, and once the
// session is awaiting close.
func (s *Session) StartConnection() {
	s.mu.Lock()
	if s.connecting || s.awaitingClose || (s.transport != nil && !s.disconnected) {
		s.mu.Unlock()
		return
	}
	s.attempt++
	attempt := s.attempt
	host := s.host

	tr, err := s.manager.newTransport(&host, attemptHooks{s: s, attempt: attempt})
	if err != nil {
		retry := s.disconnected
		s.mu.Unlock()
		log.Printf("[session] %s: %v", s.tag(), err)
		s.OutputLine(fmt.Sprintf("Cannot connect: %v", err))
		s.emit(EventConnectFailed, err.Error())
		if retry {
			// Already disconnected, so DispatchDisconnect would be a no-op.
			s.closeOut("cannot create transport")
			return
		}
		s.DispatchDisconnect(false)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.transport = tr
	s.relay = nil
	s.cancelConnect = cancel
	s.connecting = true
	s.disconnected = false
	s.transportClosed = false
	acquire := tr.UsesNetwork() && !s.netAcquired
	if acquire {
		s.netAcquired = true
	}
	channels := append([]*database.Channel(nil), s.channels...)
	s.setStateLocked(StateConnecting, "start connection")
	s.mu.Unlock()

	if acquire {
		s.manager.acquireNetwork()
	}
	for _, c := range channels {
		tr.AddChannel(c)
	}

	log.Printf("[session] %s: connecting (attempt %d)", s.tag(), attempt)
	go s.connect(ctx, tr, attempt)
}

func (s *Session) connect(ctx context.Context, tr transport.Transport, attempt uint64) {
	err := tr.Connect(ctx)

	s.mu.Lock()
	if s.attempt == attempt {
		s.connecting = false
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("[session] %s: connect failed: %v", s.tag(), err)
		s.emit(EventConnectFailed, err.Error())
		s.OutputLine(fmt.Sprintf("Connection failed: %v", err))
		s.requestDisconnect(attempt)
	}
}

// onConnected resets the buffer, drops pre-connection output and starts the
// relay when the transport opened an interactive session.
func (s *Session) onConnected(attempt uint64) {
	s.mu.Lock()
	if attempt != s.attempt || s.disconnected {
		s.mu.Unlock()
		return
	}
	tr := s.transport
	charset := s.host.Encoding
	cols, rows := s.cols, s.rows
	s.reconnects = 0
	s.mu.Unlock()

	s.outputMu.Lock()
	s.localOutput = nil
	s.buffer.Reset()
	s.outputMu.Unlock()

	if !tr.IsSessionOpen() {
		s.setState(StateConnected, "connected without a session")
		log.Printf("[session] %s: connected (headless)", s.tag())
		s.emit(EventConnected, "headless")
		return
	}

	onFailure := func(error) { s.requestDisconnect(attempt) }
	rl, err := relay.New(tr, relaySink{s}, charset, s.manager.relayBufferSize, onFailure)
	if err != nil {
		log.Printf("[session] %s: %v, falling back to %s", s.tag(), err, database.DefaultEncoding)
		rl, _ = relay.New(tr, relaySink{s}, database.DefaultEncoding, s.manager.relayBufferSize, onFailure)
	}
	rl.SetTag(s.tag())

	s.mu.Lock()
	if attempt != s.attempt || s.disconnected {
		s.mu.Unlock()
		return
	}
	s.relay = rl
	s.setStateLocked(StateConnected, "session open")
	s.mu.Unlock()

	if cols > 0 && rows > 0 {
		tr.SetDimensions(cols, rows)
	}
	go rl.Run()

	log.Printf("[session] %s: connected", s.tag())
	s.emit(EventConnected, "")
}

func (s *Session) requestDisconnect(attempt uint64) {
	s.mu.Lock()
	stale := attempt != s.attempt
	s.mu.Unlock()
	if !stale {
		s.DispatchDisconnect(false)
	}
}

// DispatchDisconnect tears the connection down. Repeated non-immediate calls
// after the first are no-ops. An immediate disconnect hands the session back
// to the manager for removal; otherwise a notice is written and the session
// either queues for reconnection (stay-connected hosts) or asks the observer
// whether to close.
func (s *Session) DispatchDisconnect(immediate bool) {
	s.mu.Lock()
	if (s.disconnected && !immediate) || s.awaitingClose {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.connecting = false
	var tr transport.Transport
	if !s.transportClosed && s.transport != nil {
		tr = s.transport
		s.transportClosed = true
	}
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
	s.setStateLocked(StateDisconnecting, fmt.Sprintf("disconnect (immediate=%v)", immediate))
	stay := s.host.StayConnected
	s.mu.Unlock()

	s.prompts.Cancel()

	if tr != nil {
		// Close can block on a half-open link.
		go func() {
			if err := tr.Close(); err != nil {
				log.Printf("[session] %s: close transport: %v", s.tag(), err)
			}
		}()
	}

	if immediate {
		s.closeOut("disconnected immediately")
		return
	}

	s.outputMu.Lock()
	s.buffer.Append("\r\n" + disconnectNotice + "\r\n")
	s.outputMu.Unlock()

	s.setState(StateDisconnected, "connection lost")
	log.Printf("[session] %s: disconnected", s.tag())
	s.emit(EventDisconnected, "")

	if stay {
		s.manager.RequestReconnect(s)
		return
	}
	go s.askToClose()
}

func (s *Session) askToClose() {
	ctx, cancel := context.WithTimeout(context.Background(), s.manager.promptTimeout)
	defer cancel()
	closeIt, ok := s.prompts.RequestBoolean(ctx, "", closeSessionQuery)
	if !ok || closeIt {
		s.closeOut("closed after disconnect")
	}
}

// closeOut moves the session to AwaitingClose and notifies the manager,
// at most once.
func (s *Session) closeOut(reason string) {
	s.mu.Lock()
	if s.awaitingClose {
		s.mu.Unlock()
		return
	}
	s.awaitingClose = true
	s.setStateLocked(StateAwaitingClose, reason)
	s.mu.Unlock()
	s.manager.onDisconnected(s)
}

// releaseNetwork reports whether the session held a connectivity reference,
// clearing it.
func (s *Session) releaseNetwork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.netAcquired
	s.netAcquired = false
	return held
}

// nextReconnectDelay returns zero for the first retry after a successful
// connection and an exponential backoff for each retry after that.
func (s *Session) nextReconnectDelay() time.Duration {
	s.mu.Lock()
	n := s.reconnects
	s.reconnects++
	s.mu.Unlock()
	if n == 0 {
		return 0
	}
	d := reconnectInitialBackoff
	for i := 1; i < n && d < reconnectMaxBackoff; i++ {
		d *= 2
	}
	if d > reconnectMaxBackoff {
		d = reconnectMaxBackoff
	}
	return d
}

func (s *Session) resetReconnects() {
	s.mu.Lock()
	s.reconnects = 0
	s.mu.Unlock()
}

// OutputLine writes a local notice line. Lines written before the
// connection opens are discarded when it does.
func (s *Session) OutputLine(line string) {
	if s.IsSessionOpen() {
		log.Printf("[session] %s: OutputLine called while the shell session is open", s.tag())
	}
	s.outputMu.Lock()
	s.localOutput = append(s.localOutput, line)
	s.buffer.Append(line + "\r\n")
	s.outputMu.Unlock()
}

// LocalOutput returns the notice lines written since the last connect.
func (s *Session) LocalOutput() []string {
	s.outputMu.Lock()
	defer s.outputMu.Unlock()
	return append([]string(nil), s.localOutput...)
}

// InjectString encodes text with the host charset and writes it to the
// transport in the background. Writes keep their call order. A failed write
// is logged and turns into a non-immediate disconnect.
func (s *Session) InjectString(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	tr := s.transport
	charset := s.host.Encoding
	attempt := s.attempt
	down := s.disconnected
	s.mu.Unlock()
	if tr == nil || down {
		return
	}

	data, err := relay.Encode(charset, text)
	if err != nil {
		log.Printf("[session] %s: inject: %v", s.tag(), err)
		return
	}

	s.inputMu.Lock()
	s.inputQueue = append(s.inputQueue, data)
	if s.inputRunning {
		s.inputMu.Unlock()
		return
	}
	s.inputRunning = true
	s.inputMu.Unlock()

	go s.drainInput(tr, attempt)
}

func (s *Session) drainInput(tr transport.Transport, attempt uint64) {
	for {
		s.inputMu.Lock()
		if len(s.inputQueue) == 0 {
			s.inputRunning = false
			s.inputMu.Unlock()
			return
		}
		data := s.inputQueue[0]
		s.inputQueue = s.inputQueue[1:]
		s.inputMu.Unlock()

		if err := tr.Write(data); err != nil {
			log.Printf("[session] %s: write failed: %v", s.tag(), err)
			s.inputMu.Lock()
			s.inputQueue = nil
			s.inputRunning = false
			s.inputMu.Unlock()
			s.requestDisconnect(attempt)
			return
		}
	}
}

// SetCharset switches the relay decoder and the input encoder.
func (s *Session) SetCharset(name string) error {
	if _, err := relay.Lookup(name); err != nil {
		return err
	}
	s.mu.Lock()
	s.host.Encoding = name
	rl := s.relay
	s.mu.Unlock()
	if rl != nil {
		if err := rl.SetCharset(name); err != nil {
			return err
		}
	}
	s.emit(EventCharsetChanged, name)
	return nil
}

// SetDimensions records the terminal size and forwards it to a connected
// transport.
func (s *Session) SetDimensions(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	tr := s.transport
	down := s.disconnected
	s.mu.Unlock()
	if tr != nil && !down && tr.IsConnected() {
		tr.SetDimensions(cols, rows)
	}
}

func (s *Session) connectedTransport() transport.Transport {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil || !tr.IsConnected() {
		return nil
	}
	return tr
}

func sameChannel(a, b *database.Channel) bool {
	return a == b || (a.UUID != "" && a.UUID == b.UUID)
}

// AddChannel registers a channel with the session and its transport.
func (s *Session) AddChannel(c *database.Channel) bool {
	s.mu.Lock()
	for _, existing := range s.channels {
		if sameChannel(existing, c) {
			s.mu.Unlock()
			return false
		}
	}
	s.channels = append(s.channels, c)
	tr := s.transport
	s.mu.Unlock()

	if tr == nil || tr.AddChannel(c) {
		return true
	}
	s.mu.Lock()
	s.dropChannelLocked(c)
	s.mu.Unlock()
	return false
}

func (s *Session) dropChannelLocked(c *database.Channel) bool {
	for i, existing := range s.channels {
		if sameChannel(existing, c) {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveChannel disables the channel when running and forgets it.
func (s *Session) RemoveChannel(c *database.Channel) bool {
	s.mu.Lock()
	found := s.dropChannelLocked(c)
	tr := s.transport
	s.mu.Unlock()
	if tr != nil {
		tr.RemoveChannel(c)
	}
	return found
}

// EnableChannel fails fast without touching the transport when it is not
// connected.
func (s *Session) EnableChannel(c *database.Channel) bool {
	tr := s.connectedTransport()
	if tr == nil {
		return false
	}
	if !tr.EnableChannel(c) {
		return false
	}
	s.emit(EventChannelEnabled, c.Nickname)
	return true
}

func (s *Session) DisableChannel(c *database.Channel) bool {
	tr := s.connectedTransport()
	if tr == nil {
		return false
	}
	if !tr.DisableChannel(c) {
		return false
	}
	s.emit(EventChannelDisabled, c.Nickname)
	return true
}

// Channels lists the session's channels with their live enabled flags.
func (s *Session) Channels() []*database.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*database.Channel(nil), s.channels...)
}

// FindChannel looks a channel up by UUID, numeric ID or nickname.
func (s *Session) FindChannel(key string) *database.Channel {
	id, _ := strconv.ParseUint(key, 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if c.UUID == key || (id != 0 && uint64(c.ID) == id) || c.Nickname == key {
			return c
		}
	}
	return nil
}
