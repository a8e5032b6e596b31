package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gluk-w/protonet/internal/config"
	"github.com/gluk-w/protonet/internal/connectivity"
	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/logutil"
	"github.com/gluk-w/protonet/internal/prompt"
	"github.com/gluk-w/protonet/internal/session"
	"github.com/gluk-w/protonet/internal/transport"
	"github.com/go-chi/chi/v5"
)

// Manager and Monitor are set from main.go during init.
var (
	Manager *session.Manager
	Monitor *connectivity.Monitor
)

type sessionResponse struct {
	Handle        session.Handle      `json:"handle"`
	Nickname      string              `json:"nickname"`
	URI           string              `json:"uri"`
	HostID        uint                `json:"host_id,omitempty"`
	Protocol      string              `json:"protocol"`
	State         session.State       `json:"state"`
	SessionOpen   bool                `json:"session_open"`
	Disconnected  bool                `json:"disconnected"`
	AwaitingClose bool                `json:"awaiting_close"`
	UsesNetwork   bool                `json:"uses_network"`
	Charset       string              `json:"charset"`
	Observed      bool                `json:"observed"`
	Channels      []*database.Channel `json:"channels"`
	Prompt        *prompt.Request     `json:"prompt,omitempty"`
}

func sessionToResponse(s *session.Session) sessionResponse {
	h := s.Host()
	resp := sessionResponse{
		Handle:        s.Handle(),
		Nickname:      s.Nickname(),
		URI:           transport.URIForHost(&h),
		HostID:        h.ID,
		Protocol:      h.Protocol,
		State:         s.State(),
		SessionOpen:   s.IsSessionOpen(),
		Disconnected:  s.IsDisconnected(),
		AwaitingClose: s.IsAwaitingClose(),
		UsesNetwork:   s.UsesNetwork(),
		Charset:       s.Charset(),
		Observed:      s.HasObserver(),
		Channels:      s.Channels(),
	}
	if resp.Channels == nil {
		resp.Channels = []*database.Channel{}
	}
	if req, ok := s.Prompts().Pending(); ok {
		resp.Prompt = &req
	}
	return resp
}

func requireManager(w http.ResponseWriter) bool {
	if Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return false
	}
	return true
}

// nicknameParam returns the unescaped {nickname} path segment.
func nicknameParam(r *http.Request) string {
	raw := chi.URLParam(r, "nickname")
	if name, err := url.PathUnescape(raw); err == nil {
		return name
	}
	return raw
}

func loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	if !requireManager(w) {
		return nil, false
	}
	s, ok := Manager.ByNickname(nicknameParam(r))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	return s, true
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	sessions := Manager.Sessions()
	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionToResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

type openRequest struct {
	URI      string `json:"uri"`
	HostID   uint   `json:"host_id"`
	Protocol string `json:"protocol"`
}

// resolveHost finds the stored host a request refers to. A URI that matches
// no stored host creates one; input without a scheme is read as
// user@host[:port].
var errLocalShellDisabled = errors.New("local shell sessions are disabled")

// checkShellAllowed rejects protocols that run on this machine unless
// PROTONET_ENABLE_LOCAL_SHELL is set.
func checkShellAllowed(protocol string) error {
	if p, ok := transport.Lookup(protocol); ok && !p.Network && !config.Cfg.EnableLocalShell {
		return errLocalShellDisabled
	}
	return nil
}

func resolveHost(req openRequest) (*database.Host, error) {
	if req.HostID != 0 {
		return database.GetHost(req.HostID)
	}
	if req.URI == "" {
		return nil, errors.New("uri or host_id is required")
	}

	var (
		u   *url.URL
		err error
	)
	hostmask := !strings.Contains(req.URI, "://")
	if hostmask {
		scheme := req.Protocol
		if scheme == "" {
			scheme = "ssh"
		}
		u, err = transport.URIFromHostmask(scheme, req.URI)
	} else {
		u, err = transport.ParseURI(req.URI)
	}
	if err != nil {
		return nil, err
	}
	if err := checkShellAllowed(u.Scheme); err != nil {
		return nil, err
	}

	sel := transport.SelectionFromURI(u)
	if hostmask {
		// The fragment is only the typed input, not a stored nickname.
		delete(sel, "nickname")
	}
	if h, err := database.FindHost(sel); err == nil {
		return h, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	h, err := transport.HostFromURI(u)
	if err != nil {
		return nil, err
	}
	if config.Cfg.DefaultEncoding != "" {
		h.Encoding = config.Cfg.DefaultEncoding
	}
	if nicknameTaken(h.Nickname, 0) {
		return nil, fmt.Errorf("host %q already exists with different settings", h.Nickname)
	}
	if err := database.SaveHost(h); err != nil {
		return nil, err
	}
	log.Printf("[sessions] Created host %s from %s", logutil.SanitizeForLog(h.Nickname), logutil.SanitizeForLog(req.URI))
	return h, nil
}

func OpenSession(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	var req openRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	h, err := resolveHost(req)
	if err == nil {
		err = checkShellAllowed(h.Protocol)
	}
	if err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			writeError(w, http.StatusNotFound, "Host not found")
		case errors.Is(err, errLocalShellDisabled):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	s, err := Manager.OpenConnection(h)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyConnected) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sessionToResponse(s))
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(s))
}

// CloseSession disconnects a session. With immediate=true it is removed at
// once; otherwise it follows the normal disconnect path.
func CloseSession(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}
	immediate := r.URL.Query().Get("immediate") == "true"
	s.DispatchDisconnect(immediate)
	w.WriteHeader(http.StatusNoContent)
}

// ReconnectSession restarts a disconnected session. A pending "close
// session?" question is answered with no first.
func ReconnectSession(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}
	if s.IsAwaitingClose() {
		writeError(w, http.StatusGone, "Session is closing")
		return
	}
	if !s.IsDisconnected() {
		writeError(w, http.StatusConflict, "Session is connected")
		return
	}
	if req, ok := s.Prompts().Pending(); ok && req.Kind == prompt.KindBoolean {
		s.Prompts().Respond(req.ID, false)
	}
	Manager.Reconnect(s)
	writeJSON(w, http.StatusAccepted, sessionToResponse(s))
}

type inputRequest struct {
	Text string `json:"text"`
}

func SendInput(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if s.IsDisconnected() {
		writeError(w, http.StatusConflict, "Session is disconnected")
		return
	}
	s.InjectString(req.Text)
	w.WriteHeader(http.StatusAccepted)
}

type charsetRequest struct {
	Charset string `json:"charset"`
}

// SetCharset switches the session charset and stores it on the host.
func SetCharset(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}
	var req charsetRequest
	if err := decodeJSON(r, &req); err != nil || req.Charset == "" {
		writeError(w, http.StatusBadRequest, "charset is required")
		return
	}
	if err := s.SetCharset(req.Charset); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h := s.Host(); h.ID != 0 {
		if stored, err := database.GetHost(h.ID); err == nil {
			stored.Encoding = req.Charset
			if err := database.SaveHost(stored); err != nil {
				log.Printf("[sessions] Failed to store charset for %s: %v", logutil.SanitizeForLog(h.Nickname), err)
			}
		}
	}
	writeJSON(w, http.StatusOK, sessionToResponse(s))
}

type channelStateRequest struct {
	Enabled *bool `json:"enabled"`
}

func SetChannelEnabled(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}
	c := s.FindChannel(chi.URLParam(r, "channelId"))
	if c == nil {
		writeError(w, http.StatusNotFound, "Channel not found")
		return
	}
	var req channelStateRequest
	if err := decodeJSON(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	var changed bool
	if *req.Enabled {
		changed = s.EnableChannel(c)
	} else {
		changed = s.DisableChannel(c)
	}
	if !changed {
		writeError(w, http.StatusConflict, fmt.Sprintf("Channel %q could not be changed", c.Nickname))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func GetSessionEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}
	events := s.Events()
	if events == nil {
		events = []session.Event{}
	}
	transitions := s.Transitions()
	if transitions == nil {
		transitions = []session.StateTransition{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":      events,
		"transitions": transitions,
	})
}

func GetPrompt(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}
	req, ok := s.Prompts().Pending()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type promptResponse struct {
	ID    uint64          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// answerPrompt decodes value as the pending prompt's kind and delivers it.
func answerPrompt(h *prompt.Helper, id uint64, value json.RawMessage) error {
	pending, ok := h.Pending()
	if !ok {
		return prompt.ErrNoPrompt
	}
	switch pending.Kind {
	case prompt.KindBoolean:
		var b bool
		if err := json.Unmarshal(value, &b); err != nil {
			return prompt.ErrWrongType
		}
		return h.Respond(id, b)
	default:
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return prompt.ErrWrongType
		}
		return h.Respond(id, s)
	}
}

func RespondPrompt(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}
	var req promptResponse
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := answerPrompt(s.Prompts(), req.ID, req.Value); err != nil {
		switch {
		case errors.Is(err, prompt.ErrNoPrompt):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, prompt.ErrPromptMismatch):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDisconnected returns hosts whose sessions closed since start-up.
func ListDisconnected(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	hosts := Manager.Disconnected()
	resp := make([]hostResponse, 0, len(hosts))
	for _, h := range hosts {
		resp = append(resp, hostToResponse(h))
	}
	writeJSON(w, http.StatusOK, resp)
}

type connectivityRequest struct {
	Available *bool `json:"available"`
}

// SetConnectivity injects a connectivity edge by hand.
func SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "Connectivity monitor not initialized")
		return
	}
	var req connectivityRequest
	if err := decodeJSON(r, &req); err != nil || req.Available == nil {
		writeError(w, http.StatusBadRequest, "available is required")
		return
	}
	Monitor.SetAvailable(*req.Available)
	writeJSON(w, http.StatusOK, map[string]bool{"available": Monitor.Available()})
}
