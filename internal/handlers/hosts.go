package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gluk-w/protonet/internal/config"
	"github.com/gluk-w/protonet/internal/crypto"
	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/hostfile"
	"github.com/gluk-w/protonet/internal/logutil"
	"github.com/gluk-w/protonet/internal/sshtransport"
	"github.com/gluk-w/protonet/internal/transport"
	"github.com/google/uuid"
)

type hostResponse struct {
	database.Host
	URI         string `json:"uri"`
	HasPassword bool   `json:"has_password"`
	Connected   bool   `json:"connected"`
}

func hostToResponse(h database.Host) hostResponse {
	resp := hostResponse{
		Host:        h,
		URI:         transport.URIForHost(&h),
		HasPassword: h.Password != "",
	}
	if Manager != nil {
		if s, ok := Manager.Lookup(&h); ok {
			resp.Connected = !s.IsDisconnected()
		}
	}
	return resp
}

// hostRequest carries create and update fields; nil means unchanged.
type hostRequest struct {
	Nickname      *string `json:"nickname"`
	Protocol      *string `json:"protocol"`
	Username      *string `json:"username"`
	Hostname      *string `json:"hostname"`
	Port          *int    `json:"port"`
	Password      *string `json:"password"`
	UseKeys       *bool   `json:"use_keys"`
	WantSession   *bool   `json:"want_session"`
	StayConnected *bool   `json:"stay_connected"`
	Encoding      *string `json:"encoding"`
	Color         *string `json:"color"`
	AgentCertPEM  *string `json:"agent_cert_pem"`
}

func (req *hostRequest) apply(h *database.Host) error {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&h.Nickname, req.Nickname)
	set(&h.Protocol, req.Protocol)
	set(&h.Username, req.Username)
	set(&h.Hostname, req.Hostname)
	set(&h.Encoding, req.Encoding)
	set(&h.Color, req.Color)
	set(&h.AgentCertPEM, req.AgentCertPEM)
	if req.Port != nil {
		h.Port = *req.Port
	}
	if req.UseKeys != nil {
		h.UseKeys = *req.UseKeys
	}
	if req.WantSession != nil {
		h.WantSession = *req.WantSession
	}
	if req.StayConnected != nil {
		h.StayConnected = *req.StayConnected
	}
	if req.Password != nil {
		enc, err := crypto.Encrypt(*req.Password)
		if err != nil {
			return fmt.Errorf("encrypt password: %w", err)
		}
		h.Password = enc
	}
	return nil
}

// validateHost fills defaults and rejects hosts no transport could open.
func validateHost(h *database.Host) error {
	p, ok := transport.Lookup(h.Protocol)
	if !ok {
		return fmt.Errorf("unknown protocol %q", h.Protocol)
	}
	if p.Network {
		if h.Hostname == "" {
			return errors.New("hostname is required")
		}
		if h.Port == 0 {
			h.Port = p.DefaultPort
		}
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("invalid port %d", h.Port)
		}
	}
	if h.Nickname == "" {
		if p.Network {
			h.Nickname = transport.DefaultNickname(h.Protocol, h.Username, h.Hostname, h.Port)
		} else {
			h.Nickname = h.Protocol
		}
	}
	return nil
}

// nicknameTaken reports whether another host already uses nickname.
func nicknameTaken(nickname string, id uint) bool {
	other, err := database.GetHostByNickname(nickname)
	return err == nil && other.ID != id
}

func ListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := database.ListHosts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list hosts")
		return
	}
	resp := make([]hostResponse, 0, len(hosts))
	for _, h := range hosts {
		resp = append(resp, hostToResponse(h))
	}
	writeJSON(w, http.StatusOK, resp)
}

func CreateHost(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	protocol := "ssh"
	if req.Protocol != nil {
		protocol = *req.Protocol
	}
	h := database.NewHost(protocol, "", "", 0)
	if config.Cfg.DefaultEncoding != "" {
		h.Encoding = config.Cfg.DefaultEncoding
	}
	if err := req.apply(h); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := validateHost(h); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if nicknameTaken(h.Nickname, 0) {
		writeError(w, http.StatusConflict, fmt.Sprintf("Host %q already exists", h.Nickname))
		return
	}
	if err := database.SaveHost(h); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save host")
		return
	}
	log.Printf("[hosts] Created %s (%s)", logutil.SanitizeForLog(h.Nickname), h.Protocol)
	writeJSON(w, http.StatusCreated, hostToResponse(*h))
}

func loadHost(w http.ResponseWriter, r *http.Request) (*database.Host, bool) {
	id, ok := uintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return nil, false
	}
	h, err := database.GetHost(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Host not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to load host")
		}
		return nil, false
	}
	return h, true
}

func GetHost(w http.ResponseWriter, r *http.Request) {
	h, ok := loadHost(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, hostToResponse(*h))
}

// UpdateHost changes the stored host. A live session keeps the settings it
// was opened with until it reconnects from scratch.
func UpdateHost(w http.ResponseWriter, r *http.Request) {
	h, ok := loadHost(w, r)
	if !ok {
		return
	}
	var req hostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.apply(h); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := validateHost(h); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if nicknameTaken(h.Nickname, h.ID) {
		writeError(w, http.StatusConflict, fmt.Sprintf("Host %q already exists", h.Nickname))
		return
	}
	if err := database.SaveHost(h); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save host")
		return
	}
	writeJSON(w, http.StatusOK, hostToResponse(*h))
}

// DeleteHost drops a live session for the host before removing it.
func DeleteHost(w http.ResponseWriter, r *http.Request) {
	h, ok := loadHost(w, r)
	if !ok {
		return
	}
	if Manager != nil {
		if s, ok := Manager.Lookup(h); ok {
			s.DispatchDisconnect(true)
		}
	}
	if err := database.DeleteHost(h.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete host")
		return
	}
	log.Printf("[hosts] Deleted %s", logutil.SanitizeForLog(h.Nickname))
	w.WriteHeader(http.StatusNoContent)
}

func ListHostChannels(w http.ResponseWriter, r *http.Request) {
	h, ok := loadHost(w, r)
	if !ok {
		return
	}
	channels, err := database.ListChannelsForHost(h.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list channels")
		return
	}
	// A live session knows which forwards are running.
	if Manager != nil {
		if s, ok := Manager.Lookup(h); ok {
			for i := range channels {
				if live := s.FindChannel(channels[i].UUID); live != nil {
					channels[i].Enabled = live.Enabled
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, channels)
}

type channelRequest struct {
	Nickname    string `json:"nickname"`
	Kind        string `json:"kind"`
	SourcePort  int    `json:"source_port"`
	DestAddr    string `json:"dest_addr"`
	DestPort    int    `json:"dest_port"`
	Description string `json:"description"`
}

func (req channelRequest) validate() error {
	switch req.Kind {
	case database.ChannelLocal, database.ChannelRemote, database.ChannelDynamic:
	default:
		return fmt.Errorf("invalid channel kind %q", req.Kind)
	}
	if req.Nickname == "" {
		return errors.New("nickname is required")
	}
	if req.SourcePort < 1 || req.SourcePort > 65535 {
		return fmt.Errorf("invalid source port %d", req.SourcePort)
	}
	if req.Kind != database.ChannelDynamic && (req.DestPort < 1 || req.DestPort > 65535) {
		return fmt.Errorf("invalid destination port %d", req.DestPort)
	}
	return nil
}

// CreateHostChannel stores a channel and adds it to a live session, where
// it stays disabled until enabled.
func CreateHostChannel(w http.ResponseWriter, r *http.Request) {
	h, ok := loadHost(w, r)
	if !ok {
		return
	}
	var req channelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := &database.Channel{
		HostID:      h.ID,
		Nickname:    req.Nickname,
		UUID:        uuid.New().String(),
		Kind:        req.Kind,
		SourcePort:  req.SourcePort,
		DestAddr:    req.DestAddr,
		DestPort:    req.DestPort,
		Description: req.Description,
	}
	if err := database.SaveChannel(c); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save channel")
		return
	}
	if Manager != nil {
		if s, ok := Manager.Lookup(h); ok {
			live := *c
			s.AddChannel(&live)
		}
	}
	writeJSON(w, http.StatusCreated, c)
}

func DeleteHostChannel(w http.ResponseWriter, r *http.Request) {
	h, ok := loadHost(w, r)
	if !ok {
		return
	}
	channelID, ok := uintParam(r, "channelId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid channel ID")
		return
	}
	c, err := database.GetChannel(channelID)
	if err != nil || c.HostID != h.ID {
		writeError(w, http.StatusNotFound, "Channel not found")
		return
	}
	if Manager != nil {
		if s, ok := Manager.Lookup(h); ok {
			if live := s.FindChannel(c.UUID); live != nil {
				s.RemoveChannel(live)
			}
		}
	}
	if err := database.DeleteChannel(c.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete channel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ImportHosts upserts hosts from a YAML body in the hosts file format.
func ImportHosts(w http.ResponseWriter, r *http.Request) {
	res, err := hostfile.Import(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetSSHKey returns the client public key to install on SSH hosts.
func GetSSHKey(w http.ResponseWriter, r *http.Request) {
	key, err := sshtransport.AuthorizedKey(config.Cfg.DataPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load SSH key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": key})
}
