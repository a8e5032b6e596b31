package database

import (
	"fmt"
	"time"
)

// Channel kinds.
const (
	ChannelLocal   = "local"
	ChannelRemote  = "remote"
	ChannelDynamic = "dynamic"
)

// Host is a stored connection target.
type Host struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Nickname      string    `gorm:"uniqueIndex;not null" json:"nickname"`
	Protocol      string    `gorm:"not null" json:"protocol"`
	Username      string    `json:"username"`
	Hostname      string    `json:"hostname"`
	Port          int       `json:"port"`
	Password      string    `json:"-"` // fernet-encrypted
	UseKeys       bool      `json:"use_keys"`
	WantSession   bool      `json:"want_session"`
	StayConnected bool      `json:"stay_connected"`
	Encoding      string    `json:"encoding"`
	Color         string    `json:"color"`
	AgentCertPEM  string    `json:"agent_cert_pem,omitempty"`
	LastConnect   int64     `json:"last_connect"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewHost returns a Host with the defaults a freshly created entry gets.
func NewHost(protocol, username, hostname string, port int) *Host {
	return &Host{
		Protocol:    protocol,
		Username:    username,
		Hostname:    hostname,
		Port:        port,
		UseKeys:     true,
		WantSession: true,
		Encoding:    DefaultEncoding,
		LastConnect: -1,
	}
}

// DefaultEncoding is used when a host has no encoding set.
const DefaultEncoding = "UTF-8"

// Description renders user@host, adding the port when it is not 22. Hosts
// without a hostname (local shells) are described by their protocol.
func (h *Host) Description() string {
	if h.Hostname == "" {
		return h.Protocol
	}
	d := fmt.Sprintf("%s@%s", h.Username, h.Hostname)
	if h.Port != 22 && h.Port != 0 {
		d += fmt.Sprintf(":%d", h.Port)
	}
	return d
}

// Channel is a named sub-connection (port forward) belonging to one host.
type Channel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	HostID      uint   `gorm:"index;not null" json:"host_id"`
	Nickname    string `gorm:"not null" json:"nickname"`
	UUID        string `gorm:"uniqueIndex;not null" json:"uuid"`
	Kind        string `gorm:"not null" json:"kind"`
	SourcePort  int    `json:"source_port"`
	DestAddr    string `json:"dest_addr"`
	DestPort    int    `json:"dest_port"`
	Description string `json:"description"`

	// Enabled reflects the live forwarder state and is never stored.
	Enabled bool `gorm:"-" json:"enabled"`
}

// Dest returns the destination as host:port.
func (c *Channel) Dest() string {
	return fmt.Sprintf("%s:%d", c.DestAddr, c.DestPort)
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
