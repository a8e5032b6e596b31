// Package hostfile imports host definitions from a YAML document into the
// configuration store.
package hostfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gluk-w/protonet/internal/crypto"
	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/transport"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// File is the top-level document.
type File struct {
	Hosts []HostEntry `yaml:"hosts"`
}

// HostEntry is one host. Unset booleans keep the store defaults.
type HostEntry struct {
	Nickname      string         `yaml:"nickname"`
	Protocol      string         `yaml:"protocol"`
	Username      string         `yaml:"username"`
	Hostname      string         `yaml:"hostname"`
	Port          int            `yaml:"port"`
	Password      string         `yaml:"password"`
	UseKeys       *bool          `yaml:"use_keys"`
	WantSession   *bool          `yaml:"want_session"`
	StayConnected bool           `yaml:"stay_connected"`
	Encoding      string         `yaml:"encoding"`
	Color         string         `yaml:"color"`
	AgentCert     string         `yaml:"agent_cert"`
	Channels      []ChannelEntry `yaml:"channels"`
}

// ChannelEntry is one port forward of a host.
type ChannelEntry struct {
	Nickname    string `yaml:"nickname"`
	Kind        string `yaml:"kind"`
	SourcePort  int    `yaml:"source_port"`
	DestAddr    string `yaml:"dest_addr"`
	DestPort    int    `yaml:"dest_port"`
	Description string `yaml:"description"`
}

// Result counts what an import changed.
type Result struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Channels int `json:"channels"`
}

// Parse decodes a host file without touching the store.
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode host file: %w", err)
	}
	for i, h := range f.Hosts {
		if h.Protocol == "" {
			f.Hosts[i].Protocol = "ssh"
		}
		if h.Nickname == "" && h.Hostname == "" {
			return nil, fmt.Errorf("host %d: nickname or hostname required", i)
		}
		for j, c := range h.Channels {
			switch c.Kind {
			case database.ChannelLocal, database.ChannelRemote, database.ChannelDynamic:
			default:
				return nil, fmt.Errorf("host %d channel %d: unknown kind %q", i, j, c.Kind)
			}
		}
	}
	return &f, nil
}

// Import upserts every host by nickname. Passwords are encrypted before they
// are stored; channels of an updated host are replaced.
func Import(r io.Reader) (*Result, error) {
	f, err := Parse(r)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, entry := range f.Hosts {
		created, err := importHost(entry)
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		res.Channels += len(entry.Channels)
	}
	return res, nil
}

// ImportFile imports the YAML file at path.
func ImportFile(path string) (*Result, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open host file: %w", err)
	}
	defer fh.Close()
	return Import(fh)
}

func importHost(entry HostEntry) (bool, error) {
	port := entry.Port
	if port == 0 {
		port = transport.DefaultPort(entry.Protocol)
	}
	nickname := entry.Nickname
	if nickname == "" {
		nickname = transport.DefaultNickname(entry.Protocol, entry.Username, entry.Hostname, port)
	}

	h, err := database.GetHostByNickname(nickname)
	created := errors.Is(err, database.ErrNotFound)
	if err != nil && !created {
		return false, fmt.Errorf("look up host %q: %w", nickname, err)
	}
	if created {
		h = database.NewHost(entry.Protocol, entry.Username, entry.Hostname, port)
		h.Nickname = nickname
	} else {
		h.Protocol = entry.Protocol
		h.Username = entry.Username
		h.Hostname = entry.Hostname
		h.Port = port
	}

	if entry.Password != "" {
		enc, err := crypto.Encrypt(entry.Password)
		if err != nil {
			return false, fmt.Errorf("encrypt password for %q: %w", nickname, err)
		}
		h.Password = enc
	}
	if entry.UseKeys != nil {
		h.UseKeys = *entry.UseKeys
	}
	if entry.WantSession != nil {
		h.WantSession = *entry.WantSession
	}
	h.StayConnected = entry.StayConnected
	if entry.Encoding != "" {
		h.Encoding = entry.Encoding
	}
	h.Color = entry.Color
	if entry.AgentCert != "" {
		h.AgentCertPEM = entry.AgentCert
	}

	if err := database.SaveHost(h); err != nil {
		return false, err
	}

	if !created {
		existing, err := database.ListChannelsForHost(h.ID)
		if err != nil {
			return false, fmt.Errorf("list channels of %q: %w", nickname, err)
		}
		for _, c := range existing {
			if err := database.DeleteChannel(c.ID); err != nil {
				return false, err
			}
		}
	}
	for _, c := range entry.Channels {
		ch := &database.Channel{
			HostID:      h.ID,
			Nickname:    c.Nickname,
			UUID:        uuid.New().String(),
			Kind:        c.Kind,
			SourcePort:  c.SourcePort,
			DestAddr:    c.DestAddr,
			DestPort:    c.DestPort,
			Description: c.Description,
		}
		if err := database.SaveChannel(ch); err != nil {
			return false, err
		}
	}
	return created, nil
}
