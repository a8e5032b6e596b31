package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"

	"github.com/gluk-w/protonet/internal/database"
)

var hostmask = regexp.MustCompile(`(?i)^(.+)@([0-9a-z.-]+)(:(\d+))?$`)

// ErrBadHostmask is returned when input does not look like user@host[:port].
var ErrBadHostmask = errors.New("expected username@hostname[:port]")

// ParseURI parses an identity URI of the form scheme://user@host:port/#nickname.
func ParseURI(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("parse uri %q: missing scheme", s)
	}
	return u, nil
}

// DefaultNickname is user@host, with :port appended when the port is not
// the protocol default.
func DefaultNickname(protocol, username, hostname string, port int) string {
	if port == DefaultPort(protocol) {
		return fmt.Sprintf("%s@%s", username, hostname)
	}
	return fmt.Sprintf("%s@%s:%d", username, hostname, port)
}

func uriPort(u *url.URL) int {
	if p, err := strconv.Atoi(u.Port()); err == nil && p > 0 {
		return p
	}
	return DefaultPort(u.Scheme)
}

func isNetwork(protocol string) bool {
	p, ok := Lookup(protocol)
	return !ok || p.Network
}

// HostFromURI builds a new, unsaved host from an identity URI.
func HostFromURI(u *url.URL) (*database.Host, error) {
	if _, ok := Lookup(u.Scheme); !ok {
		return nil, fmt.Errorf("host from uri: %w: %q", ErrUnknownProtocol, u.Scheme)
	}
	if !isNetwork(u.Scheme) {
		h := database.NewHost(u.Scheme, "", "", 0)
		h.Nickname = u.Fragment
		if h.Nickname == "" {
			h.Nickname = u.Scheme
		}
		return h, nil
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("host from uri: missing hostname")
	}

	var username string
	if u.User != nil {
		username = u.User.Username()
	}
	h := database.NewHost(u.Scheme, username, u.Hostname(), uriPort(u))
	h.Nickname = u.Fragment
	if h.Nickname == "" {
		h.Nickname = DefaultNickname(h.Protocol, h.Username, h.Hostname, h.Port)
	}
	return h, nil
}

// URIForHost renders a host back into its identity URI.
func URIForHost(h *database.Host) string {
	if !isNetwork(h.Protocol) {
		return (&url.URL{Scheme: h.Protocol, Fragment: h.Nickname}).String()
	}
	u := &url.URL{
		Scheme:   h.Protocol,
		Host:     net.JoinHostPort(h.Hostname, strconv.Itoa(h.Port)),
		Path:     "/",
		Fragment: h.Nickname,
	}
	if h.Username != "" {
		u.User = url.User(h.Username)
	}
	return u.String()
}

// SelectionFromURI returns the store selection that locates the host a URI
// refers to. Empty values are left out.
func SelectionFromURI(u *url.URL) map[string]string {
	sel := map[string]string{"protocol": u.Scheme}
	if u.Fragment != "" {
		sel["nickname"] = u.Fragment
	}
	if !isNetwork(u.Scheme) {
		return sel
	}
	if u.Hostname() != "" {
		sel["hostname"] = u.Hostname()
	}
	sel["port"] = strconv.Itoa(uriPort(u))
	if u.User != nil && u.User.Username() != "" {
		sel["username"] = u.User.Username()
	}
	return sel
}

// URIFromHostmask turns quick-connect input such as alice@example.com:2222
// into an identity URI. Ports outside 1..65535 fall back to the protocol
// default, and the original input becomes the nickname.
func URIFromHostmask(scheme, input string) (*url.URL, error) {
	m := hostmask.FindStringSubmatch(input)
	if m == nil {
		return nil, fmt.Errorf("parse %q: %w", input, ErrBadHostmask)
	}

	def := DefaultPort(scheme)
	port := def
	if m[4] != "" {
		if p, err := strconv.Atoi(m[4]); err == nil && p >= 1 && p <= 65535 {
			port = p
		}
	}

	u := &url.URL{
		Scheme:   scheme,
		User:     url.User(m[1]),
		Host:     m[2],
		Path:     "/",
		Fragment: input,
	}
	if port != def {
		u.Host = net.JoinHostPort(m[2], strconv.Itoa(port))
	}
	return u, nil
}
