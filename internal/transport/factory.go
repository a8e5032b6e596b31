package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gluk-w/protonet/internal/database"
)

// Factory builds a transport for one host.
type Factory func(host *database.Host, hooks Hooks) Transport

// Protocol describes a registered transport implementation.
type Protocol struct {
	Name        string
	DefaultPort int
	// Network is false for transports that never touch the network.
	Network bool
	New     Factory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Protocol)
)

// Register makes a protocol available to New. Registering a name twice
// replaces the previous entry.
func Register(p Protocol) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.Name] = p
}

// Lookup returns the registration for a protocol tag.
func Lookup(name string) (Protocol, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// New builds a transport for host using the protocol named by host.Protocol.
func New(host *database.Host, hooks Hooks) (Transport, error) {
	p, ok := Lookup(host.Protocol)
	if !ok || p.New == nil {
		return nil, fmt.Errorf("create transport %q: %w", host.Protocol, ErrUnknownProtocol)
	}
	return p.New(host, hooks), nil
}

// Protocols lists the registered protocol tags in sorted order.
func Protocols() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultPort returns the protocol's default port, or 0 when unknown.
func DefaultPort(protocol string) int {
	p, _ := Lookup(protocol)
	return p.DefaultPort
}

// FormatHint describes the input URIFromHostmask accepts for a protocol.
func FormatHint(protocol string) string {
	p, ok := Lookup(protocol)
	if !ok || !p.Network {
		return "nickname"
	}
	return "username@hostname:port"
}
