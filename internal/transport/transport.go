// Package transport defines the byte-stream contract every remote-access
// protocol implements, the protocol registry, and the identity URI form used
// to open or locate a session.
package transport

import (
	"context"
	"errors"

	"github.com/gluk-w/protonet/internal/database"
)

var (
	// ErrConnectionClosed is returned by Read once the peer has closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnknownProtocol is returned by New for an unregistered protocol tag.
	ErrUnknownProtocol = errors.New("unknown protocol")
	// ErrNotConnected is returned by operations that need an established link.
	ErrNotConnected = errors.New("not connected")
)

// Hooks is the session side a transport talks back to. Implementations must
// be safe to call from the transport's own goroutines.
type Hooks interface {
	// OnConnected is invoked once the link is authenticated and ready.
	OnConnected()
	// RequestDisconnect asks the session for a non-immediate disconnect, for
	// failures noticed outside Read, such as a missed keepalive.
	RequestDisconnect()
	// OutputLine writes a local notice line to the session buffer.
	OutputLine(line string)
	// RequestString blocks until the observer answers; ok is false when the
	// prompt was cancelled.
	RequestString(ctx context.Context, instruction, prompt string) (answer string, ok bool)
	// RequestBoolean is the yes/no variant of RequestString.
	RequestBoolean(ctx context.Context, instruction, prompt string) (answer, ok bool)
}

// ChannelManager is the optional sub-channel (port forward) surface of a
// transport. Enable and Disable report false when the link is not connected
// or the channel was never added.
type ChannelManager interface {
	AddChannel(c *database.Channel) bool
	RemoveChannel(c *database.Channel) bool
	EnableChannel(c *database.Channel) bool
	DisableChannel(c *database.Channel) bool
	Channels() []*database.Channel
}

// Transport is one live connection to a remote target.
type Transport interface {
	ChannelManager

	// Connect establishes the link and calls Hooks.OnConnected on success.
	Connect(ctx context.Context) error
	// Read blocks until data arrives. It returns ErrConnectionClosed when the
	// peer closes.
	Read(p []byte) (int, error)
	// Write is best-effort. Callers turn a failure into a non-immediate
	// disconnect instead of propagating it.
	Write(p []byte) error
	Close() error
	IsConnected() bool
	IsSessionOpen() bool
	UsesNetwork() bool
	SetDimensions(cols, rows int)
}
