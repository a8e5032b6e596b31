package agent

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/gluk-w/protonet/internal/tunnel"
)

// ChannelHandler handles one stream. The channel header has already been
// consumed.
type ChannelHandler func(conn net.Conn)

// headerTimeout is how long a client has to name the channel of a stream.
var headerTimeout = 5 * time.Second

// Router dispatches streams by their channel header.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]ChannelHandler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]ChannelHandler)}
}

// Register installs the handler for a channel name, replacing any previous
// one.
func (r *Router) Register(name string, handler ChannelHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Route reads the channel header from conn and runs the matching handler.
func (r *Router) Route(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(headerTimeout))
	channel, err := tunnel.ReadLine(conn)
	if err != nil {
		log.Printf("agent: failed to read channel header: %v", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	r.mu.RLock()
	handler, ok := r.handlers[channel]
	r.mu.RUnlock()
	if !ok {
		log.Printf("agent: unknown channel %q, closing", channel)
		conn.Close()
		return
	}
	handler(conn)
}

// PingHandler answers health-check pings with "pong".
func PingHandler(conn net.Conn) {
	defer conn.Close()
	conn.Write([]byte("pong\n"))
}
