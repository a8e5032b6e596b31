package agent

import (
	"log"
	"net"
	"time"

	"github.com/gluk-w/protonet/internal/transport"
	"github.com/gluk-w/protonet/internal/tunnel"
)

// ForwardHandler dials the address named in the stream's ForwardHeader and
// pipes the stream to it.
func ForwardHandler(dialTimeout time.Duration) ChannelHandler {
	return func(conn net.Conn) {
		defer conn.Close()

		var hdr tunnel.ForwardHeader
		if err := tunnel.ReadJSONHeader(conn, &hdr); err != nil {
			log.Printf("forward: %v", err)
			return
		}
		dst, err := net.DialTimeout("tcp", hdr.Addr, dialTimeout)
		if err != nil {
			log.Printf("forward: dial %s: %v", hdr.Addr, err)
			return
		}
		defer dst.Close()
		transport.Pipe(conn, dst)
	}
}
