package sshtransport

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gluk-w/protonet/internal/config"
	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/logutil"
	"github.com/gluk-w/protonet/internal/transport"
)

var errDynamicUnsupported = errors.New("dynamic forwarding is not supported")

// forward starts the listener for one channel: local forwards listen here
// and dial through the server, remote forwards listen on the server and dial
// from here.
func (t *Transport) forward(c *database.Channel) (io.Closer, error) {
	client := t.sshClient()
	if client == nil {
		return nil, transport.ErrNotConnected
	}

	var (
		ln   net.Listener
		dial transport.DialFunc
		err  error
	)
	switch c.Kind {
	case database.ChannelLocal:
		ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.SourcePort))
		dial = func() (net.Conn, error) { return client.Dial("tcp", c.Dest()) }
	case database.ChannelRemote:
		ln, err = client.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", c.SourcePort))
		dial = func() (net.Conn, error) { return net.DialTimeout("tcp", c.Dest(), config.Cfg.ConnectTimeout) }
	case database.ChannelDynamic:
		return nil, errDynamicUnsupported
	default:
		return nil, fmt.Errorf("unknown channel kind %q", c.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("listen for %s forward on port %d: %w", c.Kind, c.SourcePort, err)
	}
	return transport.ServeForward(ln, dial, logutil.SanitizeForLog(c.Nickname)), nil
}
