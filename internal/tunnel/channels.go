package tunnel

// Channel names for yamux stream multiplexing. Each stream starts with a
// one-line header naming its channel (e.g. "terminal\n"); the agent's router
// dispatches on it.
const (
	ChannelTerminal = "terminal"
	ChannelForward  = "forward"
	ChannelPing     = "ping"
)

// maxHeaderLine bounds the channel name and JSON header lines.
const maxHeaderLine = 4096
