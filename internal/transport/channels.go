package transport

import (
	"io"
	"log"
	"sync"

	"github.com/gluk-w/protonet/internal/database"
	"github.com/gluk-w/protonet/internal/logutil"
)

// Forwarder starts the forwarding for one channel. Closing the returned
// io.Closer stops it.
type Forwarder interface {
	Forward(c *database.Channel) (io.Closer, error)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(c *database.Channel) (io.Closer, error)

func (f ForwarderFunc) Forward(c *database.Channel) (io.Closer, error) { return f(c) }

type channelEntry struct {
	ch     *database.Channel
	closer io.Closer
}

// ChannelSet implements ChannelManager on top of a Forwarder. A nil
// forwarder means the transport has no channel support.
type ChannelSet struct {
	mu      sync.Mutex
	forward Forwarder
	ready   func() bool
	entries []*channelEntry
}

// NewChannelSet builds a set whose Enable/Disable calls succeed only while
// ready reports true.
func NewChannelSet(forward Forwarder, ready func() bool) *ChannelSet {
	return &ChannelSet{forward: forward, ready: ready}
}

func (s *ChannelSet) find(c *database.Channel) (int, *channelEntry) {
	for i, e := range s.entries {
		if e.ch == c || (c.UUID != "" && e.ch.UUID == c.UUID) {
			return i, e
		}
	}
	return -1, nil
}

func (s *ChannelSet) AddChannel(c *database.Channel) bool {
	if s.forward == nil || c == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, e := s.find(c); e != nil {
		return false
	}
	c.Enabled = false
	s.entries = append(s.entries, &channelEntry{ch: c})
	return true
}

// RemoveChannel disables the channel first when it is running.
func (s *ChannelSet) RemoveChannel(c *database.Channel) bool {
	if c == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, e := s.find(c)
	if e == nil {
		return false
	}
	s.stop(e)
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return true
}

func (s *ChannelSet) EnableChannel(c *database.Channel) bool {
	if c == nil || s.ready == nil || !s.ready() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, e := s.find(c)
	if e == nil {
		return false
	}
	if e.closer != nil {
		return true
	}
	closer, err := s.forward.Forward(e.ch)
	if err != nil {
		log.Printf("[channel] Failed to enable %s (%s): %v",
			logutil.SanitizeForLog(e.ch.Nickname), e.ch.Kind, err)
		return false
	}
	e.closer = closer
	e.ch.Enabled = true
	return true
}

func (s *ChannelSet) DisableChannel(c *database.Channel) bool {
	if c == nil || s.ready == nil || !s.ready() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, e := s.find(c)
	if e == nil {
		return false
	}
	s.stop(e)
	return true
}

// Channels returns the added channels in insertion order.
func (s *ChannelSet) Channels() []*database.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*database.Channel, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.ch
	}
	return out
}

// EnableAll enables every added channel and returns the ones that started.
func (s *ChannelSet) EnableAll() []*database.Channel {
	var enabled []*database.Channel
	for _, c := range s.Channels() {
		if s.EnableChannel(c) {
			enabled = append(enabled, c)
		}
	}
	return enabled
}

// StopAll stops every running forward but keeps the channels added, so a
// reconnect can enable them again.
func (s *ChannelSet) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		s.stop(e)
	}
}

func (s *ChannelSet) stop(e *channelEntry) {
	if e.closer != nil {
		if err := e.closer.Close(); err != nil {
			log.Printf("[channel] Close %s: %v", logutil.SanitizeForLog(e.ch.Nickname), err)
		}
		e.closer = nil
	}
	e.ch.Enabled = false
}
