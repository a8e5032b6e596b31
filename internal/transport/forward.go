package transport

import (
	"io"
	"log"
	"net"
	"sync"
)

// DialFunc opens the far side of one forwarded connection.
type DialFunc func() (net.Conn, error)

// ServeForward accepts connections on ln and pipes each one to a connection
// opened with dial. Closing the result stops the listener and every
// connection it carries.
func ServeForward(ln net.Listener, dial DialFunc, tag string) io.Closer {
	f := &listenerForward{ln: ln, dial: dial, tag: tag}
	go f.acceptLoop()
	return f
}

type listenerForward struct {
	ln   net.Listener
	dial DialFunc
	tag  string

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func (f *listenerForward) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			f.mu.Lock()
			closed := f.closed
			f.mu.Unlock()
			if !closed {
				log.Printf("[channel] %s: accept error: %v", f.tag, err)
			}
			return
		}
		go f.handle(conn)
	}
}

func (f *listenerForward) track(c net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if f.conns == nil {
		f.conns = make(map[net.Conn]struct{})
	}
	f.conns[c] = struct{}{}
	return true
}

func (f *listenerForward) untrack(c net.Conn) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
}

func (f *listenerForward) handle(src net.Conn) {
	defer src.Close()
	if !f.track(src) {
		return
	}
	defer f.untrack(src)

	dst, err := f.dial()
	if err != nil {
		log.Printf("[channel] %s: dial failed: %v", f.tag, err)
		return
	}
	defer dst.Close()
	if !f.track(dst) {
		return
	}
	defer f.untrack(dst)

	Pipe(src, dst)
}

func (f *listenerForward) Close() error {
	f.mu.Lock()
	f.closed = true
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()

	err := f.ln.Close()
	for c := range conns {
		c.Close()
	}
	return err
}

// Pipe copies in both directions and returns when either side finishes.
func Pipe(a, b io.ReadWriter) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
}
