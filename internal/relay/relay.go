// Package relay moves bytes from a transport into a session's text buffer,
// decoding them with a charset that can be swapped while running.
package relay

import (
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/transform"
)

// DefaultBufferSize is the byte window used when none is configured.
const DefaultBufferSize = 4096

// idleBackoff is how long Run sleeps after a read that returned no bytes.
var idleBackoff = 10 * time.Millisecond

// Sink receives decoded text. scrollback.Buffer implements it.
type Sink interface {
	Append(text string)
}

// Relay decodes one transport's output. Run must be called at most once.
type Relay struct {
	src       io.Reader
	sink      Sink
	onFailure func(error)
	tag       string

	mu      sync.Mutex // guards decoder, charset and the window positions
	decoder transform.Transformer
	charset string

	window     []byte
	start, end int
	dst        []byte
}

// New builds a relay reading src and appending to sink. onFailure is called
// once, from the relay goroutine, when the read loop ends.
func New(src io.Reader, sink Sink, charset string, bufSize int, onFailure func(error)) (*Relay, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	enc, err := Lookup(charset)
	if err != nil {
		return nil, err
	}
	return &Relay{
		src:       src,
		sink:      sink,
		onFailure: onFailure,
		decoder:   enc.NewDecoder(),
		charset:   charset,
		window:    make([]byte, bufSize),
		dst:       make([]byte, bufSize*4),
	}, nil
}

// SetTag sets the label used in log lines, usually the host nickname.
func (r *Relay) SetTag(tag string) { r.tag = tag }

// SetCharset swaps the decoder. Bytes already read but not yet decoded are
// kept and decoded with the new charset on the next pass.
func (r *Relay) SetCharset(name string) error {
	enc, err := Lookup(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.decoder = enc.NewDecoder()
	r.charset = name
	r.mu.Unlock()
	return nil
}

// Charset returns the active charset label.
func (r *Relay) Charset() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.charset
}

// Run reads until the source fails. It never panics across the goroutine
// boundary; the failure is logged and handed to onFailure.
func (r *Relay) Run() {
	for {
		r.compact()

		n, err := r.src.Read(r.window[r.end:])
		if n > 0 {
			r.mu.Lock()
			r.end += n
			r.mu.Unlock()
			if text := r.decode(false); text != "" {
				r.sink.Append(text)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[relay] %s: read failed: %v", r.tag, err)
			} else {
				log.Printf("[relay] %s: stream closed", r.tag)
			}
			if r.onFailure != nil {
				r.onFailure(err)
			}
			return
		}
		if n == 0 {
			time.Sleep(idleBackoff)
		}
	}
}

// compact frees the window once it is full by moving the undecoded tail
// (a split multi-byte sequence) to the front.
func (r *Relay) compact() {
	r.mu.Lock()
	full := r.end == len(r.window)
	stuck := full && r.start == 0
	if full && !stuck {
		copy(r.window, r.window[r.start:r.end])
		r.end -= r.start
		r.start = 0
	}
	r.mu.Unlock()

	if stuck {
		// A whole window of bytes that never forms a character; flush it as
		// replacement text so reading can continue.
		if text := r.decode(true); text != "" {
			r.sink.Append(text)
		}
		r.mu.Lock()
		r.start, r.end = 0, 0
		r.mu.Unlock()
	}
}

func (r *Relay) decode(atEOF bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out strings.Builder
	for r.start < r.end {
		nDst, nSrc, err := r.decoder.Transform(r.dst, r.window[r.start:r.end], atEOF)
		out.Write(r.dst[:nDst])
		r.start += nSrc
		if err == transform.ErrShortDst && (nDst > 0 || nSrc > 0) {
			continue
		}
		if err != nil && err != transform.ErrShortSrc {
			log.Printf("[relay] %s: decode: %v", r.tag, err)
			out.WriteRune('\uFFFD')
			r.start++
			continue
		}
		break
	}
	if r.start == r.end {
		r.start, r.end = 0, 0
	}
	return out.String()
}
