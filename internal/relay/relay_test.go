package relay

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

var errClosed = errors.New("connection closed")

// chunkReader hands out the scripted chunks one Read at a time, never more
// than the caller's buffer, then fails with errClosed.
type chunkReader struct {
	mu     sync.Mutex
	chunks [][]byte
	reads  int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if len(c.chunks) == 0 {
		return 0, errClosed
	}
	chunk := c.chunks[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		c.chunks[0] = chunk[n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

type recordingSink struct {
	mu      sync.Mutex
	appends []string
}

func (s *recordingSink) Append(text string) {
	s.mu.Lock()
	s.appends = append(s.appends, text)
	s.mu.Unlock()
}

func (s *recordingSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.appends, "")
}

func runRelay(t *testing.T, charset string, bufSize int, chunks ...[]byte) (*recordingSink, error) {
	t.Helper()
	sink := &recordingSink{}
	var failure error
	calls := 0
	r, err := New(&chunkReader{chunks: chunks}, sink, charset, bufSize, func(err error) {
		calls++
		failure = err
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Run()
	if calls != 1 {
		t.Fatalf("onFailure called %d times, want 1", calls)
	}
	return sink, failure
}

func TestRelay_SplitMultiByteMatchesWhole(t *testing.T) {
	text := []byte("héllo wörld € 𝄞 done")
	whole, _ := runRelay(t, "UTF-8", 64, text)

	for cut := 1; cut < len(text); cut++ {
		a := append([]byte(nil), text[:cut]...)
		b := append([]byte(nil), text[cut:]...)
		split, _ := runRelay(t, "UTF-8", 64, a, b)
		if split.String() != whole.String() {
			t.Fatalf("split at %d: got %q, want %q", cut, split.String(), whole.String())
		}
	}
	if whole.String() != string(text) {
		t.Fatalf("whole decode = %q", whole.String())
	}
}

func TestRelay_SmallWindowCompacts(t *testing.T) {
	text := strings.Repeat("€𝄞é", 50)
	var chunks [][]byte
	for i := 0; i < len(text); i += 5 {
		end := i + 5
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, []byte(text[i:end]))
	}
	sink, _ := runRelay(t, "UTF-8", 8, chunks...)
	if sink.String() != text {
		t.Fatalf("small window decode mismatch:\n got %q\nwant %q", sink.String(), text)
	}
}

func TestRelay_MalformedInputSubstitutes(t *testing.T) {
	sink, _ := runRelay(t, "UTF-8", 64, []byte("a\xffb"))
	if got := sink.String(); got != "a�b" {
		t.Fatalf("got %q", got)
	}
}

func TestRelay_Latin1(t *testing.T) {
	sink, _ := runRelay(t, "ISO-8859-1", 64, []byte{'c', 'a', 'f', 0xe9})
	if got := sink.String(); got != "café" {
		t.Fatalf("got %q", got)
	}
}

func TestRelay_FailureReported(t *testing.T) {
	_, err := runRelay(t, "UTF-8", 64, []byte("bye"))
	if !errors.Is(err, errClosed) {
		t.Fatalf("onFailure got %v", err)
	}
}

type zeroReader struct {
	mu    sync.Mutex
	zeros int
	reads int
}

func (z *zeroReader) Read(p []byte) (int, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.reads++
	if z.reads > z.zeros {
		return 0, errClosed
	}
	return 0, nil
}

func TestRelay_ZeroByteReadsBackOff(t *testing.T) {
	old := idleBackoff
	idleBackoff = 5 * time.Millisecond
	t.Cleanup(func() { idleBackoff = old })

	src := &zeroReader{zeros: 20}
	sink := &recordingSink{}
	r, err := New(src, sink, "", 64, func(error) {})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	r.Run()
	elapsed := time.Since(start)

	if elapsed < 20*idleBackoff/2 {
		t.Errorf("20 empty reads took %v; relay is not yielding", elapsed)
	}
	if len(sink.appends) != 0 {
		t.Errorf("empty reads appended %d strings", len(sink.appends))
	}
}

// switchingReader changes the relay's charset between two chunks.
type switchingReader struct {
	r      *Relay
	chunks [][]byte
	i      int
}

func (s *switchingReader) Read(p []byte) (int, error) {
	if s.i >= len(s.chunks) {
		return 0, errClosed
	}
	if s.i == 1 {
		if err := s.r.SetCharset("windows-1252"); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.chunks[s.i])
	s.i++
	return n, nil
}

func TestRelay_SetCharsetKeepsPendingBytes(t *testing.T) {
	sink := &recordingSink{}
	src := &switchingReader{chunks: [][]byte{[]byte("ok\xc3"), []byte("\xa9")}}
	r, err := New(src, sink, "UTF-8", 64, func(error) {})
	if err != nil {
		t.Fatal(err)
	}
	src.r = r
	r.Run()

	// The held-back 0xC3 is decoded with the new charset together with 0xA9.
	if got := sink.String(); got != "okÃ©" {
		t.Fatalf("got %q", got)
	}
	if r.Charset() != "windows-1252" {
		t.Errorf("Charset() = %q", r.Charset())
	}
}

func TestLookupUnknownCharset(t *testing.T) {
	if _, err := Lookup("no-such-charset"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New(&zeroReader{}, &recordingSink{}, "no-such-charset", 0, nil); err == nil {
		t.Fatal("New should reject unknown charsets")
	}
}

func TestEncode(t *testing.T) {
	b, err := Encode("ISO-8859-1", "café")
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "caf\xe9" {
		t.Errorf("Encode = %q", b)
	}
	b, err = Encode("ISO-8859-1", "€uro 𝄞")
	if err != nil {
		t.Fatal(err)
	}
	if len(b) == 0 {
		t.Error("unsupported runes should be replaced, not dropped entirely")
	}
}
