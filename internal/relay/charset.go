package relay

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// Lookup resolves a charset label such as "UTF-8", "ISO-8859-1" or
// "Shift_JIS". An empty label means UTF-8.
func Lookup(name string) (encoding.Encoding, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("lookup charset %q: %w", name, err)
	}
	return enc, nil
}

// Encode converts text to the named charset for writing to a transport.
// Runes the charset cannot represent are replaced rather than failing.
func Encode(name, text string) ([]byte, error) {
	enc, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	out, err := encoding.ReplaceUnsupported(enc.NewEncoder()).Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return out, nil
}
