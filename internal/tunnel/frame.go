package tunnel

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame types written by the client on a terminal stream. The agent writes
// raw PTY output back without framing.
const (
	FrameData    byte = 0x01 // [0x01][uvarint len][input bytes]
	FrameControl byte = 0x02 // [0x02][uvarint len][json ControlMessage]
)

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 1 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrHeaderTooLong = errors.New("header line too long")
)

// InitHeader opens a terminal stream.
type InitHeader struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ControlMessage is a JSON control frame. Only "resize" is defined.
type ControlMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// ForwardHeader opens a forward stream to Addr on the agent's side.
type ForwardHeader struct {
	Addr string `json:"addr"`
}

func writeFrame(w io.Writer, typ byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 1+binary.MaxVarintLen64+len(payload))
	buf[0] = typ
	n := 1 + binary.PutUvarint(buf[1:], uint64(len(payload)))
	n += copy(buf[n:], payload)
	_, err := w.Write(buf[:n])
	return err
}

// WriteData writes terminal input as one data frame, splitting oversized
// input.
func WriteData(w io.Writer, p []byte) error {
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxFrameSize {
			chunk = chunk[:MaxFrameSize]
		}
		if err := writeFrame(w, FrameData, chunk); err != nil {
			return err
		}
		p = p[len(chunk):]
	}
	return nil
}

// WriteControl writes msg as a control frame.
func WriteControl(w io.Writer, msg ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	return writeFrame(w, FrameControl, data)
}

// FrameReader decodes frames written by WriteData and WriteControl.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next frame's type and payload.
func (fr *FrameReader) Next() (byte, []byte, error) {
	typ, err := fr.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if typ != FrameData && typ != FrameControl {
		return 0, nil, fmt.Errorf("unknown frame type 0x%02x", typ)
	}
	length, err := binary.ReadUvarint(fr.r)
	if err != nil {
		return 0, nil, fmt.Errorf("read frame length: %w", err)
	}
	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return typ, payload, nil
}

// ReadLine reads a newline-terminated line one byte at a time so nothing
// past the newline is consumed from r.
func ReadLine(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > maxHeaderLine {
			return "", ErrHeaderTooLong
		}
	}
}

// WriteHeader writes the channel name line followed by an optional JSON
// header line.
func WriteHeader(w io.Writer, channel string, header any) error {
	line := []byte(channel + "\n")
	if header != nil {
		data, err := json.Marshal(header)
		if err != nil {
			return fmt.Errorf("marshal %s header: %w", channel, err)
		}
		line = append(append(line, data...), '\n')
	}
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write channel header %q: %w", channel, err)
	}
	return nil
}

// ReadJSONHeader reads one JSON header line into v.
func ReadJSONHeader(r io.Reader, v any) error {
	line, err := ReadLine(r)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal([]byte(line), v); err != nil {
		return fmt.Errorf("parse header: %w", err)
	}
	return nil
}
