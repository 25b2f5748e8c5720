// Package nativemsg speaks the browser native-messaging protocol over a pair
// of byte streams: every message is a 32-bit little-endian length followed
// by that many bytes of UTF-8 JSON.
package nativemsg

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// MaxOutboundSize is the largest message the browser accepts from a host.
	MaxOutboundSize = 1 << 20

	// MaxInboundSize is the largest message the browser sends to a host.
	MaxInboundSize = 64 << 20
)

// ErrMessageTooLarge is returned for messages over the size limit. On read
// the oversized body has already been skipped.
var ErrMessageTooLarge = errors.New("native message too large")

// ErrMalformed is returned when a complete frame does not hold valid JSON.
var ErrMalformed = errors.New("malformed native message")

// Reader decodes framed messages.
type Reader struct {
	r   io.Reader
	max uint32
}

// NewReader creates a reader with the inbound size limit.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, max: MaxInboundSize}
}

// Read decodes the next message into v. It returns io.EOF when the stream
// ends cleanly between messages.
func (r *Reader) Read(v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > r.max {
		if _, err := io.CopyN(io.Discard, r.r, int64(size)); err != nil {
			return fmt.Errorf("skip oversized message: %w", err)
		}
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read message body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Writer encodes framed messages. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes v as one message.
func (w *Writer) Write(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(body) > MaxOutboundSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(body))
	}

	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
