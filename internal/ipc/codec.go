package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxMessageBytes bounds a single protocol line. Requests carry opaque
// handler input, so the bound is generous but not unlimited.
const maxMessageBytes = 8 << 20

// Codec reads and writes protocol messages over a byte stream. Writes are
// serialized; reads are expected from a single goroutine.
type Codec struct {
	wmu     sync.Mutex
	w       io.Writer
	scanner *bufio.Scanner
}

// NewCodec wraps the given reader/writer pair.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageBytes)
	return &Codec{w: w, scanner: scanner}
}

// Write encodes one message as a single JSON line.
func (c *Codec) Write(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid message: %w", err)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Read decodes the next message, skipping blank lines. Returns io.EOF when
// the stream ends.
func (c *Codec) Read() (*Message, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid message: %w", err)
		}
		return &msg, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return nil, io.EOF
}
