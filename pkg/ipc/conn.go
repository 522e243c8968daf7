package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// maxLineSize bounds a single encoded envelope.
const maxLineSize = 16 << 20

// Conn exchanges newline delimited JSON envelopes over a reader/writer pair.
// Send may be called from multiple goroutines; Receive must be called from
// one reader goroutine. Close never waits for a Send blocked on a full pipe.
type Conn struct {
	scanner *bufio.Scanner
	w       io.Writer
	closers []io.Closer

	mu        sync.Mutex // serializes writes
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps r and w. The given closers are closed by Close.
func NewConn(r io.Reader, w io.Writer, closers ...io.Closer) *Conn {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	return &Conn{scanner: scanner, w: w, closers: closers}
}

// Send writes one envelope.
func (c *Conn) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	data = append(data, '\n')

	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.w.Write(data); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

// Receive blocks for the next envelope. It returns io.EOF once the peer
// closes its end. Lines that are not valid JSON are skipped.
func (c *Conn) Receive() (Envelope, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		return env, nil
	}
	if err := c.scanner.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}

// Close closes the underlying streams, which unblocks a pending Send or
// Receive. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		var errs []error
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
