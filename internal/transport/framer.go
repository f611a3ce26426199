package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineBytes is the hard inbound frame limit. A line that exceeds it is
// a fatal framing error: the channel can no longer be trusted and must be
// closed, which triggers a worker restart upstream.
const MaxLineBytes = 1 << 20

var (
	// ErrLineTooLong marks a fatal framing fault on the inbound stream.
	ErrLineTooLong = errors.New("frame exceeds maximum line length")
	// ErrEmbeddedNewline rejects outbound messages that would corrupt framing.
	ErrEmbeddedNewline = errors.New("message body contains a newline")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
)

// Framer splits a bidirectional byte stream into newline-delimited
// messages. Reads tolerate arbitrary chunking of the underlying stream and
// an optional carriage return before the newline; writes append exactly one
// newline and flush immediately.
type Framer struct {
	r *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	mu     sync.Mutex
	closed bool
	close  func() error
}

// New wraps a reader/writer pair. closer, if non-nil, is invoked once on
// Close (typically the worker's stdin/stdout pipes).
func New(r io.Reader, w io.Writer, closer func() error) *Framer {
	return &Framer{
		r:     bufio.NewReaderSize(r, MaxLineBytes),
		w:     bufio.NewWriter(w),
		close: closer,
	}
}

// ReadFrame returns the next complete message body, with the trailing
// newline and any optional carriage return stripped. The returned slice is
// owned by the caller. A frame longer than MaxLineBytes yields
// ErrLineTooLong; the framer must not be read again after any error.
func (f *Framer) ReadFrame() ([]byte, error) {
	var line []byte
	for {
		chunk, err := f.r.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			// Delimiter not seen yet; keep accumulating. Nothing trimmable
			// is in line yet, so the guard bounds how far this can go.
			if len(line) > MaxLineBytes {
				return nil, ErrLineTooLong
			}
			continue
		}
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	// The limit applies to the message body, not the delimiter.
	if len(line) > MaxLineBytes {
		return nil, ErrLineTooLong
	}
	return line, nil
}

// WriteFrame writes one complete message followed by a newline and flushes.
// The body must not contain a newline.
func (f *Framer) WriteFrame(body []byte) error {
	if bytes.IndexByte(body, '\n') >= 0 {
		return ErrEmbeddedNewline
	}

	f.wmu.Lock()
	defer f.wmu.Unlock()

	if f.isClosed() {
		return ErrClosed
	}
	if _, err := f.w.Write(body); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := f.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write frame delimiter: %w", err)
	}
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}

// Close tears down the underlying stream. Safe to call more than once.
func (f *Framer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.close != nil {
		return f.close()
	}
	return nil
}

func (f *Framer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
