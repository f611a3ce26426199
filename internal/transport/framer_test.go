package transport

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkReader yields the underlying data a few bytes at a time to simulate
// arbitrary pipe chunking.
type chunkReader struct {
	data  []byte
	chunk int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestReadFrameAcrossChunks(t *testing.T) {
	src := &chunkReader{data: []byte("{\"id\":\"a\"}\n{\"id\":\"b\"}\n"), chunk: 3}
	f := New(src, io.Discard, nil)

	first, err := f.ReadFrame()
	if err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if string(first) != `{"id":"a"}` {
		t.Fatalf("unexpected first frame: %q", first)
	}
	second, err := f.ReadFrame()
	if err != nil {
		t.Fatalf("read second frame: %v", err)
	}
	if string(second) != `{"id":"b"}` {
		t.Fatalf("unexpected second frame: %q", second)
	}
	if _, err := f.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadFrameStripsCarriageReturn(t *testing.T) {
	f := New(strings.NewReader("hello\r\n"), io.Discard, nil)
	frame, err := f.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(frame) != "hello" {
		t.Fatalf("carriage return not stripped: %q", frame)
	}
}

func TestReadFrameOversizeIsFatal(t *testing.T) {
	big := strings.Repeat("x", MaxLineBytes+1) + "\n"
	f := New(strings.NewReader(big), io.Discard, nil)
	if _, err := f.ReadFrame(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}

func TestReadFrameAtLimitSucceeds(t *testing.T) {
	body := strings.Repeat("y", MaxLineBytes)
	f := New(strings.NewReader(body+"\n"), io.Discard, nil)
	frame, err := f.ReadFrame()
	if err != nil {
		t.Fatalf("read frame at limit: %v", err)
	}
	if len(frame) != MaxLineBytes {
		t.Fatalf("expected %d bytes, got %d", MaxLineBytes, len(frame))
	}
}

func TestReadFrameAtLimitWithCarriageReturn(t *testing.T) {
	body := strings.Repeat("z", MaxLineBytes)
	f := New(strings.NewReader(body+"\r\n"), io.Discard, nil)
	frame, err := f.ReadFrame()
	if err != nil {
		t.Fatalf("read frame at limit: %v", err)
	}
	if len(frame) != MaxLineBytes {
		t.Fatalf("expected %d bytes, got %d", MaxLineBytes, len(frame))
	}
}

func TestReadFramePartialLineNotABoundary(t *testing.T) {
	f := New(strings.NewReader("incomplete"), io.Discard, nil)
	if _, err := f.ReadFrame(); err == nil {
		t.Fatal("expected error for unterminated frame")
	}
}

func TestWriteFrameAppendsNewlineAndFlushes(t *testing.T) {
	var out bytes.Buffer
	f := New(strings.NewReader(""), &out, nil)
	if err := f.WriteFrame([]byte(`{"method":"ping"}`)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if out.String() != "{\"method\":\"ping\"}\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestWriteFrameRejectsEmbeddedNewline(t *testing.T) {
	f := New(strings.NewReader(""), io.Discard, nil)
	if err := f.WriteFrame([]byte("a\nb")); !errors.Is(err, ErrEmbeddedNewline) {
		t.Fatalf("expected ErrEmbeddedNewline, got %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	closed := false
	f := New(strings.NewReader(""), io.Discard, func() error { closed = true; return nil })
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed {
		t.Fatal("closer not invoked")
	}
	if err := f.WriteFrame([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
