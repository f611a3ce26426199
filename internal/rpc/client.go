package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hushtype/hush-core/internal/protocol"
	"github.com/hushtype/hush-core/internal/transport"
)

var (
	// ErrTimeout is returned when a call's deadline passes with no response.
	ErrTimeout = errors.New("call timed out")
	// ErrClosed is returned for calls issued against a torn-down channel.
	ErrClosed = errors.New("rpc client closed")
)

// Caller is the request/response surface consumed by the controllers.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// Config holds the two timeout classes. Short methods get exactly one
// silent retry on timeout; long methods treat a timeout as fatal.
type Config struct {
	ShortTimeout time.Duration
	LongTimeout  time.Duration
}

type outcome struct {
	resp protocol.Response
	err  error
}

// pendingCall is one in-flight request, removed on matching response or
// final timeout.
type pendingCall struct {
	id       string
	method   string
	issued   time.Time
	deadline time.Time
	retries  int
	done     chan outcome
}

// Client turns the framed transport into typed request/response and
// notification semantics. The read loop and the request-issuing path run
// concurrently; the pending table is shared between them under the mutex.
type Client struct {
	framer *transport.Framer
	cfg    Config
	log    *slog.Logger
	newID  func() string

	notify func(protocol.Notification)
	onDown func(error)

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	downOnce sync.Once
	wg       sync.WaitGroup
}

func NewClient(framer *transport.Framer, cfg Config, log *slog.Logger) *Client {
	if cfg.ShortTimeout <= 0 {
		cfg.ShortTimeout = 3 * time.Second
	}
	if cfg.LongTimeout <= 0 {
		cfg.LongTimeout = 90 * time.Second
	}
	return &Client{
		framer:  framer,
		cfg:     cfg,
		log:     log.With(slog.String("component", "rpc")),
		newID:   uuid.NewString,
		pending: make(map[string]*pendingCall),
		notify:  func(protocol.Notification) {},
		onDown:  func(error) {},
	}
}

// OnNotification registers the handler for unsolicited pushes. The handler
// runs on the read loop goroutine, so delivery order matches wire order.
// Must be set before Start.
func (c *Client) OnNotification(h func(protocol.Notification)) {
	c.notify = h
}

// OnChannelDown registers the callback fired once when the inbound stream
// fails. Must be set before Start.
func (c *Client) OnChannelDown(h func(error)) {
	c.onDown = h
}

// Start launches the read loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.readLoop()
}

// Call issues a request and blocks until a response, the method's timeout,
// or ctx cancellation. A short method timing out is retried exactly once
// with a fresh id before ErrTimeout is surfaced; a long method's timeout is
// final. A *protocol.WorkerError response is returned as the error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	raw, err := c.attempt(ctx, method, params, 0)
	if errors.Is(err, ErrTimeout) && !protocol.LongRunning(method) {
		c.log.Debug("retrying call after timeout", slog.String("method", method))
		raw, err = c.attempt(ctx, method, params, 1)
	}
	if err != nil {
		return err
	}
	if result != nil && raw != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method string, params any, retries int) (json.RawMessage, error) {
	var encoded json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		encoded = data
	}

	timeout := c.cfg.ShortTimeout
	if protocol.LongRunning(method) {
		timeout = c.cfg.LongTimeout
	}

	call := &pendingCall{
		id:       c.newID(),
		method:   method,
		issued:   time.Now(),
		deadline: time.Now().Add(timeout),
		retries:  retries,
		done:     make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[call.id] = call
	c.mu.Unlock()

	req := protocol.Request{ID: call.id, Method: method, Params: encoded}
	frame, err := json.Marshal(req)
	if err != nil {
		c.remove(call.id)
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := c.framer.WriteFrame(frame); err != nil {
		c.remove(call.id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-call.done:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Error != nil {
			return nil, out.resp.Error
		}
		return out.resp.Result, nil
	case <-timer.C:
		// Remove first so a late response for this id is dropped rather
		// than delivered to a caller that already gave up.
		c.remove(call.id)
		c.log.Warn("call timed out",
			slog.String("method", method),
			slog.Int("retries", call.retries),
			slog.Duration("after", time.Since(call.issued)))
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		c.remove(call.id)
		return nil, ctx.Err()
	}
}

// Close tears the channel down and fails every pending call with ErrClosed.
// The channel-down callback does not fire for a deliberate close.
func (c *Client) Close() {
	c.downOnce.Do(func() {})
	c.shutdown(ErrClosed)
	c.wg.Wait()
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			cause := fmt.Errorf("worker channel failed: %w", err)
			c.shutdown(cause)
			c.downOnce.Do(func() { c.onDown(cause) })
			return
		}
		if len(frame) == 0 {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			// A malformed line means the stream can no longer be trusted.
			cause := fmt.Errorf("malformed frame: %w", err)
			c.shutdown(cause)
			c.downOnce.Do(func() { c.onDown(cause) })
			return
		}

		switch {
		case env.IsResponse():
			c.deliver(protocol.Response{ID: env.ID, Result: env.Result, Error: env.Error})
		case env.IsNotification():
			c.notify(protocol.Notification{Method: env.Method, Params: env.Params})
		default:
			c.log.Warn("dropping frame with neither id nor method")
		}
	}
}

func (c *Client) deliver(resp protocol.Response) {
	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Duplicate or post-timeout response; dropping it here is what
		// protects callers from double completion.
		c.log.Debug("dropping response with no pending call", slog.String("id", resp.ID))
		return
	}
	call.done <- outcome{resp: resp}
}

func (c *Client) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	orphans := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		orphans = append(orphans, call)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	_ = c.framer.Close()
	for _, call := range orphans {
		call.done <- outcome{err: cause}
	}
}
