// Package conn wraps a byte stream (a TCP connection or a WebSocket) into a
// message-oriented connection.
//
// Reads are fed to a protocol.Decoder by a single read loop. Writes go
// through a bounded outbound queue drained by a single writer goroutine, so
// broadcasters never block on a slow peer: when the queue is full the
// connection is closed with ErrSlowConsumer.
package conn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/fisync/fisync/pkg/protocol"
)

// Connection errors.
var (
	ErrClosed       = errors.New("conn: connection closed")
	ErrSlowConsumer = errors.New("conn: outbound queue full")
)

// DefaultQueueSize is the default outbound queue depth in messages.
const DefaultQueueSize = 256

const readBufferSize = 32 * 1024

// Handler is called once per decoded message, on the read goroutine.
type Handler func(protocol.Message)

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithQueueSize sets the outbound queue depth.
func WithQueueSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithLimits sets the decoder limits.
func WithLimits(limits protocol.Limits) Option {
	return func(c *Conn) {
		c.limits = limits
	}
}

// WithDecodeErrorHook registers a callback for dropped inbound messages.
func WithDecodeErrorHook(fn func(error)) Option {
	return func(c *Conn) {
		c.onDecodeError = fn
	}
}

// WithPanicHook registers a callback for recovered handler panics.
func WithPanicHook(fn func(any)) Option {
	return func(c *Conn) {
		c.onPanic = fn
	}
}

// Conn is one framed connection.
type Conn struct {
	rwc    io.ReadWriteCloser
	logger *slog.Logger
	limits protocol.Limits

	queueSize int
	queue     chan []byte

	writeMu sync.Mutex // serializes writes to rwc

	authenticated atomic.Bool

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	onDecodeError func(error)
	onPanic       func(any)

	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	messagesIn   atomic.Uint64
	messagesOut  atomic.Uint64
	decodeErrors atomic.Uint64
	panics       atomic.Uint64
}

// New wraps rwc. Run must be called to start reading and writing.
func New(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rwc:       rwc,
		logger:    slog.Default(),
		limits:    protocol.DefaultLimits(),
		queueSize: DefaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = make(chan []byte, c.queueSize)
	return c
}

// RemoteAddr returns the peer address, or "" when the stream has none.
func (c *Conn) RemoteAddr() string {
	if ra, ok := c.rwc.(interface{ RemoteAddr() net.Addr }); ok && ra.RemoteAddr() != nil {
		return ra.RemoteAddr().String()
	}
	return ""
}

// Run starts the writer and reads until the stream fails, the connection is
// closed or ctx is done. It returns nil on a clean end of stream.
func (c *Conn) Run(ctx context.Context, handler Handler) error {
	go c.writeLoop()

	stop := context.AfterFunc(ctx, func() {
		c.closeWithError(ctx.Err())
	})
	defer stop()

	dec := protocol.NewDecoder(c.limits)
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			c.bytesIn.Add(uint64(n))
			msgs, errs := dec.Feed(buf[:n])
			for _, derr := range errs {
				c.decodeErrors.Add(1)
				c.logger.Warn("dropping inbound message", "error", derr)
				if c.onDecodeError != nil {
					c.onDecodeError(derr)
				}
			}
			for _, msg := range msgs {
				c.messagesIn.Add(1)
				c.dispatch(handler, msg)
			}
		}
		if err != nil {
			if c.closed.Load() {
				return c.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return nil
			}
			c.closeWithError(err)
			return err
		}
	}
}

// dispatch invokes handler with panic recovery.
func (c *Conn) dispatch(handler Handler, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.logger.Error("handler panic",
				"panic", r,
				"message_type", msg.Type(),
				"stack", string(debug.Stack()))
			if c.onPanic != nil {
				c.onPanic(r)
			}
		}
	}()
	handler(msg)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				c.closeWithError(err)
				return
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rwc.Write(data); err != nil {
		return err
	}
	c.bytesOut.Add(uint64(len(data)))
	c.messagesOut.Add(1)
	return nil
}

// Send encodes msg and queues it for the writer. A full queue closes the
// connection and returns ErrSlowConsumer.
func (c *Conn) Send(msg protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.queue <- data:
		return nil
	default:
		c.logger.Warn("dropping slow consumer",
			"queue_size", c.queueSize,
			"pending", len(c.queue),
			"message_size", humanize.Bytes(uint64(len(data))))
		c.closeWithError(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

// SendSync encodes msg and writes it immediately, bypassing the queue.
func (c *Conn) SendSync(msg protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.write(data); err != nil {
		c.closeWithError(err)
		return err
	}
	return nil
}

// Authenticated reports whether the peer passed the handshake.
func (c *Conn) Authenticated() bool {
	return c.authenticated.Load()
}

// SetAuthenticated marks the peer as authenticated.
func (c *Conn) SetAuthenticated(v bool) {
	c.authenticated.Store(v)
}

// Done returns a channel that is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// IsClosed reports whether the connection is closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Err returns the reason the connection closed, nil for a clean close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		c.closed.Store(true)
		close(c.done)
		_ = c.rwc.Close()

		c.logger.Debug("connection closed",
			"reason", err,
			"bytes_in", humanize.Bytes(c.bytesIn.Load()),
			"bytes_out", humanize.Bytes(c.bytesOut.Load()),
			"messages_in", c.messagesIn.Load(),
			"messages_out", c.messagesOut.Load())
	})
}

// Stats contains connection counters.
type Stats struct {
	BytesIn      uint64
	BytesOut     uint64
	MessagesIn   uint64
	MessagesOut  uint64
	DecodeErrors uint64
	Panics       uint64
	QueueDepth   int
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	return Stats{
		BytesIn:      c.bytesIn.Load(),
		BytesOut:     c.bytesOut.Load(),
		MessagesIn:   c.messagesIn.Load(),
		MessagesOut:  c.messagesOut.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		Panics:       c.panics.Load(),
		QueueDepth:   len(c.queue),
	}
}
