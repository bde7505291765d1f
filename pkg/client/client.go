// Package client is an FI protocol client.
//
// A Client wraps one connection. It answers the server's challenge with
// Authenticate, lists and subscribes to modules, and keeps a mirror scene
// per subscribed module up to date from the batches the server pushes.
// Dataset slices are fetched through a volume.Cache, so concurrent calls
// to FetchSlice for the same slice share one request.
//
// Replies carry no correlation ID. They are matched to requests in send
// order, per message type and, for module requests, per module and
// request ID.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/fisync/fisync/pkg/coalesce"
	"github.com/fisync/fisync/pkg/conn"
	"github.com/fisync/fisync/pkg/protocol"
	"github.com/fisync/fisync/pkg/scene"
	"github.com/fisync/fisync/pkg/volume"
)

// ErrClosed is returned by calls on a closed client and fails requests
// outstanding when the connection ends.
var ErrClosed = errors.New("client: connection closed")

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnOptions passes options to the underlying connection.
func WithConnOptions(opts ...conn.Option) Option {
	return func(c *Client) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// WithBatchHook registers fn to be called after each batch has been applied
// to the module's mirror. It runs on the read goroutine.
func WithBatchHook(fn func(*coalesce.Batch)) Option {
	return func(c *Client) {
		c.onBatch = fn
	}
}

// ModuleEntry is one item of a ModuleList reply.
type ModuleEntry struct {
	ID   string `json:"ID"`
	Name string `json:"Name"`
}

type fetchKey struct {
	dataID string
	addr   volume.SliceAddress
}

// Client is a connection to a fisync server.
type Client struct {
	logger   *slog.Logger
	connOpts []conn.Option
	onBatch  func(*coalesce.Batch)
	conn     *conn.Conn
	cache    *volume.Cache

	challenged chan struct{}
	challenge  sync.Once
	done       chan struct{}

	mu        sync.Mutex
	id        string
	waiters   map[string][]chan protocol.Message
	mirrors   map[string]*scene.Scene
	sequences map[string]uint64
	dataTypes map[string]string
	fetches   map[fetchKey]struct{}
	closed    bool
	err       error
}

// Dial connects to addr and starts the client. addr is host:port for TCP
// or a ws:// or wss:// URL for the WebSocket transport.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var rwc io.ReadWriteCloser
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		ws, err := conn.DialWebSocket(ctx, addr, nil)
		if err != nil {
			return nil, err
		}
		rwc = ws
	} else {
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", addr, err)
		}
		rwc = nc
	}
	return New(rwc, opts...), nil
}

// New starts a client on an established stream.
func New(rwc io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{
		logger:     slog.Default(),
		challenged: make(chan struct{}),
		done:       make(chan struct{}),
		waiters:    make(map[string][]chan protocol.Message),
		mirrors:    make(map[string]*scene.Scene),
		sequences:  make(map[string]uint64),
		dataTypes:  make(map[string]string),
		fetches:    make(map[fetchKey]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")
	c.conn = conn.New(rwc, append([]conn.Option{conn.WithLogger(c.logger)}, c.connOpts...)...)
	c.cache = volume.NewCache(volume.RequesterFunc(c.requestSlice), volume.WithLogger(c.logger))

	go func() {
		err := c.conn.Run(context.Background(), c.handle)
		c.shutdown(err)
	}()
	return c
}

// ID waits for the server's challenge and returns the client ID it carries.
func (c *Client) ID(ctx context.Context) (string, error) {
	select {
	case <-c.challenged:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.id, nil
	case <-c.done:
		return "", c.closeErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Authenticate answers the challenge with password. A rejected password is
// an AuthError; the connection stays open and may try again.
func (c *Client) Authenticate(ctx context.Context, password string) error {
	if _, err := c.ID(ctx); err != nil {
		return err
	}
	msg := protocol.NewMessage(protocol.TypeAuthentication).Set(protocol.KeyPassword, password)
	_, err := c.request(ctx, protocol.TypeAuthentication, msg)
	return err
}

// ListModules returns the modules the server offers.
func (c *Client) ListModules(ctx context.Context) ([]ModuleEntry, error) {
	reply, err := c.request(ctx, protocol.TypeModuleList, protocol.NewMessage(protocol.TypeModuleList))
	if err != nil {
		return nil, err
	}
	var mods []ModuleEntry
	if err := reply.Info.Decode(protocol.KeyModules, &mods); err != nil {
		return nil, protocol.Validationf("list modules", "%s: %v", protocol.KeyModules, err)
	}
	return mods, nil
}

// Subscribe subscribes to a module and returns its mirror once the snapshot
// has been applied. The mirror keeps changing as updates arrive.
func (c *Client) Subscribe(ctx context.Context, moduleID string) (*scene.Scene, error) {
	if _, err := c.moduleRequest(ctx, moduleID, protocol.RequestSubscribe, nil); err != nil {
		return nil, err
	}
	sc, _ := c.Scene(moduleID)
	return sc, nil
}

// Unsubscribe stops updates for a module. The mirror keeps its last state.
func (c *Client) Unsubscribe(ctx context.Context, moduleID string) error {
	_, err := c.moduleRequest(ctx, moduleID, protocol.RequestUnsubscribe, nil)
	return err
}

// GetScene fetches a one-off snapshot of a module into a new scene. It does
// not touch the mirror.
func (c *Client) GetScene(ctx context.Context, moduleID string) (*scene.Scene, error) {
	reply, err := c.moduleRequest(ctx, moduleID, protocol.RequestGetScene, nil)
	if err != nil {
		return nil, err
	}
	b, err := coalesce.ParseBatch(reply)
	if err != nil {
		return nil, err
	}
	sc := scene.New()
	if err := applyBatch(sc, b); err != nil {
		return nil, err
	}
	return sc, nil
}

// SetInteraction sets the value of a module interaction.
func (c *Client) SetInteraction(ctx context.Context, moduleID, interactionID string, v scene.Value) error {
	_, err := c.moduleRequest(ctx, moduleID, protocol.RequestSetInteraction, func(m protocol.Message) protocol.Message {
		m = m.Set(protocol.KeyInteractionID, interactionID)
		m.Info.SetRaw(protocol.KeyValue, scene.MarshalValue(v))
		return m
	})
	return err
}

// Trigger fires a Trigger interaction.
func (c *Client) Trigger(ctx context.Context, moduleID, interactionID string) error {
	_, err := c.moduleRequest(ctx, moduleID, protocol.RequestTriggerInteraction, func(m protocol.Message) protocol.Message {
		return m.Set(protocol.KeyInteractionID, interactionID)
	})
	return err
}

// SetTransform moves a visual, or one of its parts when partID is set.
func (c *Client) SetTransform(ctx context.Context, moduleID, visualID, partID string, t scene.Transform) error {
	_, err := c.moduleRequest(ctx, moduleID, protocol.RequestSetTransform, func(m protocol.Message) protocol.Message {
		m = m.Set(protocol.KeyVisualID, visualID).Set(protocol.KeyTransform, t)
		if partID != "" {
			m = m.Set(protocol.KeyPartID, partID)
		}
		return m
	})
	return err
}

// Scene returns the mirror of a subscribed module.
func (c *Client) Scene(moduleID string) (*scene.Scene, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc, ok := c.mirrors[moduleID]
	return sc, ok
}

// Cache returns the slice cache.
func (c *Client) Cache() *volume.Cache { return c.cache }

// FetchSlice returns the volume holding addr of dataID once that slice is
// present, requesting it if needed. dataType is Image or Study.
func (c *Client) FetchSlice(ctx context.Context, dataType, dataID string, addr volume.SliceAddress) (*volume.PartialVolume, error) {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return nil, c.closeErrLocked()
	}
	c.dataTypes[dataID] = dataType
	c.mu.Unlock()

	f, err := c.cache.EnsureSlice(dataID, addr)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open or after a
// clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and fails outstanding requests.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErrLocked()
}

func (c *Client) closeErrLocked() error {
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

func (c *Client) requestSlice(dataID string, addr volume.SliceAddress) error {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.closeErrLocked()
	}
	dataType := c.dataTypes[dataID]
	c.fetches[fetchKey{dataID: dataID, addr: addr}] = struct{}{}
	c.mu.Unlock()
	if dataType == "" {
		dataType = protocol.DataTypeImage
	}
	err := c.conn.Send(volume.Request{DataType: dataType, DataID: dataID, Address: addr}.Message())
	if err != nil {
		c.mu.Lock()
		delete(c.fetches, fetchKey{dataID: dataID, addr: addr})
		c.mu.Unlock()
	}
	return err
}

func moduleKey(moduleID, requestID string) string {
	return protocol.TypeModule + "/" + moduleID + "/" + requestID
}

func (c *Client) moduleRequest(ctx context.Context, moduleID, requestID string, fill func(protocol.Message) protocol.Message) (protocol.Message, error) {
	msg := protocol.NewMessage(protocol.TypeModule).
		Set(protocol.KeyModuleID, moduleID).
		Set(protocol.KeyRequestID, requestID)
	if fill != nil {
		msg = fill(msg)
	}
	return c.request(ctx, moduleKey(moduleID, requestID), msg)
}

// request sends msg and waits for the next reply filed under key. An ERROR
// reply is returned as its *protocol.Error.
func (c *Client) request(ctx context.Context, key string, msg protocol.Message) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return protocol.Message{}, c.closeErrLocked()
	}
	c.waiters[key] = append(c.waiters[key], ch)
	c.mu.Unlock()

	if err := c.conn.Send(msg); err != nil {
		c.dropWaiter(key, ch)
		return protocol.Message{}, err
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return protocol.Message{}, c.closeErr()
		}
		if err := protocol.ReplyError(reply); err != nil {
			return reply, err
		}
		return reply, nil
	case <-ctx.Done():
		c.dropWaiter(key, ch)
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Client) dropWaiter(key string, ch chan protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[key]
	for i, w := range list {
		if w == ch {
			c.waiters[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}

// deliver hands msg to the oldest waiter filed under key.
func (c *Client) deliver(key string, msg protocol.Message) bool {
	c.mu.Lock()
	list := c.waiters[key]
	if len(list) == 0 {
		c.mu.Unlock()
		return false
	}
	ch := list[0]
	if len(list) == 1 {
		delete(c.waiters, key)
	} else {
		c.waiters[key] = list[1:]
	}
	c.mu.Unlock()
	ch <- msg
	return true
}

// shutdown runs once the read loop has returned.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	c.closed = true
	if err != nil && !errors.Is(err, conn.ErrClosed) {
		c.err = err
	}
	waiters := c.waiters
	c.waiters = make(map[string][]chan protocol.Message)
	fetches := c.fetches
	c.fetches = make(map[fetchKey]struct{})
	dataIDs := make([]string, 0, len(c.dataTypes))
	for id := range c.dataTypes {
		dataIDs = append(dataIDs, id)
	}
	c.mu.Unlock()

	for _, list := range waiters {
		for _, ch := range list {
			close(ch)
		}
	}
	for key := range fetches {
		c.cache.OnSliceFailed(key.dataID, key.addr, ErrClosed)
	}
	for _, id := range dataIDs {
		c.cache.Invalidate(id)
	}
	c.logger.Debug("connection ended", "error", err, "abandoned_fetches", len(fetches))
	close(c.done)
}
