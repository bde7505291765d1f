// Package coalesce batches scene updates per module into a bounded-rate
// stream.
//
// Mutations mark keys dirty; equal keys merge, so a value that changes many
// times between ticks is sent once. On every tick the Coalescer re-reads the
// live value of each pending key through a Resolver, builds one Batch and
// sends it to every subscriber. No value history is kept.
package coalesce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fisync/fisync/pkg/protocol"
)

// DefaultInterval is the default flush interval.
const DefaultInterval = 60 * time.Millisecond

const tracerName = "github.com/fisync/fisync/pkg/coalesce"

// ErrClosed is returned when subscribing to a closed Coalescer.
var ErrClosed = errors.New("coalesce: closed")

// Sender delivers one message to a subscriber. Send must not block.
type Sender interface {
	Send(protocol.Message) error
}

// Resolver reads live values for the Coalescer.
type Resolver interface {
	// Snapshot adds a Full entry for every current visual and interaction
	// and returns the items it announced.
	Snapshot(b *Batch) []Item

	// Resolve adds the current value of key to b, encoded with the key's
	// update kind. It returns the items the entry announced, or false when
	// the item no longer exists.
	Resolve(b *Batch, key Key, constraint bool) ([]Item, bool)

	// Removed adds the removal entry of item to b.
	Removed(b *Batch, item Item)
}

// FlushInfo describes one completed flush.
type FlushInfo struct {
	ModuleID    string
	Entries     int
	Subscribers int
	Duration    time.Duration
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithInterval sets the flush interval.
func WithInterval(d time.Duration) Option {
	return func(c *Coalescer) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coalescer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFlushHook registers a callback invoked after every non-empty flush.
func WithFlushHook(fn func(FlushInfo)) Option {
	return func(c *Coalescer) {
		c.onFlush = fn
	}
}

// WithTracer sets the tracer used for flush spans. The default is the
// global provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coalescer) {
		if t != nil {
			c.tracer = t
		}
	}
}

type pendingEntry struct {
	constraint bool
}

// Coalescer is the update broadcaster of one module.
type Coalescer struct {
	moduleID string
	resolver Resolver
	interval time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	onFlush  func(FlushInfo)

	mu          sync.Mutex
	subscribers map[string]Sender
	subOrder    []string
	pending     map[Key]*pendingEntry
	order       []Key
	announced   map[Item]struct{}
	sequence    uint64
	closed      bool

	stopTicker chan struct{}
	tickerDone chan struct{}

	stats Stats
}

// Stats contains coalescer counters.
type Stats struct {
	Flushes     uint64
	EntriesSent uint64
	Marks       uint64
	MarksMerged uint64
	Removed     uint64
	Ignored     uint64
	Subscribers int
	Pending     int
}

// New creates a Coalescer for a module.
func New(moduleID string, resolver Resolver, opts ...Option) *Coalescer {
	c := &Coalescer{
		moduleID:    moduleID,
		resolver:    resolver,
		interval:    DefaultInterval,
		logger:      slog.Default(),
		subscribers: make(map[string]Sender),
		pending:     make(map[Key]*pendingEntry),
		announced:   make(map[Item]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	c.logger = c.logger.With("component", "coalescer", "module_id", moduleID)
	return c
}

// Subscribe adds a subscriber and sends it a full snapshot. The first
// subscriber clears pending updates and starts the ticker. Subscribing an
// existing client replaces its sender and sends a fresh snapshot.
//
// The snapshot is sent before the lock is released, so no batch reaches the
// new subscriber ahead of it.
func (c *Coalescer) Subscribe(clientID string, s Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, exists := c.subscribers[clientID]; !exists {
		c.subOrder = append(c.subOrder, clientID)
	}
	c.subscribers[clientID] = s
	if len(c.subscribers) == 1 {
		c.pending = make(map[Key]*pendingEntry)
		c.order = nil
		c.announced = make(map[Item]struct{})
		c.startTickerLocked()
	}

	b := NewBatch(c.moduleID, true)
	for _, item := range c.resolver.Snapshot(b) {
		c.announced[item] = struct{}{}
	}
	b.Sequence = c.sequence

	if err := s.Send(b.Message()); err != nil {
		c.removeLocked(clientID)
		return err
	}
	c.logger.Debug("subscriber added", "client_id", clientID, "entries", b.Len())
	return nil
}

// Unsubscribe removes a subscriber. The last one stops the ticker. Unknown
// clients are ignored.
func (c *Coalescer) Unsubscribe(clientID string) {
	c.mu.Lock()
	removed := c.removeLocked(clientID)
	c.mu.Unlock()

	if removed {
		c.logger.Debug("subscriber removed", "client_id", clientID)
	}
}

func (c *Coalescer) removeLocked(clientID string) bool {
	if _, ok := c.subscribers[clientID]; !ok {
		return false
	}
	delete(c.subscribers, clientID)
	for i, id := range c.subOrder {
		if id == clientID {
			c.subOrder = append(c.subOrder[:i:i], c.subOrder[i+1:]...)
			break
		}
	}
	if len(c.subscribers) == 0 {
		// Not waiting: the ticker goroutine may be the caller.
		c.stopTickerLocked()
	}
	return true
}

// IsSubscribed reports whether clientID is subscribed.
func (c *Coalescer) IsSubscribed(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribers[clientID]
	return ok
}

// Subscribers returns the subscribed client IDs in subscription order.
func (c *Coalescer) Subscribers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subOrder...)
}

// Running reports whether the ticker is running.
func (c *Coalescer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopTicker != nil
}

// MarkDirty records a pending update. An equal pending key is merged and the
// constraint flag is OR-ed in. Without subscribers it does nothing.
func (c *Coalescer) MarkDirty(key Key, constraint bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscribers) == 0 {
		return
	}
	c.stats.Marks++
	if e, ok := c.pending[key]; ok {
		e.constraint = e.constraint || constraint
		c.stats.MarksMerged++
		return
	}
	c.pending[key] = &pendingEntry{constraint: constraint}
	c.order = append(c.order, key)
}

// Flush sends one batch with the current value of every pending key to all
// subscribers and clears the pending set. It returns the number of entries
// sent.
func (c *Coalescer) Flush() int {
	c.mu.Lock()
	if len(c.order) == 0 {
		c.mu.Unlock()
		return 0
	}

	start := time.Now()
	_, span := c.tracer.Start(context.Background(), "coalesce.Flush",
		trace.WithAttributes(
			attribute.String("fisync.module_id", c.moduleID),
			attribute.Int("fisync.pending", len(c.order)),
		))
	defer span.End()

	order, pending := c.order, c.pending
	c.order = nil
	c.pending = make(map[Key]*pendingEntry)

	b := NewBatch(c.moduleID, false)
	removed := make(map[Item]struct{})
	for _, key := range order {
		items, ok := c.resolver.Resolve(b, key, pending[key].constraint)
		if ok {
			for _, item := range items {
				c.announced[item] = struct{}{}
			}
			continue
		}
		item := key.Item()
		if _, done := removed[item]; done {
			continue
		}
		if _, seen := c.announced[item]; !seen {
			c.stats.Ignored++
			continue
		}
		c.resolver.Removed(b, item)
		removed[item] = struct{}{}
		c.forgetLocked(item)
		c.stats.Removed++
	}

	if b.Len() == 0 {
		c.mu.Unlock()
		span.SetAttributes(attribute.Int("fisync.entries", 0))
		return 0
	}

	c.sequence++
	b.Sequence = c.sequence
	c.stats.Flushes++
	c.stats.EntriesSent += uint64(b.Len())

	// Sends happen under the lock so batches and snapshots reach every
	// subscriber in sequence order. Send never blocks.
	msg := b.Message()
	subscribers := len(c.subOrder)
	for _, id := range c.subOrder {
		if err := c.subscribers[id].Send(msg); err != nil {
			c.logger.Warn("batch send failed", "client_id", id, "error", err)
		}
	}
	c.mu.Unlock()

	span.SetAttributes(
		attribute.Int("fisync.entries", b.Len()),
		attribute.Int("fisync.subscribers", subscribers),
	)
	if c.onFlush != nil {
		c.onFlush(FlushInfo{
			ModuleID:    c.moduleID,
			Entries:     b.Len(),
			Subscribers: subscribers,
			Duration:    time.Since(start),
		})
	}
	return b.Len()
}

// forgetLocked drops item, and the parts of a removed visual, from the
// announced set.
func (c *Coalescer) forgetLocked(item Item) {
	delete(c.announced, item)
	if item.Scope != ScopeObject {
		return
	}
	for a := range c.announced {
		if a.Scope == ScopePart && a.ID == item.ID {
			delete(c.announced, a)
		}
	}
}

// Close stops the ticker and drops all subscribers.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.subscribers = make(map[string]Sender)
	c.subOrder = nil
	c.pending = make(map[Key]*pendingEntry)
	c.order = nil
	wait := c.stopTickerLocked()
	c.mu.Unlock()

	if wait != nil {
		<-wait
	}
}

// Stats returns a snapshot of the counters.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Subscribers = len(c.subscribers)
	s.Pending = len(c.order)
	return s
}

func (c *Coalescer) startTickerLocked() {
	if c.stopTicker != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stopTicker = stop
	c.tickerDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Flush()
			}
		}
	}()
	c.logger.Debug("ticker started", "interval", c.interval)
}

// stopTickerLocked signals the ticker to stop and returns a channel that is
// closed once it has. The caller must wait after releasing the lock.
func (c *Coalescer) stopTickerLocked() chan struct{} {
	if c.stopTicker == nil {
		return nil
	}
	close(c.stopTicker)
	done := c.tickerDone
	c.stopTicker = nil
	c.tickerDone = nil
	c.logger.Debug("ticker stopped")
	return done
}
