package volume

import (
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/fisync/fisync/pkg/protocol"
)

// Requester sends the fetch for a missing slice. It is called without the
// cache lock held and must not block on the response.
type Requester interface {
	RequestSlice(dataID string, addr SliceAddress) error
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(dataID string, addr SliceAddress) error

// RequestSlice calls f.
func (f RequesterFunc) RequestSlice(dataID string, addr SliceAddress) error {
	return f(dataID, addr)
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxVoxels bounds the size of one cached dataset, all series included.
// Responses describing a larger dataset are rejected. The default is
// DefaultMaxVoxels.
func WithMaxVoxels(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxVoxels = n
		}
	}
}

// Entry is the cached state of one dataset.
type Entry struct {
	Meta Meta
	// Series holds one volume per series.
	Series []*PartialVolume
}

type sliceKey struct {
	dataID string
	addr   SliceAddress
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries  int
	InFlight int
	Hits     uint64
	Misses   uint64
	Joins    uint64
	Arrivals uint64
	Replaced uint64
	Bytes    uint64
}

// Cache holds partially fetched datasets and deduplicates slice fetches.
//
// One mutex guards both the entry map and the in-flight table, so a slice is
// never requested twice while a fetch for it is outstanding and no waiter is
// lost between registration and arrival.
type Cache struct {
	requester Requester
	logger    *slog.Logger
	maxVoxels int

	mu       sync.Mutex
	entries  map[string]*Entry
	inflight map[sliceKey]*Future[*PartialVolume]
	stats    Stats
}

// NewCache creates a cache that fetches misses through r.
func NewCache(r Requester, opts ...Option) *Cache {
	c := &Cache{
		requester: r,
		logger:    slog.Default(),
		maxVoxels: DefaultMaxVoxels,
		entries:   make(map[string]*Entry),
		inflight:  make(map[sliceKey]*Future[*PartialVolume]),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "volume_cache")
	return c
}

// EnsureSlice returns a future for the volume holding addr. A present slice
// yields a resolved future. A slice already being fetched yields the
// outstanding future. Otherwise a fetch is requested; if the request fails
// the future is failed, unregistered, and the error returned.
func (c *Cache) EnsureSlice(dataID string, addr SliceAddress) (*Future[*PartialVolume], error) {
	key := sliceKey{dataID: dataID, addr: addr}

	c.mu.Lock()
	if vol, ok := c.presentLocked(key); ok {
		c.stats.Hits++
		c.mu.Unlock()
		return ResolvedFuture(vol), nil
	}
	if f, ok := c.inflight[key]; ok {
		c.stats.Joins++
		c.mu.Unlock()
		return f, nil
	}
	f := NewFuture[*PartialVolume]()
	c.inflight[key] = f
	c.stats.Misses++
	c.mu.Unlock()

	if err := c.requester.RequestSlice(dataID, addr); err != nil {
		c.mu.Lock()
		if c.inflight[key] == f {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
		f.Fail(err)
		c.logger.Warn("slice request failed", "data_id", dataID, "slice", addr.String(), "error", err)
		return nil, err
	}
	return f, nil
}

func (c *Cache) presentLocked(key sliceKey) (*PartialVolume, bool) {
	e, ok := c.entries[key.dataID]
	if !ok || key.addr.Series < 0 || key.addr.Series >= len(e.Series) {
		return nil, false
	}
	vol := e.Series[key.addr.Series]
	return vol, vol.Has(key.addr.Orientation, key.addr.Slice)
}

// OnSliceArrived stores one slice from a data response. payload holds
// little-endian float32 values in [0,1]; they are scaled to the display
// range once here. The dataset entry is allocated from meta on first
// arrival and replaced when meta describes a different shape. Presence is
// recorded only for cacheable responses. The outstanding future for addr,
// if any, is resolved.
func (c *Cache) OnSliceArrived(dataID string, meta Meta, addr SliceAddress, payload []byte) error {
	const op = "slice arrived"
	if err := meta.ValidateSize(c.maxVoxels); err != nil {
		return err
	}
	if err := meta.CheckAddress(addr); err != nil {
		return err
	}
	cells := SliceCells(meta.Dimensions, addr.Orientation)
	if len(payload) != 4*cells {
		return protocol.Validationf(op, "payload is %d bytes, %v slice of %v needs %d",
			len(payload), addr.Orientation, meta.Dimensions, 4*cells)
	}
	wire, err := DecodeFloats(payload)
	if err != nil {
		return err
	}

	var fresh *Entry
	if !c.hasShape(dataID, meta) {
		fresh = newEntry(meta)
	}
	vol, f, err := c.store(dataID, meta, addr, wire, fresh)
	if err != nil {
		return err
	}

	c.logger.Debug("slice arrived",
		"data_id", dataID,
		"slice", addr.String(),
		"size", humanize.Bytes(uint64(len(payload))),
		"cacheable", meta.Cacheable,
		"waiter", f != nil)
	if f != nil {
		f.Resolve(vol)
	}
	return nil
}

func newEntry(meta Meta) *Entry {
	e := &Entry{Meta: meta, Series: make([]*PartialVolume, meta.SeriesCount)}
	for i := range e.Series {
		e.Series[i] = NewPartialVolume(meta.Dimensions, meta.Spacing)
	}
	return e
}

// hasShape reports whether the entry for dataID exists with meta's shape.
func (c *Cache) hasShape(dataID string, meta Meta) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[dataID]
	return ok && e.Meta.sameShape(meta)
}

// store writes one slice and pops its waiter. fresh was allocated outside
// the lock for a missing or reshaped entry; a concurrent arrival may have
// installed the entry first, in which case fresh is dropped.
func (c *Cache) store(dataID string, meta Meta, addr SliceAddress, wire []float32, fresh *Entry) (*PartialVolume, *Future[*PartialVolume], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[dataID]
	if ok && !e.Meta.sameShape(meta) {
		c.stats.Replaced++
		c.logger.Info("dataset shape changed, replacing entry",
			"data_id", dataID,
			"old_dimensions", e.Meta.Dimensions,
			"new_dimensions", meta.Dimensions)
		ok = false
	}
	if !ok {
		if fresh == nil {
			fresh = newEntry(meta)
		}
		e = fresh
		c.entries[dataID] = e
	}
	vol := e.Series[addr.Series]
	if err := vol.writeSlice(addr.Orientation, addr.Slice, wire, meta.Cacheable); err != nil {
		return nil, nil, err
	}
	key := sliceKey{dataID: dataID, addr: addr}
	f := c.inflight[key]
	delete(c.inflight, key)
	c.stats.Arrivals++
	c.stats.Bytes += uint64(4 * len(wire))
	return vol, f, nil
}

// OnSliceFailed fails and unregisters the outstanding fetch for addr, for
// example when the server answered with an ERROR reply. It reports whether
// a fetch was outstanding.
func (c *Cache) OnSliceFailed(dataID string, addr SliceAddress, err error) bool {
	key := sliceKey{dataID: dataID, addr: addr}
	c.mu.Lock()
	f, ok := c.inflight[key]
	delete(c.inflight, key)
	c.mu.Unlock()
	if ok {
		f.Fail(err)
	}
	return ok
}

// Invalidate drops the entry for dataID and forgets its outstanding fetches.
// Waiters on those fetches are never resolved.
func (c *Cache) Invalidate(dataID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, dataID)
	for key := range c.inflight {
		if key.dataID == dataID {
			delete(c.inflight, key)
		}
	}
}

// Get returns the entry for dataID.
func (c *Cache) Get(dataID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[dataID]
	if !ok {
		return Entry{}, false
	}
	return Entry{Meta: e.Meta, Series: append([]*PartialVolume(nil), e.Series...)}, true
}

// Has reports whether addr of dataID is present.
func (c *Cache) Has(dataID string, addr SliceAddress) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.presentLocked(sliceKey{dataID: dataID, addr: addr})
	return ok
}

// InFlight returns the number of outstanding fetches.
func (c *Cache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.InFlight = len(c.inflight)
	return s
}
