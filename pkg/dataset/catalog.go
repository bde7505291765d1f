package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/fisync/fisync/pkg/protocol"
)

// Source loads datasets by ID. It returns ErrNotFound for unknown IDs.
type Source interface {
	Load(ctx context.Context, id string) (*Dataset, error)
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithSource appends a source to the lookup chain.
func WithSource(s Source) CatalogOption {
	return func(c *Catalog) {
		c.sources = append(c.sources, s)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Catalog maps dataset IDs to loaded datasets.
type Catalog struct {
	sources []Source
	logger  *slog.Logger

	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// NewCatalog creates a catalog.
func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		logger:   slog.Default(),
		datasets: make(map[string]*Dataset),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "dataset_catalog")
	return c
}

// Add registers d, replacing any dataset with the same ID.
func (c *Catalog) Add(d *Dataset) {
	c.mu.Lock()
	c.datasets[d.ID()] = d
	c.mu.Unlock()
}

// Remove forgets id; the next Get reloads it from the sources.
func (c *Catalog) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.datasets[id]
	delete(c.datasets, id)
	return ok
}

// Get returns the dataset for id, loading it from the sources on a miss.
// An ID no source knows is a NotFoundError.
func (c *Catalog) Get(ctx context.Context, id string) (*Dataset, error) {
	c.mu.RLock()
	d, ok := c.datasets[id]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}

	for _, s := range c.sources {
		d, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: load %q: %w", id, err)
		}
		if d.ID() != id {
			return nil, fmt.Errorf("dataset: load %q: source returned %q", id, d.ID())
		}
		c.mu.Lock()
		if existing, ok := c.datasets[id]; ok {
			d = existing
		} else {
			c.datasets[id] = d
		}
		c.mu.Unlock()
		c.logger.Info("dataset loaded",
			"data_id", id,
			"type", d.Type(),
			"dimensions", d.Meta().Dimensions,
			"size", humanize.Bytes(uint64(d.Bytes())))
		return d, nil
	}
	return nil, protocol.NotFoundf("load dataset", "unknown dataset %q", id)
}

// IDs returns the IDs of the loaded datasets, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.datasets))
	for id := range c.datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of loaded datasets.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.datasets)
}

// MemorySource serves datasets held in memory.
type MemorySource struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// NewMemorySource creates a source holding ds.
func NewMemorySource(ds ...*Dataset) *MemorySource {
	m := &MemorySource{datasets: make(map[string]*Dataset, len(ds))}
	for _, d := range ds {
		m.datasets[d.ID()] = d
	}
	return m
}

// Put stores d.
func (m *MemorySource) Put(d *Dataset) {
	m.mu.Lock()
	m.datasets[d.ID()] = d
	m.mu.Unlock()
}

// Load implements Source.
func (m *MemorySource) Load(_ context.Context, id string) (*Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.datasets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}
