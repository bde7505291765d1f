// Package dataset serves the volumetric images and studies referenced by
// scene Image visuals.
//
// A Dataset holds one or more series of scalars in x-fastest order. The
// Catalog resolves dataset IDs, loading them on first use from a chain of
// Sources: memory, a directory of manifests and raw files, or an object
// store reached through the AWS SDK or the MinIO client.
package dataset

import (
	"errors"
	"fmt"

	"github.com/fisync/fisync/pkg/protocol"
	"github.com/fisync/fisync/pkg/volume"
)

// ErrNotFound is returned by sources that do not hold a dataset.
var ErrNotFound = errors.New("dataset: not found")

// Manifest describes a stored dataset.
type Manifest struct {
	ID         string     `json:"id" yaml:"id"`
	Type       string     `json:"type" yaml:"type"`
	Dimensions [3]int     `json:"dimensions" yaml:"dimensions"`
	Spacing    [3]float64 `json:"spacing" yaml:"spacing"`
	Series     int        `json:"series,omitempty" yaml:"series,omitempty"`
	Format     string     `json:"format,omitempty" yaml:"format,omitempty"`
	// Volatile datasets are served with Cacheable=false.
	Volatile bool `json:"volatile,omitempty" yaml:"volatile,omitempty"`
	// Window fixes the normalization range; by default the data range is used.
	Window *[2]float32 `json:"window,omitempty" yaml:"window,omitempty"`
}

func (m *Manifest) normalize() error {
	if m.ID == "" {
		return fmt.Errorf("dataset: manifest has no id")
	}
	if m.Series == 0 {
		m.Series = 1
	}
	if m.Type == "" {
		m.Type = protocol.DataTypeImage
		if m.Series > 1 {
			m.Type = protocol.DataTypeStudy
		}
	}
	if m.Format == "" {
		m.Format = protocol.DataFormatFloat32
	}
	switch {
	case m.Type != protocol.DataTypeImage && m.Type != protocol.DataTypeStudy:
		return fmt.Errorf("dataset %q: unknown type %q", m.ID, m.Type)
	case m.Type == protocol.DataTypeImage && m.Series != 1:
		return fmt.Errorf("dataset %q: an Image has exactly one series, got %d", m.ID, m.Series)
	case m.Format != protocol.DataFormatFloat32:
		return fmt.Errorf("dataset %q: unsupported format %q", m.ID, m.Format)
	}
	if err := m.meta().Validate(); err != nil {
		return fmt.Errorf("dataset %q: %w", m.ID, err)
	}
	return nil
}

func (m Manifest) meta() volume.Meta {
	return volume.Meta{
		Dimensions:  m.Dimensions,
		Spacing:     m.Spacing,
		SeriesCount: m.Series,
		Cacheable:   !m.Volatile,
	}
}

func (m Manifest) voxels() int {
	return m.Dimensions[0] * m.Dimensions[1] * m.Dimensions[2]
}

// Dataset is an immutable loaded dataset.
type Dataset struct {
	manifest Manifest
	series   [][]float32
	lo, hi   float32
}

// New validates m against the series data and builds a dataset.
func New(m Manifest, series ...[]float32) (*Dataset, error) {
	if err := m.normalize(); err != nil {
		return nil, err
	}
	if len(series) != m.Series {
		return nil, fmt.Errorf("dataset %q: manifest declares %d series, got %d", m.ID, m.Series, len(series))
	}
	for i, s := range series {
		if len(s) != m.voxels() {
			return nil, fmt.Errorf("dataset %q: series %d has %d values, dimensions %v need %d",
				m.ID, i, len(s), m.Dimensions, m.voxels())
		}
	}

	d := &Dataset{manifest: m, series: series}
	if m.Window != nil {
		d.lo, d.hi = m.Window[0], m.Window[1]
	} else {
		for i, s := range series {
			lo, hi := volume.MinMax(s)
			if i == 0 || lo < d.lo {
				d.lo = lo
			}
			if i == 0 || hi > d.hi {
				d.hi = hi
			}
		}
	}
	return d, nil
}

// ID returns the dataset ID.
func (d *Dataset) ID() string { return d.manifest.ID }

// Type returns protocol.DataTypeImage or protocol.DataTypeStudy.
func (d *Dataset) Type() string { return d.manifest.Type }

// Manifest returns the normalized manifest.
func (d *Dataset) Manifest() Manifest { return d.manifest }

// Meta returns the metadata sent with every slice.
func (d *Dataset) Meta() volume.Meta { return d.manifest.meta() }

// Window returns the normalization range.
func (d *Dataset) Window() (lo, hi float32) { return d.lo, d.hi }

// Bytes returns the size of the scalar data.
func (d *Dataset) Bytes() int { return 4 * d.manifest.voxels() * len(d.series) }

// Slice returns one slice normalized to [0,1].
func (d *Dataset) Slice(addr volume.SliceAddress) ([]float32, error) {
	meta := d.Meta()
	if err := meta.CheckAddress(addr); err != nil {
		return nil, err
	}
	raw, err := volume.ExtractSlice(d.series[addr.Series], meta.Dimensions, addr.Orientation, addr.Slice)
	if err != nil {
		return nil, err
	}
	return volume.Normalize(raw, d.lo, d.hi), nil
}

// Respond builds the data response for req.
func (d *Dataset) Respond(req volume.Request) (volume.Response, error) {
	if req.DataType != d.manifest.Type {
		return volume.Response{}, protocol.Validationf("data request",
			"dataset %q is %s, requested as %s", d.manifest.ID, d.manifest.Type, req.DataType)
	}
	values, err := d.Slice(req.Address)
	if err != nil {
		return volume.Response{}, err
	}
	return volume.Response{
		Request: req,
		Meta:    d.Meta(),
		Payload: volume.EncodeFloats(values),
	}, nil
}
