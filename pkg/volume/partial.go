package volume

import (
	"sync"

	"github.com/fisync/fisync/pkg/protocol"
)

// Meta describes a dataset as carried by data responses. A Study has one
// volume per series; an Image has SeriesCount 1.
type Meta struct {
	Dimensions  [3]int
	Spacing     [3]float64
	SeriesCount int
	Cacheable   bool
}

// DefaultMaxVoxels bounds the voxels of one dataset, all series included.
// At four bytes per voxel it is 1 GiB.
const DefaultMaxVoxels = 1 << 28

// Validate checks that m can size a volume of at most DefaultMaxVoxels.
func (m Meta) Validate() error {
	return m.ValidateSize(DefaultMaxVoxels)
}

// ValidateSize checks that m can size a volume whose voxel count, over all
// series, is at most maxVoxels.
func (m Meta) ValidateSize(maxVoxels int) error {
	const op = "volume meta"
	for axis, n := range m.Dimensions {
		if n <= 0 {
			return protocol.Validationf(op, "dimension %d is %d", axis, n)
		}
	}
	if m.SeriesCount < 1 {
		return protocol.Validationf(op, "series count is %d", m.SeriesCount)
	}
	total := m.SeriesCount
	for _, n := range m.Dimensions {
		if total > maxVoxels/n {
			return protocol.Validationf(op, "%v x %d series exceeds %d voxels",
				m.Dimensions, m.SeriesCount, maxVoxels)
		}
		total *= n
	}
	return nil
}

// CheckAddress validates addr against the dataset shape.
func (m Meta) CheckAddress(addr SliceAddress) error {
	const op = "slice address"
	if !addr.Orientation.Valid() {
		return protocol.Validationf(op, "unknown orientation %v", addr.Orientation)
	}
	if n := m.Dimensions[addr.Orientation.Axis()]; addr.Slice < 0 || addr.Slice >= n {
		return protocol.Validationf(op, "%v slice %d out of range [0,%d)", addr.Orientation, addr.Slice, n)
	}
	if addr.Series < 0 || addr.Series >= m.SeriesCount {
		return protocol.Validationf(op, "series %d out of range [0,%d)", addr.Series, m.SeriesCount)
	}
	return nil
}

// sameShape ignores Cacheable, which may differ per response.
func (m Meta) sameShape(other Meta) bool {
	return m.Dimensions == other.Dimensions &&
		m.Spacing == other.Spacing &&
		m.SeriesCount == other.SeriesCount
}

// PartialVolume is a dense volume whose slices arrive one at a time.
// Values are in the display range [0,DisplayMax].
type PartialVolume struct {
	dims    [3]int
	spacing [3]float64

	mu       sync.RWMutex
	data     []float32
	presence [3][]bool
}

// NewPartialVolume allocates an empty volume.
func NewPartialVolume(dims [3]int, spacing [3]float64) *PartialVolume {
	p := &PartialVolume{
		dims:    dims,
		spacing: spacing,
		data:    make([]float32, dims[0]*dims[1]*dims[2]),
	}
	for _, o := range []Orientation{Transverse, Sagittal, Coronal} {
		p.presence[o] = make([]bool, dims[o.Axis()])
	}
	return p
}

// Dimensions returns the voxel counts along X, Y and Z.
func (p *PartialVolume) Dimensions() [3]int { return p.dims }

// Spacing returns the voxel spacing along X, Y and Z.
func (p *PartialVolume) Spacing() [3]float64 { return p.spacing }

// Has reports whether slice index of orientation o has arrived.
func (p *PartialVolume) Has(o Orientation, index int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !o.Valid() || index < 0 || index >= len(p.presence[o]) {
		return false
	}
	return p.presence[o][index]
}

// Present returns the number of arrived slices of orientation o.
func (p *PartialVolume) Present(o Orientation) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !o.Valid() {
		return 0
	}
	n := 0
	for _, ok := range p.presence[o] {
		if ok {
			n++
		}
	}
	return n
}

// At returns the voxel at (x,y,z).
func (p *PartialVolume) At(x, y, z int) float32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.data[x+y*p.dims[0]+z*p.dims[0]*p.dims[1]]
}

// Slice returns a copy of one slice, laid out as ExtractSlice does.
func (p *PartialVolume) Slice(o Orientation, index int) ([]float32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ExtractSlice(p.data, p.dims, o, index)
}

// writeSlice stores wire values scaled to the display range and, if mark is
// set, records the slice as present. Presence is never cleared.
func (p *PartialVolume) writeSlice(o Orientation, index int, wire []float32, mark bool) error {
	Denormalize(wire)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := WriteSlice(p.data, p.dims, o, index, wire); err != nil {
		return err
	}
	if mark {
		p.presence[o][index] = true
	}
	return nil
}
