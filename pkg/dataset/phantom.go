package dataset

import (
	"math"

	"github.com/fisync/fisync/pkg/protocol"
)

// Phantom generates a synthetic dataset: a bright sphere with a soft edge
// inside a dimmer ellipsoid shell. With more than one series the sphere
// drifts along X, giving a time sequence Study.
func Phantom(id string, dims [3]int, series int) (*Dataset, error) {
	if series < 1 {
		series = 1
	}
	m := Manifest{
		ID:         id,
		Type:       protocol.DataTypeImage,
		Dimensions: dims,
		Spacing:    [3]float64{1, 1, 1},
		Series:     series,
		Window:     &[2]float32{0, 1000},
	}
	if series > 1 {
		m.Type = protocol.DataTypeStudy
	}
	if err := m.normalize(); err != nil {
		return nil, err
	}

	cx, cy, cz := float64(dims[0])/2, float64(dims[1])/2, float64(dims[2])/2
	radius := math.Min(cx, math.Min(cy, cz)) / 2
	data := make([][]float32, series)
	for s := range data {
		shift := 0.0
		if series > 1 {
			shift = radius * (float64(s)/float64(series-1) - 0.5)
		}
		vals := make([]float32, m.voxels())
		i := 0
		for z := 0; z < dims[2]; z++ {
			for y := 0; y < dims[1]; y++ {
				for x := 0; x < dims[0]; x++ {
					vals[i] = phantomVoxel(float64(x)-cx-shift, float64(y)-cy, float64(z)-cz, radius, cx, cy, cz)
					i++
				}
			}
		}
		data[s] = vals
	}
	return New(m, data...)
}

func phantomVoxel(dx, dy, dz, radius, ax, ay, az float64) float32 {
	d := math.Sqrt(dx*dx+dy*dy+dz*dz) / radius
	switch {
	case d < 0.8:
		return 1000
	case d < 1:
		return float32(1000 * (1 - d) / 0.2)
	}
	// Ellipsoid shell at 90% of the half extents.
	e := (dx*dx)/(ax*ax) + (dy*dy)/(ay*ay) + (dz*dz)/(az*az)
	if e > 0.72 && e < 0.81 {
		return 300
	}
	return 0
}
