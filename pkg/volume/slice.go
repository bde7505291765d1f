package volume

import (
	"encoding/binary"
	"math"

	"github.com/fisync/fisync/pkg/protocol"
)

// DisplayMax is the top of the display scalar range. Wire values in [0,1]
// are multiplied by it on arrival.
const DisplayMax = 255

// SliceCells returns the number of scalars in one slice of orientation o.
func SliceCells(dims [3]int, o Orientation) int {
	u, v := o.planeAxes()
	return dims[u] * dims[v]
}

func checkSlice(op string, dims [3]int, o Orientation, index, bufLen int) error {
	if !o.Valid() {
		return protocol.Validationf(op, "unknown orientation %v", o)
	}
	if n := dims[o.Axis()]; index < 0 || index >= n {
		return protocol.Validationf(op, "%v slice %d out of range [0,%d)", o, index, n)
	}
	if bufLen != dims[0]*dims[1]*dims[2] {
		return protocol.Validationf(op, "buffer has %d values, dimensions %v need %d",
			bufLen, dims, dims[0]*dims[1]*dims[2])
	}
	return nil
}

// ExtractSlice copies one slice out of an x-fastest volume buffer. The
// result is laid out with the plane's first axis fastest: (x,y) for
// Transverse, (y,z) for Sagittal and (x,z) for Coronal.
func ExtractSlice(buf []float32, dims [3]int, o Orientation, index int) ([]float32, error) {
	if err := checkSlice("extract slice", dims, o, index, len(buf)); err != nil {
		return nil, err
	}
	out := make([]float32, SliceCells(dims, o))
	walkSlice(dims, o, index, func(i, j int) { out[i] = buf[j] })
	return out, nil
}

// WriteSlice copies values laid out as by ExtractSlice into buf.
func WriteSlice(buf []float32, dims [3]int, o Orientation, index int, values []float32) error {
	if err := checkSlice("write slice", dims, o, index, len(buf)); err != nil {
		return err
	}
	if want := SliceCells(dims, o); len(values) != want {
		return protocol.Validationf("write slice", "slice has %d values, want %d", len(values), want)
	}
	walkSlice(dims, o, index, func(i, j int) { buf[j] = values[i] })
	return nil
}

// walkSlice calls fn(sliceIndex, volumeIndex) for every cell of a slice.
func walkSlice(dims [3]int, o Orientation, index int, fn func(i, j int)) {
	stride := [3]int{1, dims[0], dims[0] * dims[1]}
	u, v := o.planeAxes()
	base := index * stride[o.Axis()]
	i := 0
	for b := 0; b < dims[v]; b++ {
		for a := 0; a < dims[u]; a++ {
			fn(i, base+a*stride[u]+b*stride[v])
			i++
		}
	}
}

// Normalize maps values from [lo,hi] onto [0,1], clamping outliers. A
// degenerate range maps everything to 0.
func Normalize(values []float32, lo, hi float32) []float32 {
	out := make([]float32, len(values))
	span := hi - lo
	if span <= 0 {
		return out
	}
	for i, v := range values {
		n := (v - lo) / span
		switch {
		case n < 0 || n != n:
			n = 0
		case n > 1:
			n = 1
		}
		out[i] = n
	}
	return out
}

// Denormalize scales normalized values to the display range in place.
func Denormalize(values []float32) {
	for i := range values {
		values[i] *= DisplayMax
	}
}

// MinMax returns the smallest and largest value. Both are 0 for an empty
// slice.
func MinMax(values []float32) (lo, hi float32) {
	if len(values) == 0 {
		return 0, 0
	}
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// EncodeFloats encodes values as little-endian float32.
func EncodeFloats(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// DecodeFloats decodes little-endian float32 values.
func DecodeFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, protocol.Validationf("decode floats", "payload length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
