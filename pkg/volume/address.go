package volume

import (
	"fmt"
	"strings"
)

// Orientation is one of the three orthogonal slicing planes.
type Orientation uint8

const (
	// Transverse is the XY plane, indexed along Z.
	Transverse Orientation = iota
	// Sagittal is the YZ plane, indexed along X.
	Sagittal
	// Coronal is the XZ plane, indexed along Y.
	Coronal
)

var orientationNames = [...]string{
	Transverse: "Transverse",
	Sagittal:   "Sagittal",
	Coronal:    "Coronal",
}

func (o Orientation) String() string {
	if int(o) < len(orientationNames) {
		return orientationNames[o]
	}
	return fmt.Sprintf("Orientation(%d)", uint8(o))
}

// ParseOrientation accepts the orientation names and their plane aliases
// (XY, YZ, XZ), case-insensitively.
func ParseOrientation(s string) (Orientation, bool) {
	switch strings.ToUpper(s) {
	case "TRANSVERSE", "AXIAL", "XY":
		return Transverse, true
	case "SAGITTAL", "YZ":
		return Sagittal, true
	case "CORONAL", "XZ":
		return Coronal, true
	}
	return 0, false
}

// Valid reports whether o is a known orientation.
func (o Orientation) Valid() bool {
	return o <= Coronal
}

// Axis returns the volume axis (0=X, 1=Y, 2=Z) slices of o are indexed along.
func (o Orientation) Axis() int {
	switch o {
	case Sagittal:
		return 0
	case Coronal:
		return 1
	default:
		return 2
	}
}

// planeAxes returns the in-plane axes of o: the fast one first.
func (o Orientation) planeAxes() (u, v int) {
	switch o {
	case Sagittal:
		return 1, 2
	case Coronal:
		return 0, 2
	default:
		return 0, 1
	}
}

// SliceAddress identifies one slice of one series. Series is 0 for single
// images.
type SliceAddress struct {
	Orientation Orientation
	Slice       int
	Series      int
}

// Addr is shorthand for a SliceAddress.
func Addr(o Orientation, slice, series int) SliceAddress {
	return SliceAddress{Orientation: o, Slice: slice, Series: series}
}

func (a SliceAddress) String() string {
	return fmt.Sprintf("%s[%d]#%d", a.Orientation, a.Slice, a.Series)
}
