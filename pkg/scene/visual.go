package scene

import "fmt"

// VisualKind tags the variant of a Visual.
type VisualKind uint8

const (
	KindImage VisualKind = iota + 1
	KindSurface
	KindText
	KindAssembly
)

// String returns the kind name used in the Type info key.
func (k VisualKind) String() string {
	switch k {
	case KindImage:
		return "Image"
	case KindSurface:
		return "Surface"
	case KindText:
		return "Text"
	case KindAssembly:
		return "Assembly"
	default:
		return fmt.Sprintf("VisualKind(%d)", k)
	}
}

// ParseVisualKind parses a Type info value.
func ParseVisualKind(s string) (VisualKind, bool) {
	switch s {
	case "Image":
		return KindImage, true
	case "Surface":
		return KindSurface, true
	case "Text":
		return KindText, true
	case "Assembly":
		return KindAssembly, true
	default:
		return 0, false
	}
}

// Transform is a column-major 4x4 matrix.
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a transform that moves by (x, y, z).
func Translation(x, y, z float64) Transform {
	t := Identity()
	t[12], t[13], t[14] = x, y, z
	return t
}

// Color is an RGB color with components in [0,1].
type Color [3]float64

// Geometry is a triangle mesh. Points holds xyz triples; Triangles holds
// point indices, three per triangle.
//
// Geometry slices are treated as immutable once handed to a Scene. Replace
// them instead of editing in place.
type Geometry struct {
	Points    []float32
	Triangles []uint32
}

// PointBytes returns the encoded size of the points.
func (g Geometry) PointBytes() int {
	return len(g.Points) * 4
}

// TriangleBytes returns the encoded size of the triangle indices.
func (g Geometry) TriangleBytes() int {
	return len(g.Triangles) * 4
}

// Appearance holds the display properties shared by visuals and parts.
type Appearance struct {
	Name    string
	Visible bool
	Color   Color
	Opacity float64
}

// DefaultAppearance returns a visible, opaque white appearance.
func DefaultAppearance(name string) Appearance {
	return Appearance{Name: name, Visible: true, Color: Color{1, 1, 1}, Opacity: 1}
}

// Part is one component of an Assembly visual.
type Part struct {
	ID        string
	Transform Transform
	Appearance
	Geometry Geometry
}

// ImageRef points an Image visual at a dataset.
type ImageRef struct {
	DataType string
	DataID   string
}

// Visual is a renderable scene object. Fields outside the one matching Kind
// are ignored.
type Visual struct {
	ID        string
	Kind      VisualKind
	Transform Transform
	Appearance

	Image    ImageRef // KindImage
	Geometry Geometry // KindSurface
	Text     string   // KindText
	Parts    []Part   // KindAssembly
}

// Part returns the part with the given ID.
func (v *Visual) Part(id string) (*Part, bool) {
	for i := range v.Parts {
		if v.Parts[i].ID == id {
			return &v.Parts[i], true
		}
	}
	return nil, false
}

// Clone returns a copy whose part list can be modified independently.
// Geometry buffers are shared.
func (v Visual) Clone() Visual {
	if v.Parts != nil {
		parts := make([]Part, len(v.Parts))
		copy(parts, v.Parts)
		v.Parts = parts
	}
	return v
}

// NewImage creates an Image visual showing the given dataset.
func NewImage(id, name, dataType, dataID string) Visual {
	return Visual{
		ID:         id,
		Kind:       KindImage,
		Transform:  Identity(),
		Appearance: DefaultAppearance(name),
		Image:      ImageRef{DataType: dataType, DataID: dataID},
	}
}

// NewSurface creates a Surface visual.
func NewSurface(id, name string, g Geometry) Visual {
	return Visual{
		ID:         id,
		Kind:       KindSurface,
		Transform:  Identity(),
		Appearance: DefaultAppearance(name),
		Geometry:   g,
	}
}

// NewText creates a Text visual.
func NewText(id, name, text string) Visual {
	return Visual{
		ID:         id,
		Kind:       KindText,
		Transform:  Identity(),
		Appearance: DefaultAppearance(name),
		Text:       text,
	}
}

// NewAssembly creates an Assembly visual from parts.
func NewAssembly(id, name string, parts ...Part) Visual {
	return Visual{
		ID:         id,
		Kind:       KindAssembly,
		Transform:  Identity(),
		Appearance: DefaultAppearance(name),
		Parts:      parts,
	}
}

// NewPart creates an assembly part.
func NewPart(id, name string, g Geometry) Part {
	return Part{
		ID:         id,
		Transform:  Identity(),
		Appearance: DefaultAppearance(name),
		Geometry:   g,
	}
}
