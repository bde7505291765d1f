package scene

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/fisync/fisync/pkg/protocol"
)

// Payload collects the binary data referenced by the entries of one batch.
type Payload interface {
	// AppendPayload appends b and returns its offset in the payload.
	AppendPayload(b []byte) int
}

// EncodeVisual encodes v as a VisualsInfo entry of the given response kind.
// Geometry is appended to p and referenced by offset.
func EncodeVisual(v Visual, responseID string, p Payload) *protocol.Info {
	e := protocol.NewInfo().
		Set(protocol.KeyResponseID, responseID).
		Set(protocol.KeyID, v.ID).
		Set(protocol.KeyType, v.Kind.String())

	switch responseID {
	case protocol.ResponseFull:
		e.Set(protocol.KeyTransform, v.Transform)
		setAppearance(e, v.Appearance)
		setVisualData(e, v, p)
	case protocol.ResponseTransform:
		e.Set(protocol.KeyTransform, v.Transform)
	case protocol.ResponseProperties:
		setAppearance(e, v.Appearance)
		if v.Kind == KindText {
			e.Set(protocol.KeyText, v.Text)
		}
	case protocol.ResponseData:
		setVisualData(e, v, p)
	}
	return e
}

// EncodeRemovedVisual encodes the removal of a visual.
func EncodeRemovedVisual(id string) *protocol.Info {
	return protocol.NewInfo().
		Set(protocol.KeyResponseID, protocol.ResponseRemoved).
		Set(protocol.KeyID, id)
}

// EncodePart encodes one part of an Assembly as a VisualsInfo entry.
func EncodePart(visualID string, part Part, responseID string, p Payload) *protocol.Info {
	e := protocol.NewInfo().
		Set(protocol.KeyResponseID, responseID).
		Set(protocol.KeyID, visualID).
		Set(protocol.KeyPartID, part.ID)

	switch responseID {
	case protocol.ResponsePartFull:
		setPart(e, part, p)
	case protocol.ResponsePartTransform:
		e.Set(protocol.KeyTransform, part.Transform)
	case protocol.ResponsePartProperties:
		setAppearance(e, part.Appearance)
	}
	return e
}

// EncodeRemovedPart encodes the removal of an assembly part.
func EncodeRemovedPart(visualID, partID string) *protocol.Info {
	return protocol.NewInfo().
		Set(protocol.KeyResponseID, protocol.ResponsePartRemoved).
		Set(protocol.KeyID, visualID).
		Set(protocol.KeyPartID, partID)
}

// EncodeInteraction encodes i as a ModuleInteractions entry. Full entries
// always carry the constraint; Value entries only when withConstraint is set.
func EncodeInteraction(i Interaction, responseID string, withConstraint bool) *protocol.Info {
	e := protocol.NewInfo().
		Set(protocol.KeyResponseID, responseID).
		Set(protocol.KeyID, i.ID).
		Set(protocol.KeyType, i.Kind().String())

	if responseID == protocol.ResponseFull {
		e.Set(protocol.KeyName, i.Name)
		withConstraint = true
	}
	e.SetRaw(protocol.KeyValue, MarshalValue(i.Value))
	if withConstraint {
		e.Set(protocol.KeyConstraint, i.Constraint)
	}
	return e
}

// EncodeRemovedInteraction encodes the removal of an interaction.
func EncodeRemovedInteraction(id string) *protocol.Info {
	return protocol.NewInfo().
		Set(protocol.KeyResponseID, protocol.ResponseRemoved).
		Set(protocol.KeyID, id)
}

func setAppearance(e *protocol.Info, a Appearance) {
	e.Set(protocol.KeyName, a.Name).
		Set(protocol.KeyVisible, a.Visible).
		Set(protocol.KeyColor, a.Color).
		Set(protocol.KeyOpacity, a.Opacity)
}

func setVisualData(e *protocol.Info, v Visual, p Payload) {
	switch v.Kind {
	case KindImage:
		e.Set(protocol.KeyDataType, v.Image.DataType).
			Set(protocol.KeyDataID, v.Image.DataID)
	case KindSurface:
		setGeometry(e, v.Geometry, p)
	case KindText:
		e.Set(protocol.KeyText, v.Text)
	case KindAssembly:
		parts := make([]*protocol.Info, 0, len(v.Parts))
		for _, part := range v.Parts {
			pe := protocol.NewInfo().Set(protocol.KeyPartID, part.ID)
			setPart(pe, part, p)
			parts = append(parts, pe)
		}
		e.SetRaw(protocol.KeyParts, protocol.MarshalEntries(parts))
	}
}

func setPart(e *protocol.Info, part Part, p Payload) {
	e.Set(protocol.KeyTransform, part.Transform)
	setAppearance(e, part.Appearance)
	setGeometry(e, part.Geometry, p)
}

func setGeometry(e *protocol.Info, g Geometry, p Payload) {
	buf := make([]byte, 0, g.PointBytes()+g.TriangleBytes())
	for _, f := range g.Points {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	for _, idx := range g.Triangles {
		buf = binary.LittleEndian.AppendUint32(buf, idx)
	}
	offset := p.AppendPayload(buf)
	e.Set(protocol.KeyPayloadOffset, offset).
		Set(protocol.KeyPointBytes, g.PointBytes()).
		Set(protocol.KeyTriangleBytes, g.TriangleBytes())
}

// =============================================================================
// Applying entries to a mirror
// =============================================================================

// ApplyVisualEntry applies one VisualsInfo entry. payload is the batch
// payload the entry's offsets refer to. Removing an unknown visual or part is
// not an error.
func (s *Scene) ApplyVisualEntry(e *protocol.Info, payload []byte) error {
	const op = "apply visual"
	id := e.String(protocol.KeyID)
	if id == "" {
		return protocol.Validationf(op, "entry has no ID")
	}

	switch rid := e.String(protocol.KeyResponseID); rid {
	case protocol.ResponseFull:
		v, err := decodeVisual(e, payload)
		if err != nil {
			return err
		}
		return s.PutVisual(v)

	case protocol.ResponseTransform:
		var t Transform
		if err := e.Decode(protocol.KeyTransform, &t); err != nil {
			return protocol.Validationf(op, "%v", err)
		}
		return s.SetTransform(id, t)

	case protocol.ResponseProperties:
		a, err := decodeAppearance(e)
		if err != nil {
			return err
		}
		if err := s.SetAppearance(id, a); err != nil {
			return err
		}
		if e.Has(protocol.KeyText) {
			return s.SetText(id, e.String(protocol.KeyText))
		}
		return nil

	case protocol.ResponseData:
		current, ok := s.Visual(id)
		if !ok {
			return protocol.NotFoundf(op, "unknown visual %q", id)
		}
		if err := decodeVisualData(e, payload, &current); err != nil {
			return err
		}
		return s.PutVisual(current)

	case protocol.ResponseRemoved:
		return ignoreNotFound(s.RemoveVisual(id))

	case protocol.ResponsePartFull:
		part, err := decodePart(e, payload)
		if err != nil {
			return err
		}
		return s.putPart(id, part)

	case protocol.ResponsePartTransform:
		var t Transform
		if err := e.Decode(protocol.KeyTransform, &t); err != nil {
			return protocol.Validationf(op, "%v", err)
		}
		return s.SetPartTransform(id, e.String(protocol.KeyPartID), t)

	case protocol.ResponsePartProperties:
		a, err := decodeAppearance(e)
		if err != nil {
			return err
		}
		return s.SetPartAppearance(id, e.String(protocol.KeyPartID), a)

	case protocol.ResponsePartRemoved:
		return ignoreNotFound(s.RemovePart(id, e.String(protocol.KeyPartID)))

	default:
		return protocol.Validationf(op, "unknown response %q", rid)
	}
}

// ApplyInteractionEntry applies one ModuleInteractions entry.
func (s *Scene) ApplyInteractionEntry(e *protocol.Info) error {
	const op = "apply interaction"
	id := e.String(protocol.KeyID)
	if id == "" {
		return protocol.Validationf(op, "entry has no ID")
	}

	rid := e.String(protocol.KeyResponseID)
	if rid == protocol.ResponseRemoved {
		return ignoreNotFound(s.RemoveInteraction(id))
	}

	kind, ok := ParseValueKind(e.String(protocol.KeyType))
	if !ok {
		return protocol.Validationf(op, "interaction %q has unknown type %q", id, e.String(protocol.KeyType))
	}
	raw, _ := e.Get(protocol.KeyValue)
	value, err := ParseValue(kind, raw)
	if err != nil {
		return err
	}

	switch rid {
	case protocol.ResponseFull:
		i := Interaction{ID: id, Name: e.String(protocol.KeyName), Value: value}
		if e.Has(protocol.KeyConstraint) {
			if err := e.Decode(protocol.KeyConstraint, &i.Constraint); err != nil {
				return protocol.Validationf(op, "%v", err)
			}
		}
		return s.PutInteraction(i)

	case protocol.ResponseValue:
		if e.Has(protocol.KeyConstraint) {
			var c Constraint
			if err := e.Decode(protocol.KeyConstraint, &c); err != nil {
				return protocol.Validationf(op, "%v", err)
			}
			current, ok := s.Interaction(id)
			if !ok {
				return protocol.NotFoundf(op, "unknown interaction %q", id)
			}
			current.Value = value
			current.Constraint = c
			return s.PutInteraction(current)
		}
		if kind == ValueTrigger {
			return s.Trigger(id)
		}
		return s.SetValue(id, value)

	default:
		return protocol.Validationf(op, "unknown response %q", rid)
	}
}

func (s *Scene) putPart(visualID string, part Part) error {
	added := false
	err := s.updateVisual("put part", visualID, func(v *Visual) error {
		if v.Kind != KindAssembly {
			return protocol.Validationf("put part", "visual %q is %v, not Assembly", visualID, v.Kind)
		}
		if existing, ok := v.Part(part.ID); ok {
			*existing = part
			return nil
		}
		v.Parts = append(v.Parts, part)
		added = true
		return nil
	})
	if err != nil {
		return err
	}
	kind := PartPropertiesChanged
	if added {
		kind = PartAdded
	}
	s.emit(ChangeEvent{Kind: kind, VisualID: visualID, PartID: part.ID})
	return nil
}

func decodeVisual(e *protocol.Info, payload []byte) (Visual, error) {
	const op = "decode visual"
	kind, ok := ParseVisualKind(e.String(protocol.KeyType))
	if !ok {
		return Visual{}, protocol.Validationf(op, "unknown visual type %q", e.String(protocol.KeyType))
	}
	v := Visual{ID: e.String(protocol.KeyID), Kind: kind, Transform: Identity()}
	if e.Has(protocol.KeyTransform) {
		if err := e.Decode(protocol.KeyTransform, &v.Transform); err != nil {
			return Visual{}, protocol.Validationf(op, "%v", err)
		}
	}
	a, err := decodeAppearance(e)
	if err != nil {
		return Visual{}, err
	}
	v.Appearance = a
	if err := decodeVisualData(e, payload, &v); err != nil {
		return Visual{}, err
	}
	return v, nil
}

func decodeVisualData(e *protocol.Info, payload []byte, v *Visual) error {
	switch v.Kind {
	case KindImage:
		v.Image = ImageRef{
			DataType: e.String(protocol.KeyDataType),
			DataID:   e.String(protocol.KeyDataID),
		}
	case KindSurface:
		g, err := decodeGeometry(e, payload)
		if err != nil {
			return err
		}
		v.Geometry = g
	case KindText:
		v.Text = e.String(protocol.KeyText)
	case KindAssembly:
		entries, err := e.DecodeEntries(protocol.KeyParts)
		if err != nil {
			return protocol.Validationf("decode parts", "%v", err)
		}
		v.Parts = make([]Part, 0, len(entries))
		for _, pe := range entries {
			part, err := decodePart(pe, payload)
			if err != nil {
				return err
			}
			v.Parts = append(v.Parts, part)
		}
	}
	return nil
}

func decodePart(e *protocol.Info, payload []byte) (Part, error) {
	part := Part{ID: e.String(protocol.KeyPartID), Transform: Identity()}
	if part.ID == "" {
		return Part{}, protocol.Validationf("decode part", "entry has no PartID")
	}
	if e.Has(protocol.KeyTransform) {
		if err := e.Decode(protocol.KeyTransform, &part.Transform); err != nil {
			return Part{}, protocol.Validationf("decode part", "%v", err)
		}
	}
	a, err := decodeAppearance(e)
	if err != nil {
		return Part{}, err
	}
	part.Appearance = a
	g, err := decodeGeometry(e, payload)
	if err != nil {
		return Part{}, err
	}
	part.Geometry = g
	return part, nil
}

func decodeAppearance(e *protocol.Info) (Appearance, error) {
	a := DefaultAppearance(e.String(protocol.KeyName))
	if v, ok := e.Bool(protocol.KeyVisible); ok {
		a.Visible = v
	}
	if e.Has(protocol.KeyColor) {
		if err := e.Decode(protocol.KeyColor, &a.Color); err != nil {
			return Appearance{}, protocol.Validationf("decode appearance", "%v", err)
		}
	}
	if v, ok := e.Float(protocol.KeyOpacity); ok {
		a.Opacity = v
	}
	return a, nil
}

func decodeGeometry(e *protocol.Info, payload []byte) (Geometry, error) {
	const op = "decode geometry"
	if !e.Has(protocol.KeyPayloadOffset) {
		return Geometry{}, nil
	}
	offset, _ := e.Int(protocol.KeyPayloadOffset)
	pb, _ := e.Int(protocol.KeyPointBytes)
	tb, _ := e.Int(protocol.KeyTriangleBytes)
	if offset < 0 || pb < 0 || tb < 0 || pb%4 != 0 || tb%4 != 0 {
		return Geometry{}, protocol.Validationf(op, "invalid geometry layout %d/%d/%d", offset, pb, tb)
	}
	// Each term is bounded by the payload length before summing, so the
	// sum cannot overflow.
	size := int64(len(payload))
	if offset > size || pb > size-offset || tb > size-offset-pb {
		return Geometry{}, protocol.Validationf(op, "geometry %d+%d+%d bytes exceeds payload of %d bytes", offset, pb, tb, size)
	}
	end := offset + pb + tb

	var g Geometry
	if pb > 0 {
		g.Points = make([]float32, pb/4)
	}
	if tb > 0 {
		g.Triangles = make([]uint32, tb/4)
	}
	buf := payload[offset:end]
	for i := range g.Points {
		g.Points[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	buf = buf[pb:]
	for i := range g.Triangles {
		g.Triangles[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return g, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, protocol.ErrNotFound) {
		return nil
	}
	return err
}
