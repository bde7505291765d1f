package module

import (
	"github.com/fisync/fisync/pkg/coalesce"
	"github.com/fisync/fisync/pkg/protocol"
	"github.com/fisync/fisync/pkg/scene"
)

// sceneResolver reads live scene values for the coalescer.
type sceneResolver struct {
	scene *scene.Scene
}

var objectResponses = map[coalesce.ObjectKind]string{
	coalesce.ObjectFull:       protocol.ResponseFull,
	coalesce.ObjectTransform:  protocol.ResponseTransform,
	coalesce.ObjectProperties: protocol.ResponseProperties,
	coalesce.ObjectData:       protocol.ResponseData,
}

var partResponses = map[coalesce.PartKind]string{
	coalesce.PartFull:       protocol.ResponsePartFull,
	coalesce.PartTransform:  protocol.ResponsePartTransform,
	coalesce.PartProperties: protocol.ResponsePartProperties,
}

func (r sceneResolver) Snapshot(b *coalesce.Batch) []coalesce.Item {
	var items []coalesce.Item
	for _, v := range r.scene.Visuals() {
		b.AddVisual(scene.EncodeVisual(v, protocol.ResponseFull, b))
		items = append(items, visualItems(v)...)
	}
	for _, i := range r.scene.Interactions() {
		b.AddInteraction(scene.EncodeInteraction(i, protocol.ResponseFull, true))
		items = append(items, coalesce.InteractionItem(i.ID))
	}
	return items
}

func (r sceneResolver) Resolve(b *coalesce.Batch, key coalesce.Key, constraint bool) ([]coalesce.Item, bool) {
	switch key.Scope {
	case coalesce.ScopeObject:
		v, ok := r.scene.Visual(key.ID)
		if !ok {
			return nil, false
		}
		rid, known := objectResponses[key.ObjectKind()]
		if !known {
			rid = protocol.ResponseFull
		}
		b.AddVisual(scene.EncodeVisual(v, rid, b))
		if rid == protocol.ResponseFull || (rid == protocol.ResponseData && v.Kind == scene.KindAssembly) {
			return visualItems(v), true
		}
		return []coalesce.Item{coalesce.VisualItem(v.ID)}, true

	case coalesce.ScopePart:
		v, ok := r.scene.Visual(key.ID)
		if !ok {
			return nil, false
		}
		part, ok := v.Part(key.PartID)
		if !ok {
			return nil, false
		}
		rid, known := partResponses[key.PartKind()]
		if !known {
			rid = protocol.ResponsePartFull
		}
		b.AddVisual(scene.EncodePart(v.ID, *part, rid, b))
		return []coalesce.Item{coalesce.PartItem(v.ID, part.ID)}, true

	case coalesce.ScopeInteraction:
		i, ok := r.scene.Interaction(key.ID)
		if !ok {
			return nil, false
		}
		rid := protocol.ResponseValue
		if key.InteractionKind() == coalesce.InteractionFull {
			rid = protocol.ResponseFull
		}
		b.AddInteraction(scene.EncodeInteraction(i, rid, constraint))
		return []coalesce.Item{coalesce.InteractionItem(i.ID)}, true
	}
	return nil, false
}

func (r sceneResolver) Removed(b *coalesce.Batch, item coalesce.Item) {
	switch item.Scope {
	case coalesce.ScopeObject:
		b.AddVisual(scene.EncodeRemovedVisual(item.ID))
	case coalesce.ScopePart:
		b.AddVisual(scene.EncodeRemovedPart(item.ID, item.PartID))
	case coalesce.ScopeInteraction:
		b.AddInteraction(scene.EncodeRemovedInteraction(item.ID))
	}
}

// visualItems returns the items a Full entry of v announces.
func visualItems(v scene.Visual) []coalesce.Item {
	items := make([]coalesce.Item, 0, 1+len(v.Parts))
	items = append(items, coalesce.VisualItem(v.ID))
	for _, p := range v.Parts {
		items = append(items, coalesce.PartItem(v.ID, p.ID))
	}
	return items
}
