package scene

import (
	"sync"

	"github.com/fisync/fisync/pkg/protocol"
)

// Scene holds the visuals and interactions of one module and notifies
// listeners of every mutation.
//
// All methods are safe for concurrent use. Getters return copies.
type Scene struct {
	mu sync.RWMutex

	visuals      map[string]*Visual
	visualOrder  []string
	interactions map[string]*Interaction
	interOrder   []string

	listenerMu sync.RWMutex
	listeners  map[int]Listener
	nextID     int
}

// New creates an empty scene.
func New() *Scene {
	return &Scene{
		visuals:      make(map[string]*Visual),
		interactions: make(map[string]*Interaction),
		listeners:    make(map[int]Listener),
	}
}

// OnChange registers a listener and returns a function that removes it.
func (s *Scene) OnChange(fn Listener) (remove func()) {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Scene) emit(events ...ChangeEvent) {
	s.listenerMu.RLock()
	fns := make([]Listener, 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if fn, ok := s.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.listenerMu.RUnlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// =============================================================================
// Visuals
// =============================================================================

// AddVisual adds v. The ID must be new.
func (s *Scene) AddVisual(v Visual) error {
	if v.ID == "" {
		return protocol.Validationf("add visual", "visual ID is empty")
	}
	if _, ok := ParseVisualKind(v.Kind.String()); !ok {
		return protocol.Validationf("add visual", "visual %q has unknown kind %v", v.ID, v.Kind)
	}

	s.mu.Lock()
	if _, exists := s.visuals[v.ID]; exists {
		s.mu.Unlock()
		return protocol.Validationf("add visual", "visual %q already exists", v.ID)
	}
	stored := v.Clone()
	s.visuals[v.ID] = &stored
	s.visualOrder = append(s.visualOrder, v.ID)
	s.mu.Unlock()

	s.emit(ChangeEvent{Kind: VisualAdded, VisualID: v.ID})
	return nil
}

// PutVisual adds v or replaces the visual with the same ID.
func (s *Scene) PutVisual(v Visual) error {
	if v.ID == "" {
		return protocol.Validationf("put visual", "visual ID is empty")
	}
	s.mu.Lock()
	_, exists := s.visuals[v.ID]
	stored := v.Clone()
	s.visuals[v.ID] = &stored
	if !exists {
		s.visualOrder = append(s.visualOrder, v.ID)
	}
	s.mu.Unlock()

	if exists {
		s.emit(ChangeEvent{Kind: VisualDataChanged, VisualID: v.ID})
	} else {
		s.emit(ChangeEvent{Kind: VisualAdded, VisualID: v.ID})
	}
	return nil
}

// RemoveVisual removes the visual with the given ID.
func (s *Scene) RemoveVisual(id string) error {
	s.mu.Lock()
	if _, ok := s.visuals[id]; !ok {
		s.mu.Unlock()
		return protocol.NotFoundf("remove visual", "unknown visual %q", id)
	}
	delete(s.visuals, id)
	s.visualOrder = removeID(s.visualOrder, id)
	s.mu.Unlock()

	s.emit(ChangeEvent{Kind: VisualRemoved, VisualID: id})
	return nil
}

// Visual returns a copy of the visual with the given ID.
func (s *Scene) Visual(id string) (Visual, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.visuals[id]
	if !ok {
		return Visual{}, false
	}
	return v.Clone(), true
}

// Visuals returns copies of all visuals in insertion order.
func (s *Scene) Visuals() []Visual {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Visual, 0, len(s.visualOrder))
	for _, id := range s.visualOrder {
		out = append(out, s.visuals[id].Clone())
	}
	return out
}

// VisualCount returns the number of visuals.
func (s *Scene) VisualCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.visualOrder)
}

// SetTransform replaces the transform of a visual.
func (s *Scene) SetTransform(id string, t Transform) error {
	err := s.updateVisual("set transform", id, func(v *Visual) error {
		v.Transform = t
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ChangeEvent{Kind: VisualTransformed, VisualID: id})
	return nil
}

// SetAppearance replaces the display properties of a visual.
func (s *Scene) SetAppearance(id string, a Appearance) error {
	err := s.updateVisual("set appearance", id, func(v *Visual) error {
		v.Appearance = a
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ChangeEvent{Kind: VisualPropertiesChanged, VisualID: id})
	return nil
}

// SetText replaces the text of a Text visual.
func (s *Scene) SetText(id, text string) error {
	err := s.updateVisual("set text", id, func(v *Visual) error {
		if v.Kind != KindText {
			return protocol.Validationf("set text", "visual %q is %v, not Text", id, v.Kind)
		}
		v.Text = text
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ChangeEvent{Kind: VisualPropertiesChanged, VisualID: id})
	return nil
}

// SetGeometry replaces the mesh of a Surface visual.
func (s *Scene) SetGeometry(id string, g Geometry) error {
	err := s.updateVisual("set geometry", id, func(v *Visual) error {
		if v.Kind != KindSurface {
			return protocol.Validationf("set geometry", "visual %q is %v, not Surface", id, v.Kind)
		}
		v.Geometry = g
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ChangeEvent{Kind: VisualDataChanged, VisualID: id})
	return nil
}

// SetImage points an Image visual at another dataset.
func (s *Scene) SetImage(id string, ref ImageRef) error {
	err := s.updateVisual("set image", id, func(v *Visual) error {
		if v.Kind != KindImage {
			return protocol.Validationf("set image", "visual %q is %v, not Image", id, v.Kind)
		}
		v.Image = ref
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ChangeEvent{Kind: VisualDataChanged, VisualID: id})
	return nil
}

func (s *Scene) updateVisual(op, id string, fn func(*Visual) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visuals[id]
	if !ok {
		return protocol.NotFoundf(op, "unknown visual %q", id)
	}
	return fn(v)
}

// =============================================================================
// Assembly parts
// =============================================================================

// AddPart appends a part to an Assembly visual.
func (s *Scene) AddPart(visualID string, p Part) error {
	err := s.updateVisual("add part", visualID, func(v *Visual) error {
		if v.Kind != KindAssembly {
			return protocol.Validationf("add part", "visual %q is %v, not Assembly", visualID, v.Kind)
		}
		if _, exists := v.Part(p.ID); exists {
			return protocol.Validationf("add part", "part %q already exists in %q", p.ID, visualID)
		}
		v.Parts = append(v.Parts, p)
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ChangeEvent{Kind: PartAdded, VisualID: visualID, PartID: p.ID})
	return nil
}

// RemovePart removes a part from an Assembly visual.
func (s *Scene) RemovePart(visualID, partID string) error {
	err := s.updateVisual("remove part", visualID, func(v *Visual) error {
		for i := range v.Parts {
			if v.Parts[i].ID == partID {
				v.Parts = append(v.Parts[:i:i], v.Parts[i+1:]...)
				return nil
			}
		}
		return protocol.NotFoundf("remove part", "unknown part %q in %q", partID, visualID)
	})
	if err != nil {
		return err
	}
	s.emit(ChangeEvent{Kind: PartRemoved, VisualID: visualID, PartID: partID})
	return nil
}

// SetPartTransform replaces the transform of an assembly part.
func (s *Scene) SetPartTransform(visualID, partID string, t Transform) error {
	if err := s.updatePart("set part transform", visualID, partID, func(p *Part) {
		p.Transform = t
	}); err != nil {
		return err
	}
	s.emit(ChangeEvent{Kind: PartTransformed, VisualID: visualID, PartID: partID})
	return nil
}

// SetPartAppearance replaces the display properties of an assembly part.
func (s *Scene) SetPartAppearance(visualID, partID string, a Appearance) error {
	if err := s.updatePart("set part appearance", visualID, partID, func(p *Part) {
		p.Appearance = a
	}); err != nil {
		return err
	}
	s.emit(ChangeEvent{Kind: PartPropertiesChanged, VisualID: visualID, PartID: partID})
	return nil
}

func (s *Scene) updatePart(op, visualID, partID string, fn func(*Part)) error {
	return s.updateVisual(op, visualID, func(v *Visual) error {
		p, ok := v.Part(partID)
		if !ok {
			return protocol.NotFoundf(op, "unknown part %q in %q", partID, visualID)
		}
		fn(p)
		return nil
	})
}

// =============================================================================
// Interactions
// =============================================================================

// AddInteraction adds i. The ID must be new and the value must satisfy the
// constraint.
func (s *Scene) AddInteraction(i Interaction) error {
	if i.ID == "" {
		return protocol.Validationf("add interaction", "interaction ID is empty")
	}
	if i.Value == nil {
		return protocol.Validationf("add interaction", "interaction %q has no value", i.ID)
	}
	if err := i.Constraint.Check(i.Value); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.interactions[i.ID]; exists {
		s.mu.Unlock()
		return protocol.Validationf("add interaction", "interaction %q already exists", i.ID)
	}
	stored := i.Clone()
	s.interactions[i.ID] = &stored
	s.interOrder = append(s.interOrder, i.ID)
	s.mu.Unlock()

	s.emit(ChangeEvent{Kind: InteractionAdded, InteractionID: i.ID})
	return nil
}

// PutInteraction adds i or replaces the interaction with the same ID.
func (s *Scene) PutInteraction(i Interaction) error {
	if i.ID == "" || i.Value == nil {
		return protocol.Validationf("put interaction", "interaction needs an ID and a value")
	}
	s.mu.Lock()
	_, exists := s.interactions[i.ID]
	stored := i.Clone()
	s.interactions[i.ID] = &stored
	if !exists {
		s.interOrder = append(s.interOrder, i.ID)
	}
	s.mu.Unlock()

	if exists {
		s.emit(ChangeEvent{Kind: InteractionConstraintChanged, InteractionID: i.ID})
	} else {
		s.emit(ChangeEvent{Kind: InteractionAdded, InteractionID: i.ID})
	}
	return nil
}

// RemoveInteraction removes the interaction with the given ID.
func (s *Scene) RemoveInteraction(id string) error {
	s.mu.Lock()
	if _, ok := s.interactions[id]; !ok {
		s.mu.Unlock()
		return protocol.NotFoundf("remove interaction", "unknown interaction %q", id)
	}
	delete(s.interactions, id)
	s.interOrder = removeID(s.interOrder, id)
	s.mu.Unlock()

	s.emit(ChangeEvent{Kind: InteractionRemoved, InteractionID: id})
	return nil
}

// Interaction returns a copy of the interaction with the given ID.
func (s *Scene) Interaction(id string) (Interaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.interactions[id]
	if !ok {
		return Interaction{}, false
	}
	return i.Clone(), true
}

// Interactions returns copies of all interactions in insertion order.
func (s *Scene) Interactions() []Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Interaction, 0, len(s.interOrder))
	for _, id := range s.interOrder {
		out = append(out, s.interactions[id].Clone())
	}
	return out
}

// InteractionCount returns the number of interactions.
func (s *Scene) InteractionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.interOrder)
}

// SetValue changes the value of an interaction. The value must have the
// interaction's kind and satisfy its constraint; otherwise nothing changes.
// Triggers cannot be set, use Trigger.
func (s *Scene) SetValue(id string, v Value) error {
	const op = "set value"
	s.mu.Lock()
	i, ok := s.interactions[id]
	if !ok {
		s.mu.Unlock()
		return protocol.NotFoundf(op, "unknown interaction %q", id)
	}
	if v == nil || v.Kind() != i.Kind() {
		s.mu.Unlock()
		return protocol.Validationf(op, "interaction %q expects %v", id, i.Kind())
	}
	if v.Kind() == ValueTrigger {
		s.mu.Unlock()
		return protocol.Validationf(op, "interaction %q is a trigger", id)
	}
	if err := i.Constraint.Check(v); err != nil {
		s.mu.Unlock()
		return err
	}
	i.Value = v
	s.mu.Unlock()

	s.emit(ChangeEvent{Kind: InteractionValueChanged, InteractionID: id, Value: v})
	return nil
}

// SetConstraint replaces the constraint of an interaction. The current value
// must satisfy the new constraint.
func (s *Scene) SetConstraint(id string, c Constraint) error {
	const op = "set constraint"
	s.mu.Lock()
	i, ok := s.interactions[id]
	if !ok {
		s.mu.Unlock()
		return protocol.NotFoundf(op, "unknown interaction %q", id)
	}
	if err := c.Check(i.Value); err != nil {
		s.mu.Unlock()
		return err
	}
	i.Constraint = c
	if i.Constraint.Options != nil {
		i.Constraint.Options = append([]string(nil), c.Options...)
	}
	s.mu.Unlock()

	s.emit(ChangeEvent{Kind: InteractionConstraintChanged, InteractionID: id})
	return nil
}

// Trigger fires a Trigger interaction. Nothing is stored; listeners receive
// an InteractionTriggered event.
func (s *Scene) Trigger(id string) error {
	const op = "trigger"
	s.mu.RLock()
	i, ok := s.interactions[id]
	var kind ValueKind
	if ok {
		kind = i.Kind()
	}
	s.mu.RUnlock()

	if !ok {
		return protocol.NotFoundf(op, "unknown interaction %q", id)
	}
	if kind != ValueTrigger {
		return protocol.Validationf(op, "interaction %q is %v, not Trigger", id, kind)
	}
	s.emit(ChangeEvent{Kind: InteractionTriggered, InteractionID: id, Value: Trigger{}})
	return nil
}

// Clear removes everything, emitting one removal event per item.
func (s *Scene) Clear() {
	s.mu.Lock()
	events := make([]ChangeEvent, 0, len(s.visualOrder)+len(s.interOrder))
	for _, id := range s.visualOrder {
		events = append(events, ChangeEvent{Kind: VisualRemoved, VisualID: id})
	}
	for _, id := range s.interOrder {
		events = append(events, ChangeEvent{Kind: InteractionRemoved, InteractionID: id})
	}
	s.visuals = make(map[string]*Visual)
	s.interactions = make(map[string]*Interaction)
	s.visualOrder = nil
	s.interOrder = nil
	s.mu.Unlock()

	s.emit(events...)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
