// Package module binds a scene to its update coalescer.
//
// A Module owns one Scene and one Coalescer. Scene change events pass
// through a single dispatch switch that marks the matching update keys
// dirty; inbound module requests (Subscribe, SetInteraction, ...) are
// validated and applied by HandleRequest.
package module

import (
	"log/slog"

	"github.com/fisync/fisync/pkg/coalesce"
	"github.com/fisync/fisync/pkg/scene"
)

// Option configures a Module.
type Option func(*options)

type options struct {
	scene     *scene.Scene
	logger    *slog.Logger
	coalescer []coalesce.Option
}

// WithScene uses an existing scene instead of a new empty one.
func WithScene(s *scene.Scene) Option {
	return func(o *options) {
		o.scene = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCoalescerOptions passes options to the module's coalescer.
func WithCoalescerOptions(opts ...coalesce.Option) Option {
	return func(o *options) {
		o.coalescer = append(o.coalescer, opts...)
	}
}

// Module is one unit of synchronized state.
type Module struct {
	id        string
	name      string
	scene     *scene.Scene
	coalescer *coalesce.Coalescer
	logger    *slog.Logger
	detach    func()
}

// New creates a module.
func New(id, name string, opts ...Option) *Module {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.scene == nil {
		o.scene = scene.New()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	m := &Module{
		id:     id,
		name:   name,
		scene:  o.scene,
		logger: o.logger.With("component", "module", "module_id", id),
	}
	copts := append([]coalesce.Option{coalesce.WithLogger(o.logger)}, o.coalescer...)
	m.coalescer = coalesce.New(id, sceneResolver{scene: o.scene}, copts...)
	m.detach = o.scene.OnChange(m.dispatch)
	return m
}

// ID returns the module ID.
func (m *Module) ID() string { return m.id }

// Name returns the display name.
func (m *Module) Name() string { return m.name }

// Scene returns the module's scene.
func (m *Module) Scene() *scene.Scene { return m.scene }

// Coalescer returns the module's coalescer.
func (m *Module) Coalescer() *coalesce.Coalescer { return m.coalescer }

// Subscribe subscribes a client; it receives a snapshot immediately.
func (m *Module) Subscribe(clientID string, s coalesce.Sender) error {
	return m.coalescer.Subscribe(clientID, s)
}

// Unsubscribe removes a client's subscription.
func (m *Module) Unsubscribe(clientID string) {
	m.coalescer.Unsubscribe(clientID)
}

// Close detaches from the scene and stops the coalescer.
func (m *Module) Close() {
	m.detach()
	m.coalescer.Close()
}

// dispatch maps a change event to the update keys it invalidates.
func (m *Module) dispatch(ev scene.ChangeEvent) {
	c := m.coalescer
	switch ev.Kind {
	case scene.VisualAdded, scene.VisualRemoved:
		c.MarkDirty(coalesce.ObjectKey(ev.VisualID, coalesce.ObjectFull), false)
	case scene.VisualTransformed:
		c.MarkDirty(coalesce.ObjectKey(ev.VisualID, coalesce.ObjectTransform), false)
	case scene.VisualPropertiesChanged:
		c.MarkDirty(coalesce.ObjectKey(ev.VisualID, coalesce.ObjectProperties), false)
	case scene.VisualDataChanged:
		c.MarkDirty(coalesce.ObjectKey(ev.VisualID, coalesce.ObjectData), false)
	case scene.PartAdded, scene.PartRemoved:
		c.MarkDirty(coalesce.PartKey(ev.VisualID, ev.PartID, coalesce.PartFull), false)
	case scene.PartTransformed:
		c.MarkDirty(coalesce.PartKey(ev.VisualID, ev.PartID, coalesce.PartTransform), false)
	case scene.PartPropertiesChanged:
		c.MarkDirty(coalesce.PartKey(ev.VisualID, ev.PartID, coalesce.PartProperties), false)
	case scene.InteractionAdded, scene.InteractionRemoved:
		c.MarkDirty(coalesce.InteractionKey(ev.InteractionID, coalesce.InteractionFull), false)
	case scene.InteractionValueChanged:
		c.MarkDirty(coalesce.InteractionKey(ev.InteractionID, coalesce.InteractionValue), false)
	case scene.InteractionConstraintChanged:
		c.MarkDirty(coalesce.InteractionKey(ev.InteractionID, coalesce.InteractionValue), true)
	case scene.InteractionTriggered:
		// Triggers carry no state to synchronize.
	default:
		m.logger.Warn("unhandled change event", "kind", ev.Kind)
	}
}
