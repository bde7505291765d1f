package module

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fisync/fisync/pkg/coalesce"
	"github.com/fisync/fisync/pkg/protocol"
	"github.com/fisync/fisync/pkg/scene"
)

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) Send(m protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) batch(t *testing.T, i int) *coalesce.Batch {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.msgs) {
		t.Fatalf("message %d not sent (have %d)", i, len(r.msgs))
	}
	b, err := coalesce.ParseBatch(r.msgs[i])
	if err != nil {
		t.Fatalf("ParseBatch() error = %v", err)
	}
	return b
}

func newTestModule(t *testing.T) *Module {
	t.Helper()
	m := New("viewer", "Viewer", WithCoalescerOptions(coalesce.WithInterval(time.Hour)))
	t.Cleanup(m.Close)

	s := m.Scene()
	must(t, s.AddVisual(scene.NewImage("ct", "CT", protocol.DataTypeImage, "ct-1")))
	must(t, s.AddVisual(scene.NewText("label", "Label", "patient")))
	must(t, s.AddInteraction(scene.NewInt("window", "Window", 0, 0, 100)))
	must(t, s.AddInteraction(scene.NewBool("grid", "Grid", true)))
	must(t, s.AddInteraction(scene.NewTrigger("reset", "Reset")))
	return m
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestSubscribeChangeRemoveUnsubscribeScenario(t *testing.T) {
	m := newTestModule(t)
	var rec recorder

	reply, err := m.HandleRequest("c1", &rec, protocol.NewMessage(protocol.TypeModule).
		Set(protocol.KeyModuleID, "viewer").
		Set(protocol.KeyRequestID, protocol.RequestSubscribe))
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	if reply.Valid() {
		t.Error("Subscribe should be answered by the snapshot alone")
	}

	snap := rec.batch(t, 0)
	if !snap.Snapshot || len(snap.Visuals) != 2 || len(snap.Interactions) != 3 {
		t.Fatalf("snapshot = %v with %d visuals, %d interactions, want 2, 3",
			snap.Snapshot, len(snap.Visuals), len(snap.Interactions))
	}

	// Five changes within one tick collapse into one entry with the last value.
	for v := 1; v <= 5; v++ {
		must(t, m.Scene().SetValue("window", scene.Int(v*10)))
	}
	m.Coalescer().Flush()

	b := rec.batch(t, 1)
	if len(b.Interactions) != 1 || len(b.Visuals) != 0 {
		t.Fatalf("flush = %d interactions, %d visuals, want 1, 0", len(b.Interactions), len(b.Visuals))
	}
	e := b.Interactions[0]
	if e.String(protocol.KeyID) != "window" || e.String(protocol.KeyResponseID) != protocol.ResponseValue {
		t.Errorf("entry = %s/%s, want window/Value", e.String(protocol.KeyID), e.String(protocol.KeyResponseID))
	}
	if v, _ := e.Int(protocol.KeyValue); v != 50 {
		t.Errorf("Value = %d, want 50", v)
	}

	// Removal produces a single Removed entry.
	must(t, m.Scene().SetTransform("label", scene.Translation(1, 0, 0)))
	must(t, m.Scene().RemoveVisual("label"))
	m.Coalescer().Flush()

	b = rec.batch(t, 2)
	if len(b.Visuals) != 1 {
		t.Fatalf("flush = %d visual entries, want 1", len(b.Visuals))
	}
	if got := b.Visuals[0].String(protocol.KeyResponseID); got != protocol.ResponseRemoved {
		t.Errorf("ResponseID = %q, want %q", got, protocol.ResponseRemoved)
	}

	// Stale keys for the removed visual are ignored at read time.
	sent := rec.count()
	m.Coalescer().MarkDirty(coalesce.ObjectKey("label", coalesce.ObjectProperties), false)
	m.Coalescer().Flush()
	if rec.count() != sent {
		t.Error("stale key produced a batch")
	}

	// The last unsubscribe stops the ticker; later changes send nothing.
	if _, err := m.HandleRequest("c1", &rec, protocol.NewMessage(protocol.TypeModule).
		Set(protocol.KeyRequestID, protocol.RequestUnsubscribe)); err != nil {
		t.Fatalf("Unsubscribe error = %v", err)
	}
	if m.Coalescer().Running() {
		t.Error("ticker should stop after the last unsubscribe")
	}
	must(t, m.Scene().SetValue("window", scene.Int(99)))
	m.Coalescer().MarkDirty(coalesce.InteractionKey("window", coalesce.InteractionValue), false)
	m.Coalescer().Flush()
	if rec.count() != sent {
		t.Errorf("sent %d messages after unsubscribe, want 0", rec.count()-sent)
	}
}

func TestDispatchMapsEvents(t *testing.T) {
	m := newTestModule(t)
	_ = m.Subscribe("c1", &recorder{})
	s := m.Scene()

	must(t, s.AddVisual(scene.NewAssembly("robot", "Robot", scene.NewPart("arm", "Arm", scene.Geometry{}))))
	must(t, s.SetTransform("ct", scene.Identity()))
	must(t, s.SetAppearance("ct", scene.DefaultAppearance("CT 2")))
	must(t, s.SetImage("ct", scene.ImageRef{DataType: protocol.DataTypeImage, DataID: "ct-2"}))
	must(t, s.SetPartTransform("robot", "arm", scene.Translation(0, 1, 0)))
	must(t, s.SetConstraint("window", scene.Range(0, 200, 1)))
	must(t, s.Trigger("reset"))

	stats := m.Coalescer().Stats()
	// AddVisual, Transform, Properties, Data, PartTransform, Constraint; the
	// trigger marks nothing.
	if stats.Pending != 6 {
		t.Errorf("Pending = %d, want 6", stats.Pending)
	}
}

func TestConstraintChangeCarriesConstraint(t *testing.T) {
	m := newTestModule(t)
	var rec recorder
	_ = m.Subscribe("c1", &rec)

	must(t, m.Scene().SetValue("window", scene.Int(5)))
	must(t, m.Scene().SetConstraint("window", scene.Range(0, 10, 1)))
	m.Coalescer().Flush()

	b := rec.batch(t, 1)
	if len(b.Interactions) != 1 || !b.Interactions[0].Has(protocol.KeyConstraint) {
		t.Fatal("merged Value entry should carry the constraint")
	}
}

func TestPartRemovalAfterAnnouncement(t *testing.T) {
	m := newTestModule(t)
	must(t, m.Scene().AddVisual(scene.NewAssembly("robot", "Robot",
		scene.NewPart("arm", "Arm", scene.Geometry{}),
		scene.NewPart("leg", "Leg", scene.Geometry{}))))

	var rec recorder
	_ = m.Subscribe("c1", &rec)

	must(t, m.Scene().RemovePart("robot", "arm"))
	m.Coalescer().Flush()

	b := rec.batch(t, 1)
	if len(b.Visuals) != 1 || b.Visuals[0].String(protocol.KeyResponseID) != protocol.ResponsePartRemoved {
		t.Fatalf("flush = %d entries, want one PartRemoved", len(b.Visuals))
	}
	if b.Visuals[0].String(protocol.KeyPartID) != "arm" {
		t.Errorf("PartID = %q, want arm", b.Visuals[0].String(protocol.KeyPartID))
	}
}

func TestHandleRequestErrors(t *testing.T) {
	m := newTestModule(t)

	req := func(kv ...any) protocol.Message {
		msg := protocol.NewMessage(protocol.TypeModule).Set(protocol.KeyModuleID, "viewer")
		for i := 0; i+1 < len(kv); i += 2 {
			msg = msg.Set(kv[i].(string), kv[i+1])
		}
		return msg
	}

	tests := []struct {
		name string
		req  protocol.Message
		want error
	}{
		{"missing_request_id", req(), protocol.ErrValidation},
		{"unknown_request", req(protocol.KeyRequestID, "Explode"), protocol.ErrValidation},
		{"set_missing_id", req(protocol.KeyRequestID, protocol.RequestSetInteraction), protocol.ErrValidation},
		{"set_unknown", req(protocol.KeyRequestID, protocol.RequestSetInteraction,
			protocol.KeyInteractionID, "nope", protocol.KeyValue, 1), protocol.ErrNotFound},
		{"set_missing_value", req(protocol.KeyRequestID, protocol.RequestSetInteraction,
			protocol.KeyInteractionID, "window"), protocol.ErrValidation},
		{"set_wrong_type", req(protocol.KeyRequestID, protocol.RequestSetInteraction,
			protocol.KeyInteractionID, "window", protocol.KeyValue, "high"), protocol.ErrValidation},
		{"set_out_of_range", req(protocol.KeyRequestID, protocol.RequestSetInteraction,
			protocol.KeyInteractionID, "window", protocol.KeyValue, 500), protocol.ErrValidation},
		{"trigger_not_trigger", req(protocol.KeyRequestID, protocol.RequestTriggerInteraction,
			protocol.KeyInteractionID, "grid"), protocol.ErrValidation},
		{"transform_missing", req(protocol.KeyRequestID, protocol.RequestSetTransform,
			protocol.KeyVisualID, "ct"), protocol.ErrValidation},
		{"transform_unknown", req(protocol.KeyRequestID, protocol.RequestSetTransform,
			protocol.KeyVisualID, "nope", protocol.KeyTransform, scene.Identity()), protocol.ErrNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reply, err := m.HandleRequest("c1", &recorder{}, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
			if reply.Status() != protocol.StatusError {
				t.Errorf("Status() = %q, want %q", reply.Status(), protocol.StatusError)
			}
			if reply.Info.String(protocol.KeyModuleID) != "viewer" {
				t.Errorf("reply ModuleID = %q, want viewer", reply.Info.String(protocol.KeyModuleID))
			}
		})
	}

	if got, _ := m.Scene().Interaction("window"); got.Value != scene.Int(0) {
		t.Errorf("window = %v, failed requests must not change it", got.Value)
	}
}

func TestHandleRequestSuccess(t *testing.T) {
	m := newTestModule(t)
	var fired []string
	m.Scene().OnChange(func(ev scene.ChangeEvent) {
		if ev.Kind == scene.InteractionTriggered {
			fired = append(fired, ev.InteractionID)
		}
	})

	steps := []protocol.Message{
		protocol.NewMessage(protocol.TypeModule).
			Set(protocol.KeyRequestID, protocol.RequestSetInteraction).
			Set(protocol.KeyInteractionID, "grid").
			Set(protocol.KeyValue, false),
		protocol.NewMessage(protocol.TypeModule).
			Set(protocol.KeyRequestID, protocol.RequestTriggerInteraction).
			Set(protocol.KeyInteractionID, "reset"),
		protocol.NewMessage(protocol.TypeModule).
			Set(protocol.KeyRequestID, protocol.RequestSetTransform).
			Set(protocol.KeyVisualID, "ct").
			Set(protocol.KeyTransform, scene.Translation(3, 2, 1)),
	}
	for _, req := range steps {
		reply, err := m.HandleRequest("c1", &recorder{}, req)
		if err != nil {
			t.Fatalf("%s error = %v", req.Info.String(protocol.KeyRequestID), err)
		}
		if reply.Status() != protocol.StatusSuccess {
			t.Errorf("%s status = %q", req.Info.String(protocol.KeyRequestID), reply.Status())
		}
	}

	if g, _ := m.Scene().Interaction("grid"); g.Value != scene.Bool(false) {
		t.Errorf("grid = %v, want false", g.Value)
	}
	if v, _ := m.Scene().Visual("ct"); v.Transform != scene.Translation(3, 2, 1) {
		t.Errorf("ct transform = %v", v.Transform)
	}
	if len(fired) != 1 || fired[0] != "reset" {
		t.Errorf("triggered = %v, want [reset]", fired)
	}
}

func TestGetSceneDoesNotSubscribe(t *testing.T) {
	m := newTestModule(t)

	reply, err := m.HandleRequest("c1", &recorder{}, protocol.NewMessage(protocol.TypeModule).
		Set(protocol.KeyRequestID, protocol.RequestGetScene))
	if err != nil {
		t.Fatalf("GetScene error = %v", err)
	}
	b, err := coalesce.ParseBatch(reply)
	if err != nil {
		t.Fatalf("ParseBatch() error = %v", err)
	}
	if b.Len() != 5 {
		t.Errorf("GetScene entries = %d, want 5", b.Len())
	}
	if m.Coalescer().IsSubscribed("c1") {
		t.Error("GetScene should not subscribe")
	}
}

func TestMirrorConvergesThroughBatches(t *testing.T) {
	m := newTestModule(t)
	var rec recorder
	_ = m.Subscribe("c1", &rec)

	mirror := scene.New()
	apply := func(i int) {
		b := rec.batch(t, i)
		for _, e := range b.Visuals {
			must(t, mirror.ApplyVisualEntry(e, b.Payload()))
		}
		for _, e := range b.Interactions {
			must(t, mirror.ApplyInteractionEntry(e))
		}
	}
	apply(0)

	s := m.Scene()
	must(t, s.AddVisual(scene.NewSurface("mesh", "Mesh", scene.Geometry{
		Points: []float32{0, 0, 0, 1, 1, 1, 2, 2, 2}, Triangles: []uint32{0, 1, 2},
	})))
	must(t, s.SetValue("window", scene.Int(42)))
	must(t, s.RemoveInteraction("grid"))
	must(t, s.SetText("label", "updated"))
	m.Coalescer().Flush()
	apply(1)

	if mirror.VisualCount() != s.VisualCount() || mirror.InteractionCount() != s.InteractionCount() {
		t.Fatalf("mirror has %d/%d items, want %d/%d",
			mirror.VisualCount(), mirror.InteractionCount(), s.VisualCount(), s.InteractionCount())
	}
	if w, _ := mirror.Interaction("window"); w.Value != scene.Int(42) {
		t.Errorf("mirror window = %v, want 42", w.Value)
	}
	if l, _ := mirror.Visual("label"); l.Text != "updated" {
		t.Errorf("mirror label = %q, want updated", l.Text)
	}
	if mesh, ok := mirror.Visual("mesh"); !ok || len(mesh.Geometry.Triangles) != 3 {
		t.Errorf("mirror mesh = %+v", mesh)
	}
}
