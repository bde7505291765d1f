package coalesce

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fisync/fisync/pkg/protocol"
)

// fakeResolver serves values from a map of item IDs.
type fakeResolver struct {
	mu           sync.Mutex
	visuals      map[string]string
	interactions map[string]int
	resolved     []Key
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{visuals: map[string]string{}, interactions: map[string]int{}}
}

func (r *fakeResolver) Snapshot(b *Batch) []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []Item
	for id, v := range r.visuals {
		b.AddVisual(protocol.NewInfo().Set(protocol.KeyResponseID, protocol.ResponseFull).Set(protocol.KeyID, id).Set(protocol.KeyName, v))
		items = append(items, VisualItem(id))
	}
	for id, v := range r.interactions {
		b.AddInteraction(protocol.NewInfo().Set(protocol.KeyResponseID, protocol.ResponseFull).Set(protocol.KeyID, id).Set(protocol.KeyValue, v))
		items = append(items, InteractionItem(id))
	}
	return items
}

func (r *fakeResolver) Resolve(b *Batch, key Key, constraint bool) ([]Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, key)
	switch key.Scope {
	case ScopeObject:
		v, ok := r.visuals[key.ID]
		if !ok {
			return nil, false
		}
		b.AddVisual(protocol.NewInfo().Set(protocol.KeyResponseID, "k").Set(protocol.KeyID, key.ID).Set(protocol.KeyName, v))
		return []Item{VisualItem(key.ID)}, true
	case ScopeInteraction:
		v, ok := r.interactions[key.ID]
		if !ok {
			return nil, false
		}
		e := protocol.NewInfo().Set(protocol.KeyID, key.ID).Set(protocol.KeyValue, v)
		if constraint {
			e.Set(protocol.KeyConstraint, true)
		}
		b.AddInteraction(e)
		return []Item{InteractionItem(key.ID)}, true
	}
	return nil, false
}

func (r *fakeResolver) Removed(b *Batch, item Item) {
	e := protocol.NewInfo().Set(protocol.KeyResponseID, protocol.ResponseRemoved).Set(protocol.KeyID, item.ID)
	if item.Scope == ScopeInteraction {
		b.AddInteraction(e)
		return
	}
	b.AddVisual(e)
}

func (r *fakeResolver) setInteraction(id string, v int) {
	r.mu.Lock()
	r.interactions[id] = v
	r.mu.Unlock()
}

func (r *fakeResolver) deleteVisual(id string) {
	r.mu.Lock()
	delete(r.visuals, id)
	r.mu.Unlock()
}

// recorder is a Sender that keeps every message.
type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
	err  error
}

func (r *recorder) Send(m protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) last(t *testing.T) *Batch {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		t.Fatal("no messages sent")
	}
	b, err := ParseBatch(r.msgs[len(r.msgs)-1])
	if err != nil {
		t.Fatalf("ParseBatch() error = %v", err)
	}
	return b
}

// newTestCoalescer uses a long interval so tests drive Flush by hand.
func newTestCoalescer(r Resolver) *Coalescer {
	return New("m", r, WithInterval(time.Hour))
}

func TestSubscribeSendsSnapshot(t *testing.T) {
	res := newFakeResolver()
	res.visuals["v1"], res.visuals["v2"] = "a", "b"
	res.interactions["i1"] = 1

	c := newTestCoalescer(res)
	defer c.Close()

	var rec recorder
	if err := c.Subscribe("c1", &rec); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b := rec.last(t)
	if !b.Snapshot {
		t.Error("first message should be a snapshot")
	}
	if len(b.Visuals) != 2 || len(b.Interactions) != 1 {
		t.Errorf("snapshot = %d visuals, %d interactions, want 2, 1", len(b.Visuals), len(b.Interactions))
	}
	if !c.Running() {
		t.Error("ticker should run with a subscriber")
	}
}

func TestMarkDirtyMergesAndFlushReadsLatest(t *testing.T) {
	res := newFakeResolver()
	res.interactions["level"] = 0
	c := newTestCoalescer(res)
	defer c.Close()

	var rec recorder
	_ = c.Subscribe("c1", &rec)

	for v := 1; v <= 5; v++ {
		res.setInteraction("level", v)
		c.MarkDirty(InteractionKey("level", InteractionValue), false)
	}

	if n := c.Flush(); n != 1 {
		t.Fatalf("Flush() = %d entries, want 1", n)
	}
	b := rec.last(t)
	if len(b.Interactions) != 1 {
		t.Fatalf("got %d interaction entries, want 1", len(b.Interactions))
	}
	if v, _ := b.Interactions[0].Int(protocol.KeyValue); v != 5 {
		t.Errorf("Value = %d, want 5", v)
	}

	stats := c.Stats()
	if stats.Marks != 5 || stats.MarksMerged != 4 {
		t.Errorf("Marks = %d, MarksMerged = %d, want 5, 4", stats.Marks, stats.MarksMerged)
	}
	if c.Flush() != 0 {
		t.Error("second Flush() should be a no-op")
	}
}

func TestFlushPreservesFirstInsertionOrder(t *testing.T) {
	res := newFakeResolver()
	res.visuals["a"], res.visuals["b"], res.visuals["c"] = "1", "2", "3"
	c := newTestCoalescer(res)
	defer c.Close()
	_ = c.Subscribe("c1", &recorder{})

	c.MarkDirty(ObjectKey("b", ObjectTransform), false)
	c.MarkDirty(ObjectKey("a", ObjectTransform), false)
	c.MarkDirty(ObjectKey("b", ObjectTransform), false)
	c.MarkDirty(ObjectKey("c", ObjectProperties), false)
	c.MarkDirty(ObjectKey("a", ObjectProperties), false)

	res.resolved = nil
	c.Flush()

	want := []Key{
		ObjectKey("b", ObjectTransform),
		ObjectKey("a", ObjectTransform),
		ObjectKey("c", ObjectProperties),
		ObjectKey("a", ObjectProperties),
	}
	if len(res.resolved) != len(want) {
		t.Fatalf("resolved %v, want %v", res.resolved, want)
	}
	for i := range want {
		if res.resolved[i] != want[i] {
			t.Errorf("resolved[%d] = %v, want %v", i, res.resolved[i], want[i])
		}
	}
}

func TestConstraintFlagIsMerged(t *testing.T) {
	res := newFakeResolver()
	res.interactions["x"] = 1
	c := newTestCoalescer(res)
	defer c.Close()
	var rec recorder
	_ = c.Subscribe("c1", &rec)

	c.MarkDirty(InteractionKey("x", InteractionValue), false)
	c.MarkDirty(InteractionKey("x", InteractionValue), true)
	c.MarkDirty(InteractionKey("x", InteractionValue), false)
	c.Flush()

	b := rec.last(t)
	if len(b.Interactions) != 1 || !b.Interactions[0].Has(protocol.KeyConstraint) {
		t.Errorf("entries = %d, constraint = %v, want 1 entry carrying the constraint",
			len(b.Interactions), len(b.Interactions) == 1 && b.Interactions[0].Has(protocol.KeyConstraint))
	}
}

func TestRemovedOnceThenIgnored(t *testing.T) {
	res := newFakeResolver()
	res.visuals["v1"] = "a"
	c := newTestCoalescer(res)
	defer c.Close()
	var rec recorder
	_ = c.Subscribe("c1", &rec)

	res.deleteVisual("v1")
	c.MarkDirty(ObjectKey("v1", ObjectFull), false)
	c.MarkDirty(ObjectKey("v1", ObjectTransform), false)
	c.Flush()

	b := rec.last(t)
	if len(b.Visuals) != 1 || b.Visuals[0].String(protocol.KeyResponseID) != protocol.ResponseRemoved {
		t.Fatalf("flush = %d entries, want a single Removed entry", len(b.Visuals))
	}

	sent := rec.count()
	c.MarkDirty(ObjectKey("v1", ObjectTransform), false)
	if n := c.Flush(); n != 0 {
		t.Errorf("Flush() for a stale key = %d entries, want 0", n)
	}
	if rec.count() != sent {
		t.Error("no batch should be sent for stale keys")
	}
	if s := c.Stats(); s.Removed != 1 || s.Ignored != 1 {
		t.Errorf("Removed = %d, Ignored = %d, want 1, 1", s.Removed, s.Ignored)
	}
}

func TestNeverAnnouncedItemIsIgnored(t *testing.T) {
	res := newFakeResolver()
	c := newTestCoalescer(res)
	defer c.Close()
	var rec recorder
	_ = c.Subscribe("c1", &rec)

	c.MarkDirty(ObjectKey("ghost", ObjectFull), false)
	if n := c.Flush(); n != 0 {
		t.Errorf("Flush() = %d, want 0 for an item nobody saw", n)
	}
}

func TestNoSubscribersNoWork(t *testing.T) {
	res := newFakeResolver()
	res.visuals["v"] = "x"
	c := newTestCoalescer(res)
	defer c.Close()

	c.MarkDirty(ObjectKey("v", ObjectFull), false)
	if s := c.Stats(); s.Pending != 0 || s.Marks != 0 {
		t.Errorf("Pending = %d, Marks = %d, want 0, 0", s.Pending, s.Marks)
	}
	if c.Running() {
		t.Error("ticker should not run without subscribers")
	}
}

func TestUnsubscribeStopsTicker(t *testing.T) {
	res := newFakeResolver()
	res.interactions["i"] = 1
	c := New("m", res, WithInterval(5*time.Millisecond))
	defer c.Close()

	var rec recorder
	_ = c.Subscribe("c1", &rec)
	c.Unsubscribe("c1")
	c.Unsubscribe("c1")

	if c.Running() {
		t.Error("ticker should stop with the last subscriber")
	}
	sent := rec.count()
	res.setInteraction("i", 2)
	c.MarkDirty(InteractionKey("i", InteractionValue), false)
	time.Sleep(30 * time.Millisecond)
	if rec.count() != sent {
		t.Errorf("sent %d messages after unsubscribe, want 0", rec.count()-sent)
	}
}

func TestTickerFlushes(t *testing.T) {
	res := newFakeResolver()
	res.interactions["i"] = 1

	flushed := make(chan FlushInfo, 1)
	c := New("m", res, WithInterval(5*time.Millisecond), WithFlushHook(func(fi FlushInfo) {
		select {
		case flushed <- fi:
		default:
		}
	}))
	defer c.Close()

	var rec recorder
	_ = c.Subscribe("c1", &rec)
	res.setInteraction("i", 2)
	c.MarkDirty(InteractionKey("i", InteractionValue), false)

	select {
	case fi := <-flushed:
		if fi.Entries != 1 || fi.Subscribers != 1 || fi.ModuleID != "m" {
			t.Errorf("FlushInfo = %+v, want 1 entry to 1 subscriber of m", fi)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not flush")
	}
}

func TestFirstSubscriberClearsPending(t *testing.T) {
	res := newFakeResolver()
	res.visuals["v"] = "x"
	c := newTestCoalescer(res)
	defer c.Close()

	_ = c.Subscribe("c1", &recorder{})
	c.MarkDirty(ObjectKey("v", ObjectTransform), false)
	c.Unsubscribe("c1")

	_ = c.Subscribe("c2", &recorder{})
	if s := c.Stats(); s.Pending != 0 {
		t.Errorf("Pending = %d, want 0 after a fresh first subscriber", s.Pending)
	}
}

func TestSubscribeSendFailure(t *testing.T) {
	c := newTestCoalescer(newFakeResolver())
	defer c.Close()

	boom := errors.New("boom")
	if err := c.Subscribe("c1", &recorder{err: boom}); !errors.Is(err, boom) {
		t.Errorf("Subscribe() error = %v, want %v", err, boom)
	}
	if c.IsSubscribed("c1") {
		t.Error("failed subscriber should be removed")
	}
}

// hookResolver runs onSnapshot inside every Snapshot call.
type hookResolver struct {
	*fakeResolver
	onSnapshot func()
}

func (r *hookResolver) Snapshot(b *Batch) []Item {
	if r.onSnapshot != nil {
		r.onSnapshot()
	}
	return r.fakeResolver.Snapshot(b)
}

func TestSnapshotPrecedesConcurrentFlush(t *testing.T) {
	for i := 0; i < 50; i++ {
		res := &hookResolver{fakeResolver: newFakeResolver()}
		res.interactions["i"] = 1
		c := newTestCoalescer(res)

		var existing recorder
		_ = c.Subscribe("a", &existing)
		res.setInteraction("i", 2)
		c.MarkDirty(InteractionKey("i", InteractionValue), false)

		flushed := make(chan struct{})
		res.onSnapshot = func() {
			started := make(chan struct{})
			go func() {
				close(started)
				c.Flush()
				close(flushed)
			}()
			<-started
			time.Sleep(time.Millisecond)
		}
		var joined recorder
		if err := c.Subscribe("b", &joined); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		<-flushed
		c.Close()

		joined.mu.Lock()
		msgs := append([]protocol.Message(nil), joined.msgs...)
		joined.mu.Unlock()
		if len(msgs) == 0 {
			t.Fatal("new subscriber got no messages")
		}
		var last uint64
		for j, m := range msgs {
			b, err := ParseBatch(m)
			if err != nil {
				t.Fatalf("ParseBatch() error = %v", err)
			}
			if j == 0 && !b.Snapshot {
				t.Fatalf("iteration %d: first message is a delta (sequence %d), want the snapshot", i, b.Sequence)
			}
			if j > 0 && b.Sequence <= last {
				t.Errorf("iteration %d: sequence %d after %d", i, b.Sequence, last)
			}
			last = b.Sequence
		}
	}
}

func TestBroadcastToAllSubscribers(t *testing.T) {
	res := newFakeResolver()
	res.interactions["i"] = 1
	c := newTestCoalescer(res)
	defer c.Close()

	var a, b recorder
	failing := &recorder{err: errors.New("slow")}
	_ = c.Subscribe("a", &a)
	_ = c.Subscribe("b", &b)
	c.subscribers["f"] = failing
	c.subOrder = append(c.subOrder, "f")

	c.MarkDirty(InteractionKey("i", InteractionValue), false)
	c.Flush()

	if a.count() != 2 || b.count() != 2 {
		t.Errorf("a = %d, b = %d messages, want 2 each (snapshot + batch)", a.count(), b.count())
	}
	if got := c.Subscribers(); len(got) != 3 || got[0] != "a" {
		t.Errorf("Subscribers() = %v", got)
	}
}

func TestClose(t *testing.T) {
	c := New("m", newFakeResolver(), WithInterval(time.Millisecond))
	_ = c.Subscribe("c1", &recorder{})
	c.Close()
	c.Close()

	if c.Running() {
		t.Error("ticker should stop on Close")
	}
	if err := c.Subscribe("c2", &recorder{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestBatchMessageRoundTrip(t *testing.T) {
	b := NewBatch("viewer", false)
	b.Sequence = 7
	off := b.AppendPayload([]byte{1, 2, 3})
	b.AddVisual(protocol.NewInfo().Set(protocol.KeyID, "v").Set(protocol.KeyPayloadOffset, off))
	b.AddInteraction(protocol.NewInfo().Set(protocol.KeyID, "i"))

	msg := b.Message()
	if !msg.HasPayload() {
		t.Fatal("message should carry the payload")
	}

	back, err := ParseBatch(msg)
	if err != nil {
		t.Fatalf("ParseBatch() error = %v", err)
	}
	if back.ModuleID != "viewer" || back.Sequence != 7 || back.Snapshot {
		t.Errorf("header = %s/%d/%v, want viewer/7/false", back.ModuleID, back.Sequence, back.Snapshot)
	}
	if back.Len() != 2 || len(back.Payload()) != 3 {
		t.Errorf("Len() = %d, payload = %d, want 2, 3", back.Len(), len(back.Payload()))
	}

	empty := NewBatch("viewer", true).Message()
	if empty.HasPayload() {
		t.Error("empty batch should not carry a payload")
	}
	if _, err := ParseBatch(protocol.NewMessage(protocol.TypeData)); !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("ParseBatch(Data) error = %v, want ValidationError", err)
	}
}
