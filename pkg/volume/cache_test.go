package volume

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fisync/fisync/pkg/protocol"
)

type countingRequester struct {
	mu    sync.Mutex
	calls []SliceAddress
	err   error
}

func (r *countingRequester) RequestSlice(dataID string, addr SliceAddress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, addr)
	return r.err
}

func (r *countingRequester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var testMeta = Meta{Dimensions: [3]int{4, 3, 8}, Spacing: [3]float64{1, 1, 2}, SeriesCount: 1, Cacheable: true}

// slicePayload returns a normalized slice whose cell i holds i/cells.
func slicePayload(meta Meta, o Orientation) ([]float32, []byte) {
	n := SliceCells(meta.Dimensions, o)
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i) / float32(n)
	}
	return values, EncodeFloats(values)
}

func TestEnsureSliceArrivalScalesOnce(t *testing.T) {
	req := &countingRequester{}
	c := NewCache(req)
	addr := Addr(Transverse, 5, 0)

	f, err := c.EnsureSlice("D", addr)
	if err != nil {
		t.Fatalf("EnsureSlice() error = %v", err)
	}
	if f.Resolved() {
		t.Fatal("future resolved before arrival")
	}
	if req.count() != 1 {
		t.Fatalf("requests = %d, want 1", req.count())
	}

	wire, payload := slicePayload(testMeta, Transverse)
	if err := c.OnSliceArrived("D", testMeta, addr, payload); err != nil {
		t.Fatalf("OnSliceArrived() error = %v", err)
	}
	if !f.Resolved() {
		t.Fatal("future not resolved after arrival")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	vol, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	got, err := vol.Slice(Transverse, 5)
	if err != nil {
		t.Fatalf("Slice() error = %v", err)
	}
	for i, w := range wire {
		if want := w * DisplayMax; math.Abs(float64(got[i]-want)) > 1e-4 {
			t.Fatalf("slice[%d] = %v, want %v", i, got[i], want)
		}
	}
	// x-fastest layout: (x=1,y=2,z=5) is slice cell 1+2*4.
	if got, want := vol.At(1, 2, 5), wire[9]*DisplayMax; got != want {
		t.Errorf("At(1,2,5) = %v, want %v", got, want)
	}
	if c.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", c.InFlight())
	}

	again, _ := c.EnsureSlice("D", addr)
	if !again.Resolved() || req.count() != 1 {
		t.Errorf("hit: resolved=%v requests=%d, want true 1", again.Resolved(), req.count())
	}
}

func TestEnsureSliceDedupConcurrent(t *testing.T) {
	req := &countingRequester{}
	c := NewCache(req)
	addr := Addr(Coronal, 1, 0)

	const callers = 32
	futures := make([]*Future[*PartialVolume], callers)
	var wg sync.WaitGroup
	for i := range futures {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := c.EnsureSlice("D", addr)
			if err != nil {
				t.Errorf("EnsureSlice() error = %v", err)
				return
			}
			futures[i] = f
		}(i)
	}
	wg.Wait()

	if req.count() != 1 {
		t.Fatalf("requests = %d, want 1", req.count())
	}
	for i, f := range futures {
		if f != futures[0] {
			t.Fatalf("caller %d got a different future", i)
		}
	}

	var resolved atomic.Int32
	for _, f := range futures {
		f.Then(func(*PartialVolume, error) { resolved.Add(1) })
	}
	_, payload := slicePayload(testMeta, Coronal)
	if err := c.OnSliceArrived("D", testMeta, addr, payload); err != nil {
		t.Fatalf("OnSliceArrived() error = %v", err)
	}
	if resolved.Load() != callers {
		t.Errorf("continuations = %d, want %d", resolved.Load(), callers)
	}
	if s := c.Stats(); s.Misses != 1 || s.Joins != callers-1 {
		t.Errorf("Stats() misses=%d joins=%d, want 1 %d", s.Misses, s.Joins, callers-1)
	}
}

func TestPresenceIsMonotonic(t *testing.T) {
	c := NewCache(&countingRequester{})
	_, transverse := slicePayload(testMeta, Transverse)
	_, sagittal := slicePayload(testMeta, Sagittal)

	if err := c.OnSliceArrived("D", testMeta, Addr(Transverse, 2, 0), transverse); err != nil {
		t.Fatal(err)
	}

	ops := []func() error{
		func() error { return c.OnSliceArrived("D", testMeta, Addr(Transverse, 3, 0), transverse) },
		func() error { return c.OnSliceArrived("D", testMeta, Addr(Sagittal, 0, 0), sagittal) },
		func() error {
			uncached := testMeta
			uncached.Cacheable = false
			return c.OnSliceArrived("D", uncached, Addr(Transverse, 2, 0), transverse)
		},
		func() error { _, err := c.EnsureSlice("D", Addr(Coronal, 0, 0)); return err },
		func() error { c.Invalidate("other"); return nil },
	}
	for i, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("op %d error = %v", i, err)
		}
		if !c.Has("D", Addr(Transverse, 2, 0)) {
			t.Fatalf("presence cleared by op %d", i)
		}
	}

	c.Invalidate("D")
	if c.Has("D", Addr(Transverse, 2, 0)) {
		t.Error("Invalidate should clear presence")
	}
	if c.InFlight() != 0 {
		t.Errorf("InFlight() = %d after Invalidate, want 0", c.InFlight())
	}
}

func TestNonCacheableArrivalResolvesWithoutPresence(t *testing.T) {
	req := &countingRequester{}
	c := NewCache(req)
	meta := testMeta
	meta.Cacheable = false
	addr := Addr(Sagittal, 3, 0)

	f, _ := c.EnsureSlice("D", addr)
	_, payload := slicePayload(meta, Sagittal)
	if err := c.OnSliceArrived("D", meta, addr, payload); err != nil {
		t.Fatal(err)
	}
	if !f.Resolved() {
		t.Error("future should resolve")
	}
	if c.Has("D", addr) {
		t.Error("non-cacheable slice should not be marked present")
	}
	if _, err := c.EnsureSlice("D", addr); err != nil || req.count() != 2 {
		t.Errorf("requests = %d, want a refetch", req.count())
	}
}

func TestOnSliceArrivedValidation(t *testing.T) {
	tests := []struct {
		name    string
		meta    Meta
		addr    SliceAddress
		payload []byte
	}{
		{"short_payload", testMeta, Addr(Transverse, 0, 0), make([]byte, 4*11)},
		{"long_payload", testMeta, Addr(Transverse, 0, 0), make([]byte, 4*13)},
		{"slice_out_of_range", testMeta, Addr(Transverse, 8, 0), make([]byte, 4*12)},
		{"series_out_of_range", testMeta, Addr(Transverse, 0, 1), make([]byte, 4*12)},
		{"zero_dimension", Meta{Dimensions: [3]int{0, 3, 8}, SeriesCount: 1}, Addr(Transverse, 0, 0), nil},
		{"no_series", Meta{Dimensions: [3]int{4, 3, 8}}, Addr(Transverse, 0, 0), make([]byte, 4*12)},
		{"huge_volume", Meta{Dimensions: [3]int{1, 1, math.MaxInt32}, SeriesCount: 1}, Addr(Transverse, 0, 0), EncodeFloats([]float32{0.5})},
		{"overflowing_volume", Meta{Dimensions: [3]int{1, math.MaxInt32, math.MaxInt32}, SeriesCount: 4}, Addr(Sagittal, 0, 0), nil},
		{"too_many_series", Meta{Dimensions: [3]int{1, 1, 1}, SeriesCount: DefaultMaxVoxels + 1}, Addr(Transverse, 0, 0), EncodeFloats([]float32{0.5})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCache(&countingRequester{})
			f, _ := c.EnsureSlice("D", tc.addr)
			err := c.OnSliceArrived("D", tc.meta, tc.addr, tc.payload)
			if !errors.Is(err, protocol.ErrValidation) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if f.Resolved() {
				t.Error("rejected arrival must not resolve the future")
			}
			if _, ok := c.Get("D"); ok {
				t.Error("rejected arrival must not allocate an entry")
			}
		})
	}
}

func TestOversizedArrivalLeavesCacheUsable(t *testing.T) {
	c := NewCache(&countingRequester{}, WithMaxVoxels(4*3*8))
	addr := Addr(Transverse, 0, 0)

	big := Meta{Dimensions: [3]int{4, 3, 9}, SeriesCount: 1, Cacheable: true}
	_, payload := slicePayload(big, Transverse)
	if err := c.OnSliceArrived("D", big, addr, payload); !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("oversized arrival error = %v, want ValidationError", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f, err := c.EnsureSlice("D", addr)
		if err != nil {
			t.Errorf("EnsureSlice() error = %v", err)
			return
		}
		_, payload := slicePayload(testMeta, Transverse)
		if err := c.OnSliceArrived("D", testMeta, addr, payload); err != nil {
			t.Errorf("OnSliceArrived() error = %v", err)
		}
		if !f.Resolved() {
			t.Error("future not resolved")
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cache blocked after a rejected arrival")
	}
	if c.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", c.InFlight())
	}
}

func TestMetaValidateSize(t *testing.T) {
	tests := []struct {
		name    string
		meta    Meta
		max     int
		wantErr bool
	}{
		{"fits", Meta{Dimensions: [3]int{4, 4, 4}, SeriesCount: 2}, 128, false},
		{"one_over", Meta{Dimensions: [3]int{4, 4, 4}, SeriesCount: 2}, 127, true},
		{"overflow", Meta{Dimensions: [3]int{math.MaxInt32, math.MaxInt32, math.MaxInt32}, SeriesCount: 1}, math.MaxInt, true},
		{"negative", Meta{Dimensions: [3]int{4, -1, 4}, SeriesCount: 1}, 128, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.meta.ValidateSize(tc.max)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateSize(%d) error = %v, wantErr %v", tc.max, err, tc.wantErr)
			}
		})
	}
}

func TestMetaMismatchReplacesEntry(t *testing.T) {
	c := NewCache(&countingRequester{})
	_, payload := slicePayload(testMeta, Transverse)
	if err := c.OnSliceArrived("D", testMeta, Addr(Transverse, 1, 0), payload); err != nil {
		t.Fatal(err)
	}

	bigger := testMeta
	bigger.Dimensions = [3]int{4, 3, 16}
	if err := c.OnSliceArrived("D", bigger, Addr(Transverse, 9, 0), payload); err != nil {
		t.Fatal(err)
	}
	e, ok := c.Get("D")
	if !ok || e.Meta.Dimensions != bigger.Dimensions {
		t.Fatalf("entry dimensions = %v, want %v", e.Meta.Dimensions, bigger.Dimensions)
	}
	if c.Has("D", Addr(Transverse, 1, 0)) {
		t.Error("replaced entry should start empty")
	}
	if !c.Has("D", Addr(Transverse, 9, 0)) {
		t.Error("new slice should be present")
	}
	if s := c.Stats(); s.Replaced != 1 {
		t.Errorf("Replaced = %d, want 1", s.Replaced)
	}
}

func TestStudySeriesAreIndependent(t *testing.T) {
	c := NewCache(&countingRequester{})
	meta := testMeta
	meta.SeriesCount = 3
	_, payload := slicePayload(meta, Transverse)

	if err := c.OnSliceArrived("S", meta, Addr(Transverse, 4, 2), payload); err != nil {
		t.Fatal(err)
	}
	if !c.Has("S", Addr(Transverse, 4, 2)) {
		t.Error("series 2 slice should be present")
	}
	if c.Has("S", Addr(Transverse, 4, 0)) {
		t.Error("series 0 slice should be absent")
	}
	e, _ := c.Get("S")
	if len(e.Series) != 3 {
		t.Errorf("series = %d, want 3", len(e.Series))
	}
}

func TestRequesterFailure(t *testing.T) {
	boom := errors.New("link down")
	req := &countingRequester{err: boom}
	c := NewCache(req)

	f, err := c.EnsureSlice("D", Addr(Transverse, 0, 0))
	if !errors.Is(err, boom) || f != nil {
		t.Fatalf("EnsureSlice() = %v, %v; want nil, %v", f, err, boom)
	}
	if c.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", c.InFlight())
	}

	req.err = nil
	if _, err := c.EnsureSlice("D", Addr(Transverse, 0, 0)); err != nil {
		t.Fatal(err)
	}
	if req.count() != 2 {
		t.Errorf("requests = %d, want a retry", req.count())
	}
}

func TestInvalidateAbandonsWaiters(t *testing.T) {
	c := NewCache(&countingRequester{})
	f, _ := c.EnsureSlice("D", Addr(Transverse, 0, 0))
	c.Invalidate("D")

	_, payload := slicePayload(testMeta, Transverse)
	if err := c.OnSliceArrived("D", testMeta, Addr(Transverse, 0, 0), payload); err != nil {
		t.Fatal(err)
	}
	if f.Resolved() {
		t.Error("invalidated waiter should stay unresolved")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestOnSliceFailed(t *testing.T) {
	req := &countingRequester{}
	c := NewCache(req)
	addr := Addr(Coronal, 1, 0)
	f, _ := c.EnsureSlice("D", addr)

	notFound := protocol.NotFoundf("data request", "unknown dataset")
	if !c.OnSliceFailed("D", addr, notFound) {
		t.Fatal("OnSliceFailed() = false, want an outstanding fetch")
	}
	if _, err := f.Result(); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("Result() error = %v, want NotFoundError", err)
	}
	if c.OnSliceFailed("D", addr, notFound) {
		t.Error("second OnSliceFailed() should find nothing")
	}
	if _, err := c.EnsureSlice("D", addr); err != nil || req.count() != 2 {
		t.Errorf("retry after failure: err = %v, requests = %d", err, req.count())
	}
}
