package volume

import (
	"context"
	"sync"
)

// Future is a value that is settled once, either resolved with a value or
// failed with an error. Later settle calls are no-ops.
type Future[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	err   error
	set   bool
	thens []func(T, error)
}

// NewFuture returns an unsettled future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// ResolvedFuture returns a future already resolved with v.
func ResolvedFuture[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// Resolve settles f with v. It reports whether this call settled it.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Fail settles f with err. It reports whether this call settled it.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.set {
		f.mu.Unlock()
		return false
	}
	f.value, f.err, f.set = v, err, true
	thens := f.thens
	f.thens = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range thens {
		fn(v, err)
	}
	return true
}

// Resolved reports whether f has settled.
func (f *Future[T]) Resolved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Result returns the settled value and error. Both are zero while f is
// unsettled.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Done is closed once f settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Then registers fn to run once f settles. If f has already settled, fn runs
// immediately on the calling goroutine; otherwise it runs on the goroutine
// that settles f.
func (f *Future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	if !f.set {
		f.thens = append(f.thens, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Wait blocks until f settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
