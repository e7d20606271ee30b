package loader

import (
	"context"
	"fmt"
	"sync"
)

// Future is the pending result of one Load.
type Future struct {
	scope *Scope
	kind  string
	key   string

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newFuture(s *Scope, kind, key string) *Future {
	return &Future{
		scope: s,
		kind:  kind,
		key:   key,
		done:  make(chan struct{}),
	}
}

func failedFuture(kind, key string, err error) *Future {
	f := newFuture(nil, kind, key)
	f.resolve(nil, err)
	return f
}

// resolve completes the future. Only the first call has an effect.
func (f *Future) resolve(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Kind returns the loader kind of the future.
func (f *Future) Kind() string { return f.kind }

// Key returns the key of the future.
func (f *Future) Key() string { return f.key }

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether the result is available.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the result is available. When the owning scope has no
// debounce timer and the future is still pending, Await flushes the scope.
// A nil value with a nil error means the key was not found.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	if f.scope != nil && f.scope.waitDuration() <= 0 {
		// Window failures are reported through the futures themselves.
		_ = f.scope.Flush(ctx)
	}

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LoadAs loads key and asserts the result to V. found is false for a
// per-key miss.
func LoadAs[V any](ctx context.Context, s *Scope, kind, key string) (value V, found bool, err error) {
	v, err := s.Load(kind, key).Await(ctx)
	if err != nil {
		return value, false, err
	}
	if v == nil {
		return value, false, nil
	}
	typed, ok := v.(V)
	if !ok {
		return value, false, fmt.Errorf("loader: %s %q: unexpected result type %T", kind, key, v)
	}
	return typed, true, nil
}

// AwaitAll waits for every future and returns the values in order.
// The first error encountered is returned alongside the partial values.
func AwaitAll(ctx context.Context, futures []*Future) ([]any, error) {
	values := make([]any, len(futures))
	var firstErr error
	for i, f := range futures {
		v, err := f.Await(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		values[i] = v
	}
	return values, firstErr
}
