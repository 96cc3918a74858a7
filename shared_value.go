package worklets

import (
	"sync"

	"github.com/dop251/goja"
)

// sharedValueListener pairs a registration id with its callback so
// notification order follows registration order.
type sharedValueListener struct {
	id int
	fn func()
}

// SharedValue is a thread-safe mutable cell holding one wrapped value.
// Any goroutine may read or replace the value; listeners fire in
// registration order after each replacement. Contexts observe the value
// through Bind, which materializes it on their own runtime at read time,
// so no engine handle crosses a runtime boundary.
type SharedValue struct {
	mu        sync.Mutex
	value     *Wrapper
	listeners []sharedValueListener
	nextID    int
}

// NewSharedValue creates a shared value. A nil initial value starts as
// undefined.
func NewSharedValue(initial *Wrapper) *SharedValue {
	if initial == nil {
		initial = WrapUndefined()
	}
	return &SharedValue{value: initial}
}

// Get returns the current wrapped value.
func (s *SharedValue) Get() *Wrapper {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set replaces the value and notifies listeners. Listeners run on the
// calling goroutine, outside the lock, in registration order.
func (s *SharedValue) Set(v *Wrapper) {
	if v == nil {
		v = WrapUndefined()
	}
	s.mu.Lock()
	s.value = v
	notify := make([]sharedValueListener, len(s.listeners))
	copy(notify, s.listeners)
	s.mu.Unlock()

	for _, l := range notify {
		l.fn()
	}
}

// AddListener registers fn to run after every Set and returns a removal
// function. Removing twice is harmless.
func (s *SharedValue) AddListener(fn func()) (remove func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, sharedValueListener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Bind exposes the shared value to rt as an object with `get` and `set`
// functions. Reads materialize the current value on rt; writes capture
// the argument on rt's goroutine before publishing it.
//
// Must be called on the goroutine owning rt.
func (s *SharedValue) Bind(rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()

	_ = obj.Set("get", func(goja.FunctionCall) goja.Value {
		return s.Get().Unwrap(rt)
	})
	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		s.Set(Wrap(rt, call.Argument(0)))
		return goja.Undefined()
	})

	return obj
}
