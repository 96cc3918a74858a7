package worklets

import (
	"strconv"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Kind identifies the variant a Wrapper holds.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
	KindFunction
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindFunction:
		return "function"
	}
	return "unknown"
}

// maxWrapDepth bounds recursive capture so cyclic object graphs cannot
// hang the caller. Values beyond the bound wrap as undefined.
const maxWrapDepth = 100

// Wrapper holds one value captured from a source runtime in an
// engine-agnostic form. Primitives copy by value, arrays and objects are
// captured recursively, and functions keep a reference into their source
// runtime that is only ever exercised through the owning context's queue.
//
// A Wrapper never stores a handle from one runtime for reuse in another:
// Unwrap re-materializes the value in the target runtime every time.
type Wrapper struct {
	kind Kind

	boolVal bool
	numVal  float64
	strVal  string

	mu    sync.Mutex
	items []*Wrapper
	keys  []string
	props map[string]*Wrapper

	// Function variant: the captured callable stays valid only inside
	// its source runtime, on that runtime's owning goroutine.
	fnVal goja.Value
	fn    goja.Callable

	// Source runtime, kept for same-runtime short-circuits and for
	// resolving the owning context when marshalling calls or writing
	// mutations back to the original object.
	srcRT    *goja.Runtime
	original *goja.Object
}

// Wrap captures v from rt into an engine-agnostic Wrapper. Must be called
// on the goroutine owning rt. Unsupported value kinds wrap as undefined
// with a diagnostic; Wrap never fails.
func Wrap(rt *goja.Runtime, v goja.Value) *Wrapper {
	return wrapDepth(rt, v, 0)
}

func wrapDepth(rt *goja.Runtime, v goja.Value, depth int) *Wrapper {
	if depth > maxWrapDepth {
		Logger().Warn("value exceeds max wrap depth, capturing as undefined",
			zap.Int("maxDepth", maxWrapDepth))
		return &Wrapper{kind: KindUndefined}
	}
	if isNullish(v) {
		if v != nil && goja.IsNull(v) {
			return &Wrapper{kind: KindNull}
		}
		return &Wrapper{kind: KindUndefined}
	}

	if obj, ok := v.(*goja.Object); ok {
		if fn, ok := goja.AssertFunction(v); ok {
			return &Wrapper{kind: KindFunction, fnVal: v, fn: fn, srcRT: rt}
		}
		if obj.ClassName() == "Array" {
			length := int(obj.Get("length").ToInteger())
			w := &Wrapper{kind: KindArray, srcRT: rt, original: obj}
			w.items = make([]*Wrapper, length)
			for i := 0; i < length; i++ {
				w.items[i] = wrapDepth(rt, obj.Get(strconv.Itoa(i)), depth+1)
			}
			return w
		}
		w := &Wrapper{kind: KindObject, srcRT: rt, original: obj}
		w.props = make(map[string]*Wrapper)
		for _, key := range obj.Keys() {
			w.keys = append(w.keys, key)
			w.props[key] = wrapDepth(rt, obj.Get(key), depth+1)
		}
		return w
	}

	switch e := v.Export().(type) {
	case bool:
		return &Wrapper{kind: KindBool, boolVal: e}
	case string:
		return &Wrapper{kind: KindString, strVal: e}
	case int64:
		return &Wrapper{kind: KindNumber, numVal: float64(e)}
	case float64:
		return &Wrapper{kind: KindNumber, numVal: e}
	default:
		Logger().Warn("wrapping unsupported value kind as undefined",
			zap.String("goType", v.ExportType().String()))
		return &Wrapper{kind: KindUndefined}
	}
}

// Kind returns the variant the wrapper holds.
func (w *Wrapper) Kind() Kind { return w.kind }

// Unwrap materializes the wrapped value inside rt. Must be called on the
// goroutine owning rt. Objects and arrays are rebuilt property by
// property; a captured function unwraps to a proxy that marshals the call
// back to the function's source runtime.
func (w *Wrapper) Unwrap(rt *goja.Runtime) goja.Value {
	switch w.kind {
	case KindUndefined:
		return goja.Undefined()
	case KindNull:
		return goja.Null()
	case KindBool:
		return rt.ToValue(w.boolVal)
	case KindNumber:
		return rt.ToValue(w.numVal)
	case KindString:
		return rt.ToValue(w.strVal)
	case KindArray:
		arr := rt.NewArray()
		w.mu.Lock()
		items := make([]*Wrapper, len(w.items))
		copy(items, w.items)
		w.mu.Unlock()
		for i, item := range items {
			if err := arr.Set(strconv.Itoa(i), item.Unwrap(rt)); err != nil {
				Logger().Warn("populating unwrapped array", zap.Int("index", i), zap.Error(err))
			}
		}
		return arr
	case KindObject:
		obj := rt.NewObject()
		w.mu.Lock()
		keys := make([]string, len(w.keys))
		copy(keys, w.keys)
		props := make(map[string]*Wrapper, len(w.props))
		for k, p := range w.props {
			props[k] = p
		}
		w.mu.Unlock()
		for _, key := range keys {
			if err := obj.Set(key, props[key].Unwrap(rt)); err != nil {
				Logger().Warn("populating unwrapped object", zap.String("key", key), zap.Error(err))
			}
		}
		return obj
	case KindFunction:
		if rt == w.srcRT {
			return w.fnVal
		}
		return rt.ToValue(w.newFunctionProxy(rt))
	}
	return goja.Undefined()
}

// newFunctionProxy builds a native function for the target runtime that
// forwards calls to the captured function in its source runtime. The call
// is marshalled through the source runtime's owning context so the source
// runtime is only ever touched from its own goroutine. If that context is
// gone, the proxy returns undefined with a diagnostic.
func (w *Wrapper) newFunctionProxy(rt *goja.Runtime) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		source := CurrentContext(w.srcRT)
		if source == nil {
			Logger().Warn("dropping call to function whose source runtime is gone")
			return goja.Undefined()
		}

		// Capture the arguments on the calling goroutine, which owns rt.
		wrappedArgs := make([]*Wrapper, len(call.Arguments))
		for i, arg := range call.Arguments {
			wrappedArgs[i] = Wrap(rt, arg)
		}

		var result *Wrapper
		err := source.InvokeSync(func(srcRT *goja.Runtime) error {
			args := make([]goja.Value, len(wrappedArgs))
			for i, arg := range wrappedArgs {
				args[i] = arg.Unwrap(srcRT)
			}
			v, callErr := w.fn(goja.Undefined(), args...)
			if callErr != nil {
				return callErr
			}
			result = Wrap(srcRT, v)
			return nil
		})
		if err != nil {
			Logger().Warn("marshalled function call failed", zap.Error(err))
			return goja.Undefined()
		}
		return result.Unwrap(rt)
	}
}

// GetProperty returns the wrapped property value for an object wrapper,
// or nil if absent or the wrapper is not an object.
func (w *Wrapper) GetProperty(name string) *Wrapper {
	if w.kind != KindObject {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.props[name]
}

// SetProperty mutates an object wrapper in place so later Unwraps observe
// the update. While the originally captured object's context is still
// alive, the write is also propagated back to it; once that runtime is
// gone the write-back silently becomes a no-op.
func (w *Wrapper) SetProperty(name string, value *Wrapper) {
	if w.kind != KindObject {
		return
	}
	w.mu.Lock()
	if _, exists := w.props[name]; !exists {
		w.keys = append(w.keys, name)
	}
	w.props[name] = value
	original := w.original
	w.mu.Unlock()

	if original == nil {
		return
	}
	source := CurrentContext(w.srcRT)
	if source == nil {
		return
	}
	source.Invoke(func(srcRT *goja.Runtime) {
		if err := original.Set(name, value.Unwrap(srcRT)); err != nil {
			Logger().Warn("writing property back to captured object",
				zap.String("key", name), zap.Error(err))
		}
	})
}

// Len returns the element count of an array wrapper, or 0 otherwise.
func (w *Wrapper) Len() int {
	if w.kind != KindArray {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// GetIndex returns the wrapped element at i of an array wrapper, or nil
// when out of range.
func (w *Wrapper) GetIndex(i int) *Wrapper {
	if w.kind != KindArray {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if i < 0 || i >= len(w.items) {
		return nil
	}
	return w.items[i]
}

// SetIndex mutates an array wrapper element in place, with the same
// write-back policy as SetProperty.
func (w *Wrapper) SetIndex(i int, value *Wrapper) {
	if w.kind != KindArray {
		return
	}
	w.mu.Lock()
	if i < 0 || i >= len(w.items) {
		w.mu.Unlock()
		return
	}
	w.items[i] = value
	original := w.original
	w.mu.Unlock()

	if original == nil {
		return
	}
	source := CurrentContext(w.srcRT)
	if source == nil {
		return
	}
	source.Invoke(func(srcRT *goja.Runtime) {
		if err := original.Set(strconv.Itoa(i), value.Unwrap(srcRT)); err != nil {
			Logger().Warn("writing element back to captured array",
				zap.Int("index", i), zap.Error(err))
		}
	})
}

// Convenience constructors for host-built wrappers.

// WrapUndefined returns an undefined wrapper.
func WrapUndefined() *Wrapper { return &Wrapper{kind: KindUndefined} }

// WrapBool wraps a host bool.
func WrapBool(b bool) *Wrapper { return &Wrapper{kind: KindBool, boolVal: b} }

// WrapNumber wraps a host number.
func WrapNumber(n float64) *Wrapper { return &Wrapper{kind: KindNumber, numVal: n} }

// WrapString wraps a host string. The content is copied; no buffer is
// shared across runtimes.
func WrapString(s string) *Wrapper { return &Wrapper{kind: KindString, strVal: s} }

// Bool returns the bool payload (false for other kinds).
func (w *Wrapper) Bool() bool { return w.boolVal }

// Number returns the numeric payload (0 for other kinds).
func (w *Wrapper) Number() float64 { return w.numVal }

// String returns the string payload, or the kind name for non-strings.
func (w *Wrapper) String() string {
	if w.kind == KindString {
		return w.strVal
	}
	return w.kind.String()
}

// isNullish reports whether v is absent, undefined or null.
func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}
