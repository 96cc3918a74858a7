package worklets

import (
	"sync/atomic"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// compiledWorklet is the per-runtime compiled artifact: the callable
// produced by evaluating the worklet in one specific runtime, the `this`
// object reused across modern-convention calls, and the context owning
// the runtime (resolved when the artifact is first compiled).
type compiledWorklet struct {
	fn      goja.Callable
	thisObj *goja.Object
	owner   *Context
}

// Invoker orchestrates lazy per-runtime compilation and invocation of one
// worklet. It is safe to call from multiple contexts as long as each Call
// runs on the goroutine owning the runtime it is given.
type Invoker struct {
	worklet *Worklet
	cache   *RuntimeLocalCache[compiledWorklet]
	closed  atomic.Bool
}

// NewInvoker creates an invoker for an already-parsed worklet.
func NewInvoker(w *Worklet) *Invoker {
	return &Invoker{
		worklet: w,
		cache:   NewRuntimeLocalCache[compiledWorklet](),
	}
}

// NewInvokerFromValue parses value on rt's goroutine and wraps the result
// in an invoker. Parse errors propagate unchanged.
func NewInvokerFromValue(rt *goja.Runtime, value goja.Value) (*Invoker, error) {
	w, err := NewWorklet(rt, value)
	if err != nil {
		return nil, err
	}
	return NewInvoker(w), nil
}

// Worklet returns the invoker's underlying worklet.
func (inv *Invoker) Worklet() *Worklet { return inv.worklet }

// Call invokes the worklet inside rt. The compiled callable for rt is
// created on first use and reused afterwards; a second runtime gets an
// independent compile. Errors thrown during invocation never escape: the
// result degrades to undefined with a diagnostic.
//
// Must be called on the goroutine owning rt.
func (inv *Invoker) Call(rt *goja.Runtime, this goja.Value, args ...goja.Value) goja.Value {
	entry := inv.cache.Get(rt)
	if entry.fn == nil {
		entry.fn = inv.worklet.compileIn(rt)
		entry.owner = CurrentContext(rt)
	}

	closure := goja.Undefined()
	if inv.worklet.closure != nil {
		closure = inv.worklet.closure.Unwrap(rt)
	}

	if inv.worklet.format == formatLegacy {
		return inv.callLegacy(rt, entry, this, closure, args)
	}
	return inv.callModern(rt, entry, this, closure, args)
}

// callModern invokes with a `this` object carrying the closure under both
// the modern and legacy property names. Generated code may read either.
func (inv *Invoker) callModern(rt *goja.Runtime, entry *compiledWorklet, this goja.Value, closure goja.Value, args []goja.Value) goja.Value {
	resolvedThis, ok := this.(*goja.Object)
	if !ok {
		if entry.thisObj == nil {
			entry.thisObj = rt.NewObject()
		}
		resolvedThis = entry.thisObj
	}

	if !isNullish(closure) {
		_ = resolvedThis.Set(propClosure, closure)
		_ = resolvedThis.Set(propClosureLegacy, closure)
	}

	return inv.contained(entry.fn, resolvedThis, args)
}

// callLegacy installs a transient closure holder as the global jsThis
// slot for the duration of the call. The previous slot value is restored
// on the way out, including when the call throws, so nested invocations
// compose correctly.
func (inv *Invoker) callLegacy(rt *goja.Runtime, entry *compiledWorklet, this goja.Value, closure goja.Value, args []goja.Value) goja.Value {
	jsThis := rt.NewObject()
	if !isNullish(closure) {
		_ = jsThis.Set(propClosure, closure)
		_ = jsThis.Set(propClosureLegacy, closure)
	}

	global := rt.GlobalObject()
	previous := global.Get(propJsThis)
	if previous == nil {
		previous = goja.Undefined()
	}
	_ = global.Set(propJsThis, jsThis)
	defer func() {
		_ = global.Set(propJsThis, previous)
	}()

	if thisObj, ok := this.(*goja.Object); ok {
		return inv.contained(entry.fn, thisObj, args)
	}
	return inv.contained(entry.fn, goja.Undefined(), args)
}

// contained runs the compiled callable and absorbs both script errors and
// unexpected native panics at the invocation boundary.
func (inv *Invoker) contained(fn goja.Callable, this goja.Value, args []goja.Value) (result goja.Value) {
	result = goja.Undefined()
	defer func() {
		if p := recover(); p != nil {
			Logger().Error("unexpected failure invoking worklet",
				zap.String("location", inv.worklet.location), zap.Any("panic", p))
			result = goja.Undefined()
		}
	}()

	v, err := fn(this, args...)
	if err != nil {
		Logger().Warn("worklet invocation threw",
			zap.String("location", inv.worklet.location), zap.Error(err))
		return goja.Undefined()
	}
	if v == nil {
		return goja.Undefined()
	}
	return v
}

// CallAsync schedules an invocation onto target and returns a channel
// that yields the wrapped result. Arguments cross goroutines as wrappers
// and are materialized on target's runtime. The channel is closed without
// a value when target no longer accepts work.
func (inv *Invoker) CallAsync(target *Context, args ...*Wrapper) <-chan *Wrapper {
	ch := make(chan *Wrapper, 1)
	accepted := target.enqueue(func(rt *goja.Runtime) {
		vals := make([]goja.Value, len(args))
		for i, arg := range args {
			vals[i] = arg.Unwrap(rt)
		}
		ch <- Wrap(rt, inv.Call(rt, goja.Undefined(), vals...))
	})
	if !accepted {
		close(ch)
	}
	return ch
}

// Close releases the per-runtime compiled artifacts. Engine objects carry
// a single-goroutine ownership contract, so each artifact is released via
// its owning context's queue rather than inline; the default context
// stands in when the owner was never resolved. Close is idempotent.
func (inv *Invoker) Close() {
	if inv.closed.Swap(true) {
		return
	}
	for rt, entry := range inv.cache.Entries() {
		owner := entry.owner
		if owner == nil {
			owner = CurrentContext(rt)
		}
		if owner == nil {
			owner = DefaultContext()
		}
		released := entry
		if owner != nil {
			owner.Invoke(func(*goja.Runtime) {
				released.fn = nil
				released.thisObj = nil
			})
		}
	}
	inv.cache.Release()
}
