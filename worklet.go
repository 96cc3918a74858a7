package worklets

import (
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Property names used by the two wire formats build tooling decorates
// worklet functions with.
const (
	propWorkletHash       = "__workletHash"
	propInitData          = "__initData"
	propInitDataCode      = "code"
	propInitDataLocation  = "location"
	propInitDataSourceMap = "__sourceMap"

	propAsString = "asString"
	propLocation = "__location"

	// Modern closure name, with the legacy fallback.
	propClosure       = "_closure"
	propClosureLegacy = "__closure"

	propName   = "name"
	propJsThis = "jsThis"
)

// workletFormat is decided once at parse time; all downstream calling
// convention logic switches on it.
type workletFormat int

const (
	formatNone workletFormat = iota
	formatModern
	formatLegacy
)

// Worklet is one transplantable function: source code plus an optional
// wrapped closure, parsed from a decorated function value. A Worklet is
// either fully valid or explicitly invalid; it is immutable after
// construction.
type Worklet struct {
	code     string
	location string
	name     string
	format   workletFormat
	closure  *Wrapper
	valid    bool
}

// NewWorklet parses value, which must be a function, against the modern
// format first and the legacy format second. A function carrying neither
// shape yields an explicitly invalid Worklet and no error, so callers can
// probe capabilities cheaply. Degenerate code on a decorated function is
// an error: it means the build tooling is misconfigured.
//
// Must be called on the goroutine owning rt.
func NewWorklet(rt *goja.Runtime, value goja.Value) (*Worklet, error) {
	fnObj, ok := asFunctionObject(value)
	if !ok {
		return nil, ErrNotAFunction
	}

	w := &Worklet{name: "fn"}

	if initData, ok := asObject(fnObj.Get(propInitData)); ok {
		location, ok := asString(initData.Get(propInitDataLocation))
		if !ok {
			return w, nil
		}
		code, ok := asString(initData.Get(propInitDataCode))
		if !ok {
			return w, nil
		}
		w.location = location
		w.code = code
		w.format = formatModern
	} else {
		code, ok := asString(fnObj.Get(propAsString))
		if !ok {
			return w, nil
		}
		location, ok := asString(fnObj.Get(propLocation))
		if !ok {
			return w, nil
		}
		w.code = code
		w.location = location
		w.format = formatLegacy
	}

	if isDegenerateCode(w.code) {
		return nil, newEmptyCodeError(w.location)
	}

	closure := fnObj.Get(propClosure)
	if isNullish(closure) {
		closure = fnObj.Get(propClosureLegacy)
	}
	if !isNullish(closure) {
		w.closure = Wrap(rt, closure)
	}

	if name, ok := asString(fnObj.Get(propName)); ok && name != "" {
		w.name = name
	}

	w.valid = true
	return w, nil
}

// IsDecoratedAsWorklet reports whether value looks like a transplantable
// worklet without fully parsing it. It never raises; any non-conforming
// shape is simply not a worklet.
func IsDecoratedAsWorklet(rt *goja.Runtime, value goja.Value) bool {
	fnObj, ok := asFunctionObject(value)
	if !ok {
		return false
	}

	if _, ok := asString(fnObj.Get(propWorkletHash)); ok {
		return true
	}

	closure := fnObj.Get(propClosure)
	if isNullish(closure) {
		closure = fnObj.Get(propClosureLegacy)
	}
	if isNullish(closure) {
		return false
	}

	if _, ok := asObject(fnObj.Get(propInitData)); ok {
		return true
	}
	_, ok = asString(fnObj.Get(propAsString))
	return ok
}

// IsWorklet reports whether parsing recognized one of the wire formats.
func (w *Worklet) IsWorklet() bool { return w.valid }

// Code returns the worklet's source code text.
func (w *Worklet) Code() string { return w.code }

// Location returns the source location string carried for diagnostics.
func (w *Worklet) Location() string { return w.location }

// Name returns the declared function name, or defaultName when the
// worklet carries none beyond the "fn" placeholder.
func (w *Worklet) Name(defaultName string) string {
	if w.name != "" && w.name != "fn" {
		return w.name
	}
	if defaultName != "" {
		return defaultName
	}
	return w.name
}

// Closure returns the wrapped captured variables, or nil for a
// closure-free worklet.
func (w *Worklet) Closure() *Wrapper { return w.closure }

// noopCallable is returned when compilation fails so a dispatch call site
// never crashes over one worklet that failed to materialize.
func noopCallable(goja.Value, ...goja.Value) (goja.Value, error) {
	return goja.Undefined(), nil
}

// compileIn evaluates the worklet's source, wrapped in a parenthesized
// expression, inside rt and returns the resulting callable. Evaluation
// errors and non-function results degrade to a no-op callable with a
// diagnostic; compileIn never raises.
//
// Must be called on the goroutine owning rt.
func (w *Worklet) compileIn(rt *goja.Runtime) goja.Callable {
	if !w.valid || isDegenerateCode(w.code) {
		Logger().Warn("compiling invalid worklet, returning no-op",
			zap.String("location", w.location))
		return noopCallable
	}

	wrapped := "(" + w.code + "\n)"
	v, err := rt.RunScript(w.location, wrapped)
	if err != nil {
		Logger().Warn("worklet evaluation failed, returning no-op",
			zap.String("location", w.location), zap.Error(err))
		return noopCallable
	}

	fn, ok := goja.AssertFunction(v)
	if !ok {
		Logger().Warn("worklet evaluation did not yield a function, returning no-op",
			zap.String("location", w.location))
		return noopCallable
	}
	return fn
}

// isDegenerateCode reports whether code is empty, whitespace-only or too
// short to be a function. Evaluating payloads like "()" crashes, so they
// are rejected up front.
func isDegenerateCode(code string) bool {
	if strings.TrimSpace(code) == "" {
		return true
	}
	return len(code) <= 3
}

// asFunctionObject returns v as an object if it is callable.
func asFunctionObject(v goja.Value) (*goja.Object, bool) {
	obj, ok := asObject(v)
	if !ok {
		return nil, false
	}
	if _, ok := goja.AssertFunction(v); !ok {
		return nil, false
	}
	return obj, true
}

// asObject returns v as an object without coercing primitives.
func asObject(v goja.Value) (*goja.Object, bool) {
	if isNullish(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	return obj, ok
}

// asString returns v's string payload if v is a JS string.
func asString(v goja.Value) (string, bool) {
	if isNullish(v) {
		return "", false
	}
	s, ok := v.Export().(string)
	return s, ok
}
