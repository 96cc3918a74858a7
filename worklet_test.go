package worklets

import (
	"errors"
	"testing"

	"github.com/dop251/goja"
)

// makeModernWorklet builds a function decorated with the __initData shape.
func makeModernWorklet(t *testing.T, rt *goja.Runtime, code, location string) *goja.Object {
	t.Helper()
	v, err := rt.RunString("(" + code + "\n)")
	if err != nil {
		t.Fatalf("evaluating worklet body: %v", err)
	}
	fnObj, ok := v.(*goja.Object)
	if !ok {
		t.Fatalf("worklet body did not evaluate to an object")
	}
	initData := rt.NewObject()
	if err := initData.Set(propInitDataLocation, location); err != nil {
		t.Fatalf("setting location: %v", err)
	}
	if err := initData.Set(propInitDataCode, code); err != nil {
		t.Fatalf("setting code: %v", err)
	}
	if err := fnObj.Set(propInitData, initData); err != nil {
		t.Fatalf("setting init data: %v", err)
	}
	return fnObj
}

// makeLegacyWorklet builds a function decorated with the stringified
// source and location shape.
func makeLegacyWorklet(t *testing.T, rt *goja.Runtime, code, location string) *goja.Object {
	t.Helper()
	v, err := rt.RunString("(" + code + "\n)")
	if err != nil {
		t.Fatalf("evaluating worklet body: %v", err)
	}
	fnObj := v.(*goja.Object)
	if err := fnObj.Set(propAsString, code); err != nil {
		t.Fatalf("setting asString: %v", err)
	}
	if err := fnObj.Set(propLocation, location); err != nil {
		t.Fatalf("setting location: %v", err)
	}
	return fnObj
}

func TestNewWorklet_ParsesModernFormat(t *testing.T) {
	rt := goja.New()
	fn := makeModernWorklet(t, rt, "x => x + 1", "f.js")

	w, err := NewWorklet(rt, fn)
	if err != nil {
		t.Fatalf("NewWorklet: %v", err)
	}
	if !w.IsWorklet() {
		t.Fatal("modern-decorated function not recognized as worklet")
	}
	if w.Code() != "x => x + 1" {
		t.Errorf("code = %q", w.Code())
	}
	if w.Location() != "f.js" {
		t.Errorf("location = %q", w.Location())
	}
	if w.format != formatModern {
		t.Errorf("format = %v, want modern", w.format)
	}
	if w.Closure() != nil {
		t.Error("closure should be nil for a closure-free worklet")
	}
}

func TestNewWorklet_ParsesLegacyFormat(t *testing.T) {
	rt := goja.New()
	fn := makeLegacyWorklet(t, rt, "function (a, b) { return a + b; }", "legacy.js")

	w, err := NewWorklet(rt, fn)
	if err != nil {
		t.Fatalf("NewWorklet: %v", err)
	}
	if !w.IsWorklet() {
		t.Fatal("legacy-decorated function not recognized as worklet")
	}
	if w.format != formatLegacy {
		t.Errorf("format = %v, want legacy", w.format)
	}
	if w.Location() != "legacy.js" {
		t.Errorf("location = %q", w.Location())
	}
}

func TestNewWorklet_ModernFormatWinsOverLegacy(t *testing.T) {
	rt := goja.New()
	fn := makeModernWorklet(t, rt, "x => x * 2", "modern.js")
	if err := fn.Set(propAsString, "function () { return 0; }"); err != nil {
		t.Fatalf("setting asString: %v", err)
	}
	if err := fn.Set(propLocation, "legacy.js"); err != nil {
		t.Fatalf("setting location: %v", err)
	}

	w, err := NewWorklet(rt, fn)
	if err != nil {
		t.Fatalf("NewWorklet: %v", err)
	}
	if w.format != formatModern {
		t.Errorf("format = %v, want modern to win", w.format)
	}
	if w.Location() != "modern.js" {
		t.Errorf("location = %q, want modern.js", w.Location())
	}
}

func TestNewWorklet_PlainFunctionIsInvalidNotError(t *testing.T) {
	rt := goja.New()
	v, err := rt.RunString("(x => x)")
	if err != nil {
		t.Fatalf("evaluating function: %v", err)
	}

	w, err := NewWorklet(rt, v)
	if err != nil {
		t.Fatalf("undecorated function must not error, got %v", err)
	}
	if w.IsWorklet() {
		t.Error("undecorated function reported as worklet")
	}
}

func TestNewWorklet_NonFunctionErrors(t *testing.T) {
	rt := goja.New()
	for _, js := range []string{"42", "'str'", "({})", "null"} {
		v, err := rt.RunString("(" + js + ")")
		if err != nil {
			t.Fatalf("evaluating %q: %v", js, err)
		}
		if _, err := NewWorklet(rt, v); !errors.Is(err, ErrNotAFunction) {
			t.Errorf("%s: err = %v, want ErrNotAFunction", js, err)
		}
	}
}

func TestNewWorklet_EmptyCodeRaisesAtConstruction(t *testing.T) {
	rt := goja.New()
	for _, code := range []string{"", "   ", "\n\t", "()"} {
		v, err := rt.RunString("(x => x)")
		if err != nil {
			t.Fatalf("evaluating function: %v", err)
		}
		fnObj := v.(*goja.Object)
		initData := rt.NewObject()
		_ = initData.Set(propInitDataLocation, "empty.js")
		_ = initData.Set(propInitDataCode, code)
		_ = fnObj.Set(propInitData, initData)

		if _, err := NewWorklet(rt, v); !errors.Is(err, ErrEmptyWorkletCode) {
			t.Errorf("code %q: err = %v, want ErrEmptyWorkletCode", code, err)
		}
	}
}

func TestNewWorklet_MissingInitDataFieldsYieldInvalid(t *testing.T) {
	rt := goja.New()

	// location present but code missing.
	v, err := rt.RunString("(x => x)")
	if err != nil {
		t.Fatalf("evaluating function: %v", err)
	}
	fnObj := v.(*goja.Object)
	initData := rt.NewObject()
	_ = initData.Set(propInitDataLocation, "f.js")
	_ = fnObj.Set(propInitData, initData)

	w, err := NewWorklet(rt, v)
	if err != nil {
		t.Fatalf("missing code must not error, got %v", err)
	}
	if w.IsWorklet() {
		t.Error("init data without code reported as worklet")
	}

	// code present but location non-string.
	_ = initData.Set(propInitDataCode, "x => x + 1")
	_ = initData.Set(propInitDataLocation, 42)
	w, err = NewWorklet(rt, v)
	if err != nil {
		t.Fatalf("non-string location must not error, got %v", err)
	}
	if w.IsWorklet() {
		t.Error("init data with non-string location reported as worklet")
	}
}

func TestNewWorklet_CapturesModernClosure(t *testing.T) {
	rt := goja.New()
	fn := makeModernWorklet(t, rt, "function () { return this._closure.offset; }", "c.js")
	closure, err := rt.RunString("({offset: 10})")
	if err != nil {
		t.Fatalf("building closure: %v", err)
	}
	if err := fn.Set(propClosure, closure); err != nil {
		t.Fatalf("setting closure: %v", err)
	}

	w, err := NewWorklet(rt, fn)
	if err != nil {
		t.Fatalf("NewWorklet: %v", err)
	}
	if w.Closure() == nil {
		t.Fatal("closure not captured")
	}
	if got := w.Closure().GetProperty("offset").Number(); got != 10 {
		t.Errorf("closure offset = %v, want 10", got)
	}
}

func TestNewWorklet_FallsBackToLegacyClosureName(t *testing.T) {
	rt := goja.New()
	fn := makeModernWorklet(t, rt, "function () { return 1; }", "c.js")
	closure, err := rt.RunString("({base: 2})")
	if err != nil {
		t.Fatalf("building closure: %v", err)
	}
	if err := fn.Set(propClosureLegacy, closure); err != nil {
		t.Fatalf("setting legacy closure: %v", err)
	}

	w, err := NewWorklet(rt, fn)
	if err != nil {
		t.Fatalf("NewWorklet: %v", err)
	}
	if w.Closure() == nil {
		t.Fatal("legacy-named closure not captured")
	}
}

func TestNewWorklet_CapturesName(t *testing.T) {
	rt := goja.New()
	fn := makeModernWorklet(t, rt, "function addOne(x) { return x + 1; }", "n.js")

	w, err := NewWorklet(rt, fn)
	if err != nil {
		t.Fatalf("NewWorklet: %v", err)
	}
	if got := w.Name(""); got != "addOne" {
		t.Errorf("name = %q, want addOne", got)
	}

	anon := makeModernWorklet(t, rt, "x => x", "a.js")
	w, err = NewWorklet(rt, anon)
	if err != nil {
		t.Fatalf("NewWorklet: %v", err)
	}
	if got := w.Name("fallback"); got != "fallback" {
		t.Errorf("name = %q, want fallback", got)
	}
}

func TestIsDecoratedAsWorklet(t *testing.T) {
	rt := goja.New()

	plain, err := rt.RunString("(x => x)")
	if err != nil {
		t.Fatalf("evaluating function: %v", err)
	}
	if IsDecoratedAsWorklet(rt, plain) {
		t.Error("plain function reported as decorated")
	}

	num, _ := rt.RunString("42")
	if IsDecoratedAsWorklet(rt, num) {
		t.Error("number reported as decorated")
	}

	// Hash alone is sufficient.
	hashed, _ := rt.RunString("(x => x)")
	_ = hashed.(*goja.Object).Set(propWorkletHash, "abc123")
	if !IsDecoratedAsWorklet(rt, hashed) {
		t.Error("hash-decorated function not recognized")
	}

	// Closure plus init data.
	modern := makeModernWorklet(t, rt, "x => x + 1", "p.js")
	closure, _ := rt.RunString("({})")
	_ = modern.Set(propClosure, closure)
	if !IsDecoratedAsWorklet(rt, modern) {
		t.Error("modern-decorated function not recognized")
	}

	// Closure plus legacy stringified source.
	legacy := makeLegacyWorklet(t, rt, "function () { return 1; }", "l.js")
	_ = legacy.Set(propClosureLegacy, closure)
	if !IsDecoratedAsWorklet(rt, legacy) {
		t.Error("legacy-decorated function not recognized")
	}

	// Closure alone is not enough.
	closureOnly, _ := rt.RunString("(x => x)")
	_ = closureOnly.(*goja.Object).Set(propClosure, closure)
	if IsDecoratedAsWorklet(rt, closureOnly) {
		t.Error("closure-only function reported as decorated")
	}
}

func TestCompileIn_ProducesCallable(t *testing.T) {
	rt := goja.New()
	fn := makeModernWorklet(t, rt, "x => x + 1", "ok.js")
	w, err := NewWorklet(rt, fn)
	if err != nil {
		t.Fatalf("NewWorklet: %v", err)
	}

	compiled := w.compileIn(rt)
	res, err := compiled(goja.Undefined(), rt.ToValue(41))
	if err != nil {
		t.Fatalf("calling compiled worklet: %v", err)
	}
	if got := res.ToInteger(); got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestCompileIn_FailureDegradesToNoop(t *testing.T) {
	rt := goja.New()

	// Syntax error in the stored source.
	broken := &Worklet{code: "function ( { nope", location: "broken.js", format: formatModern, valid: true}
	noop := broken.compileIn(rt)
	res, err := noop(goja.Undefined(), rt.ToValue(1), rt.ToValue(2))
	if err != nil {
		t.Fatalf("no-op callable must not raise, got %v", err)
	}
	if !goja.IsUndefined(res) {
		t.Errorf("no-op result = %v, want undefined", res)
	}

	// Evaluates fine but is not a function.
	nonFn := &Worklet{code: "1 + 1", location: "nonfn.js", format: formatModern, valid: true}
	noop = nonFn.compileIn(rt)
	res, err = noop(goja.Undefined())
	if err != nil {
		t.Fatalf("no-op callable must not raise, got %v", err)
	}
	if !goja.IsUndefined(res) {
		t.Errorf("no-op result = %v, want undefined", res)
	}
}
