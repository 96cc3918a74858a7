package worklets

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	esbuild "github.com/evanw/esbuild/pkg/api"
)

// WorkletizeOptions configures the build-tooling shim.
type WorkletizeOptions struct {
	// Location is recorded as the worklet's source location. Defaults to
	// "<workletized>".
	Location string

	// TypeScript switches the esbuild loader so TS-annotated functions
	// can be workletized directly.
	TypeScript bool
}

// Workletize turns plain function source into a decorated modern-format
// worklet function inside rt. It stands in for the upstream build plugin:
// the source is lowered with esbuild, evaluated to a function, and
// decorated with the init-data shape NewWorklet parses. Closures are not
// inferred; source handed here must be self-contained.
//
// Must be called on the goroutine owning rt.
func Workletize(rt *goja.Runtime, source string, opts WorkletizeOptions) (goja.Value, error) {
	if opts.Location == "" {
		opts.Location = "<workletized>"
	}

	loader := esbuild.LoaderJS
	if opts.TypeScript {
		loader = esbuild.LoaderTS
	}

	result := esbuild.Transform(source, esbuild.TransformOptions{
		Loader: loader,
		Target: esbuild.ES2017,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return nil, fmt.Errorf("transforming worklet source: %s", strings.Join(msgs, "; "))
	}

	code := strings.TrimSpace(string(result.Code))
	code = strings.TrimSuffix(code, ";")
	if isDegenerateCode(code) {
		return nil, newEmptyCodeError(opts.Location)
	}

	v, err := rt.RunScript(opts.Location, "("+code+"\n)")
	if err != nil {
		return nil, fmt.Errorf("evaluating workletized source: %w", err)
	}
	fnObj, ok := asFunctionObject(v)
	if !ok {
		return nil, ErrNotAFunction
	}

	initData := rt.NewObject()
	if err := initData.Set(propInitDataLocation, opts.Location); err != nil {
		return nil, fmt.Errorf("decorating worklet: %w", err)
	}
	if err := initData.Set(propInitDataCode, code); err != nil {
		return nil, fmt.Errorf("decorating worklet: %w", err)
	}
	if err := fnObj.Set(propInitData, initData); err != nil {
		return nil, fmt.Errorf("decorating worklet: %w", err)
	}

	return v, nil
}
