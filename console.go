package worklets

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// setupConsole installs a Go-backed console into rt that forwards script
// output to the package logger, tagged with the owning context's label.
// Worklet runtimes start without a console, so scripts that log would
// otherwise throw.
func setupConsole(rt *goja.Runtime, label string) error {
	console := rt.NewObject()

	levels := []string{"log", "info", "warn", "error", "debug"}
	for _, level := range levels {
		lvl := level // capture for closure
		fn := func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, formatConsoleArg(arg))
			}
			msg := strings.Join(parts, " ")
			logConsole(lvl, msg, label)
			return goja.Undefined()
		}
		if err := console.Set(lvl, fn); err != nil {
			return fmt.Errorf("setting console.%s: %w", lvl, err)
		}
	}

	if err := rt.GlobalObject().Set("console", console); err != nil {
		return fmt.Errorf("setting console global: %w", err)
	}
	return nil
}

// formatConsoleArg renders one console argument. Objects go through
// JSON.stringify semantics via Export so nested values stay readable.
func formatConsoleArg(v goja.Value) string {
	if isNullish(v) {
		return v.String()
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(v); !isFn {
			return fmt.Sprintf("%v", obj.Export())
		}
	}
	return v.String()
}

// logConsole maps console levels onto the package logger.
func logConsole(level, msg, label string) {
	field := zap.String("context", label)
	switch level {
	case "warn":
		Logger().Warn(msg, field)
	case "error":
		Logger().Error(msg, field)
	case "debug":
		Logger().Debug(msg, field)
	default:
		Logger().Info(msg, field)
	}
}
