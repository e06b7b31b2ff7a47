// Package script runs results entry through a JavaScript module. The module
// assigns module.exports (or exports) an object with an enterResults(patient,
// assessments) function returning a boolean.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/actuator"
)

// Name is the registry key of the script actuator.
const Name = "script"

const entryPoint = "enterResults"

// ErrNoEntryPoint reports a module without an enterResults export.
var ErrNoEntryPoint = errors.New("script module does not export " + entryPoint)

// Actuator calls the module's entry point on a single runtime. Calls are
// serialised because a goja runtime is not safe for concurrent use.
type Actuator struct {
	mu   sync.Mutex
	name string
	rt   *goja.Runtime
	fn   goja.Callable
	log  *slog.Logger
}

// Load compiles the module at path.
func Load(path string, log *slog.Logger) (*Actuator, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("script actuator: path required")
	}
	clean := filepath.Clean(trimmed)
	source, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("script actuator: read %q: %w", clean, err)
	}
	return Compile(clean, string(source), log)
}

// Compile builds an actuator from module source; name is used in stack traces.
func Compile(name, source string, log *slog.Logger) (*Actuator, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "actuator", "actuator", Name, "module", name)

	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("script actuator: compile %q: %w", name, err)
	}
	rt := goja.New()
	exports, err := runModule(rt, prog, log)
	if err != nil {
		return nil, fmt.Errorf("script actuator: %q: %w", name, err)
	}
	fn, ok := goja.AssertFunction(exports.Get(entryPoint))
	if !ok {
		return nil, fmt.Errorf("script actuator: %q: %w", name, ErrNoEntryPoint)
	}
	return &Actuator{name: name, rt: rt, fn: fn, log: log}, nil
}

func (a *Actuator) EnterResults(ctx context.Context, patient string, assessments []actuator.Assessment) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	stop := context.AfterFunc(ctx, func() { a.rt.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		a.rt.ClearInterrupt()
	}()

	if assessments == nil {
		assessments = []actuator.Assessment{}
	}
	res, err := a.fn(goja.Undefined(), a.rt.ToValue(patient), a.rt.ToValue(assessments))
	if err != nil {
		return false, fmt.Errorf("script %s: %w", entryPoint, err)
	}
	ok := res.ToBoolean()
	a.log.Debug("script entry finished", "patient", patient, "success", ok)
	return ok, nil
}

func runModule(rt *goja.Runtime, program *goja.Program, log *slog.Logger) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt, log)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	value := module.Get("exports")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("module exports must be an object")
	}
	obj := value.ToObject(rt)
	if obj == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return obj, nil
}

// buildConsole routes console output to the structured logger.
func buildConsole(rt *goja.Runtime, log *slog.Logger) *goja.Object {
	console := rt.NewObject()
	emit := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			log.Log(context.Background(), level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", emit(slog.LevelInfo))
	_ = console.Set("info", emit(slog.LevelInfo))
	_ = console.Set("warn", emit(slog.LevelWarn))
	_ = console.Set("error", emit(slog.LevelError))
	_ = console.Set("debug", emit(slog.LevelDebug))
	return console
}
