package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// TopicMinute is published by kernel main once per tick period
const TopicMinute = "minute"

// CompileScript parses a rocky app once at load time
func CompileScript(name, source string) (*goja.Program, error) {
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}
	return program, nil
}

// RockyEntry returns a process main that runs program in a fresh VM on the
// process task. Scripts register handlers with rocky.on(event, fn) for
// "minutechange", "button" and "wakeup". An uncaught exception crashes the
// process.
func RockyEntry(program *goja.Program) process.EntryFunc {
	return func(ctx context.Context, rt *process.Runtime) {
		vm := goja.New()
		vm.SetMaxCallStackSize(1024)

		// The VM can spin outside Runtime calls; destroying the task stops it.
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-rt.Done():
				vm.Interrupt("process destroyed")
			case <-stop:
			}
		}()

		handlers := make(map[string][]goja.Callable)
		setupGlobals(vm, rt, handlers)

		if _, err := vm.RunProgram(program); err != nil {
			if _, interrupted := err.(*goja.InterruptedError); interrupted {
				return
			}
			panic(fmt.Sprintf("rocky: script failed: %v", err))
		}

		if len(handlers["minutechange"]) > 0 {
			rt.Subscribe(TopicMinute)
		}

		rt.RunEventLoop(func(ev types.ProcessEvent) {
			switch ev.Type {
			case types.ProcessEventTick:
				dispatch(vm, handlers["minutechange"], vm.ToValue(map[string]any{"topic": ev.Topic}))
			case types.ProcessEventButton:
				dispatch(vm, handlers["button"], vm.ToValue(map[string]any{"button": int(ev.Button)}))
			case types.ProcessEventWakeup:
				if ev.Wakeup != nil {
					dispatch(vm, handlers["wakeup"], vm.ToValue(map[string]any{"id": ev.Wakeup.ID, "reason": ev.Wakeup.Reason}))
				}
			}
		})
	}
}

func setupGlobals(vm *goja.Runtime, rt *process.Runtime, handlers map[string][]goja.Callable) {
	// Remove host globals
	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())

	console := vm.NewObject()
	console.Set("log", consoleFunc(rt.Logger(), zap.InfoLevel))
	console.Set("info", consoleFunc(rt.Logger(), zap.InfoLevel))
	console.Set("warn", consoleFunc(rt.Logger(), zap.WarnLevel))
	console.Set("error", consoleFunc(rt.Logger(), zap.ErrorLevel))
	vm.Set("console", console)

	rocky := vm.NewObject()
	rocky.Set("on", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.NewTypeError("rocky.on: handler for %q is not a function", event))
		}
		handlers[event] = append(handlers[event], fn)
		return goja.Undefined()
	})
	rocky.Set("exit", func(goja.FunctionCall) goja.Value {
		rt.SetExitReason(types.ExitActionPerformedSuccessfully)
		rt.Exit()
		return goja.Undefined()
	})
	vm.Set("rocky", rocky)
}

func dispatch(vm *goja.Runtime, fns []goja.Callable, arg goja.Value) {
	for _, fn := range fns {
		if _, err := fn(goja.Undefined(), arg); err != nil {
			if _, interrupted := err.(*goja.InterruptedError); interrupted {
				return
			}
			panic(fmt.Sprintf("rocky: handler failed: %v", err))
		}
	}
}

func consoleFunc(logger *zap.Logger, level zapcore.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		if ce := logger.Check(level, strings.Join(parts, " ")); ce != nil {
			ce.Write(zap.String("source", "console"))
		}
		return goja.Undefined()
	}
}
