package sysapps

import (
	"context"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/loader"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// Entry symbols flash manifests may name
const (
	EntryHello    = "hello_main"
	EntryFaulty   = "faulty_main"
	EntryStubborn = "stubborn_main"
	EntrySteps    = "steps_worker_main"
)

// RegisterEntries binds the demo flash entry symbols
func RegisterEntries(entries *loader.EntryTable) {
	entries.Register(EntryHello, helloMain)
	entries.Register(EntryFaulty, faultyMain)
	entries.Register(EntryStubborn, stubbornMain)
	entries.Register(EntrySteps, stepsWorkerMain)
}

// helloMain allocates a scratch buffer and, on select, reports success and
// exits so the user lands on the default watchface.
func helloMain(ctx context.Context, rt *process.Runtime) {
	buf, err := rt.Malloc(64)
	if err != nil {
		rt.Logger().Warn("scratch allocation failed", zap.Error(err))
	}
	defer func() {
		if buf != 0 {
			_ = rt.Free(buf)
		}
	}()

	for {
		ev, ok := rt.Next()
		if !ok {
			return
		}
		switch ev.Type {
		case types.ProcessEventDeinit:
			rt.Exit()
			return
		case types.ProcessEventCallback:
			if ev.Callback != nil {
				ev.Callback()
			}
		case types.ProcessEventButton:
			if ev.Button == types.ButtonSelect {
				rt.SetExitReason(types.ExitActionPerformedSuccessfully)
				rt.Exit()
				return
			}
		}
	}
}

// faultyMain crashes when select is pressed
func faultyMain(ctx context.Context, rt *process.Runtime) {
	rt.RunEventLoop(func(ev types.ProcessEvent) {
		if ev.Type == types.ProcessEventButton && ev.Button == types.ButtonSelect {
			var table map[string]int
			table["boom"]++
		}
	})
}

// stubbornMain ignores deinit and has to be force closed
func stubbornMain(ctx context.Context, rt *process.Runtime) {
	for {
		if _, ok := rt.Next(); !ok {
			return
		}
	}
}

// stepsWorkerMain counts minute ticks in the background
func stepsWorkerMain(ctx context.Context, rt *process.Runtime) {
	rt.Subscribe(loader.TopicMinute)
	minutes := 0
	rt.RunEventLoop(func(ev types.ProcessEvent) {
		if ev.Type == types.ProcessEventTick {
			minutes++
			rt.Logger().Debug("steps sample", zap.Int("minutes", minutes))
		}
	})
}
